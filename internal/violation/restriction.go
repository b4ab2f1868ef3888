// Package violation counts policy violations per principal and maps the count
// to an escalating access restriction.
//
// Counts only ever grow. There is no reset, decrement or time-based expiry:
// once a principal reaches Block it stays there.
package violation

import (
	"errors"
	"time"
)

// Restriction is the access policy derived from a violation count.
type Restriction string

const (
	None       Restriction = ""
	Warning    Restriction = "warning"
	Suspend24h Restriction = "suspend-24h"
	Suspend7d  Restriction = "suspend-7d"
	Block      Restriction = "block"
)

// ErrPrincipalRequired is returned for an empty principal id.
var ErrPrincipalRequired = errors.New("violation: principal id is required")

// RestrictionFor maps a violation count to its restriction.
func RestrictionFor(count int) Restriction {
	switch {
	case count <= 0:
		return None
	case count == 1:
		return Warning
	case count == 2:
		return Suspend24h
	case count == 3:
		return Suspend7d
	default:
		return Block
	}
}

// Denies reports whether r stops the principal from operating. A warning
// lets the call through.
func (r Restriction) Denies() bool {
	switch r {
	case Suspend24h, Suspend7d, Block:
		return true
	default:
		return false
	}
}

func (r Restriction) String() string {
	if r == None {
		return "none"
	}
	return string(r)
}

// Record is one principal's persisted counter. The JSON layout matches the
// violation log file: userId, violations, lastViolation.
type Record struct {
	PrincipalID   string     `json:"userId"`
	Violations    int        `json:"violations"`
	LastViolation *time.Time `json:"lastViolation"`
}

// Restriction returns the restriction for the record's current count.
func (r Record) Restriction() Restriction { return RestrictionFor(r.Violations) }
