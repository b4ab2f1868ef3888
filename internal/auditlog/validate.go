package auditlog

import (
	"context"
	"errors"

	"github.com/yourorg/agentguard/internal/canonical"
)

// Break reasons reported by Validate.
const (
	ReasonPrevHashMismatch = "prevHash mismatch"
	ReasonHashMismatch     = "hash mismatch"
	ReasonInvalidJSON      = "invalid JSON"
	ReasonUnreadable       = "store unreadable"
)

// Result describes one validation pass. BreakAt is the 1-based line of the
// first failing record. When Err is set the outcome is undetermined and
// Valid is false.
type Result struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	BreakAt int    `json:"breakAt,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Err     error  `json:"-"`
}

var errChainBreak = errors.New("chain break")

// Validate replays store and checks every link and every hash.
//
// It proves that the records present are internally consistent. Records
// removed from the end of the store leave a shorter valid chain behind and are
// not detected here.
func Validate(ctx context.Context, store Store) Result {
	if store == nil {
		return Result{Reason: ReasonUnreadable, Err: &StorageError{Op: "validate", Err: errors.New("store is not configured")}}
	}
	var res Result
	var expectedPrev *string

	err := store.Scan(ctx, func(lineNo int, line []byte) error {
		doc, err := canonical.Parse(line)
		if err != nil {
			res.BreakAt, res.Reason, res.Err = lineNo, ReasonInvalidJSON, &EncodingError{Line: lineNo, Err: err}
			return errChainBreak
		}
		if !prevHashMatches(doc, expectedPrev) {
			res.BreakAt, res.Reason = lineNo, ReasonPrevHashMismatch
			return errChainBreak
		}
		stored, ok := doc[FieldHash].(string)
		if !ok {
			res.BreakAt, res.Reason = lineNo, ReasonHashMismatch
			return errChainBreak
		}
		computed, err := ComputeHash(doc)
		if err != nil {
			res.BreakAt, res.Reason, res.Err = lineNo, ReasonHashMismatch, &EncodingError{Line: lineNo, Err: err}
			return errChainBreak
		}
		if computed != stored {
			res.BreakAt, res.Reason = lineNo, ReasonHashMismatch
			return errChainBreak
		}
		expectedPrev = strPtr(stored)
		res.Entries++
		return nil
	})
	switch {
	case errors.Is(err, errChainBreak):
		res.Valid = false
	case err != nil:
		res.Valid = false
		res.BreakAt = 0
		res.Reason = ReasonUnreadable
		res.Err = err
	default:
		res.Valid = true
	}
	return res
}

func prevHashMatches(doc map[string]any, expected *string) bool {
	raw, present := doc[FieldPrevHash]
	if !present {
		return false
	}
	if expected == nil {
		return raw == nil
	}
	got, ok := raw.(string)
	return ok && got == *expected
}
