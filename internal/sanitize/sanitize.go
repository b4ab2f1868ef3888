// Package sanitize redacts contact details and caps string size in values
// before they are written to the audit log.
package sanitize

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"
)

const (
	EmailToken  = "[REDACTED_EMAIL]"
	PhoneToken  = "[REDACTED_PHONE]"
	MaskedToken = "[MASKED]"

	DefaultMaxFieldLen = 100
)

var (
	emailPattern = regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`)
	phonePattern = regexp.MustCompile(`(\+?\d{1,3}[-.\s]?)?(?:\(?\d{2,4}\)?[-.\s]?){2,4}\d{3,4}`)
)

// Config controls redaction. MaxFieldLen <= 0 disables masking and
// MaxEntryBytes <= 0 disables the entry size cap.
type Config struct {
	MaxFieldLen   int
	RedactEmails  bool
	RedactPhones  bool
	Level         Level
	MaxEntryBytes int
}

// DefaultConfig mirrors what the audit pipeline uses when nothing is set.
func DefaultConfig() Config {
	return Config{MaxFieldLen: DefaultMaxFieldLen, RedactEmails: true, RedactPhones: true, Level: LevelFull}
}

type Sanitizer struct {
	cfg Config
}

func New(cfg Config) *Sanitizer {
	return &Sanitizer{cfg: cfg}
}

// String redacts one string. Strings still longer than MaxFieldLen runes
// after redaction are replaced by MaskedToken.
func (s *Sanitizer) String(v string) string {
	if s == nil {
		return v
	}
	if s.cfg.RedactEmails {
		v = emailPattern.ReplaceAllString(v, EmailToken)
	}
	if s.cfg.RedactPhones {
		v = phonePattern.ReplaceAllString(v, PhoneToken)
	}
	if s.cfg.MaxFieldLen > 0 && utf8.RuneCountInString(v) > s.cfg.MaxFieldLen {
		return MaskedToken
	}
	return v
}

// Value walks generic JSON values and sanitizes every string leaf. Map keys
// and non-string scalars are left alone.
func (s *Sanitizer) Value(v any) any {
	if s == nil {
		return v
	}
	switch val := v.(type) {
	case string:
		return s.String(val)
	case json.Number:
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.Value(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.Value(item)
		}
		return out
	default:
		return v
	}
}

// Map is Value for an extension map.
func (s *Sanitizer) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := s.Value(m).(map[string]any)
	return out
}
