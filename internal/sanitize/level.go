package sanitize

import (
	"fmt"
	"strings"

	"github.com/yourorg/agentguard/internal/auditlog"
	"github.com/yourorg/agentguard/internal/canonical"
)

// Level selects how much of an outcome reaches the audit log.
type Level string

const (
	// LevelFull keeps arguments, result and error after redaction.
	LevelFull Level = "full"
	// LevelMinimal keeps timing and agent identity only.
	LevelMinimal Level = "minimal"
)

// ParseLevel accepts "full" and "minimal". An empty string is full.
func ParseLevel(s string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case "", LevelFull:
		return LevelFull, nil
	case LevelMinimal:
		return LevelMinimal, nil
	default:
		return "", fmt.Errorf("log level must be %q or %q, got %q", LevelFull, LevelMinimal, s)
	}
}

// Metadata keys a minimal entry keeps. ip_address and caller extras are
// dropped.
var minimalMetadata = []string{
	"agent_name", "model", "provider", "request_id",
	"session_id", "trace_id", "span_id",
}

// Entry applies the configured level to an already redacted entry. At the
// full level an entry whose canonical form exceeds MaxEntryBytes falls back
// to the minimal form and is marked truncated. Chain fields are not counted.
func (s *Sanitizer) Entry(e auditlog.Entry) auditlog.Entry {
	if s == nil {
		return e
	}
	if s.cfg.Level == LevelMinimal {
		return minimalEntry(e)
	}
	if s.cfg.MaxEntryBytes <= 0 {
		return e
	}
	size, err := entrySize(e)
	if err != nil || size <= s.cfg.MaxEntryBytes {
		return e
	}
	out := minimalEntry(e)
	out.Metadata["truncated"] = true
	out.Metadata["original_bytes"] = size
	return out
}

func minimalEntry(e auditlog.Entry) auditlog.Entry {
	meta := map[string]any{"log_level": string(LevelMinimal)}
	for _, k := range minimalMetadata {
		if v, ok := e.Metadata[k]; ok {
			meta[k] = v
		}
	}
	return auditlog.Entry{
		Timestamp:   e.Timestamp,
		OperationID: e.OperationID,
		LatencyMs:   e.LatencyMs,
		Metadata:    meta,
	}
}

func entrySize(e auditlog.Entry) (int, error) {
	e.PrevHash, e.Hash, e.Signature = nil, "", ""
	doc, err := e.Document()
	if err != nil {
		return 0, err
	}
	data, err := canonical.Marshal(canonical.Without(doc, auditlog.FieldPrevHash))
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
