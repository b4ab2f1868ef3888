// Package auditlog keeps an append-only, hash-chained record of wrapped
// operation outcomes and checks that record for tampering.
package auditlog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/yourorg/agentguard/internal/canonical"
)

// Field names of the persisted record that the chain and signature code
// treat specially.
const (
	FieldPrevHash  = "prevHash"
	FieldHash      = "hash"
	FieldSignature = "signature"
)

// Entry is one persisted line. The chain fields are typed; caller data goes
// in Arguments, Result and the Metadata extension map.
type Entry struct {
	Timestamp   time.Time      `json:"timestamp"`
	OperationID string         `json:"operationId"`
	Arguments   any            `json:"arguments"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	LatencyMs   int64          `json:"latencyMs"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PrevHash    *string        `json:"prevHash"`
	Hash        string         `json:"hash,omitempty"`
	Signature   string         `json:"signature,omitempty"`
}

// Document returns the entry in the generic form that hashes and signatures
// are computed over.
func (e Entry) Document() (map[string]any, error) {
	doc, err := canonical.Document(e)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return doc, nil
}

// ComputeHash returns hex(SHA-256(canonical(doc without hash))).
func ComputeHash(doc map[string]any) (string, error) {
	pre, err := canonical.Marshal(canonical.Without(doc, FieldHash))
	if err != nil {
		return "", fmt.Errorf("hash pre-image: %w", err)
	}
	sum := sha256.Sum256(pre)
	return hex.EncodeToString(sum[:]), nil
}

func strPtr(s string) *string {
	return &s
}
