// Package signing attaches and checks asymmetric signatures over the canonical
// form of audit entries.
//
// The signed bytes are the canonical encoding of the entry without its
// signature and hash fields. prevHash is included, so a signature is bound to
// the entry's position in the chain.
package signing

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/yourorg/agentguard/internal/auditlog"
	"github.com/yourorg/agentguard/internal/canonical"
)

// CryptoError reports unreadable keys and sign or verify failures.
type CryptoError struct {
	Op  string
	Err error
}

func (e *CryptoError) Error() string { return fmt.Sprintf("signing: %s: %v", e.Op, e.Err) }

func (e *CryptoError) Unwrap() error { return e.Err }

// PreImage returns the bytes a signature over doc covers.
func PreImage(doc map[string]any) ([]byte, error) {
	return canonical.Marshal(canonical.Without(doc, auditlog.FieldSignature, auditlog.FieldHash))
}

type Signer struct {
	key crypto.Signer
}

func NewSigner(key crypto.Signer) (*Signer, error) {
	if key == nil {
		return nil, &CryptoError{Op: "new signer", Err: errors.New("private key is required")}
	}
	normalized, err := asSigner(key)
	if err != nil {
		return nil, &CryptoError{Op: "new signer", Err: err}
	}
	return &Signer{key: normalized}, nil
}

// Public returns the verifying half of the signer's key.
func (s *Signer) Public() crypto.PublicKey { return s.key.Public() }

// Sign returns entry with Signature set over its canonical pre-image.
func (s *Signer) Sign(entry auditlog.Entry) (auditlog.Entry, error) {
	if s == nil {
		return entry, &CryptoError{Op: "sign", Err: errors.New("signer is not configured")}
	}
	entry.Signature = ""
	doc, err := entry.Document()
	if err != nil {
		return entry, &CryptoError{Op: "sign", Err: err}
	}
	sig, err := s.SignDocument(doc)
	if err != nil {
		return entry, err
	}
	entry.Signature = sig
	return entry, nil
}

// Seal lets the signer run inside auditlog.Appender. A nil signer leaves the
// entry unsigned.
func (s *Signer) Seal(entry auditlog.Entry) (auditlog.Entry, error) {
	if s == nil {
		return entry, nil
	}
	return s.Sign(entry)
}

// SignDocument returns the base64 signature for a generic entry document.
func (s *Signer) SignDocument(doc map[string]any) (string, error) {
	msg, err := PreImage(doc)
	if err != nil {
		return "", &CryptoError{Op: "sign", Err: err}
	}
	var sig []byte
	switch s.key.(type) {
	case ed25519.PrivateKey:
		sig, err = s.key.Sign(rand.Reader, msg, crypto.Hash(0))
	default:
		digest := sha256.Sum256(msg)
		sig, err = s.key.Sign(rand.Reader, digest[:], crypto.SHA256)
	}
	if err != nil {
		return "", &CryptoError{Op: "sign", Err: err}
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

type Verifier struct {
	key crypto.PublicKey
}

func NewVerifier(key crypto.PublicKey) (*Verifier, error) {
	if _, err := checkPublic(key); err != nil {
		return nil, &CryptoError{Op: "new verifier", Err: err}
	}
	return &Verifier{key: key}, nil
}

// Verify reports whether entry carries a valid signature. Unsigned entries
// and any internal failure yield false.
func (v *Verifier) Verify(entry auditlog.Entry) bool {
	if v == nil || entry.Signature == "" {
		return false
	}
	doc, err := entry.Document()
	if err != nil {
		return false
	}
	ok, err := v.VerifyDocument(doc)
	return err == nil && ok
}

// VerifyDocument checks the signature field of a generic entry document.
// A false result with a nil error is a signature mismatch.
func (v *Verifier) VerifyDocument(doc map[string]any) (bool, error) {
	if v == nil {
		return false, &CryptoError{Op: "verify", Err: errors.New("verifier is not configured")}
	}
	encoded, ok := doc[auditlog.FieldSignature].(string)
	if !ok || encoded == "" {
		return false, &CryptoError{Op: "verify", Err: errors.New("entry is not signed")}
	}
	sig, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return false, &CryptoError{Op: "verify", Err: fmt.Errorf("decode signature: %w", err)}
	}
	msg, err := PreImage(doc)
	if err != nil {
		return false, &CryptoError{Op: "verify", Err: err}
	}
	digest := sha256.Sum256(msg)
	switch pub := v.key.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil, nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest[:], sig), nil
	case ed25519.PublicKey:
		return ed25519.Verify(pub, msg, sig), nil
	default:
		return false, &CryptoError{Op: "verify", Err: fmt.Errorf("unsupported public key type %T", v.key)}
	}
}

// StoreResult describes a signature pass over a whole store. FailAt is the
// 1-based line of the first failure.
type StoreResult struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	Unsigned int    `json:"unsigned"`
	FailAt   int    `json:"failAt,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Err      error  `json:"-"`
}

var errVerifyStop = errors.New("verify stop")

// VerifyStore checks every signed record in store. Unsigned records are
// counted and skipped unless requireAll is set.
func (v *Verifier) VerifyStore(ctx context.Context, store auditlog.Store, requireAll bool) StoreResult {
	if v == nil {
		return StoreResult{Reason: "verifier is not configured", Err: &CryptoError{Op: "verify", Err: errors.New("no public key")}}
	}
	if store == nil {
		return StoreResult{Reason: "store unreadable", Err: &auditlog.StorageError{Op: "verify", Err: errors.New("store is not configured")}}
	}
	var res StoreResult
	err := store.Scan(ctx, func(lineNo int, line []byte) error {
		doc, err := canonical.Parse(line)
		if err != nil {
			res.FailAt, res.Reason, res.Err = lineNo, "invalid JSON", &auditlog.EncodingError{Line: lineNo, Err: err}
			return errVerifyStop
		}
		if _, signed := doc[auditlog.FieldSignature]; !signed {
			res.Unsigned++
			if requireAll {
				res.FailAt, res.Reason = lineNo, "unsigned entry"
				return errVerifyStop
			}
			return nil
		}
		ok, err := v.VerifyDocument(doc)
		if err != nil {
			res.FailAt, res.Reason, res.Err = lineNo, "verification error", err
			return errVerifyStop
		}
		if !ok {
			res.FailAt, res.Reason = lineNo, "signature mismatch"
			return errVerifyStop
		}
		res.Checked++
		return nil
	})
	switch {
	case errors.Is(err, errVerifyStop):
	case err != nil:
		res.FailAt, res.Reason, res.Err = 0, "store unreadable", err
	default:
		res.Valid = true
	}
	return res
}
