package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrAPIKeyRequired    = errors.New("API key required")
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrKeyExpired        = errors.New("API key expired")
	ErrKeyRevoked        = errors.New("API key revoked")
	ErrInsufficientScope = errors.New("insufficient scope")
)

// KeyStore resolves raw API keys.
type KeyStore interface {
	ValidateKey(ctx context.Context, rawKey string) (*APIKey, error)
}

// InMemoryKeyStore indexes keys by their lookup prefix so a request costs
// one hash comparison per matching prefix, not one per stored key.
type InMemoryKeyStore struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	keys     map[string]*APIKey   // id -> key
	byPrefix map[string][]*APIKey // prefix -> keys
}

func NewInMemoryKeyStore(cfg Config) *InMemoryKeyStore {
	return &InMemoryKeyStore{
		cfg:      cfg,
		now:      time.Now,
		keys:     make(map[string]*APIKey),
		byPrefix: make(map[string][]*APIKey),
	}
}

// Add stores a key that was hashed elsewhere, such as one read from the
// keys file.
func (s *InMemoryKeyStore) Add(key APIKey) error {
	key.PrincipalID = strings.TrimSpace(key.PrincipalID)
	switch {
	case key.ID == "":
		return fmt.Errorf("key id required")
	case key.PrincipalID == "":
		return fmt.Errorf("key %s: principal required", key.ID)
	case key.KeyHash == "":
		return fmt.Errorf("key %s: hash required", key.ID)
	case len(key.KeyPrefix) != prefixLen:
		return fmt.Errorf("key %s: prefix must be %d characters", key.ID, prefixLen)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return fmt.Errorf("duplicate key id %s", key.ID)
	}
	k := key
	s.keys[k.ID] = &k
	s.byPrefix[k.KeyPrefix] = append(s.byPrefix[k.KeyPrefix], &k)
	return nil
}

// NewKey generates a raw key for principal and the hashed record to store
// for it. The raw key is returned once.
func NewKey(cfg Config, principal, name string, scopes []string) (APIKey, string, error) {
	rawKey, prefix, err := GenerateAPIKey()
	if err != nil {
		return APIKey{}, "", err
	}
	hash, err := HashKey(rawKey, cfg)
	if err != nil {
		return APIKey{}, "", err
	}
	return APIKey{
		ID:          newKeyID(),
		PrincipalID: principal,
		Name:        name,
		KeyPrefix:   prefix,
		KeyHash:     hash,
		Scopes:      append([]string(nil), scopes...),
		CreatedAt:   time.Now().UTC(),
	}, rawKey, nil
}

// CreateKey generates and stores a key for principal.
func (s *InMemoryKeyStore) CreateKey(_ context.Context, principal, name string, scopes []string, expiresAt *time.Time) (*APIKey, string, error) {
	key, rawKey, err := NewKey(s.cfg, principal, name, scopes)
	if err != nil {
		return nil, "", err
	}
	key.ExpiresAt = expiresAt
	key.CreatedAt = s.now().UTC()
	if err := s.Add(key); err != nil {
		return nil, "", err
	}
	key.KeyHash = ""
	return &key, rawKey, nil
}

// ValidateKey returns the stored key matching rawKey. Expired and revoked
// keys are reported as such once the hash matches.
func (s *InMemoryKeyStore) ValidateKey(_ context.Context, rawKey string) (*APIKey, error) {
	prefix := ExtractKeyPrefix(rawKey)
	if prefix == "" {
		return nil, ErrInvalidKey
	}
	s.mu.RLock()
	candidates := append([]*APIKey(nil), s.byPrefix[prefix]...)
	s.mu.RUnlock()

	for _, key := range candidates {
		if !VerifyKey(rawKey, key.KeyHash) {
			continue
		}
		s.mu.RLock()
		k := *key
		s.mu.RUnlock()
		if k.RevokedAt != nil {
			return nil, ErrKeyRevoked
		}
		if k.ExpiresAt != nil && !s.now().Before(*k.ExpiresAt) {
			return nil, ErrKeyExpired
		}
		return &k, nil
	}
	return nil, ErrInvalidAPIKey
}

// RevokeKey takes effect on the next request.
func (s *InMemoryKeyStore) RevokeKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("key not found: %s", id)
	}
	now := s.now().UTC()
	key.RevokedAt = &now
	return nil
}

// ListKeys returns principal's keys without their hashes.
func (s *InMemoryKeyStore) ListKeys(_ context.Context, principal string) []APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []APIKey
	for _, key := range s.keys {
		if key.PrincipalID == principal {
			k := *key
			k.KeyHash = ""
			out = append(out, k)
		}
	}
	return out
}

func (s *InMemoryKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

func newKeyID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "key_" + hex.EncodeToString(b)
}
