package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func testConfig() Config {
	return Config{HashAlgorithm: string(AlgorithmBcrypt), BcryptCost: bcrypt.MinCost}
}

func argon2Config() Config {
	return Config{HashAlgorithm: string(AlgorithmArgon2), Argon2Time: 1, Argon2Memory: 1024, Argon2Threads: 1}
}

func TestGenerateAPIKey(t *testing.T) {
	raw, prefix, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey() error = %v", err)
	}
	if !strings.HasPrefix(raw, KeyPrefix) {
		t.Errorf("raw key %q lacks %q", raw, KeyPrefix)
	}
	if len(prefix) != prefixLen || ExtractKeyPrefix(raw) != prefix {
		t.Errorf("prefix = %q, extracted %q", prefix, ExtractKeyPrefix(raw))
	}
	other, _, _ := GenerateAPIKey()
	if other == raw {
		t.Error("two generated keys are equal")
	}
}

func TestHashAndVerify(t *testing.T) {
	for name, cfg := range map[string]Config{"bcrypt": testConfig(), "argon2": argon2Config()} {
		t.Run(name, func(t *testing.T) {
			raw, _, _ := GenerateAPIKey()
			hash, err := HashKey(raw, cfg)
			if err != nil {
				t.Fatalf("HashKey() error = %v", err)
			}
			if strings.Contains(hash, strings.TrimPrefix(raw, KeyPrefix)) {
				t.Fatal("hash contains the key")
			}
			if !VerifyKey(raw, hash) {
				t.Error("VerifyKey() = false for the hashed key")
			}
			other, _, _ := GenerateAPIKey()
			if VerifyKey(other, hash) {
				t.Error("VerifyKey() = true for a different key")
			}
			if VerifyKey(strings.TrimPrefix(raw, KeyPrefix), hash) {
				t.Error("VerifyKey() accepted a key without its prefix")
			}
		})
	}
}

func TestHashKeyRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "plain-secret", KeyPrefix} {
		if _, err := HashKey(raw, testConfig()); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("HashKey(%q) error = %v, want ErrInvalidKey", raw, err)
		}
	}
}

func TestVerifyKeyRejectsUnknownHashFormat(t *testing.T) {
	raw, _, _ := GenerateAPIKey()
	for _, hash := range []string{"", "plaintext", "$argon2id$v=19$broken", "$argon2id$v=19$m=1024,t=1,p=1$!!$!!"} {
		if VerifyKey(raw, hash) {
			t.Errorf("VerifyKey() accepted hash %q", hash)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() = %v", err)
	}
	if err := argon2Config().Validate(); err != nil {
		t.Errorf("argon2 Validate() = %v", err)
	}
	bad := []Config{
		{HashAlgorithm: "md5"},
		{HashAlgorithm: "bcrypt", BcryptCost: 1},
		{HashAlgorithm: "argon2"},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil", cfg)
		}
	}
}

func TestStoreValidateKey(t *testing.T) {
	store := NewInMemoryKeyStore(testConfig())
	ctx := context.Background()
	key, raw, err := store.CreateKey(ctx, "planner", "planner", []string{ScopeInvoke}, nil)
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	if key.KeyHash != "" {
		t.Error("CreateKey() returned the hash")
	}

	got, err := store.ValidateKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateKey() error = %v", err)
	}
	if got.PrincipalID != "planner" || got.ID != key.ID {
		t.Errorf("ValidateKey() = %+v", got)
	}

	other, _, _ := GenerateAPIKey()
	if _, err := store.ValidateKey(ctx, other); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key error = %v", err)
	}
	if _, err := store.ValidateKey(ctx, "garbage"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("malformed key error = %v", err)
	}

	if err := store.RevokeKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ValidateKey(ctx, raw); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("revoked key error = %v", err)
	}
}

func TestStoreExpiredKey(t *testing.T) {
	store := NewInMemoryKeyStore(testConfig())
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	expires := now.Add(time.Hour)
	_, raw, err := store.CreateKey(context.Background(), "reporter", "", nil, &expires)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.ValidateKey(context.Background(), raw); err != nil {
		t.Fatalf("ValidateKey() before expiry error = %v", err)
	}
	now = expires
	if _, err := store.ValidateKey(context.Background(), raw); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("ValidateKey() at expiry error = %v", err)
	}
}

func TestStoreAddRejectsIncompleteKeys(t *testing.T) {
	store := NewInMemoryKeyStore(testConfig())
	valid := APIKey{ID: "k1", PrincipalID: "p", KeyPrefix: "abcdefgh", KeyHash: "$2a$04$x"}
	if err := store.Add(valid); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	cases := map[string]APIKey{
		"duplicate":    valid,
		"no id":        {PrincipalID: "p", KeyPrefix: "abcdefgh", KeyHash: "h"},
		"no principal": {ID: "k2", PrincipalID: "  ", KeyPrefix: "abcdefgh", KeyHash: "h"},
		"no hash":      {ID: "k3", PrincipalID: "p", KeyPrefix: "abcdefgh"},
		"short prefix": {ID: "k4", PrincipalID: "p", KeyPrefix: "abc", KeyHash: "h"},
	}
	for name, key := range cases {
		if err := store.Add(key); err == nil {
			t.Errorf("%s: Add() error = nil", name)
		}
	}
}

func TestLoadKeyFileRoundTrip(t *testing.T) {
	cfg := testConfig()
	key, raw, err := NewKey(cfg, "planner", "ci", []string{ScopeInvoke, ScopeAuditRead})
	if err != nil {
		t.Fatal(err)
	}
	key.RateLimit = 30
	entry, err := MarshalKeyEntry(key)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, append([]byte("keys:\n"), entry...), 0o600); err != nil {
		t.Fatal(err)
	}

	store, err := LoadKeyFile(path, cfg)
	if err != nil {
		t.Fatalf("LoadKeyFile() error = %v", err)
	}
	got, err := store.ValidateKey(context.Background(), raw)
	if err != nil {
		t.Fatalf("ValidateKey() error = %v", err)
	}
	if got.PrincipalID != "planner" || got.RateLimit != 30 || len(got.Scopes) != 2 {
		t.Errorf("loaded key = %+v", got)
	}
}

func TestLoadKeyFileMissingAndMalformed(t *testing.T) {
	store, err := LoadKeyFile(filepath.Join(t.TempDir(), "absent.yaml"), testConfig())
	if err != nil || store.Len() != 0 {
		t.Errorf("missing file: store=%v err=%v", store, err)
	}
	path := filepath.Join(t.TempDir(), "keys.yaml")
	if err := os.WriteFile(path, []byte("keys: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadKeyFile(path, testConfig()); err == nil {
		t.Error("malformed file loaded")
	}
}

func newAuthedHandler(t *testing.T, scopes ...string) (http.Handler, string, *InMemoryKeyStore) {
	t.Helper()
	store := NewInMemoryKeyStore(testConfig())
	_, raw, err := store.CreateKey(context.Background(), "planner", "planner", scopes, nil)
	if err != nil {
		t.Fatal(err)
	}
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			t.Error("actor missing from context")
			return
		}
		_, _ = w.Write([]byte(actor.PrincipalID))
	})
	return Middleware(store, nil)(inner), raw, store
}

func TestMiddlewareAcceptsKeyForms(t *testing.T) {
	h, raw, _ := newAuthedHandler(t, ScopeInvoke)
	headers := []map[string]string{
		{"Authorization": "Bearer " + raw},
		{"Authorization": "ApiKey " + raw},
		{"Authorization": raw},
		{HeaderAPIKey: raw},
	}
	for _, hdr := range headers {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		req.Header.Set("X-Principal-Id", "someone-else")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK || rec.Body.String() != "planner" {
			t.Errorf("headers %v: status %d body %q", hdr, rec.Code, rec.Body.String())
		}
	}
}

func TestMiddlewareRejections(t *testing.T) {
	h, raw, store := newAuthedHandler(t, ScopeInvoke)
	keys := store.ListKeys(context.Background(), "planner")
	if len(keys) != 1 {
		t.Fatalf("ListKeys() = %d keys", len(keys))
	}

	call := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Correlation-Id", "corr-1")
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	decode := func(rec *httptest.ResponseRecorder) AuthError {
		var body AuthError
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), err)
		}
		return body
	}

	rec := call("")
	if body := decode(rec); rec.Code != http.StatusUnauthorized || body.Code != "AUTH_REQUIRED" || body.CorrID != "corr-1" {
		t.Errorf("missing key: %d %+v", rec.Code, body)
	}
	rec = call("Bearer nonsense")
	if body := decode(rec); rec.Code != http.StatusUnauthorized || body.Code != "INVALID_KEY" {
		t.Errorf("malformed key: %d %+v", rec.Code, body)
	}

	if err := store.RevokeKey(context.Background(), keys[0].ID); err != nil {
		t.Fatal(err)
	}
	rec = call("Bearer " + raw)
	if body := decode(rec); rec.Code != http.StatusUnauthorized || body.Code != "KEY_REVOKED" {
		t.Errorf("revoked key: %d %+v", rec.Code, body)
	}
}

func TestRequireScope(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	tests := []struct {
		name   string
		actor  *Actor
		status int
	}{
		{"no actor", nil, http.StatusUnauthorized},
		{"missing scope", &Actor{PrincipalID: "p", Scopes: []string{ScopeInvoke}}, http.StatusForbidden},
		{"has scope", &Actor{PrincipalID: "p", Scopes: []string{ScopeViolationsWrite}}, http.StatusNoContent},
		{"wildcard", &Actor{PrincipalID: "p", Scopes: []string{ScopeAll}}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.actor != nil {
				req = req.WithContext(ContextWithActor(req.Context(), tt.actor))
			}
			rec := httptest.NewRecorder()
			RequireScope(ScopeViolationsWrite)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}
