package httpapi

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/yourorg/agentguard/internal/auditlog"
	"github.com/yourorg/agentguard/internal/auth"
	"github.com/yourorg/agentguard/internal/signing"
	"github.com/yourorg/agentguard/internal/violation"
	"github.com/yourorg/agentguard/internal/wrapper"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	success *auditlog.MemoryStore
	failure *auditlog.MemoryStore
	ledger  *violation.Ledger
	health  *AuditHealth
	keys    *auth.InMemoryKeyStore
	admin   string

	callers map[string]string
}

type envOptions struct {
	rateLimit  int
	strict     bool
	signed     bool
	brokenLogs bool
}

type brokenStore struct{ auditlog.MemoryStore }

func (brokenStore) Write(context.Context, []byte) error {
	return &auditlog.StorageError{Op: "write", Err: errors.New("read-only filesystem")}
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	store, err := violation.OpenJSONFileStore(filepath.Join(t.TempDir(), "violation_log.json"))
	if err != nil {
		t.Fatalf("OpenJSONFileStore() error = %v", err)
	}
	env := &testEnv{
		success: auditlog.NewMemoryStore(),
		failure: auditlog.NewMemoryStore(),
		ledger:  violation.NewLedger(store, nil),
		health:  NewAuditHealth(opts.strict, nil),
		keys:    auth.NewInMemoryKeyStore(auth.Config{HashAlgorithm: "bcrypt", BcryptCost: bcrypt.MinCost}),
		callers: map[string]string{},
	}
	env.admin = env.newKey(t, "ops-admin", auth.ScopeAuditRead, auth.ScopeViolationsRead, auth.ScopeViolationsWrite)

	var (
		sealer   auditlog.Sealer
		verifier *signing.Verifier
	)
	if opts.signed {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatal(err)
		}
		signer, err := signing.NewSigner(priv)
		if err != nil {
			t.Fatal(err)
		}
		verifier, err = signing.NewVerifier(signer.Public())
		if err != nil {
			t.Fatal(err)
		}
		sealer = signer
	}

	var successStore, failureStore auditlog.Store = env.success, env.failure
	if opts.brokenLogs {
		successStore, failureStore = &brokenStore{}, &brokenStore{}
	}
	pipeline := wrapper.NewPipeline(wrapper.Options{
		Success:        auditlog.NewAppender(successStore, auditlog.WithSealer(sealer)),
		Failure:        auditlog.NewAppender(failureStore, auditlog.WithSealer(sealer)),
		SessionLogging: true,
		OnAuditError:   env.health.Report,
	})
	registry := NewRegistry(pipeline)
	registry.Register("echo", wrapper.Metadata{Agent: "echo-agent"}, Echo)
	registry.Register("fail", wrapper.Metadata{}, func(context.Context, Invocation) (any, error) {
		return nil, errors.New("model refused")
	})

	env.server = NewServer(Config{
		Logs:     map[string]auditlog.Store{"success": env.success, "error": env.failure},
		Keys:     env.keys,
		Verifier: verifier,
		Ledger:   env.ledger,
		Registry: registry,
		Limiter:  NewRateLimiter(opts.rateLimit, time.Minute),
		Health:   env.health,
	})
	env.handler = env.server.Router()
	return env
}

func (e *testEnv) newKey(t *testing.T, principal string, scopes ...string) string {
	t.Helper()
	_, raw, err := e.keys.CreateKey(context.Background(), principal, principal+" key", scopes, nil)
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	return raw
}

// caller returns an invoke-only key for principal, creating it on first use.
func (e *testEnv) caller(t *testing.T, principal string) string {
	t.Helper()
	if key, ok := e.callers[principal]; ok {
		return key
	}
	key := e.newKey(t, principal, auth.ScopeInvoke)
	e.callers[principal] = key
	return key
}

func (e *testEnv) do(t *testing.T, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	return e.doWith(t, method, path, apiKey, body, nil)
}

func (e *testEnv) doWith(t *testing.T, method, path, apiKey, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Error("missing X-Correlation-Id")
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["audit"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
}

func TestOperationRecordsAndValidates(t *testing.T) {
	env := newTestEnv(t, envOptions{signed: true})
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "alice"), `{"prompt":"hi"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("echo status = %d body = %s", rec.Code, rec.Body.String())
		}
		result, _ := decodeBody(t, rec)["result"].(map[string]any)
		if result["prompt"] != "hi" {
			t.Errorf("echo result = %v", result)
		}
	}
	if rec := env.do(t, http.MethodPost, "/operations/fail", env.caller(t, "alice"), ""); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("fail status = %d", rec.Code)
	}

	if n := len(env.success.Lines()); n != 3 {
		t.Errorf("success entries = %d, want 3", n)
	}
	if n := len(env.failure.Lines()); n != 1 {
		t.Errorf("error entries = %d, want 1", n)
	}

	rec := env.do(t, http.MethodGet, "/audit/success/validate", env.admin, "")
	body := decodeBody(t, rec)
	if rec.Code != http.StatusOK || body["valid"] != true || body["entries"] != float64(3) {
		t.Errorf("validate = %d %v", rec.Code, body)
	}

	rec = env.do(t, http.MethodGet, "/audit/error/verify?require=true", env.admin, "")
	body = decodeBody(t, rec)
	if rec.Code != http.StatusOK || body["valid"] != true || body["checked"] != float64(1) {
		t.Errorf("verify = %d %v", rec.Code, body)
	}

	var doc map[string]any
	if err := json.Unmarshal(env.success.Lines()[0], &doc); err != nil {
		t.Fatal(err)
	}
	meta, _ := doc["metadata"].(map[string]any)
	if meta["agent_name"] != "echo-agent" || meta["session_id"] == nil {
		t.Errorf("metadata = %v", meta)
	}
	args, _ := doc["arguments"].(map[string]any)
	if args["principalId"] != "alice" {
		t.Errorf("arguments = %v", args)
	}
}

func TestUnknownLogAndOperation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	if rec := env.do(t, http.MethodGet, "/audit/other/validate", env.admin, ""); rec.Code != http.StatusNotFound {
		t.Errorf("validate unknown log status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/operations/nope", env.caller(t, "alice"), ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown operation status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "alice"), "{not json"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid body status = %d", rec.Code)
	}
}

func TestVerifyWithoutSigning(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	rec := env.do(t, http.MethodGet, "/audit/success/verify", env.admin, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
	if got := decodeBody(t, rec)["code"]; got != "SIGNING_DISABLED" {
		t.Errorf("code = %v", got)
	}
}

func TestOperationsRequireAPIKey(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	tests := []struct {
		name     string
		headers  map[string]string
		wantCode string
	}{
		{"no key", nil, "AUTH_REQUIRED"},
		{"principal header only", map[string]string{"X-Principal-Id": "alice"}, "AUTH_REQUIRED"},
		{"malformed key", map[string]string{"Authorization": "Bearer not-a-key"}, "INVALID_KEY"},
		{"unknown key", map[string]string{"X-API-Key": auth.KeyPrefix + strings.Repeat("A", 43)}, "INVALID_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.doWith(t, http.MethodPost, "/operations/echo", "", "", tt.headers)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if got := decodeBody(t, rec)["code"]; got != tt.wantCode {
				t.Errorf("code = %v, want %s", got, tt.wantCode)
			}
		})
	}
	if n := len(env.success.Lines()); n != 0 {
		t.Errorf("operation ran without a key: %d entries", n)
	}
}

func TestInvokeKeyCannotReachAdminRoutes(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	caller := env.caller(t, "eve")
	if rec := env.do(t, http.MethodPost, "/principals/alice/violations", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous add violation status = %d, want 401", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/principals/alice/violations", caller, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("add violation status = %d, want 403", rec.Code)
	}
	if got := decodeBody(t, rec)["code"]; got != "INSUFFICIENT_SCOPE" {
		t.Errorf("code = %v", got)
	}
	if rec := env.do(t, http.MethodGet, "/audit/success/validate", caller, ""); rec.Code != http.StatusForbidden {
		t.Errorf("validate status = %d, want 403", rec.Code)
	}
	if got, _ := env.ledger.GetRestriction(context.Background(), "alice"); got != violation.None {
		t.Errorf("alice restriction = %q, want none", got)
	}
}

func TestRestrictedPrincipalCannotSwitchIdentity(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for i := 0; i < 4; i++ {
		if rec := env.do(t, http.MethodPost, "/principals/alice/violations", env.admin, ""); rec.Code != http.StatusOK {
			t.Fatalf("add violation status = %d", rec.Code)
		}
	}
	rec := env.doWith(t, http.MethodPost, "/operations/echo", env.caller(t, "alice"), "",
		map[string]string{"X-Principal-Id": "alice-2"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if got := rec.Header().Get(HeaderRestriction); got != "block" {
		t.Errorf("X-Restriction = %q, want block", got)
	}
}

func TestRateLimitChargesAuthenticatedCaller(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 2})
	spoof := map[string]string{"X-Principal-Id": "bob"}
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		rec := env.doWith(t, http.MethodPost, "/operations/echo", env.caller(t, "mallory"), "", spoof)
		codes = append(codes, rec.Code)
	}
	if codes[2] != http.StatusTooManyRequests || codes[3] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want the last two rate limited", codes)
	}
	ctx := context.Background()
	if got, _ := env.ledger.GetRestriction(ctx, "bob"); got != violation.None {
		t.Errorf("bob restriction = %q, want none", got)
	}
	if got, _ := env.ledger.GetRestriction(ctx, "mallory"); got != violation.Suspend24h {
		t.Errorf("mallory restriction = %q, want suspend-24h", got)
	}
}

func TestRestrictionReadIsSelfOrScoped(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	carol := env.caller(t, "carol")
	if rec := env.do(t, http.MethodGet, "/principals/carol/restriction", carol, ""); rec.Code != http.StatusOK {
		t.Errorf("own restriction status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/principals/bob/restriction", carol, ""); rec.Code != http.StatusForbidden {
		t.Errorf("other restriction status = %d, want 403", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/principals/bob/restriction", env.admin, ""); rec.Code != http.StatusOK {
		t.Errorf("admin restriction status = %d", rec.Code)
	}
}

func TestRevokedKeyIsRejected(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	key, raw, err := env.keys.CreateKey(context.Background(), "frank", "frank", []string{auth.ScopeInvoke}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if rec := env.do(t, http.MethodPost, "/operations/echo", raw, ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := env.keys.RevokeKey(context.Background(), key.ID); err != nil {
		t.Fatal(err)
	}
	rec := env.do(t, http.MethodPost, "/operations/echo", raw, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := decodeBody(t, rec)["code"]; got != "KEY_REVOKED" {
		t.Errorf("code = %v", got)
	}
}

func TestKeyRateLimitOverridesDefault(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	key, raw, err := auth.NewKey(auth.Config{HashAlgorithm: "bcrypt", BcryptCost: bcrypt.MinCost}, "gina", "gina", []string{auth.ScopeInvoke})
	if err != nil {
		t.Fatal(err)
	}
	key.RateLimit = 1
	if err := env.keys.Add(key); err != nil {
		t.Fatal(err)
	}
	if rec := env.do(t, http.MethodPost, "/operations/echo", raw, ""); rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/operations/echo", raw, ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("second call status = %d, want 429", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "hal"), ""); rec.Code != http.StatusOK {
		t.Errorf("default key status = %d, want 200 with limiting disabled", rec.Code)
	}
}

func TestGateEscalation(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	steps := []struct {
		wantCode        int
		wantRestriction string
	}{
		{http.StatusOK, "warning"},
		{http.StatusForbidden, "suspend-24h"},
		{http.StatusForbidden, "suspend-7d"},
		{http.StatusForbidden, "block"},
	}
	for i, step := range steps {
		rec := env.do(t, http.MethodPost, "/principals/mallory/violations", env.admin, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("add violation status = %d", rec.Code)
		}
		if got := decodeBody(t, rec)["restriction"]; got != step.wantRestriction {
			t.Errorf("step %d restriction = %v, want %s", i+1, got, step.wantRestriction)
		}

		op := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "mallory"), "")
		if op.Code != step.wantCode {
			t.Errorf("step %d operation status = %d, want %d", i+1, op.Code, step.wantCode)
		}
		if got := op.Header().Get(HeaderRestriction); got != step.wantRestriction {
			t.Errorf("step %d X-Restriction = %q, want %q", i+1, got, step.wantRestriction)
		}
		if step.wantCode == http.StatusForbidden {
			if got := decodeBody(t, op)["code"]; got != "PRINCIPAL_RESTRICTED" {
				t.Errorf("step %d code = %v", i+1, got)
			}
		}
	}

	rec := env.do(t, http.MethodGet, "/principals/bob/restriction", env.admin, "")
	if got := decodeBody(t, rec)["restriction"]; got != "none" {
		t.Errorf("bob restriction = %v, want none", got)
	}
	if rec := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "bob"), ""); rec.Code != http.StatusOK {
		t.Errorf("bob operation status = %d", rec.Code)
	}
}

func TestGateRateLimitRecordsViolation(t *testing.T) {
	env := newTestEnv(t, envOptions{rateLimit: 2})
	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "carol"), ""); rec.Code != http.StatusOK {
			t.Fatalf("call %d status = %d", i+1, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "carol"), "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	got, err := env.ledger.GetRestriction(context.Background(), "carol")
	if err != nil {
		t.Fatal(err)
	}
	if got != violation.Warning {
		t.Errorf("restriction after rate limit = %q, want warning", got)
	}
}

func TestStrictModeClosesGateAfterAuditFailure(t *testing.T) {
	env := newTestEnv(t, envOptions{strict: true, brokenLogs: true})
	rec := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "dave"), `"x"`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first call status = %d, the operation outcome must not change", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "dave"), `"x"`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("second call status = %d, want 503", rec.Code)
	}
	if got := decodeBody(t, rec)["code"]; got != "AUDIT_UNAVAILABLE" {
		t.Errorf("code = %v", got)
	}
}

func TestDegradedModeKeepsServing(t *testing.T) {
	env := newTestEnv(t, envOptions{brokenLogs: true})
	for i := 0; i < 2; i++ {
		if rec := env.do(t, http.MethodPost, "/operations/echo", env.caller(t, "erin"), ""); rec.Code != http.StatusOK {
			t.Errorf("call %d status = %d", i+1, rec.Code)
		}
	}
}

func TestRateLimiterWindow(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	if ok, _ := limiter.Allow("p"); !ok {
		t.Fatal("first call denied")
	}
	ok, retry := limiter.Allow("p")
	if ok || retry != time.Minute {
		t.Errorf("Allow() = %v, %v", ok, retry)
	}
	if ok, _ := limiter.Allow("q"); !ok {
		t.Error("other principal denied")
	}
	now = now.Add(time.Minute)
	if ok, _ := limiter.Allow("p"); !ok {
		t.Error("call after window reset denied")
	}
	if ok, _ := NewRateLimiter(0, time.Minute).Allow("p"); !ok {
		t.Error("disabled limiter denied")
	}
}

func TestRateLimiterSweepsIdleWindows(t *testing.T) {
	limiter := NewRateLimiter(5, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }
	for i := 0; i < 100; i++ {
		limiter.Allow(fmt.Sprintf("p-%d", i))
	}
	if n := limiter.tracked(); n != 100 {
		t.Fatalf("tracked() = %d, want 100", n)
	}
	now = now.Add(2 * time.Minute)
	limiter.Allow("fresh")
	if n := limiter.tracked(); n != 1 {
		t.Errorf("tracked() = %d after idle windows expired, want 1", n)
	}
}
