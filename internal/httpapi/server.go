// Package httpapi exposes chain validation, signature verification and the
// violation ledger over HTTP, and runs registered operations behind the
// violation gate.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"github.com/yourorg/agentguard/internal/auditlog"
	"github.com/yourorg/agentguard/internal/auth"
	"github.com/yourorg/agentguard/internal/signing"
	"github.com/yourorg/agentguard/internal/violation"
	"github.com/yourorg/agentguard/internal/wrapper"
)

const maxBodyBytes = 1 << 20

type Config struct {
	// Logs maps a log name ("success", "error") to its store.
	Logs map[string]auditlog.Store
	// Keys authenticates every route but /healthz. Nil admits no one.
	Keys     auth.KeyStore
	Verifier *signing.Verifier
	Ledger   *violation.Ledger
	Registry *Registry
	Limiter  *RateLimiter
	Health   *AuditHealth
	Logger   *slog.Logger
}

type Server struct {
	logs     map[string]auditlog.Store
	keys     auth.KeyStore
	verifier *signing.Verifier
	ledger   *violation.Ledger
	registry *Registry
	limiter  *RateLimiter
	health   *AuditHealth
	logger   *slog.Logger
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	health := cfg.Health
	if health == nil {
		health = NewAuditHealth(false, logger)
	}
	keys := cfg.Keys
	if keys == nil {
		keys = auth.NewInMemoryKeyStore(auth.DefaultConfig())
	}
	return &Server{
		logs:     cfg.Logs,
		keys:     keys,
		verifier: cfg.Verifier,
		ledger:   cfg.Ledger,
		registry: cfg.Registry,
		limiter:  cfg.Limiter,
		health:   health,
		logger:   logger,
	}
}

// Router returns the HTTP handler for all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withCorrelation)
	r.Get("/healthz", s.handleHealth)
	r.Group(func(api chi.Router) {
		api.Use(auth.Middleware(s.keys, s.logger))
		api.With(auth.RequireScope(auth.ScopeAuditRead)).Get("/audit/{log}/validate", s.handleValidate)
		api.With(auth.RequireScope(auth.ScopeAuditRead)).Get("/audit/{log}/verify", s.handleVerify)
		api.Get("/principals/{principalId}/restriction", s.handleRestriction)
		api.With(auth.RequireScope(auth.ScopeViolationsWrite)).Post("/principals/{principalId}/violations", s.handleAddViolation)
		api.Group(func(gated chi.Router) {
			gated.Use(auth.RequireScope(auth.ScopeInvoke))
			gated.Use(Gate(s.ledger, s.limiter, s.health, s.logger))
			gated.Post("/operations/{name}", s.handleOperation)
		})
	})
	return r
}

type healthResponse struct {
	Status     string   `json:"status"`
	Audit      string   `json:"audit"`
	Signing    bool     `json:"signing"`
	Operations []string `json:"operations"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Audit: "ok", Signing: s.verifier != nil}
	if s.health.Failed() {
		resp.Audit = "failed"
	}
	if s.registry != nil {
		resp.Operations = s.registry.Names()
	}
	writeJSON(w, http.StatusOK, corrIDFrom(r.Context()), resp, nil)
}

type validateResponse struct {
	Log string `json:"log"`
	auditlog.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	corrID := corrIDFrom(r.Context())
	name, store, ok := s.bindLog(w, r)
	if !ok {
		return
	}
	res := auditlog.Validate(r.Context(), store)
	resp := validateResponse{Log: name, Result: res}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	if !res.Valid {
		CorrelationLogger(s.logger, corrID, "").Warn("audit chain invalid",
			"log", name, "breakAt", res.BreakAt, "reason", res.Reason)
	}
	writeJSON(w, http.StatusOK, corrID, resp, nil)
}

type verifyResponse struct {
	Log string `json:"log"`
	signing.StoreResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	corrID := corrIDFrom(r.Context())
	name, store, ok := s.bindLog(w, r)
	if !ok {
		return
	}
	var require *bool
	if err := runtime.BindQueryParameter("form", true, false, "require", r.URL.Query(), &require); err != nil {
		writeError(w, http.StatusBadRequest, corrID, "VALIDATION_ERROR", "invalid require parameter", false)
		return
	}
	if s.verifier == nil {
		writeError(w, http.StatusConflict, corrID, "SIGNING_DISABLED", "log signing is not configured", false)
		return
	}
	res := s.verifier.VerifyStore(r.Context(), store, require != nil && *require)
	resp := verifyResponse{Log: name, StoreResult: res}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, corrID, resp, nil)
}

func (s *Server) bindLog(w http.ResponseWriter, r *http.Request) (string, auditlog.Store, bool) {
	corrID := corrIDFrom(r.Context())
	var name string
	if err := bindPath(r, "log", &name); err != nil {
		writeError(w, http.StatusBadRequest, corrID, "VALIDATION_ERROR", "invalid log name", false)
		return "", nil, false
	}
	store, ok := s.logs[name]
	if !ok {
		writeError(w, http.StatusNotFound, corrID, "NOT_FOUND", "unknown log "+name, false)
		return "", nil, false
	}
	return name, store, true
}

type restrictionResponse struct {
	PrincipalID   string `json:"principalId"`
	Restriction   string `json:"restriction"`
	Violations    int    `json:"violations"`
	LastViolation string `json:"lastViolation,omitempty"`
}

func toRestrictionResponse(rec violation.Record) restrictionResponse {
	resp := restrictionResponse{
		PrincipalID: rec.PrincipalID,
		Restriction: rec.Restriction().String(),
		Violations:  rec.Violations,
	}
	if rec.LastViolation != nil {
		resp.LastViolation = rec.LastViolation.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	}
	return resp
}

func (s *Server) handleRestriction(w http.ResponseWriter, r *http.Request) {
	corrID := corrIDFrom(r.Context())
	principal, ok := s.bindPrincipal(w, r)
	if !ok {
		return
	}
	if actor, ok := auth.ActorFromContext(r.Context()); !ok || (actor.PrincipalID != principal && !actor.HasScope(auth.ScopeViolationsRead)) {
		writeError(w, http.StatusForbidden, corrID, "INSUFFICIENT_SCOPE", "required scope: "+auth.ScopeViolationsRead, false)
		return
	}
	rec, err := s.ledger.Record(r.Context(), principal)
	if err != nil {
		s.ledgerError(w, corrID, principal, err)
		return
	}
	writeJSON(w, http.StatusOK, corrID, toRestrictionResponse(rec), nil)
}

func (s *Server) handleAddViolation(w http.ResponseWriter, r *http.Request) {
	corrID := corrIDFrom(r.Context())
	principal, ok := s.bindPrincipal(w, r)
	if !ok {
		return
	}
	if _, err := s.ledger.AddViolation(r.Context(), principal); err != nil {
		s.ledgerError(w, corrID, principal, err)
		return
	}
	rec, err := s.ledger.Record(r.Context(), principal)
	if err != nil {
		s.ledgerError(w, corrID, principal, err)
		return
	}
	writeJSON(w, http.StatusOK, corrID, toRestrictionResponse(rec), nil)
}

func (s *Server) bindPrincipal(w http.ResponseWriter, r *http.Request) (string, bool) {
	var principal string
	if err := bindPath(r, "principalId", &principal); err != nil || principal == "" {
		writeError(w, http.StatusBadRequest, corrIDFrom(r.Context()), "VALIDATION_ERROR", "invalid principalId", false)
		return "", false
	}
	return principal, true
}

func (s *Server) ledgerError(w http.ResponseWriter, corrID, principal string, err error) {
	if errors.Is(err, violation.ErrPrincipalRequired) {
		writeError(w, http.StatusBadRequest, corrID, "VALIDATION_ERROR", "principalId required", false)
		return
	}
	CorrelationLogger(s.logger, corrID, principal).Error("violation ledger failure", "error", err)
	writeError(w, http.StatusInternalServerError, corrID, "LEDGER_UNAVAILABLE", "violation ledger unavailable", true)
}

type operationResponse struct {
	Operation string `json:"operation"`
	Result    any    `json:"result"`
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	corrID := corrIDFrom(r.Context())
	principal, _ := PrincipalFromContext(r.Context())
	log := CorrelationLogger(s.logger, corrID, principal)

	var name string
	if err := bindPath(r, "name", &name); err != nil {
		writeError(w, http.StatusBadRequest, corrID, "VALIDATION_ERROR", "invalid operation name", false)
		return
	}
	if s.registry == nil {
		writeError(w, http.StatusNotFound, corrID, "NOT_FOUND", "unknown operation "+name, false)
		return
	}
	op, ok := s.registry.lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, corrID, "NOT_FOUND", "unknown operation "+name, false)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		writeError(w, http.StatusBadRequest, corrID, "VALIDATION_ERROR", "request body unreadable or too large", false)
		return
	}
	var input json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, corrID, "VALIDATION_ERROR", "request body must be JSON", false)
			return
		}
		input = body
	}

	inv := Invocation{PrincipalID: principal, Input: input, remoteIP: wrapper.RequestIP(r)}
	result, err := op(r.Context(), inv)
	if err != nil {
		log.Warn("operation failed", "operation", name, "error", err)
		writeError(w, http.StatusUnprocessableEntity, corrID, "OPERATION_FAILED", err.Error(), false)
		return
	}
	writeJSON(w, http.StatusOK, corrID, operationResponse{Operation: name, Result: result}, nil)
}

func bindPath(r *http.Request, name string, dest any) error {
	return runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), dest, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
}
