package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/yourorg/agentguard/internal/auth"
	"github.com/yourorg/agentguard/internal/violation"
	"github.com/yourorg/agentguard/internal/wrapper"
)

const HeaderRestriction = "X-Restriction"

// PrincipalFromContext returns the authenticated principal.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok || actor.PrincipalID == "" {
		return "", false
	}
	return actor.PrincipalID, true
}

// AuditHealth tracks audit pipeline failures. In strict mode the first
// failure closes the gate until the process restarts.
type AuditHealth struct {
	strict bool
	failed atomic.Bool
	logger *slog.Logger
}

func NewAuditHealth(strict bool, logger *slog.Logger) *AuditHealth {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHealth{strict: strict, logger: logger}
}

// Report is a wrapper.Options.OnAuditError hook.
func (h *AuditHealth) Report(ctx context.Context, err *wrapper.AuditError) {
	h.logger.Error("audit pipeline failure",
		"corrId", corrIDFrom(ctx),
		"stage", err.Stage,
		"chain", string(err.Chain),
		"operation", err.Operation,
		"error", err.Err,
	)
	if h.strict && h.failed.CompareAndSwap(false, true) {
		h.logger.Error("strict audit mode: refusing new operations")
	}
}

// Available reports whether new operations may run.
func (h *AuditHealth) Available() bool {
	if h == nil || !h.strict {
		return true
	}
	return !h.failed.Load()
}

// Failed reports whether any pipeline failure was seen in strict mode.
func (h *AuditHealth) Failed() bool {
	return h != nil && h.failed.Load()
}

// Gate admits a request only for a principal whose restriction allows it.
// Exceeding the rate limit counts as a violation. The principal is the
// authenticated key owner, so Gate must run after auth.Middleware.
func Gate(ledger *violation.Ledger, limiter *RateLimiter, health *AuditHealth, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := corrIDFrom(r.Context())
			actor, ok := auth.ActorFromContext(r.Context())
			if !ok || actor.PrincipalID == "" {
				writeError(w, http.StatusUnauthorized, corrID, "AUTH_REQUIRED", "authentication required", false)
				return
			}
			principal := actor.PrincipalID
			log := CorrelationLogger(logger, corrID, principal)

			restriction, err := ledger.GetRestriction(r.Context(), principal)
			if err != nil {
				log.Error("restriction lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, corrID, "LEDGER_UNAVAILABLE", "violation ledger unavailable", true)
				return
			}
			if restriction.Denies() {
				log.Info("restricted principal denied", "restriction", restriction.String())
				w.Header().Set(HeaderRestriction, restriction.String())
				writeError(w, http.StatusForbidden, corrID, "PRINCIPAL_RESTRICTED", "principal is restricted: "+restriction.String(), false)
				return
			}

			if !health.Available() {
				writeError(w, http.StatusServiceUnavailable, corrID, "AUDIT_UNAVAILABLE", "audit log unavailable", true)
				return
			}

			if ok, retryAfter := limiter.AllowN(principal, actor.RateLimit); !ok {
				escalated, err := ledger.AddViolation(r.Context(), principal)
				if err != nil {
					log.Error("failed to record rate limit violation", "error", err)
				} else {
					w.Header().Set(HeaderRestriction, escalated.String())
				}
				body := ErrorBody{
					Code:              "RATE_LIMITED",
					Message:           "too many requests",
					CorrId:            corrID,
					Retryable:         true,
					RetryAfterSeconds: toRetrySeconds(retryAfter),
				}
				writeJSON(w, http.StatusTooManyRequests, corrID, body, map[string]string{"Retry-After": formatRetryAfter(retryAfter)})
				return
			}

			if restriction == violation.Warning {
				w.Header().Set(HeaderRestriction, restriction.String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
