package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// HeaderAPIKey is accepted when Authorization is absent.
const HeaderAPIKey = "X-API-Key"

// AuthError is the JSON body of an authentication or scope failure.
type AuthError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	CorrID    string `json:"corrId"`
	Retryable bool   `json:"retryable"`
}

// Middleware admits requests carrying a valid API key and stores the
// resulting Actor in the request context. The principal is always the key's
// owner; nothing the client sends can name another one.
func Middleware(store KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-Id")
			rawKey := extractAPIKey(r)
			if rawKey == "" {
				writeAuthError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "API key required", corrID)
				return
			}

			key, err := store.ValidateKey(r.Context(), rawKey)
			if err != nil {
				code, message := "AUTH_FAILED", "authentication failed"
				switch {
				case errors.Is(err, ErrInvalidKey):
					code, message = "INVALID_KEY", "invalid API key format"
				case errors.Is(err, ErrInvalidAPIKey):
					code, message = "INVALID_KEY", "invalid API key"
				case errors.Is(err, ErrKeyExpired):
					code, message = "KEY_EXPIRED", "API key has expired"
				case errors.Is(err, ErrKeyRevoked):
					code, message = "KEY_REVOKED", "API key has been revoked"
				}
				logger.Warn("authentication failed",
					"corrId", corrID,
					"keyPrefix", ExtractKeyPrefix(rawKey),
					"code", code,
				)
				writeAuthError(w, http.StatusUnauthorized, code, message, corrID)
				return
			}

			actor := &Actor{
				PrincipalID: key.PrincipalID,
				KeyID:       key.ID,
				KeyName:     key.Name,
				Scopes:      key.Scopes,
				RateLimit:   key.RateLimit,
			}
			logger.Debug("authenticated request",
				"corrId", corrID,
				"principalId", actor.PrincipalID,
				"keyId", actor.KeyID,
			)
			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
		})
	}
}

// RequireScope rejects actors without scope. It must run after Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-Id")
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "authentication required", corrID)
				return
			}
			if !actor.HasScope(scope) {
				writeAuthError(w, http.StatusForbidden, "INSUFFICIENT_SCOPE", "required scope: "+scope, corrID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractAPIKey accepts "Bearer <key>", "ApiKey <key>", a bare key in
// Authorization, or X-API-Key.
func extractAPIKey(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	}
	for _, scheme := range []string{"Bearer ", "ApiKey "} {
		if rest, ok := strings.CutPrefix(header, scheme); ok {
			return strings.TrimSpace(rest)
		}
	}
	return header
}

func writeAuthError(w http.ResponseWriter, status int, code, message, corrID string) {
	w.Header().Set("Content-Type", "application/json")
	if corrID != "" {
		w.Header().Set("X-Correlation-Id", corrID)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(AuthError{Code: code, Message: message, CorrID: corrID})
}
