package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	CorrId            string `json:"corrId"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

type corrIDKey struct{}

// CorrelationLogger scopes logger to one request.
func CorrelationLogger(logger *slog.Logger, corrID, principalID string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("corrId", corrID, "principalId", principalID)
}

// withCorrelation echoes X-Correlation-Id, generating one when the client
// sent none.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get("X-Correlation-Id")
		if corrID == "" {
			corrID = uuid.NewString()
			r.Header.Set("X-Correlation-Id", corrID)
		}
		w.Header().Set("X-Correlation-Id", corrID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), corrIDKey{}, corrID)))
	})
}

func corrIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(corrIDKey{}).(string)
	return id
}

func writeJSON(w http.ResponseWriter, status int, corrID string, v any, extra map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	if corrID != "" {
		w.Header().Set("X-Correlation-Id", corrID)
	}
	for k, val := range extra {
		w.Header().Set(k, val)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, corrID, code, message string, retryable bool) {
	writeJSON(w, status, corrID, ErrorBody{Code: code, Message: message, CorrId: corrID, Retryable: retryable}, nil)
}

func formatRetryAfter(d time.Duration) string {
	seconds := toRetrySeconds(d)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("%d", seconds)
}

func toRetrySeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	s := int(d.Seconds())
	if time.Duration(s)*time.Second < d {
		s++
	}
	return s
}
