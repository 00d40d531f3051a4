package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/caravel-labs/caravel-go/internal/platform/httpserver"
)

type Middleware struct {
	Logger        *slog.Logger
	Authenticator Authenticator
	// SkipPrefixes bypass authentication, for health and metrics
	// endpoints.
	SkipPrefixes []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r.Context(), r)
		if err != nil {
			reason := "invalid_token"
			if errors.Is(err, ErrUnauthenticated) {
				reason = "unauthorized"
			}
			m.logDeny(r, reason, err)
			requestID, _ := httpserver.RequestIDFromContext(r.Context())
			httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{
				"error":      reason,
				"request_id": requestID,
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) logDeny(r *http.Request, reason string, err error) {
	if m.Logger == nil {
		return
	}
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	m.Logger.Warn("request denied",
		"reason", reason,
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"remote_addr", r.RemoteAddr,
		"error", err.Error(),
	)
}
