package gateway

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// AdminAuthenticator guards the admin API with a static token.
type AdminAuthenticator struct {
	token  string
	logger *zap.Logger
}

// NewAdminAuthenticator creates an authenticator. An empty token rejects
// every request.
func NewAdminAuthenticator(token string, logger *zap.Logger) *AdminAuthenticator {
	return &AdminAuthenticator{token: token, logger: logger}
}

// Valid reports whether presented matches the admin token.
func (a *AdminAuthenticator) Valid(presented string) bool {
	if a.token == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
}

// Middleware requires X-Admin-Token and audit-logs admin calls.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing admin token", "authentication_error")
			return
		}
		if !a.Valid(token) {
			a.logger.Warn("invalid admin token attempt",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			writeError(w, http.StatusUnauthorized, "invalid admin token", "authentication_error")
			return
		}

		a.logger.Info("admin action authenticated",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r)
	})
}
