package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/llm-proxy-router/internal/providers"
)

// SecurityConfig configures the gateway's local access check
type SecurityConfig struct {
	// APIToken is the bearer token callers must present. Empty disables
	// authentication.
	APIToken string
	// ExemptPaths skip authentication, e.g. health and metrics probes.
	ExemptPaths []string
}

// SecurityMiddleware checks the local bearer token and sets response
// security headers.
type SecurityMiddleware struct {
	token  []byte
	exempt map[string]bool
	logger *logrus.Logger
}

// NewSecurityMiddleware creates the security middleware
func NewSecurityMiddleware(config *SecurityConfig, logger *logrus.Logger) *SecurityMiddleware {
	if config == nil {
		config = &SecurityConfig{}
	}

	exempt := make(map[string]bool, len(config.ExemptPaths))
	for _, p := range config.ExemptPaths {
		exempt[p] = true
	}

	return &SecurityMiddleware{
		token:  []byte(config.APIToken),
		exempt: exempt,
		logger: logger,
	}
}

// RequireAuth reports whether a token is configured
func (s *SecurityMiddleware) RequireAuth() bool {
	return len(s.token) > 0
}

// Handler returns the middleware chain: security headers, then auth
func (s *SecurityMiddleware) Handler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.securityHeaders(s.authenticate(next))
	}
}

func (s *SecurityMiddleware) authenticate(next http.Handler) http.Handler {
	if !s.RequireAuth() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.exempt[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)
		if token == "" {
			s.writeUnauthorized(w, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), s.token) != 1 {
			s.logger.WithFields(logrus.Fields{
				"path":        r.URL.Path,
				"remote_addr": getClientIPFromRequest(r),
				"token":       providers.MaskCredential(token),
			}).Warn("Rejected request with invalid token")
			s.writeUnauthorized(w, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *SecurityMiddleware) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *SecurityMiddleware) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="llm-proxy-router"`)
	w.WriteHeader(http.StatusUnauthorized)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "authentication_error",
			"code":    http.StatusUnauthorized,
		},
		"timestamp": time.Now().Unix(),
	})
}

// extractToken reads the Authorization bearer token, falling back to X-API-Key
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func getClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, _, _ := strings.Cut(xff, ","); ip != "" {
			return strings.TrimSpace(ip)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
