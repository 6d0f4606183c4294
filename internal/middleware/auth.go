package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Strob0t/TenantForge/internal/domain/credential"
	"github.com/Strob0t/TenantForge/internal/logger"
)

const (
	headerAdminKey = "X-Admin-Key"
	headerAPIKey   = "X-API-Key"
)

type serviceTokenCtxKey struct{}

// KeySource returns the currently configured secret. It is consulted on
// every request so a reloaded vault takes effect without a restart.
type KeySource func() string

// AdminKey guards operator endpoints with a shared key sent in X-Admin-Key
// or as a bearer token. An empty key disables the check.
func AdminKey(key KeySource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := key()
			if want == "" {
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get(headerAdminKey)
			if got == "" {
				got = bearer(r)
			}
			if got == "" {
				writeJSONError(w, http.StatusUnauthorized, "authorization required")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				writeJSONError(w, http.StatusUnauthorized, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenAuthenticator resolves a plain service token to its stored record.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, plain string) (*credential.ServiceToken, error)
}

// ServiceToken authenticates a tenant's running environment by its service
// token, sent as X-API-Key or a bearer token, and requires scope.
func ServiceToken(auth TokenAuthenticator, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plain := r.Header.Get(headerAPIKey)
			if plain == "" {
				plain = bearer(r)
			}
			if plain == "" {
				writeJSONError(w, http.StatusUnauthorized, "authorization required")
				return
			}
			tok, err := auth.Authenticate(r.Context(), plain)
			if err != nil {
				slog.DebugContext(r.Context(), "service token rejected", "error", err)
				writeJSONError(w, http.StatusUnauthorized, "invalid service token")
				return
			}
			if !tok.HasScope(scope) {
				writeJSONError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			ctx := context.WithValue(r.Context(), serviceTokenCtxKey{}, tok)
			ctx = logger.WithTenantID(ctx, tok.TenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceTokenFromContext returns the token authenticated by ServiceToken.
func ServiceTokenFromContext(ctx context.Context) *credential.ServiceToken {
	tok, _ := ctx.Value(serviceTokenCtxKey{}).(*credential.ServiceToken)
	return tok
}

// WithServiceToken stores tok in ctx as if ServiceToken had authenticated it.
func WithServiceToken(ctx context.Context, tok *credential.ServiceToken) context.Context {
	return context.WithValue(ctx, serviceTokenCtxKey{}, tok)
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
