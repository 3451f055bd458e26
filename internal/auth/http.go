package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/MrWong99/lumi/pkg/types"
)

type ctxKey struct{}

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u types.User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// UserFrom returns the user stored in ctx by [WithUser].
func UserFrom(ctx context.Context) (types.User, bool) {
	u, ok := ctx.Value(ctxKey{}).(types.User)
	return u, ok
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the "token" query parameter for WebSocket clients that
// cannot set headers.
func TokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		token = strings.TrimSpace(token)
		return token, ok && token != ""
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// Middleware rejects requests without a valid token and stores the user in
// the request context.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := TokenFromRequest(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Missing access token")
				return
			}
			u, err := v.Verify(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid access token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

// RequireAdmin rejects users without the admin claim. It must run after
// [Middleware].
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := UserFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Missing access token")
			return
		}
		if !u.Admin {
			writeError(w, http.StatusForbidden, "Admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": status, "message": msg})
}
