package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/JonMunkholm/fileparse/internal/auth"
)

// TokenVerifier checks a bearer token.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

type claimsKey struct{}

// WithClaims stores the authenticated caller on ctx.
func WithClaims(ctx context.Context, c auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFromContext returns the caller stored by Bearer.
func ClaimsFromContext(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(auth.Claims)
	return c, ok
}

// UserID returns the authenticated caller's id, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	c, _ := ClaimsFromContext(ctx)
	return c.UserID
}

// Bearer rejects requests without a valid "Authorization: Bearer" token.
// onError writes the 401 response so it matches the API's error format.
func Bearer(v TokenVerifier, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, token, _ := strings.Cut(r.Header.Get("Authorization"), " ")
			token = strings.TrimSpace(token)
			if !strings.EqualFold(scheme, "Bearer") || token == "" {
				slog.Debug("auth: missing bearer token",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				onError(w, r, errMissingToken)
				return
			}

			claims, err := v.Verify(token)
			if err != nil {
				slog.Warn("auth: invalid bearer token",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_addr", r.RemoteAddr,
				)
				onError(w, r, err)
				return
			}

			if rw, ok := w.(*responseWriter); ok {
				rw.userID = claims.UserID
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
