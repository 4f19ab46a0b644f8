package middleware

import (
	"context"
	"net/http"

	"github.com/pliu/expertly/internal/auth"
	"github.com/pliu/expertly/internal/models"
)

type contextKey string

const principalKey contextKey = "principal"

// AuthMiddleware admits requests carrying a valid access token cookie and
// stores the principal in the request context.
func AuthMiddleware(tokens *auth.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := Authenticate(tokens, r)
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// Authenticate reads the access token cookie of r.
func Authenticate(tokens *auth.Tokens, r *http.Request) (models.Principal, bool) {
	cookie, err := r.Cookie(auth.AccessCookie)
	if err != nil {
		return models.Principal{}, false
	}
	claims, err := tokens.Validate(cookie.Value)
	if err != nil {
		return models.Principal{}, false
	}
	return claims.Principal(), true
}

func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey).(models.Principal)
	return p, ok
}
