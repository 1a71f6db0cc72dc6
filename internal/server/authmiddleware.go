package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/edu-ai-gateway/internal/auth"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
)

type requesterKey struct{}

// AuthMiddleware resolves the bearer token into a requester and stores it
// in the context. Requests without a valid token get 401.
func AuthMiddleware(resolver ports.IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.ExtractBearer(r)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			}
			requester, err := resolver.Resolve(r.Context(), token)
			if err != nil {
				AddError(r.Context(), err)
				writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "invalid credentials")
				return
			}
			AddLogField(r.Context(), "requester", requester.ID)
			next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), requester)))
		})
	}
}

// WithRequester stores requester in ctx.
func WithRequester(ctx context.Context, requester domain.Requester) context.Context {
	return context.WithValue(ctx, requesterKey{}, requester)
}

// GetRequester returns the authenticated requester, if any.
func GetRequester(ctx context.Context) (domain.Requester, bool) {
	r, ok := ctx.Value(requesterKey{}).(domain.Requester)
	return r, ok
}

// RequireRole rejects requesters whose role is not listed.
func RequireRole(roles ...domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requester, ok := GetRequester(r.Context())
			if ok {
				for _, role := range roles {
					if requester.Role == role {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeError(w, r, domain.ErrPermissionDenied("this endpoint requires an elevated role"))
		})
	}
}
