package handler

import (
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/shopfront/internal/domain/auth"
)

// APIKeyHeader carries the client API key.
const APIKeyHeader = "api_key"

// RequireScope authenticates the api_key header and rejects keys without
// scope. The key is stored in the request context.
func RequireScope(a Authenticator, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			key := r.Header.Get(APIKeyHeader)
			if key == "" {
				fail(w, r, auth.ErrUnauthorized)
				return
			}

			info, err := a.Authenticate(ctx, key)
			if err != nil {
				// Lookup failures other than an unknown key surface as 500.
				fail(w, r, err)
				return
			}
			if !info.HasScope(scope) {
				zctx.From(ctx).Warn("API key lacks scope",
					zap.String("key_id", info.ID),
					zap.String("scope", scope),
				)
				fail(w, r, auth.ErrForbidden)
				return
			}

			ctx = auth.WithKey(ctx, info)
			ctx = zctx.With(ctx, zap.String("key_id", info.ID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
