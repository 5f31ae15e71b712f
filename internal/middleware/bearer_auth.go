package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/storyboard-ai/backend/internal/auth"
	"github.com/storyboard-ai/backend/internal/httpx"
	"github.com/storyboard-ai/backend/internal/ledger"
	"github.com/storyboard-ai/backend/internal/logging"
)

type contextKey string

const ctxUserIDKey contextKey = "user_id"

// BearerAuth resolves the Authorization bearer token to a user id through the
// verifier and stores it in the request context. Requests without a valid
// token never reach next.
func BearerAuth(v auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				httpx.WriteError(w, http.StatusUnauthorized, string(ledger.KindUnauthenticated), "missing or malformed Authorization header")
				return
			}

			userID, err := v.Verify(r.Context(), raw)
			if err != nil {
				logging.FromContext(r.Context()).Info("token rejected", zap.Error(err))
				httpx.WriteError(w, http.StatusUnauthorized, string(ledger.KindUnauthenticated), "invalid or expired token")
				return
			}

			ctx := WithUserID(r.Context(), userID)
			ctx, _ = logging.WithUserID(ctx, logging.FromContext(ctx), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromCtx returns the authenticated user id or "".
func UserIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserIDKey).(string)
	return id
}

// WithUserID returns a context carrying the given user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserIDKey, userID)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
