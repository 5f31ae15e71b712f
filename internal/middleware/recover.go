package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/storyboard-ai/backend/internal/httpx"
	"github.com/storyboard-ai/backend/internal/logging"
)

// Recoverer turns a handler panic into a 500 and logs it with the stack.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rv := recover()
			if rv == nil {
				return
			}
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			logging.FromContext(r.Context()).Error("panic recovered",
				zap.Any("panic", rv),
				zap.Stack("stack"),
			)
			httpx.WriteError(w, http.StatusInternalServerError, httpx.KindInternal, "internal error")
		}()
		next.ServeHTTP(w, r)
	})
}
