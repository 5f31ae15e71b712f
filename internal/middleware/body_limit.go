package middleware

import (
	"net/http"

	"github.com/storyboard-ai/backend/internal/httpx"
	"github.com/storyboard-ai/backend/internal/ledger"
)

// BodyLimit rejects declared oversized bodies up front and caps streamed ones.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			if r.ContentLength > maxBytes {
				httpx.WriteError(w, http.StatusRequestEntityTooLarge, string(ledger.KindInvalidRequest), "request body too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
