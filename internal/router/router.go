package router

import (
	"net/http"

	"github.com/storyboard-ai/backend/internal/handlers"
)

// Deps are the handlers the router mounts.
type Deps struct {
	Credits *handlers.CreditHandler
	// Auth guards every credit route except pricing.
	Auth    func(http.Handler) http.Handler
	Health  http.HandlerFunc
	Metrics http.Handler
}

// New returns an http.Handler that serves the credit API under /api/credits.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	base := "/api/credits"
	protected := func(h http.HandlerFunc) http.Handler { return d.Auth(h) }

	mux.Handle("GET "+base+"/balance", protected(d.Credits.Balance))
	mux.Handle("POST "+base+"/deduct/text", protected(d.Credits.DeductText))
	mux.Handle("POST "+base+"/deduct/image", protected(d.Credits.DeductImage))
	mux.Handle("GET "+base+"/history", protected(d.Credits.History))

	// Read routes the web client already calls.
	mux.Handle("GET "+base+"/together", protected(d.Credits.Together))
	mux.Handle("GET "+base+"/perplexity", protected(d.Credits.Perplexity))

	mux.HandleFunc("GET "+base+"/pricing", d.Credits.Pricing)

	if d.Health != nil {
		mux.HandleFunc("GET /health", d.Health)
	}
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
	return mux
}
