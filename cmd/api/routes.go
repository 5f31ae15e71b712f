package main

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/storyboard-ai/backend/internal/auth"
	"github.com/storyboard-ai/backend/internal/config"
	"github.com/storyboard-ai/backend/internal/handlers"
	"github.com/storyboard-ai/backend/internal/ledger"
	"github.com/storyboard-ai/backend/internal/metrics"
	"github.com/storyboard-ai/backend/internal/middleware"
	"github.com/storyboard-ai/backend/internal/router"
)

// buildHandler assembles the router and the outer middleware chain:
// RequestLogger -> Recoverer -> CORS -> BodyLimit -> mux (BearerAuth per route).
func buildHandler(
	svc ledger.Service,
	verifier auth.Verifier,
	health http.HandlerFunc,
	m *metrics.Metrics,
	cfg *config.Config,
	logger *zap.Logger,
) http.Handler {
	mux := router.New(router.Deps{
		Credits: handlers.NewCreditHandler(svc),
		Auth:    middleware.BearerAuth(verifier),
		Health:  health,
		Metrics: m.Handler(),
	})

	var h http.Handler = mux
	h = middleware.BodyLimit(cfg.HTTP.MaxBodySize)(h)
	h = newCORS(cfg.HTTP.CORSAllowOrigins).Handler(h)
	h = middleware.Recoverer(h)
	h = middleware.RequestLogger(logger.Named("http"), m)(h)
	return h
}
