package main

import (
	"log/slog"

	"carecall/internal/config"
	"carecall/internal/httpapi"
	"carecall/internal/rbac"
	"carecall/internal/telephony"
	"carecall/pkg/logger"

	"github.com/gin-gonic/gin"
)

// newRouter wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func newRouter(log *slog.Logger, cfg *config.Config, h *httpapi.Handlers, tokens rbac.Verifier) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	var signature gin.HandlerFunc
	if cfg.Carrier.ValidateSignatures {
		signature = telephony.SignatureMiddleware(cfg.Carrier.AuthToken, cfg.Carrier.PublicBaseURL)
	} else {
		log.Warn("carrier webhook signature validation disabled")
	}
	httpapi.Register(r, h, signature)
	httpapi.RegisterOperator(r, h, func(roles ...string) gin.HandlerFunc {
		return rbac.RequireAnyRole(tokens, roles...)
	})
	return r
}
