package main

import (
	"callcore/internal/auth"
	"callcore/internal/calls"
	"callcore/internal/config"
	"callcore/internal/history"
	"callcore/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, am *auth.Manager, machine *calls.Machine, hist *history.Service) {
	h := httpapi.Handlers{
		Auth:        am,
		Calls:       machine,
		History:     hist,
		LocalUserID: cfg.App.LocalUserID,
	}
	// Token issuance without credentials is only safe for a local UI in development.
	httpapi.Register(r, h, cfg.IsDevelopment())
}
