package httpapi

import (
	"callcore/internal/auth"

	"github.com/gin-gonic/gin"
)

// Register wires the control API onto r. devTokens enables POST /auth/token.
// Keep this free of business logic; handlers delegate to internal modules.
func Register(r gin.IRouter, h Handlers, devTokens bool) {
	r.GET("/healthz", h.Health)

	authGroup := r.Group("/auth")
	{
		if devTokens {
			authGroup.POST("/token", h.IssueToken)
		}
		authGroup.POST("/refresh", h.RefreshToken)
	}

	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(h.Auth), auth.RequireUser(h.LocalUserID))
	{
		calls := v1.Group("/calls")
		calls.GET("/current", h.CurrentCall)
		calls.POST("", h.InitiateCall)
		calls.POST("/accept", h.AcceptCall)
		calls.POST("/reject", h.RejectCall)
		calls.POST("/hangup", h.HangUpCall)
		calls.POST("/audio/toggle", h.ToggleAudio)
		calls.POST("/video/toggle", h.ToggleVideo)
		calls.GET("/events", h.Events)

		hist := v1.Group("/history")
		hist.GET("", h.ListHistory)
		hist.GET("/summary", h.HistorySummary)
	}
}
