package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hvac-voice-agent/internal/config"
	"hvac-voice-agent/internal/session"
	"hvac-voice-agent/internal/supervisor"
	"hvac-voice-agent/internal/telephony"
	"hvac-voice-agent/pkg/utils"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, cfg config.Config, sup *supervisor.Supervisor, store *session.Store, db *sql.DB) {
	r.GET("/healthz", func(c *gin.Context) {
		ctx := c.Request.Context()

		dbErr := utils.HealthCheck(ctx, db, 2*time.Second)
		_ = store.Probe(ctx)

		status := http.StatusOK
		body := gin.H{
			"status": "ok",
			"kv":     store.Healthy(30 * time.Second),
			"db":     dbErr == nil,
		}
		if dbErr != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
		c.JSON(status, body)
	})

	// Provider webhooks. Signature validation is a no-op when no auth token
	// is configured, which Validate() forbids in production.
	voice := r.Group("/voice")
	voice.Use(telephony.SignatureMiddleware(cfg.Twilio.AuthToken, cfg.App.PublicHost))
	{
		voice.POST("/incoming", sup.HandleIncoming)
		voice.POST("/turn", sup.HandleTurn)
		voice.POST("/status", sup.HandleStatus)
	}

	// The media stream connects over websocket; the provider does not sign
	// websocket upgrades, so this stays outside the signature group.
	r.GET("/voice/stream", sup.HandleStreamWS)
}
