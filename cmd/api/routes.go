package main

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/config"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/httpapi"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/metrics"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/rbac"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/telephony"
	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/utils"
)

type routeDeps struct {
	cfg      config.Config
	db       *sql.DB
	metrics  *metrics.Metrics
	pipeline telephony.VoiceProcessor
	authMW   gin.HandlerFunc
	api      httpapi.Handlers
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	// Provider webhooks. Signed by the provider; always answered with XML.
	voice := r.Group("/webhooks/voice")
	voice.Use(telephony.RequireSignature(d.cfg.Twilio.AuthToken, d.cfg.Twilio.WebhookBaseURL))
	{
		h := telephony.WebhookHandler{Processor: d.pipeline, Now: time.Now}
		voice.POST("/call-initiated", d.metrics.Webhooks("call-initiated"), h.CallInitiated)
		voice.POST("/call-status", d.metrics.Webhooks("call-status"), h.CallStatus)
		voice.POST("/cdr", d.metrics.Webhooks("cdr"), h.CDR)
		voice.POST("/ivr/:menu_id", d.metrics.Webhooks("ivr"), h.IVRInput)
		voice.POST("/ring-group/:group_id/:index", d.metrics.Webhooks("ring-group"), h.RingGroupNext)
		voice.POST("/hangup", h.Hangup)
	}

	// Read API. Every query is scoped to the token's organization.
	v1 := r.Group("/v1")
	v1.Use(d.authMW, rbac.RequireOrganization())
	{
		readers := v1.Group("", rbac.RequireAnyRole(rbac.CallReaders...))
		readers.GET("/calls", d.api.ListCalls)
		readers.GET("/calls/:call_id", d.api.GetCall)

		v1.GET("/reports/calls", rbac.RequireAnyRole(rbac.ReportReaders...), d.api.CallsReport)
		v1.GET("/sentry/audit", rbac.RequireAnyRole(rbac.AuditReaders...), d.api.SentryAudit)
	}
}
