package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.SentryVerdict("velocity", "block")
	m.SentryVerdict("velocity", "block")
	m.RoutingResolution("extension", "routed")
	m.CallTransition("initiated", "applied")
	m.Duplicate("call-initiated")
	m.ObservePipeline("call-initiated", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.sentryVerdicts.WithLabelValues("velocity", "block")); got != 2 {
		t.Fatalf("expected 2 velocity blocks, got %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("initiated", "applied")); got != 1 {
		t.Fatalf("expected 1 transition, got %v", got)
	}
}

func TestMetrics_WebhookMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()
	r := gin.New()
	r.POST("/webhooks/voice/cdr", m.Webhooks("cdr"), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/voice/cdr", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), `opbx_webhooks_total{status="200",webhook="cdr"} 1`) {
		t.Fatalf("expected webhook counter in exposition:\n%s", w.Body.String())
	}
}
