package logger

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	// headerDeliveryID is the provider's per-delivery token. Retries of one
	// webhook share it, so it doubles as the request id when present.
	headerDeliveryID = "I-Twilio-Idempotency-Token"

	ginLoggerKey = "logger"
	ginCallIDKey = "call_id"
)

// quietPaths are probed constantly; their summaries are logged at debug.
var quietPaths = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

// Middleware assigns a request id, attaches a request-scoped logger to both
// the gin and request contexts, and logs one summary line per request.
// 5xx responses log at error and 4xx at warn.
func Middleware(l *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid := requestID(c.Request)
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set(ginLoggerKey, reqLogger)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLogger))

		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", float64(time.Since(start).Milliseconds()),
		}
		if id := c.GetString(ginCallIDKey); id != "" {
			attrs = append(attrs, "call_id", id)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		switch {
		case status >= http.StatusInternalServerError || len(c.Errors) > 0:
			reqLogger.Error("request", attrs...)
		case status >= http.StatusBadRequest:
			reqLogger.Warn("request", attrs...)
		case quietPaths[path]:
			reqLogger.Debug("request", attrs...)
		default:
			reqLogger.Info("request", attrs...)
		}
	}
}

func requestID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(headerRequestID)); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get(headerDeliveryID)); v != "" {
		return v
	}
	return uuid.NewString()
}

// SetCallID tags the request summary with the provider call id and returns
// the request logger carrying it.
func SetCallID(c *gin.Context, callID string) *slog.Logger {
	l := FromGin(c)
	if callID == "" {
		return l
	}
	c.Set(ginCallIDKey, callID)
	return l.With("call_id", callID)
}

// FromGin pulls the request-scoped logger from the gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
