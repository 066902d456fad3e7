package telephony

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/logger"
)

// Result is what a processor hands back to the HTTP layer.
type Result struct {
	// Status defaults to 200.
	Status   int
	Document []byte
}

// VoiceProcessor owns the business handling of voice webhooks.
type VoiceProcessor interface {
	CallInitiated(ctx context.Context, ev VoiceEvent) Result
	CallStatus(ctx context.Context, ev VoiceEvent) Result
	CDR(ctx context.Context, ev VoiceEvent) Result
	IVRInput(ctx context.Context, menuID string, ev VoiceEvent) Result
	RingGroupNext(ctx context.Context, groupID string, index int, ev VoiceEvent) Result
}

// WebhookHandler converts provider webhooks to VoiceEvents, delegates to the
// processor and writes the XML document. No business logic here. Every
// response, including errors, is a well-formed XML document.
type WebhookHandler struct {
	Processor VoiceProcessor
	Now       func() time.Time
}

func (h WebhookHandler) CallInitiated(c *gin.Context) {
	h.handle(c, "call-initiated", h.Processor.CallInitiated)
}

func (h WebhookHandler) CallStatus(c *gin.Context) {
	h.handle(c, "call-status", h.Processor.CallStatus)
}

func (h WebhookHandler) CDR(c *gin.Context) {
	h.handle(c, "cdr", h.Processor.CDR)
}

func (h WebhookHandler) IVRInput(c *gin.Context) {
	menuID := c.Param("menu_id")
	h.handle(c, "ivr", func(ctx context.Context, ev VoiceEvent) Result {
		return h.Processor.IVRInput(ctx, menuID, ev)
	})
}

func (h WebhookHandler) RingGroupNext(c *gin.Context) {
	groupID := c.Param("group_id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		writeDocument(c, http.StatusOK, FallbackDocument(""))
		return
	}
	h.handle(c, "ring-group", func(ctx context.Context, ev VoiceEvent) Result {
		return h.Processor.RingGroupNext(ctx, groupID, index, ev)
	})
}

// Hangup ends the call. Record and Dial actions point here when nothing
// should follow.
func (h WebhookHandler) Hangup(c *gin.Context) {
	doc, err := NewResponse().Hangup().Render()
	if err != nil {
		doc = FallbackDocument("")
	}
	writeDocument(c, http.StatusOK, doc)
}

func (h WebhookHandler) handle(c *gin.Context, kind string, fn func(context.Context, VoiceEvent) Result) {
	log := logger.FromGin(c)
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if h.Processor == nil {
		log.Error("voice processor not configured")
		writeDocument(c, http.StatusServiceUnavailable, EmptyDocument())
		return
	}

	ev, err := ParseVoiceEvent(c.Request, now())
	if err != nil {
		log.Warn("voice webhook parse failed", "webhook", kind, "err", err)
		writeDocument(c, http.StatusBadRequest, EmptyDocument())
		return
	}

	ctx := WithClientIP(logger.With(c.Request.Context(), logger.SetCallID(c, ev.CallSid)), c.ClientIP())
	res := fn(ctx, ev)
	if res.Status == 0 {
		res.Status = http.StatusOK
	}
	if len(res.Document) == 0 {
		res.Document = EmptyDocument()
	}
	writeDocument(c, res.Status, res.Document)
}

func writeDocument(c *gin.Context, status int, doc []byte) {
	c.Data(status, "application/xml; charset=utf-8", doc)
}
