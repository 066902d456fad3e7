package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type fakeProcessor struct {
	got    VoiceEvent
	menuID string
	ip     string
	res    Result
}

func (p *fakeProcessor) CallInitiated(ctx context.Context, ev VoiceEvent) Result {
	p.got = ev
	p.ip = ClientIPFromContext(ctx)
	return p.res
}
func (p *fakeProcessor) CallStatus(_ context.Context, ev VoiceEvent) Result { p.got = ev; return p.res }
func (p *fakeProcessor) CDR(_ context.Context, ev VoiceEvent) Result        { p.got = ev; return p.res }
func (p *fakeProcessor) IVRInput(_ context.Context, menuID string, ev VoiceEvent) Result {
	p.got, p.menuID = ev, menuID
	return p.res
}

func (p *fakeProcessor) RingGroupNext(_ context.Context, groupID string, index int, ev VoiceEvent) Result {
	p.got, p.menuID = ev, groupID+"#"+strconv.Itoa(index)
	return p.res
}

func newRouter(p VoiceProcessor) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := WebhookHandler{Processor: p}
	r := gin.New()
	r.POST("/webhooks/voice/call-initiated", h.CallInitiated)
	r.POST("/webhooks/voice/ivr/:menu_id", h.IVRInput)
	r.POST("/webhooks/voice/ring-group/:group_id/:index", h.RingGroupNext)
	r.POST("/webhooks/voice/hangup", h.Hangup)
	return r
}

func post(r http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_WritesProcessorDocument(t *testing.T) {
	doc := FallbackDocument("bye")
	p := &fakeProcessor{res: Result{Document: doc}}
	w := post(newRouter(p), "/webhooks/voice/call-initiated", "CallSid=CA1&From=%2B14155550123&To=%2B12025550100")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if w.Body.String() != string(doc) {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
	if p.got.CallSid != "CA1" || p.ip == "" {
		t.Fatalf("expected event and client ip, got %+v ip=%q", p.got, p.ip)
	}
}

func TestWebhookHandler_EmptyDocumentAndStatus(t *testing.T) {
	p := &fakeProcessor{res: Result{Status: http.StatusServiceUnavailable}}
	w := post(newRouter(p), "/webhooks/voice/call-initiated", "CallSid=CA1")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Response></Response>") {
		t.Fatalf("expected empty response document, got %s", w.Body.String())
	}
}

func TestWebhookHandler_BadRequestIsXML(t *testing.T) {
	w := post(newRouter(&fakeProcessor{}), "/webhooks/voice/call-initiated", "From=%2B1")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "<Response>") {
		t.Fatalf("expected xml body")
	}
}

func TestWebhookHandler_IVRPassesMenu(t *testing.T) {
	p := &fakeProcessor{}
	post(newRouter(p), "/webhooks/voice/ivr/menu-7", "CallSid=CA1&Digits=2")
	if p.menuID != "menu-7" || p.got.Digits != "2" {
		t.Fatalf("unexpected menu=%q digits=%q", p.menuID, p.got.Digits)
	}
}

func TestWebhookHandler_RingGroupNext(t *testing.T) {
	p := &fakeProcessor{}
	r := newRouter(p)
	post(r, "/webhooks/voice/ring-group/rg-1/2", "CallSid=CA1&DialCallStatus=no-answer")
	if p.menuID != "rg-1#2" || p.got.DialCallStatus != "no-answer" {
		t.Fatalf("unexpected group=%q dial status=%q", p.menuID, p.got.DialCallStatus)
	}

	w := post(r, "/webhooks/voice/ring-group/rg-1/x", "CallSid=CA1")
	if !strings.Contains(w.Body.String(), "<Hangup>") {
		t.Fatalf("expected fallback for bad index, got %s", w.Body.String())
	}
}

func TestWebhookHandler_Hangup(t *testing.T) {
	w := post(newRouter(&fakeProcessor{}), "/webhooks/voice/hangup", "")
	if !strings.Contains(w.Body.String(), "<Response><Hangup></Hangup></Response>") {
		t.Fatalf("unexpected body %s", w.Body.String())
	}
}
