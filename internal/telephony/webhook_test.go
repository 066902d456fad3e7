package telephony

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func formRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/voice/call-initiated", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseVoiceEvent(t *testing.T) {
	r := formRequest("CallSid=CA123&From=%2B14155550123&To=%2B12025550100&CallStatus=Ringing&Timestamp=Tue%2C+03+Mar+2026+10%3A00%3A00+%2B0000&EventSid=EV9")
	now := time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)

	ev, err := ParseVoiceEvent(r, now)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ev.CallSid != "CA123" || ev.From != "+14155550123" || ev.To != "+12025550100" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.CallStatus != "ringing" {
		t.Fatalf("expected lower-cased status, got %q", ev.CallStatus)
	}
	if ev.EventID != "EV9" {
		t.Fatalf("expected EventSid fallback, got %q", ev.EventID)
	}
	if want := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC); !ev.Timestamp.Equal(want) {
		t.Fatalf("unexpected timestamp %v", ev.Timestamp)
	}

	again, _ := io.ReadAll(r.Body)
	if string(again) != string(ev.Body) {
		t.Fatalf("expected body restored")
	}
}

func TestParseVoiceEvent_HeaderWinsAndTimestampFallback(t *testing.T) {
	r := formRequest("CallSid=CA1&EventSid=EV9")
	r.Header.Set(IdempotencyHeader, "idem-1")
	now := time.Date(2026, 3, 3, 11, 0, 0, 0, time.UTC)

	ev, err := ParseVoiceEvent(r, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if ev.EventID != "idem-1" {
		t.Fatalf("expected header id, got %q", ev.EventID)
	}
	if !ev.Timestamp.Equal(now) {
		t.Fatalf("expected receipt time, got %v", ev.Timestamp)
	}
}

func TestParseVoiceEvent_RequiresCallSid(t *testing.T) {
	if _, err := ParseVoiceEvent(formRequest("From=%2B1"), time.Now()); err != ErrMissingCallSid {
		t.Fatalf("expected ErrMissingCallSid, got %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		in    string
		phase Phase
		disp  string
	}{
		{"ringing", PhaseRinging, ""},
		{"in-progress", PhaseAnswered, ""},
		{"answered", PhaseAnswered, ""},
		{"completed", PhaseEnded, "completed"},
		{"no-answer", PhaseEnded, "no_answer"},
		{"Busy", PhaseEnded, "busy"},
		{"canceled", PhaseEnded, "canceled"},
		{"weird", PhaseOther, ""},
	}
	for _, tc := range cases {
		p, d := ClassifyStatus(tc.in)
		if p != tc.phase || d != tc.disp {
			t.Fatalf("%s: got (%v,%q)", tc.in, p, d)
		}
	}
}
