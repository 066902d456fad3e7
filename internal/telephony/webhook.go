package telephony

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// IdempotencyHeader carries the provider's per-delivery event identifier.
const IdempotencyHeader = "I-Twilio-Idempotency-Token"

// maxWebhookBody bounds what we read from a provider request.
const maxWebhookBody = 64 << 10

var ErrMissingCallSid = errors.New("telephony: CallSid required")

// VoiceEvent is the provider-agnostic shape of a voice webhook delivery.
// Numbers are passed through as received; normalization happens downstream.
type VoiceEvent struct {
	// EventID is the provider event identifier; empty when none was sent.
	EventID    string
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	// Timestamp is the provider event time, or receipt time when absent.
	Timestamp    time.Time
	CallDuration int
	Digits       string
	// DialCallStatus is the outcome of a <Dial> on its action callback.
	DialCallStatus string
	// Body is the raw request body, used for content-hash keys.
	Body []byte
	// Form holds every posted parameter for signature checks and debugging.
	Form url.Values
}

// ParseVoiceEvent reads a form-encoded voice webhook. The request body is
// restored so later handlers can read it again.
func ParseVoiceEvent(r *http.Request, now time.Time) (VoiceEvent, error) {
	body, form, err := readForm(r)
	if err != nil {
		return VoiceEvent{}, err
	}
	ev := VoiceEvent{
		EventID:    strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
		CallSid:    strings.TrimSpace(form.Get("CallSid")),
		AccountSid: form.Get("AccountSid"),
		From:       strings.TrimSpace(form.Get("From")),
		To:         strings.TrimSpace(form.Get("To")),
		Direction:  form.Get("Direction"),
		CallStatus: strings.ToLower(strings.TrimSpace(form.Get("CallStatus"))),
		Timestamp:  parseTimestamp(form.Get("Timestamp"), now),
		Digits:     strings.TrimSpace(form.Get("Digits")),
		Body:       body,
		Form:       form,

		DialCallStatus: strings.ToLower(form.Get("DialCallStatus")),
	}
	if ev.EventID == "" {
		ev.EventID = strings.TrimSpace(form.Get("EventSid"))
	}
	if d := form.Get("CallDuration"); d != "" {
		if n, err := strconv.Atoi(d); err == nil && n >= 0 {
			ev.CallDuration = n
		}
	}
	if ev.CallSid == "" {
		return ev, ErrMissingCallSid
	}
	return ev, nil
}

func readForm(r *http.Request) ([]byte, url.Values, error) {
	if r.Body == nil {
		return nil, url.Values{}, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		return nil, nil, fmt.Errorf("telephony: read body: %w", err)
	}
	if len(body) > maxWebhookBody {
		return nil, nil, errors.New("telephony: webhook body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, nil, fmt.Errorf("telephony: parse form: %w", err)
	}
	return body, form, nil
}

var timestampLayouts = []string{time.RFC1123Z, time.RFC1123, time.RFC3339Nano}

func parseTimestamp(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback.UTC()
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback.UTC()
}

// Phase is the lifecycle meaning of a provider CallStatus value.
type Phase int

const (
	PhaseOther Phase = iota
	PhaseRinging
	PhaseAnswered
	PhaseEnded
)

// ClassifyStatus maps a provider status to a lifecycle phase and, for ended
// calls, to a disposition (completed, busy, no_answer, failed, canceled).
func ClassifyStatus(status string) (Phase, string) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "queued", "initiated", "ringing":
		return PhaseRinging, ""
	case "in-progress", "answered":
		return PhaseAnswered, ""
	case "completed":
		return PhaseEnded, "completed"
	case "busy":
		return PhaseEnded, "busy"
	case "no-answer":
		return PhaseEnded, "no_answer"
	case "failed":
		return PhaseEnded, "failed"
	case "canceled":
		return PhaseEnded, "canceled"
	}
	return PhaseOther, ""
}
