package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Response builds a TwiML document. The zero value is an empty <Response/>.
// Verbs render in the order they were added.
type Response struct {
	verbs []any
}

func NewResponse() *Response { return &Response{} }

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlPlay struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName  xml.Name `xml:"Dial"`
	Timeout  int      `xml:"timeout,attr,omitempty"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Action   string   `xml:"action,attr,omitempty"`
	Nouns    []any
}

type twimlNumber struct {
	XMLName xml.Name `xml:"Number"`
	Value   string   `xml:",chardata"`
}

type twimlSip struct {
	XMLName xml.Name `xml:"Sip"`
	URI     string   `xml:",chardata"`
}

type twimlConference struct {
	XMLName                xml.Name `xml:"Conference"`
	StartConferenceOnEnter *bool    `xml:"startConferenceOnEnter,attr,omitempty"`
	EndConferenceOnExit    *bool    `xml:"endConferenceOnExit,attr,omitempty"`
	Muted                  *bool    `xml:"muted,attr,omitempty"`
	MaxParticipants        int      `xml:"maxParticipants,attr,omitempty"`
	WaitURL                string   `xml:"waitUrl,attr,omitempty"`
	Room                   string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName   xml.Name `xml:"Gather"`
	Input     string   `xml:"input,attr,omitempty"`
	NumDigits int      `xml:"numDigits,attr,omitempty"`
	Timeout   int      `xml:"timeout,attr,omitempty"`
	Action    string   `xml:"action,attr,omitempty"`
	Method    string   `xml:"method,attr,omitempty"`
	Verbs     []any
}

type twimlRecord struct {
	XMLName     xml.Name `xml:"Record"`
	Action      string   `xml:"action,attr,omitempty"`
	MaxLength   int      `xml:"maxLength,attr,omitempty"`
	FinishOnKey string   `xml:"finishOnKey,attr,omitempty"`
	PlayBeep    *bool    `xml:"playBeep,attr,omitempty"`
	Transcribe  *bool    `xml:"transcribe,attr,omitempty"`
}

// DialTarget is one leg of a <Dial>. Exactly one of Number, SIPURI or
// Conference is set.
type DialTarget struct {
	Number     string
	SIPURI     string
	Conference *Conference
}

type Conference struct {
	Room                   string
	StartConferenceOnEnter bool
	EndConferenceOnExit    bool
	Muted                  bool
	MaxParticipants        int
	WaitURL                string
}

type Dial struct {
	Timeout  int
	CallerID string
	Action   string
	Targets  []DialTarget
}

type Gather struct {
	NumDigits int
	Timeout   int
	Action    string
	// Prompt is read out while waiting for input.
	Prompt string
	// PromptURL is played instead of Prompt when set.
	PromptURL string
}

type Record struct {
	Action     string
	MaxLength  int
	PlayBeep   bool
	Transcribe bool
}

func (r *Response) Say(text string) *Response {
	r.verbs = append(r.verbs, twimlSay{Text: text})
	return r
}

func (r *Response) Hangup() *Response {
	r.verbs = append(r.verbs, twimlHangup{})
	return r
}

func (r *Response) Reject(reason string) *Response {
	r.verbs = append(r.verbs, twimlReject{Reason: reason})
	return r
}

var ErrEmptyDial = errors.New("telephony: dial requires at least one target")

func (r *Response) Dial(d Dial) error {
	if len(d.Targets) == 0 {
		return ErrEmptyDial
	}
	out := twimlDial{Timeout: d.Timeout, CallerID: d.CallerID, Action: d.Action}
	for _, t := range d.Targets {
		switch {
		case t.Conference != nil:
			c := t.Conference
			out.Nouns = append(out.Nouns, twimlConference{
				StartConferenceOnEnter: boolAttr(c.StartConferenceOnEnter),
				EndConferenceOnExit:    boolAttr(c.EndConferenceOnExit),
				Muted:                  boolAttr(c.Muted),
				MaxParticipants:        c.MaxParticipants,
				WaitURL:                c.WaitURL,
				Room:                   c.Room,
			})
		case strings.TrimSpace(t.SIPURI) != "":
			out.Nouns = append(out.Nouns, twimlSip{URI: t.SIPURI})
		case strings.TrimSpace(t.Number) != "":
			out.Nouns = append(out.Nouns, twimlNumber{Value: t.Number})
		default:
			return ErrEmptyDial
		}
	}
	r.verbs = append(r.verbs, out)
	return nil
}

func (r *Response) Gather(g Gather) *Response {
	out := twimlGather{Input: "dtmf", NumDigits: g.NumDigits, Timeout: g.Timeout, Action: g.Action, Method: "POST"}
	switch {
	case g.PromptURL != "":
		out.Verbs = append(out.Verbs, twimlPlay{URL: g.PromptURL})
	case g.Prompt != "":
		out.Verbs = append(out.Verbs, twimlSay{Text: g.Prompt})
	}
	r.verbs = append(r.verbs, out)
	return r
}

func (r *Response) Record(rec Record) *Response {
	r.verbs = append(r.verbs, twimlRecord{
		Action:      rec.Action,
		MaxLength:   rec.MaxLength,
		FinishOnKey: "#",
		PlayBeep:    boolAttr(rec.PlayBeep),
		Transcribe:  boolAttr(rec.Transcribe),
	})
	return r
}

func boolAttr(b bool) *bool { return &b }

// Render encodes the document with the XML header.
func (r *Response) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(twimlResponse{Verbs: r.verbs}); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultFallbackMessage is announced when a call cannot be routed.
const DefaultFallbackMessage = "We are unable to connect your call at this time. Goodbye."

// FallbackDocument is the announcement-plus-hangup document. It cannot fail.
func FallbackDocument(message string) []byte {
	if message == "" {
		message = DefaultFallbackMessage
	}
	doc, err := NewResponse().Say(message).Hangup().Render()
	if err != nil {
		return []byte(xml.Header + "<Response><Hangup></Hangup></Response>")
	}
	return doc
}

// RejectDocument refuses the call before it is answered.
func RejectDocument() []byte {
	doc, err := NewResponse().Reject("rejected").Render()
	if err != nil {
		return []byte(xml.Header + `<Response><Reject reason="rejected"></Reject></Response>`)
	}
	return doc
}

// EmptyDocument acknowledges a webhook without instructions.
func EmptyDocument() []byte {
	return []byte(xml.Header + "<Response></Response>")
}
