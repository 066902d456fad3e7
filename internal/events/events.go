// Package events fans call lifecycle transitions out to subscribers.
//
// Every event is published on the owning organization's channel only. Payloads
// are flat JSON objects whose field names are part of the public contract.
package events

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	NameCallInitiated = "call.initiated"
	NameCallAnswered  = "call.answered"
	NameCallEnded     = "call.ended"
)

var ErrNoOrganization = errors.New("events: organization_id required")

// Channel is the organization-scoped presence channel.
func Channel(organizationID string) string {
	return "presence.org." + organizationID
}

type CallInitiated struct {
	Event       string    `json:"event"`
	CallID      string    `json:"call_id"`
	FromNumber  string    `json:"from_number"`
	ToNumber    string    `json:"to_number"`
	DidID       string    `json:"did_id"`
	Status      string    `json:"status"`
	InitiatedAt time.Time `json:"initiated_at"`
}

type CallAnswered struct {
	Event       string    `json:"event"`
	CallID      string    `json:"call_id"`
	Status      string    `json:"status"`
	AnsweredAt  time.Time `json:"answered_at"`
	ExtensionID *string   `json:"extension_id"`
}

type CallEnded struct {
	Event       string    `json:"event"`
	CallID      string    `json:"call_id"`
	Status      string    `json:"status"`
	EndedAt     time.Time `json:"ended_at"`
	Duration    int       `json:"duration"`
	Disposition string    `json:"disposition,omitempty"`
}

// Envelope is one event addressed to one organization. It is also the outbox
// row shape.
type Envelope struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (e Envelope) Channel() string { return Channel(e.OrganizationID) }

// NewEnvelope marshals payload for organizationID.
func NewEnvelope(id, organizationID, name string, payload any, at time.Time) (Envelope, error) {
	if organizationID == "" {
		return Envelope{}, ErrNoOrganization
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ID: id, OrganizationID: organizationID, Name: name, Payload: b, CreatedAt: at.UTC()}, nil
}
