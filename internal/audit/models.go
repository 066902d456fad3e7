package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - organization_id is required for tenancy isolation.
// - Writers treat audit as best-effort; a failed append never blocks call handling.
//
// Storage: table audit_events, INSERT-only (see internal/migrations).
type Event struct {
	ID             string `json:"id" db:"id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`

	// Type indicates the business category of the audit record.
	Type EventType `json:"type" db:"type"`

	// ActorUserID is the authenticated user causing the event (if applicable).
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Call context for pipeline events.
	CallID     string `json:"call_id,omitempty" db:"call_id"`
	FromNumber string `json:"from_number,omitempty" db:"from_number"`
	ToNumber   string `json:"to_number,omitempty" db:"to_number"`

	// Component is the sentry check or routing strategy that produced the event.
	Component string `json:"component,omitempty" db:"component"`
	Action    string `json:"action,omitempty" db:"action"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeAdminAction     EventType = "admin_action"
	EventTypeSentryBlock     EventType = "sentry_block"
	EventTypeSentryFlag      EventType = "sentry_flag"
	EventTypeRoutingFallback EventType = "routing_fallback"
)

// Filter narrows List results. OrganizationID is mandatory.
type Filter struct {
	OrganizationID string
	Types          []EventType
	Since          time.Time
	Limit          int
}
