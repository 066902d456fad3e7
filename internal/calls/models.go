package calls

import (
	"errors"
	"time"
)

// CallLog is the canonical record of one inbound call.
//
// Multi-tenant invariant: OrganizationID is required on every row.
//
// Status only moves forward (initiated, answered, ended). AnsweredAt never
// follows EndedAt. Duration is whole seconds between answer and end, zero for
// calls that were never answered.
type CallLog struct {
	CallID         string `json:"call_id" db:"call_id"`
	OrganizationID string `json:"organization_id" db:"organization_id"`

	FromNumber  string  `json:"from_number" db:"from_number"`
	ToNumber    string  `json:"to_number" db:"to_number"`
	DidID       string  `json:"did_id" db:"did_id"`
	ExtensionID *string `json:"extension_id,omitempty" db:"extension_id"`

	Status      CallStatus  `json:"status" db:"status"`
	Disposition Disposition `json:"disposition,omitempty" db:"disposition"`

	InitiatedAt *time.Time `json:"initiated_at,omitempty" db:"initiated_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// Duration is the talk time in seconds.
	Duration int `json:"duration" db:"duration"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusEnded     CallStatus = "ended"
)

// rank orders statuses; the zero status (no record yet) ranks lowest.
func (s CallStatus) rank() int {
	switch s {
	case CallStatusInitiated:
		return 1
	case CallStatusAnswered:
		return 2
	case CallStatusEnded:
		return 3
	}
	return 0
}

func (s CallStatus) Valid() bool { return s.rank() > 0 }

// Disposition records how an ended call finished.
type Disposition string

const (
	DispositionCompleted Disposition = "completed"
	DispositionNoAnswer  Disposition = "no_answer"
	DispositionBusy      Disposition = "busy"
	DispositionFailed    Disposition = "failed"
	DispositionCanceled  Disposition = "canceled"
	DispositionBlocked   Disposition = "blocked"
)

func (d Disposition) Valid() bool {
	switch d {
	case DispositionCompleted, DispositionNoAnswer, DispositionBusy, DispositionFailed, DispositionCanceled, DispositionBlocked:
		return true
	}
	return false
}

var (
	ErrNotFound          = errors.New("calls: not found")
	ErrInvalidTransition = errors.New("calls: invalid transition")
	ErrTenantMismatch    = errors.New("calls: organization mismatch")
	ErrMissingCallID     = errors.New("calls: call_id required")
)

// CanTransition reports whether a log in from may move to to. The empty
// status stands for "no record yet" and may move anywhere.
func CanTransition(from, to CallStatus) bool {
	return to.Valid() && to.rank() > from.rank()
}

// ListFilter narrows List. OrganizationID is mandatory.
type ListFilter struct {
	OrganizationID string
	Status         CallStatus
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}
