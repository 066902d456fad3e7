package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
)

// Recorder counts transitions per kind and outcome.
type Recorder interface {
	CallTransition(kind, outcome string)
}

// Machine applies lifecycle transitions to call logs.
//
// Each accepted transition commits the log together with exactly one outbox
// event, then publishes the event. Publishing failures leave the outbox row
// pending for the relay. Rejected transitions are logged and leave the log
// untouched.
type Machine struct {
	repo      Repository
	publisher events.Broadcaster
	logger    *slog.Logger
	recorder  Recorder
	now       func() time.Time
	newID     func() string
}

type MachineOption func(*Machine)

func WithRecorder(r Recorder) MachineOption { return func(m *Machine) { m.recorder = r } }

func NewMachine(repo Repository, publisher events.Broadcaster, logger *slog.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		repo:      repo,
		publisher: publisher,
		logger:    logger.With("component", "call_state"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Outcome reports what a transition did.
type Outcome struct {
	// Applied is false when the transition was rejected as out of order.
	Applied bool
	Log     CallLog
}

type InitiateInput struct {
	CallID         string
	OrganizationID string
	From           string
	To             string
	DidID          string
	At             time.Time
}

type AnswerInput struct {
	CallID         string
	OrganizationID string
	ExtensionID    string
	At             time.Time
	// From, To and DidID seed the record when the call is unknown.
	From  string
	To    string
	DidID string
}

type EndInput struct {
	CallID         string
	OrganizationID string
	Disposition    Disposition
	At             time.Time
	From           string
	To             string
	DidID          string
}

func (m *Machine) Initiate(ctx context.Context, in InitiateInput) (Outcome, error) {
	at := m.at(in.At)
	return m.apply(ctx, in.CallID, in.OrganizationID, CallStatusInitiated, func(cur CallLog, exists bool) (CallLog, any) {
		next := cur
		if !exists {
			next = CallLog{CallID: in.CallID, OrganizationID: in.OrganizationID, CreatedAt: at}
		}
		next.FromNumber, next.ToNumber, next.DidID = in.From, in.To, in.DidID
		next.Status = CallStatusInitiated
		next.InitiatedAt = &at
		return next, events.CallInitiated{
			Event:       events.NameCallInitiated,
			CallID:      next.CallID,
			FromNumber:  next.FromNumber,
			ToNumber:    next.ToNumber,
			DidID:       next.DidID,
			Status:      string(next.Status),
			InitiatedAt: at,
		}
	})
}

func (m *Machine) Answer(ctx context.Context, in AnswerInput) (Outcome, error) {
	at := m.at(in.At)
	return m.apply(ctx, in.CallID, in.OrganizationID, CallStatusAnswered, func(cur CallLog, exists bool) (CallLog, any) {
		next := cur
		if !exists {
			next = CallLog{CallID: in.CallID, OrganizationID: in.OrganizationID, FromNumber: in.From, ToNumber: in.To, DidID: in.DidID, CreatedAt: at}
		}
		next.Status = CallStatusAnswered
		next.AnsweredAt = &at
		if in.ExtensionID != "" {
			ext := in.ExtensionID
			next.ExtensionID = &ext
		}
		return next, events.CallAnswered{
			Event:       events.NameCallAnswered,
			CallID:      next.CallID,
			Status:      string(next.Status),
			AnsweredAt:  at,
			ExtensionID: next.ExtensionID,
		}
	})
}

func (m *Machine) End(ctx context.Context, in EndInput) (Outcome, error) {
	at := m.at(in.At)
	disp := in.Disposition
	if !disp.Valid() {
		disp = DispositionCompleted
	}
	return m.apply(ctx, in.CallID, in.OrganizationID, CallStatusEnded, func(cur CallLog, exists bool) (CallLog, any) {
		next := cur
		if !exists {
			next = CallLog{CallID: in.CallID, OrganizationID: in.OrganizationID, FromNumber: in.From, ToNumber: in.To, DidID: in.DidID, CreatedAt: at}
		}
		ended := at
		next.Duration = 0
		if next.AnsweredAt != nil {
			if ended.Before(*next.AnsweredAt) {
				ended = *next.AnsweredAt
			}
			next.Duration = int(ended.Sub(*next.AnsweredAt) / time.Second)
		}
		next.Status = CallStatusEnded
		next.EndedAt = &ended
		next.Disposition = disp
		return next, events.CallEnded{
			Event:       events.NameCallEnded,
			CallID:      next.CallID,
			Status:      string(next.Status),
			EndedAt:     ended,
			Duration:    next.Duration,
			Disposition: string(disp),
		}
	})
}

func (m *Machine) at(t time.Time) time.Time {
	if t.IsZero() {
		t = m.now()
	}
	return t.UTC()
}

var eventNames = map[CallStatus]string{
	CallStatusInitiated: events.NameCallInitiated,
	CallStatusAnswered:  events.NameCallAnswered,
	CallStatusEnded:     events.NameCallEnded,
}

func (m *Machine) apply(ctx context.Context, callID, organizationID string, to CallStatus, build func(CallLog, bool) (CallLog, any)) (Outcome, error) {
	if callID == "" {
		return Outcome{}, ErrMissingCallID
	}
	kind := string(to)
	var env *events.Envelope

	cl, applied, err := m.repo.Mutate(ctx, callID, func(cur CallLog, exists bool) (CallLog, *events.Envelope, bool, error) {
		if exists && organizationID != "" && cur.OrganizationID != organizationID {
			return cur, nil, false, ErrTenantMismatch
		}
		if !exists && organizationID == "" {
			return cur, nil, false, ErrNotFound
		}
		if !CanTransition(cur.Status, to) {
			return cur, nil, false, nil
		}
		next, payload := build(cur, exists)
		next.UpdatedAt = m.now().UTC()

		e, err := events.NewEnvelope(m.newID(), next.OrganizationID, eventNames[to], payload, next.UpdatedAt)
		if err != nil {
			return cur, nil, false, err
		}
		env = &e
		return next, env, true, nil
	})
	if err != nil {
		if errors.Is(err, ErrTenantMismatch) || errors.Is(err, ErrNotFound) {
			m.logger.Warn("call transition rejected", "call_id", callID, "transition", kind, "organization_id", organizationID, "err", err)
			m.record(kind, "rejected")
		}
		return Outcome{}, err
	}
	if !applied {
		m.logger.Warn("invalid call transition ignored",
			"call_id", callID,
			"organization_id", cl.OrganizationID,
			"from_status", string(cl.Status),
			"to_status", kind,
		)
		m.record(kind, "ignored")
		return Outcome{Applied: false, Log: cl}, nil
	}

	m.record(kind, "applied")
	m.publish(ctx, *env)
	return Outcome{Applied: true, Log: cl}, nil
}

// publish delivers a committed event. It runs detached from the request
// deadline; the outbox covers any failure.
func (m *Machine) publish(ctx context.Context, env events.Envelope) {
	if m.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	if err := m.publisher.Publish(pctx, env); err != nil {
		m.logger.Warn("event publish failed, left for relay", "event_id", env.ID, "event", env.Name, "organization_id", env.OrganizationID, "err", err)
		return
	}
	if err := m.repo.MarkPublished(pctx, []string{env.ID}, m.now().UTC()); err != nil {
		m.logger.Warn("outbox mark published failed", "event_id", env.ID, "err", err)
	}
}

func (m *Machine) record(kind, outcome string) {
	if m.recorder != nil {
		m.recorder.CallTransition(kind, outcome)
	}
}
