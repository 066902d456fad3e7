package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
}

// Service records internal audit information.
//
// Callers treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.OrganizationID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// List returns events for one organization, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Event, error) {
	if f.OrganizationID == "" {
		return nil, ErrInvalidEvent
	}
	return s.repo.List(ctx, f)
}

// LogSentry records a rejected or flagged inbound call.
func (s *Service) LogSentry(ctx context.Context, organizationID, callID, check, fromNumber, toNumber, action, reason string) error {
	typ := EventTypeSentryBlock
	if action == "flag" {
		typ = EventTypeSentryFlag
	}
	return s.Append(ctx, Event{
		OrganizationID: organizationID,
		Type:           typ,
		CallID:         callID,
		FromNumber:     fromNumber,
		ToNumber:       toNumber,
		Component:      check,
		Action:         action,
		Message:        reason,
	})
}

// LogRoutingFallback records a call that received the fallback document.
func (s *Service) LogRoutingFallback(ctx context.Context, organizationID, callID, toNumber, destinationType, reason string) error {
	return s.Append(ctx, Event{
		OrganizationID: organizationID,
		Type:           EventTypeRoutingFallback,
		CallID:         callID,
		ToNumber:       toNumber,
		Component:      destinationType,
		Action:         "fallback",
		Message:        reason,
	})
}

// LogAdminAction records an operator action such as issuing an access token.
func (s *Service) LogAdminAction(ctx context.Context, organizationID, actorUserID, actorRole, ip, message, metadata string) error {
	return s.Append(ctx, Event{
		OrganizationID: organizationID,
		Type:           EventTypeAdminAction,
		ActorUserID:    actorUserID,
		ActorRole:      actorRole,
		IPAddress:      ip,
		Message:        message,
		Metadata:       metadata,
	})
}
