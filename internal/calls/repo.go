package calls

import (
	"context"
	"time"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
)

// MutateFunc computes the next state of a call from the current one. exists
// is false when no row exists yet. Returning apply=false leaves storage
// untouched; otherwise next is stored and env, when non-nil, is written to the
// outbox in the same transaction.
type MutateFunc func(current CallLog, exists bool) (next CallLog, env *events.Envelope, apply bool, err error)

// Repository persists call logs and their outbox.
type Repository interface {
	// Mutate serializes all mutations of one call_id across replicas.
	Mutate(ctx context.Context, callID string, fn MutateFunc) (CallLog, bool, error)
	Get(ctx context.Context, organizationID, callID string) (CallLog, error)
	List(ctx context.Context, f ListFilter) ([]CallLog, error)

	// MarkPublished records a request-path publish so the relay skips it.
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
	events.OutboxStore
}
