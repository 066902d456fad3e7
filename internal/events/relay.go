package events

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRelayGrace is how old an unpublished envelope must be before the
// relay takes it over from the request that committed it.
const DefaultRelayGrace = 30 * time.Second

// OutboxStore hands unpublished envelopes to a relay.
type OutboxStore interface {
	// ClaimOutbox locks up to limit unpublished envelopes created before
	// cutoff, passes them to publish and marks the ids publish returns as
	// published, in one transaction. Envelopes claimed by a concurrent relay
	// are skipped.
	ClaimOutbox(ctx context.Context, cutoff time.Time, limit int, publish func([]Envelope) []string) (int, error)
}

// Relay republishes outbox rows that the committing request failed to
// publish. Delivery is at-least-once; consumers dedupe on the envelope id.
type Relay struct {
	store     OutboxStore
	publisher Broadcaster
	logger    *slog.Logger
	batch     int
	grace     time.Duration
	now       func() time.Time
}

type RelayOption func(*Relay)

// WithGrace sets the minimum envelope age. Non-positive values keep the
// default.
func WithGrace(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.grace = d
		}
	}
}

func NewRelay(store OutboxStore, publisher Broadcaster, logger *slog.Logger, opts ...RelayOption) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		store:     store,
		publisher: publisher,
		logger:    logger.With("component", "outbox_relay"),
		batch:     100,
		grace:     DefaultRelayGrace,
		now:       time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Flush publishes one batch and returns how many envelopes were delivered.
// A failed publish leaves the row pending for the next pass.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().Add(-r.grace)
	return r.store.ClaimOutbox(ctx, cutoff, r.batch, func(pending []Envelope) []string {
		done := make([]string, 0, len(pending))
		for _, env := range pending {
			if err := r.publisher.Publish(ctx, env); err != nil {
				r.logger.Warn("outbox publish failed", "event_id", env.ID, "event", env.Name, "organization_id", env.OrganizationID, "err", err)
				continue
			}
			done = append(done, env.ID)
		}
		return done
	})
}

// Run flushes every interval until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := r.Flush(ctx)
			if err != nil {
				r.logger.Error("outbox flush failed", "err", err)
				continue
			}
			if n > 0 {
				r.logger.Info("outbox flushed", "published", n)
			}
		}
	}
}
