package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
)

// MemoryRepo is an in-process Repository for tests and local runs.
type MemoryRepo struct {
	mu        sync.Mutex
	logs      map[string]CallLog
	outbox    []events.Envelope
	published map[string]time.Time
	claimed   map[string]struct{}
	mutations int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{logs: map[string]CallLog{}, published: map[string]time.Time{}, claimed: map[string]struct{}{}}
}

func (r *MemoryRepo) Mutate(_ context.Context, callID string, fn MutateFunc) (CallLog, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, exists := r.logs[callID]
	next, env, apply, err := fn(cur, exists)
	if err != nil || !apply {
		return cur, false, err
	}
	r.logs[callID] = next
	r.mutations++
	if env != nil {
		r.outbox = append(r.outbox, *env)
	}
	return next, true, nil
}

// Mutations counts applied mutations.
func (r *MemoryRepo) Mutations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutations
}

func (r *MemoryRepo) Get(_ context.Context, organizationID, callID string) (CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[callID]
	if !ok || l.OrganizationID != organizationID {
		return CallLog{}, ErrNotFound
	}
	return l, nil
}

func (r *MemoryRepo) List(_ context.Context, f ListFilter) ([]CallLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CallLog, 0)
	for _, l := range r.logs {
		if l.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && l.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !l.CreatedAt.Before(f.Until) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CallID < out[j].CallID
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []CallLog{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PendingOutbox lists unpublished envelopes in commit order.
func (r *MemoryRepo) PendingOutbox(_ context.Context, limit int) ([]events.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Envelope, 0)
	for _, e := range r.outbox {
		if _, done := r.published[e.ID]; done {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryRepo) MarkPublished(_ context.Context, ids []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.published[id] = at
	}
	return nil
}

// ClaimOutbox holds claimed envelopes aside while publish runs, the way row
// locks do in Postgres.
func (r *MemoryRepo) ClaimOutbox(_ context.Context, cutoff time.Time, limit int, publish func([]events.Envelope) []string) (int, error) {
	r.mu.Lock()
	batch := make([]events.Envelope, 0)
	for _, e := range r.outbox {
		if _, done := r.published[e.ID]; done {
			continue
		}
		if _, busy := r.claimed[e.ID]; busy {
			continue
		}
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		r.claimed[e.ID] = struct{}{}
		batch = append(batch, e)
		if limit > 0 && len(batch) == limit {
			break
		}
	}
	r.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}

	done := publish(batch)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range batch {
		delete(r.claimed, e.ID)
	}
	at := time.Now().UTC()
	for _, id := range done {
		if _, ok := r.published[id]; !ok {
			r.published[id] = at
		}
	}
	return len(done), nil
}
