package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryGate is an in-process Gate for tests and single-node development.
type MemoryGate struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]Record
}

func NewMemoryGate(ttl time.Duration) *MemoryGate {
	return &MemoryGate{ttl: ttl, now: time.Now, records: map[string]Record{}}
}

func (g *MemoryGate) Admit(_ context.Context, key string) (Admission, error) {
	if key == "" {
		return Admission{}, ErrEmptyKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if rec, ok := g.records[key]; ok && now.Before(rec.ExpiresAt) {
		return Admission{First: false, Response: append([]byte(nil), rec.Response...)}, nil
	}
	g.records[key] = Record{Key: key, FirstSeenAt: now, ExpiresAt: now.Add(g.ttl)}
	return Admission{First: true}, nil
}

func (g *MemoryGate) Complete(_ context.Context, key string, response []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[key]
	if !ok {
		return nil
	}
	rec.Response = append([]byte(nil), response...)
	g.records[key] = rec
	return nil
}

func (g *MemoryGate) Release(_ context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	g.mu.Lock()
	delete(g.records, key)
	g.mu.Unlock()
	return nil
}
