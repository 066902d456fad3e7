package dids

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

type Repository interface {
	// FindByNumber looks up a DID by its E.164 number.
	FindByNumber(ctx context.Context, number string) (DidNumber, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) FindByNumber(ctx context.Context, number string) (DidNumber, error) {
	var (
		d   DidNumber
		typ string
	)
	err := r.db.QueryRowContext(ctx, `
SELECT id, organization_id, number, destination_type, destination_id
FROM did_numbers
WHERE number = $1 AND status = 'active'`, number).Scan(&d.ID, &d.OrganizationID, &d.Number, &typ, &d.DestinationID)
	if errors.Is(err, sql.ErrNoRows) {
		return DidNumber{}, ErrNotFound
	}
	if err != nil {
		return DidNumber{}, fmt.Errorf("dids: find %s: %w", number, err)
	}
	d.DestinationType = DestinationType(typ)
	return d, nil
}

// MemoryRepo is an in-process Repository for tests and local runs.
type MemoryRepo struct {
	mu   sync.RWMutex
	byNo map[string]DidNumber
}

func NewMemoryRepo(items ...DidNumber) *MemoryRepo {
	r := &MemoryRepo{byNo: map[string]DidNumber{}}
	for _, d := range items {
		r.byNo[d.Number] = d
	}
	return r
}

func (r *MemoryRepo) Put(d DidNumber) {
	r.mu.Lock()
	r.byNo[d.Number] = d
	r.mu.Unlock()
}

func (r *MemoryRepo) FindByNumber(_ context.Context, number string) (DidNumber, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byNo[number]
	if !ok {
		return DidNumber{}, ErrNotFound
	}
	return d, nil
}
