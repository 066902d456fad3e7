package sentry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

type SettingsStore interface {
	// Settings returns the organization's settings, or ErrNotFound.
	Settings(ctx context.Context, organizationID string) (Settings, error)
}

type BlacklistStore interface {
	// Entries returns every entry for (organization, phone) regardless of
	// status; callers decide activity.
	Entries(ctx context.Context, organizationID, phoneNumber string) ([]BlacklistEntry, error)
}

// PostgresStore implements SettingsStore and BlacklistStore.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (s *PostgresStore) Settings(ctx context.Context, organizationID string) (Settings, error) {
	var (
		st             Settings
		velWin, volWin int64
		action         string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT organization_id, enabled, velocity_limit, velocity_window_seconds,
       volume_limit, volume_window_seconds, default_action, fail_open
FROM sentry_settings
WHERE organization_id = $1`, organizationID).Scan(
		&st.OrganizationID, &st.Enabled, &st.VelocityLimit, &velWin,
		&st.VolumeLimit, &volWin, &action, &st.FailOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, fmt.Errorf("sentry: load settings: %w", err)
	}
	st.VelocityWindow = time.Duration(velWin) * time.Second
	st.VolumeWindow = time.Duration(volWin) * time.Second
	st.DefaultAction = Action(action)
	return st, nil
}

func (s *PostgresStore) Entries(ctx context.Context, organizationID, phoneNumber string) ([]BlacklistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, organization_id, phone_number, COALESCE(reason, ''), expires_at, status, created_at
FROM blacklist_entries
WHERE organization_id = $1 AND phone_number = $2`, organizationID, phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("sentry: load blacklist: %w", err)
	}
	defer rows.Close()

	var out []BlacklistEntry
	for rows.Next() {
		var (
			e       BlacklistEntry
			expires sql.NullTime
			status  string
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.PhoneNumber, &e.Reason, &expires, &status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sentry: scan blacklist: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			e.ExpiresAt = &t
		}
		e.Status = EntryStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemoryStore is an in-process store for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	settings  map[string]Settings
	blacklist map[string][]BlacklistEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: map[string]Settings{}, blacklist: map[string][]BlacklistEntry{}}
}

func (s *MemoryStore) PutSettings(st Settings) {
	s.mu.Lock()
	s.settings[st.OrganizationID] = st
	s.mu.Unlock()
}

func (s *MemoryStore) AddEntry(e BlacklistEntry) {
	s.mu.Lock()
	k := e.OrganizationID + "|" + e.PhoneNumber
	s.blacklist[k] = append(s.blacklist[k], e)
	s.mu.Unlock()
}

func (s *MemoryStore) Settings(_ context.Context, organizationID string) (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[organizationID]
	if !ok {
		return Settings{}, ErrNotFound
	}
	return st, nil
}

func (s *MemoryStore) Entries(_ context.Context, organizationID, phoneNumber string) ([]BlacklistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.blacklist[organizationID+"|"+phoneNumber]
	out := make([]BlacklistEntry, len(src))
	copy(out, src)
	return out, nil
}
