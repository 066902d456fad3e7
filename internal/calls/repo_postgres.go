package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/utils"
)

// PostgresRepo stores call_logs and call_event_outbox. Mutations of one call
// are serialized with a transaction-scoped advisory lock keyed by call_id, so
// no in-process lock spans calls.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const callColumns = `call_id, organization_id, from_number, to_number, did_id, extension_id,
       status, COALESCE(disposition, ''), initiated_at, answered_at, ended_at, duration, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(s rowScanner) (CallLog, error) {
	var (
		l                   CallLog
		ext                 sql.NullString
		status, disposition string
		initiated, answered sql.NullTime
		ended               sql.NullTime
	)
	err := s.Scan(&l.CallID, &l.OrganizationID, &l.FromNumber, &l.ToNumber, &l.DidID, &ext,
		&status, &disposition, &initiated, &answered, &ended, &l.Duration, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return CallLog{}, err
	}
	l.Status = CallStatus(status)
	l.Disposition = Disposition(disposition)
	if ext.Valid {
		l.ExtensionID = &ext.String
	}
	l.InitiatedAt = nullTime(initiated)
	l.AnsweredAt = nullTime(answered)
	l.EndedAt = nullTime(ended)
	return l, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (r *PostgresRepo) Mutate(ctx context.Context, callID string, fn MutateFunc) (CallLog, bool, error) {
	var (
		out     CallLog
		applied bool
	)
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := utils.AdvisoryXactLock(ctx, tx, utils.LockKey("call", callID)); err != nil {
			return fmt.Errorf("calls: lock %s: %w", callID, err)
		}

		cur, err := scanCall(tx.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_logs WHERE call_id = $1`, callID))
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("calls: load %s: %w", callID, err)
		}

		next, env, apply, err := fn(cur, exists)
		if err != nil {
			return err
		}
		out = cur
		if !apply {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO call_logs
  (call_id, organization_id, from_number, to_number, did_id, extension_id, status, disposition,
   initiated_at, answered_at, ended_at, duration, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13,$14)
ON CONFLICT (call_id) DO UPDATE SET
  from_number = EXCLUDED.from_number,
  to_number = EXCLUDED.to_number,
  did_id = EXCLUDED.did_id,
  extension_id = EXCLUDED.extension_id,
  status = EXCLUDED.status,
  disposition = EXCLUDED.disposition,
  initiated_at = EXCLUDED.initiated_at,
  answered_at = EXCLUDED.answered_at,
  ended_at = EXCLUDED.ended_at,
  duration = EXCLUDED.duration,
  updated_at = EXCLUDED.updated_at`,
			next.CallID, next.OrganizationID, next.FromNumber, next.ToNumber, next.DidID, next.ExtensionID,
			string(next.Status), string(next.Disposition), next.InitiatedAt, next.AnsweredAt, next.EndedAt,
			next.Duration, next.CreatedAt, next.UpdatedAt)
		if err != nil {
			return fmt.Errorf("calls: upsert %s: %w", callID, err)
		}

		if env != nil {
			_, err = tx.ExecContext(ctx, `
INSERT INTO call_event_outbox (id, organization_id, name, payload, created_at)
VALUES ($1,$2,$3,$4,$5)`, env.ID, env.OrganizationID, env.Name, []byte(env.Payload), env.CreatedAt)
			if err != nil {
				return fmt.Errorf("calls: outbox %s: %w", callID, err)
			}
		}
		out, applied = next, true
		return nil
	})
	if err != nil {
		return CallLog{}, false, err
	}
	return out, applied, nil
}

func (r *PostgresRepo) Get(ctx context.Context, organizationID, callID string) (CallLog, error) {
	l, err := scanCall(r.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM call_logs WHERE organization_id = $1 AND call_id = $2`, organizationID, callID))
	if errors.Is(err, sql.ErrNoRows) {
		return CallLog{}, ErrNotFound
	}
	if err != nil {
		return CallLog{}, fmt.Errorf("calls: get %s: %w", callID, err)
	}
	return l, nil
}

func (r *PostgresRepo) List(ctx context.Context, f ListFilter) ([]CallLog, error) {
	var (
		where = []string{"organization_id = $1"}
		args  = []any{f.OrganizationID}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !f.Until.IsZero() {
		args = append(args, f.Until)
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	q := `SELECT ` + callColumns + ` FROM call_logs WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, call_id LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("calls: list: %w", err)
	}
	defer rows.Close()

	out := make([]CallLog, 0)
	for rows.Next() {
		l, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("calls: scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ClaimOutbox locks pending rows with FOR UPDATE SKIP LOCKED so replicas
// running the relay never hand the same row to two publishers.
func (r *PostgresRepo) ClaimOutbox(ctx context.Context, cutoff time.Time, limit int, publish func([]events.Envelope) []string) (int, error) {
	var n int
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		pending, err := claimPending(ctx, tx, cutoff, limit)
		if err != nil || len(pending) == 0 {
			return err
		}
		done := publish(pending)
		if err := markPublished(ctx, tx, done, time.Now().UTC()); err != nil {
			return err
		}
		n = len(done)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func claimPending(ctx context.Context, tx *sql.Tx, cutoff time.Time, limit int) ([]events.Envelope, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT id, organization_id, name, payload, created_at
FROM call_event_outbox
WHERE published_at IS NULL AND created_at < $1
ORDER BY created_at
LIMIT $2
FOR UPDATE SKIP LOCKED`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: claim outbox: %w", err)
	}
	defer rows.Close()

	out := make([]events.Envelope, 0)
	for rows.Next() {
		var (
			e       events.Envelope
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.Name, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("calls: scan outbox: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	return markPublished(ctx, r.db, ids, at)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func markPublished(ctx context.Context, ex execer, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	ph := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, at)
	for i, id := range ids {
		args = append(args, id)
		ph[i] = fmt.Sprintf("$%d", i+2)
	}
	_, err := ex.ExecContext(ctx,
		`UPDATE call_event_outbox SET published_at = $1 WHERE published_at IS NULL AND id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("calls: mark published: %w", err)
	}
	return nil
}
