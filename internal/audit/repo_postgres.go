package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresRepo persists audit events in audit_events. It only ever INSERTs.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO audit_events
  (id, organization_id, type, actor_user_id, actor_role, ip_address, call_id,
   from_number, to_number, component, action, message, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NULLIF($13,'')::jsonb,$14)`,
		e.ID, e.OrganizationID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress, e.CallID,
		e.FromNumber, e.ToNumber, e.Component, e.Action, e.Message, e.Metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

func (r *PostgresRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where = []string{"organization_id = $1"}
		args  = []any{f.OrganizationID}
	)
	if len(f.Types) > 0 {
		ph := make([]string, len(f.Types))
		for i, t := range f.Types {
			args = append(args, string(t))
			ph[i] = fmt.Sprintf("$%d", len(args))
		}
		where = append(where, "type IN ("+strings.Join(ph, ",")+")")
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	q := `
SELECT id, organization_id, type, actor_user_id, actor_role, ip_address, call_id,
       from_number, to_number, component, action, message, COALESCE(metadata::text, ''), created_at
FROM audit_events
WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(`
ORDER BY created_at DESC
LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e   Event
			typ string
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &typ, &e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.CallID,
			&e.FromNumber, &e.ToNumber, &e.Component, &e.Action, &e.Message, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}
