package routing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/dids"
)

// PostgresStore reads routing targets. Multi-valued members and menu options
// live in child tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDestinationNotFound
	}
	return fmt.Errorf("routing: load %s: %w", what, err)
}

func (s *PostgresStore) Extension(ctx context.Context, organizationID, id string) (Extension, error) {
	var e Extension
	err := s.db.QueryRowContext(ctx, `
SELECT id, organization_id, number, name, COALESCE(sip_uri, ''), COALESCE(forward_number, ''),
       ring_timeout, COALESCE(voicemail_box_id::text, '')
FROM extensions
WHERE organization_id = $1 AND id = $2`, organizationID, id).Scan(
		&e.ID, &e.OrganizationID, &e.Number, &e.Name, &e.SIPURI, &e.ForwardNumber, &e.RingTimeout, &e.VoicemailBoxID)
	if err != nil {
		return Extension{}, notFound(err, "extension")
	}
	return e, nil
}

func (s *PostgresStore) RingGroup(ctx context.Context, organizationID, id string) (RingGroup, error) {
	var (
		g        RingGroup
		strategy string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, organization_id, name, strategy, ring_timeout, COALESCE(voicemail_box_id::text, '')
FROM ring_groups
WHERE organization_id = $1 AND id = $2`, organizationID, id).Scan(
		&g.ID, &g.OrganizationID, &g.Name, &strategy, &g.RingTimeout, &g.VoicemailBoxID)
	if err != nil {
		return RingGroup{}, notFound(err, "ring group")
	}
	g.Strategy = RingStrategy(strategy)

	rows, err := s.db.QueryContext(ctx, `
SELECT extension_id FROM ring_group_members
WHERE ring_group_id = $1
ORDER BY position`, id)
	if err != nil {
		return RingGroup{}, fmt.Errorf("routing: load ring group members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ext string
		if err := rows.Scan(&ext); err != nil {
			return RingGroup{}, fmt.Errorf("routing: scan ring group member: %w", err)
		}
		g.MemberIDs = append(g.MemberIDs, ext)
	}
	return g, rows.Err()
}

func (s *PostgresStore) IVRMenu(ctx context.Context, organizationID, id string) (IVRMenu, error) {
	var m IVRMenu
	err := s.db.QueryRowContext(ctx, `
SELECT id, organization_id, name, COALESCE(greeting, ''), COALESCE(greeting_url, ''), timeout_seconds,
       COALESCE(invalid_message, '')
FROM ivr_menus
WHERE organization_id = $1 AND id = $2`, organizationID, id).Scan(
		&m.ID, &m.OrganizationID, &m.Name, &m.Greeting, &m.GreetingURL, &m.Timeout, &m.InvalidMessage)
	if err != nil {
		return IVRMenu{}, notFound(err, "ivr menu")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT digit, destination_type, destination_id FROM ivr_menu_options
WHERE ivr_menu_id = $1
ORDER BY digit`, id)
	if err != nil {
		return IVRMenu{}, fmt.Errorf("routing: load ivr options: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o   MenuOption
			typ string
		)
		if err := rows.Scan(&o.Digit, &typ, &o.DestinationID); err != nil {
			return IVRMenu{}, fmt.Errorf("routing: scan ivr option: %w", err)
		}
		o.DestinationType = dids.DestinationType(typ)
		m.Options = append(m.Options, o)
	}
	return m, rows.Err()
}

func (s *PostgresStore) ConferenceRoom(ctx context.Context, organizationID, id string) (ConferenceRoom, error) {
	var c ConferenceRoom
	err := s.db.QueryRowContext(ctx, `
SELECT id, organization_id, name, max_participants, mute_on_entry, COALESCE(wait_url, '')
FROM conference_rooms
WHERE organization_id = $1 AND id = $2`, organizationID, id).Scan(
		&c.ID, &c.OrganizationID, &c.Name, &c.MaxParticipants, &c.MuteOnEntry, &c.WaitURL)
	if err != nil {
		return ConferenceRoom{}, notFound(err, "conference room")
	}
	return c, nil
}

func (s *PostgresStore) VoicemailBox(ctx context.Context, organizationID, id string) (VoicemailBox, error) {
	var v VoicemailBox
	err := s.db.QueryRowContext(ctx, `
SELECT id, organization_id, COALESCE(greeting, ''), max_length_seconds, transcribe
FROM voicemail_boxes
WHERE organization_id = $1 AND id = $2`, organizationID, id).Scan(
		&v.ID, &v.OrganizationID, &v.Greeting, &v.MaxLength, &v.Transcribe)
	if err != nil {
		return VoicemailBox{}, notFound(err, "voicemail box")
	}
	return v, nil
}
