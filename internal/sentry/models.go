// Package sentry screens inbound calls before any routing work happens.
//
// Checks run in registration order and the first failing check decides. A
// check that cannot answer (store down, deadline exceeded) is treated per the
// organization's fail_open flag: skipped when set, otherwise the call is
// blocked.
package sentry

import (
	"errors"
	"time"
)

type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
	ActionFlag  Action = "flag"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionBlock, ActionFlag:
		return true
	}
	return false
}

var (
	ErrNotFound    = errors.New("sentry: not found")
	ErrUnavailable = errors.New("sentry: check unavailable")
)

// InboundCall is the call context every check evaluates.
type InboundCall struct {
	OrganizationID string
	DidID          string
	CallID         string
	// From is the caller normalized to E.164 when parseable.
	From       string
	To         string
	ReceivedAt time.Time
}

// Verdict is the transient result of a single check.
type Verdict struct {
	Passed bool
	Reason string
	Action Action
}

func Pass() Verdict { return Verdict{Passed: true, Action: ActionAllow} }

func Fail(action Action, reason string) Verdict {
	return Verdict{Passed: false, Action: action, Reason: reason}
}

// Decision is the outcome of a chain evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	Action  Action
	// Reason, Action and Check are empty when every check passed.
	Check string
}

// Settings are the per-organization sentry thresholds. They are read on every
// evaluation.
type Settings struct {
	OrganizationID string
	Enabled        bool
	VelocityLimit  int
	VelocityWindow time.Duration
	VolumeLimit    int
	VolumeWindow   time.Duration
	// DefaultAction applies to velocity and volume failures. Blacklist hits
	// always block.
	DefaultAction Action
	FailOpen      bool
}

const (
	DefaultVelocityLimit  = 5
	DefaultVelocityWindow = 60 * time.Second
	DefaultVolumeLimit    = 100
	DefaultVolumeWindow   = 60 * time.Minute
)

// DefaultSettings are used for organizations without a settings row.
func DefaultSettings(organizationID string) Settings {
	return Settings{
		OrganizationID: organizationID,
		Enabled:        true,
		VelocityLimit:  DefaultVelocityLimit,
		VelocityWindow: DefaultVelocityWindow,
		VolumeLimit:    DefaultVolumeLimit,
		VolumeWindow:   DefaultVolumeWindow,
		DefaultAction:  ActionBlock,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings(s.OrganizationID)
	if s.VelocityLimit <= 0 {
		s.VelocityLimit = d.VelocityLimit
	}
	if s.VelocityWindow <= 0 {
		s.VelocityWindow = d.VelocityWindow
	}
	if s.VolumeLimit <= 0 {
		s.VolumeLimit = d.VolumeLimit
	}
	if s.VolumeWindow <= 0 {
		s.VolumeWindow = d.VolumeWindow
	}
	if !s.DefaultAction.Valid() || s.DefaultAction == ActionAllow {
		s.DefaultAction = d.DefaultAction
	}
	return s
}

type EntryStatus string

const (
	EntryActive   EntryStatus = "active"
	EntryInactive EntryStatus = "inactive"
)

// BlacklistEntry bars a caller from reaching one organization.
type BlacklistEntry struct {
	ID             string
	OrganizationID string
	PhoneNumber    string
	Reason         string
	ExpiresAt      *time.Time
	Status         EntryStatus
	CreatedAt      time.Time
}

// Active reports whether the entry blocks at now. Expired entries never block.
func (e BlacklistEntry) Active(now time.Time) bool {
	if e.Status != EntryActive {
		return false
	}
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}
