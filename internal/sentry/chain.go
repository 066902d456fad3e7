package sentry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Auditor receives every failed verdict. audit.Service satisfies it.
type Auditor interface {
	LogSentry(ctx context.Context, organizationID, callID, check, fromNumber, toNumber, action, reason string) error
}

// Recorder counts verdicts per check and action.
type Recorder interface {
	SentryVerdict(check, action string)
}

// Chain evaluates inbound calls against an ordered list of checks.
type Chain struct {
	checks   []Check
	settings SettingsStore
	auditor  Auditor
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer
}

type ChainOption func(*Chain)

func WithAuditor(a Auditor) ChainOption   { return func(c *Chain) { c.auditor = a } }
func WithRecorder(r Recorder) ChainOption { return func(c *Chain) { c.recorder = r } }

func NewChain(settings SettingsStore, logger *slog.Logger, checks []Check, opts ...ChainOption) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{
		checks:   checks,
		settings: settings,
		logger:   logger.With("component", "sentry"),
		tracer:   otel.Tracer("opbx/sentry"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewInboundChain wires the standard Blacklist, Velocity, Volume order.
func NewInboundChain(store interface {
	SettingsStore
	BlacklistStore
}, counter Counter, logger *slog.Logger, opts ...ChainOption) *Chain {
	return NewChain(store, logger, []Check{
		NewBlacklistCheck(store),
		NewVelocityCheck(counter),
		NewVolumeCheck(counter),
	}, opts...)
}

// CheckInbound runs the checks in order and stops at the first failure. It
// never returns an error: store failures become verdicts per fail_open.
func (c *Chain) CheckInbound(ctx context.Context, call InboundCall) Decision {
	ctx, span := c.tracer.Start(ctx, "sentry.check_inbound",
		trace.WithAttributes(attribute.String("organization_id", call.OrganizationID), attribute.String("call_id", call.CallID)))
	defer span.End()

	if call.ReceivedAt.IsZero() {
		call.ReceivedAt = time.Now()
	}

	s, err := c.loadSettings(ctx, call.OrganizationID)
	if err != nil {
		// fail_open is itself a setting; without settings the call is blocked.
		d := Decision{Allowed: false, Action: ActionBlock, Reason: "sentry settings unavailable", Check: "settings"}
		c.logger.Error("sentry settings unavailable", "organization_id", call.OrganizationID, "call_id", call.CallID, "err", err)
		c.reject(ctx, call, d)
		return d
	}
	if !s.Enabled {
		return Decision{Allowed: true}
	}

	for _, chk := range c.checks {
		v, err := c.run(ctx, chk, call, s)
		if err != nil {
			if s.FailOpen {
				c.logger.Warn("sentry check unavailable, failing open",
					"check", chk.Name(), "organization_id", call.OrganizationID, "call_id", call.CallID,
					"from", call.From, "to", call.To, "err", err)
				c.record(chk.Name(), "unavailable")
				continue
			}
			v = Fail(ActionBlock, chk.Name()+" check unavailable")
			c.logger.Error("sentry check unavailable, failing closed",
				"check", chk.Name(), "organization_id", call.OrganizationID, "call_id", call.CallID, "err", err)
		}
		if v.Passed {
			c.record(chk.Name(), string(ActionAllow))
			continue
		}

		d := Decision{
			Allowed: v.Action == ActionFlag,
			Reason:  v.Reason,
			Action:  v.Action,
			Check:   chk.Name(),
		}
		if d.Reason == "" {
			d.Reason = chk.Name() + " check failed"
		}
		c.reject(ctx, call, d)
		return d
	}
	return Decision{Allowed: true}
}

func (c *Chain) run(ctx context.Context, chk Check, call InboundCall, s Settings) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, errors.Join(ErrUnavailable, err)
	}
	v, err := chk.Check(ctx, call, s)
	if err != nil {
		return Verdict{}, err
	}
	// An answer that arrives after the deadline is not trusted.
	if err := ctx.Err(); err != nil {
		return Verdict{}, errors.Join(ErrUnavailable, err)
	}
	if !v.Passed && !v.Action.Valid() {
		v.Action = ActionBlock
	}
	return v, nil
}

func (c *Chain) loadSettings(ctx context.Context, organizationID string) (Settings, error) {
	s, err := c.settings.Settings(ctx, organizationID)
	if errors.Is(err, ErrNotFound) {
		return DefaultSettings(organizationID), nil
	}
	if err != nil {
		return Settings{}, err
	}
	s.OrganizationID = organizationID
	return s.withDefaults(), nil
}

// reject logs and audits a failed check. Both happen before the caller sees
// the decision.
func (c *Chain) reject(ctx context.Context, call InboundCall, d Decision) {
	level := slog.LevelWarn
	msg := "sentry blocked call"
	if d.Action == ActionFlag {
		level = slog.LevelInfo
		msg = "sentry flagged call"
	}
	c.logger.Log(ctx, level, msg,
		"check", d.Check,
		"organization_id", call.OrganizationID,
		"call_id", call.CallID,
		"from", call.From,
		"to", call.To,
		"action", string(d.Action),
		"reason", d.Reason,
	)
	c.record(d.Check, string(d.Action))

	if c.auditor == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.auditor.LogSentry(actx, call.OrganizationID, call.CallID, d.Check, call.From, call.To, string(d.Action), d.Reason); err != nil {
		c.logger.Warn("sentry audit append failed", "call_id", call.CallID, "err", err)
	}
}

func (c *Chain) record(check, action string) {
	if c.recorder != nil {
		c.recorder.SentryVerdict(check, action)
	}
}

// OutboundCall is the context for outbound screening.
type OutboundCall struct {
	OrganizationID string
	CallID         string
	From           string
	To             string
}

// OutboundChain screens outbound calls. It has no checks yet and allows
// everything; it is kept separate so inbound rules never apply outbound.
type OutboundChain struct{}

func (OutboundChain) CheckOutbound(context.Context, OutboundCall) Decision {
	return Decision{Allowed: true}
}
