package sentry

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/utils"
)

// Check is one independent screening rule.
type Check interface {
	Name() string
	Check(ctx context.Context, call InboundCall, s Settings) (Verdict, error)
}

// BlacklistCheck blocks callers with an active entry for the organization.
type BlacklistCheck struct {
	store BlacklistStore
}

func NewBlacklistCheck(store BlacklistStore) *BlacklistCheck { return &BlacklistCheck{store: store} }

func (c *BlacklistCheck) Name() string { return "blacklist" }

func (c *BlacklistCheck) Check(ctx context.Context, call InboundCall, _ Settings) (Verdict, error) {
	if call.From == "" {
		return Pass(), nil
	}
	entries, err := c.store.Entries(ctx, call.OrganizationID, call.From)
	if err != nil {
		return Verdict{}, err
	}
	for _, e := range entries {
		if !e.Active(call.ReceivedAt) {
			continue
		}
		reason := "caller is blacklisted"
		if e.Reason != "" {
			reason += ": " + e.Reason
		}
		return Fail(ActionBlock, reason), nil
	}
	return Pass(), nil
}

// VelocityCheck limits attempts from one caller to one organization.
type VelocityCheck struct {
	counter Counter
}

func NewVelocityCheck(counter Counter) *VelocityCheck { return &VelocityCheck{counter: counter} }

func (c *VelocityCheck) Name() string { return "velocity" }

func (c *VelocityCheck) Check(ctx context.Context, call InboundCall, s Settings) (Verdict, error) {
	from := call.From
	if from == "" {
		from = "anonymous"
	}
	key := utils.RedisKey("sentry", "velocity", call.OrganizationID, from)
	n, err := c.counter.Hit(ctx, key, member(call), s.VelocityWindow, call.ReceivedAt)
	if err != nil {
		return Verdict{}, err
	}
	if n > int64(s.VelocityLimit) {
		return Fail(s.DefaultAction, fmt.Sprintf("velocity exceeded: %d calls from %s in %s (limit %d)", n, from, s.VelocityWindow, s.VelocityLimit)), nil
	}
	return Pass(), nil
}

// VolumeCheck caps total inbound attempts to an organization.
type VolumeCheck struct {
	counter Counter
}

func NewVolumeCheck(counter Counter) *VolumeCheck { return &VolumeCheck{counter: counter} }

func (c *VolumeCheck) Name() string { return "volume" }

func (c *VolumeCheck) Check(ctx context.Context, call InboundCall, s Settings) (Verdict, error) {
	key := utils.RedisKey("sentry", "volume", call.OrganizationID)
	n, err := c.counter.Hit(ctx, key, member(call), s.VolumeWindow, call.ReceivedAt)
	if err != nil {
		return Verdict{}, err
	}
	if n > int64(s.VolumeLimit) {
		return Fail(s.DefaultAction, fmt.Sprintf("volume exceeded: %d calls in %s (limit %d)", n, s.VolumeWindow, s.VolumeLimit)), nil
	}
	return Pass(), nil
}

// member identifies an attempt in a window so a reprocessed delivery of the
// same call is not counted twice.
func member(call InboundCall) string {
	if call.CallID != "" {
		return call.CallID
	}
	return uuid.NewString()
}
