// Package routing turns a DID's destination into the provider response
// document.
//
// Strategies are tried in a fixed priority order and the first one whose
// CanHandle accepts the destination type renders the document. Route never
// fails: an unknown type, a missing destination record or a render error all
// degrade to the fallback announcement followed by a hangup.
package routing

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/dids"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/telephony"
)

// Auditor receives fallback events. audit.Service satisfies it.
type Auditor interface {
	LogRoutingFallback(ctx context.Context, organizationID, callID, toNumber, destinationType, reason string) error
}

// Recorder counts resolutions per strategy and outcome.
type Recorder interface {
	RoutingResolution(strategy, outcome string)
}

type Resolver struct {
	strategies      []Strategy
	fallbackMessage string
	logger          *slog.Logger
	auditor         Auditor
	recorder        Recorder
	tracer          trace.Tracer
}

type ResolverOption func(*Resolver)

func WithAuditor(a Auditor) ResolverOption   { return func(r *Resolver) { r.auditor = a } }
func WithRecorder(m Recorder) ResolverOption { return func(r *Resolver) { r.recorder = m } }
func WithFallbackMessage(msg string) ResolverOption {
	return func(r *Resolver) { r.fallbackMessage = msg }
}

func NewResolver(logger *slog.Logger, strategies []Strategy, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		strategies: strategies,
		logger:     logger.With("component", "routing"),
		tracer:     otel.Tracer("opbx/routing"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DefaultStrategies returns the standard set in priority order.
func DefaultStrategies(store DestinationStore, urls CallbackURLs) []Strategy {
	return []Strategy{
		ExtensionStrategy{Store: store, URLs: urls},
		RingGroupStrategy{Store: store, URLs: urls},
		IVRStrategy{Store: store, URLs: urls},
		ConferenceStrategy{Store: store},
		VoicemailStrategy{Store: store, URLs: urls},
	}
}

// Resolve returns the first strategy that handles t.
func (r *Resolver) Resolve(t dids.DestinationType) (Strategy, error) {
	for _, s := range r.strategies {
		if s.CanHandle(t) {
			return s, nil
		}
	}
	return nil, ErrNoStrategyFound
}

// Route renders the document for in. It always returns a well-formed document.
func (r *Resolver) Route(ctx context.Context, in RouteInput) []byte {
	ctx, span := r.tracer.Start(ctx, "routing.route", trace.WithAttributes(
		attribute.String("destination_type", string(in.DestinationType)),
		attribute.String("call_id", in.Call.CallID),
	))
	defer span.End()

	start := time.Now()
	s, err := r.Resolve(in.DestinationType)
	if err != nil {
		return r.fallback(ctx, in, "none", "no strategy for destination type", err)
	}

	resp, err := s.Route(ctx, in)
	if err != nil {
		return r.fallback(ctx, in, s.Name(), "strategy failed", err)
	}
	doc, err := resp.Render()
	if err != nil {
		return r.fallback(ctx, in, s.Name(), "render failed", err)
	}

	r.record(s.Name(), "routed")
	r.logger.Debug("call routed",
		"strategy", s.Name(),
		"call_id", in.Call.CallID,
		"organization_id", in.DID.OrganizationID,
		"destination_id", in.DestinationID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return doc
}

// Fallback is the announcement-plus-hangup document.
func (r *Resolver) Fallback() []byte {
	return telephony.FallbackDocument(r.fallbackMessage)
}

func (r *Resolver) fallback(ctx context.Context, in RouteInput, strategy, reason string, err error) []byte {
	r.logger.Error("routing fell back",
		"reason", reason,
		"strategy", strategy,
		"err", err,
		"call_id", in.Call.CallID,
		"from", in.Call.From,
		"to", in.Call.To,
		"organization_id", in.DID.OrganizationID,
		"did_id", in.DID.ID,
		"destination_type", string(in.DestinationType),
		"destination_id", in.DestinationID,
	)
	r.record(strategy, "fallback")

	if r.auditor != nil && in.DID.OrganizationID != "" {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if aerr := r.auditor.LogRoutingFallback(actx, in.DID.OrganizationID, in.Call.CallID, in.Call.To, string(in.DestinationType), reason+": "+err.Error()); aerr != nil {
			r.logger.Warn("routing audit append failed", "call_id", in.Call.CallID, "err", aerr)
		}
	}
	return r.Fallback()
}

func (r *Resolver) record(strategy, outcome string) {
	if r.recorder != nil {
		r.recorder.RoutingResolution(strategy, outcome)
	}
}
