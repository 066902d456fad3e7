// Package inbound runs the inbound call pipeline behind the voice webhooks:
// DID lookup, idempotency gate, sentry screening, call state transition and
// routing, all under one deadline.
package inbound

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/calls"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/dids"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/idempotency"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/phone"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/routing"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/sentry"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/telephony"
	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/logger"
)

// Screener is the inbound sentry chain.
type Screener interface {
	CheckInbound(ctx context.Context, call sentry.InboundCall) sentry.Decision
}

// Recorder observes pipeline outcomes.
type Recorder interface {
	Duplicate(webhook string)
	ObservePipeline(webhook string, d time.Duration)
}

type Deps struct {
	DIDs         dids.Repository
	Gate         idempotency.Gate
	Sentry       Screener
	Calls        *calls.Machine
	Resolver     *routing.Resolver
	Destinations routing.DestinationStore
	URLs         routing.CallbackURLs
	Recorder     Recorder
	Logger       *slog.Logger

	// Budget is the hard deadline for one webhook.
	Budget        time.Duration
	DefaultRegion string
}

// Pipeline implements telephony.VoiceProcessor.
type Pipeline struct {
	Deps
	tracer trace.Tracer
}

func New(d Deps) *Pipeline {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Budget <= 0 {
		d.Budget = 3 * time.Second
	}
	if d.DefaultRegion == "" {
		d.DefaultRegion = "US"
	}
	return &Pipeline{Deps: d, tracer: otel.Tracer("opbx/inbound")}
}

var _ telephony.VoiceProcessor = (*Pipeline)(nil)

func ok(doc []byte) telephony.Result { return telephony.Result{Status: http.StatusOK, Document: doc} }

// retry asks the provider to redeliver. The body is still a valid document.
func retry() telephony.Result {
	return telephony.Result{Status: http.StatusServiceUnavailable, Document: telephony.EmptyDocument()}
}

func (p *Pipeline) log(ctx context.Context) *slog.Logger {
	l := p.Logger
	if cl := logger.From(ctx); cl != slog.Default() {
		l = cl
	}
	l = l.With("component", "inbound")
	if ip := telephony.ClientIPFromContext(ctx); ip != "" {
		l = l.With("client_ip", ip)
	}
	return l
}

func (p *Pipeline) begin(ctx context.Context, webhook string, ev telephony.VoiceEvent) (context.Context, func()) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, p.Budget)
	ctx, span := p.tracer.Start(ctx, "inbound."+webhook, trace.WithAttributes(
		attribute.String("call_id", ev.CallSid),
		attribute.String("call_status", ev.CallStatus),
	))
	return ctx, func() {
		span.End()
		cancel()
		if p.Recorder != nil {
			p.Recorder.ObservePipeline(webhook, time.Since(start))
		}
	}
}

// numbers normalizes the caller and called numbers. A withheld or unparseable
// caller yields an empty from; raw keeps the original for logs and records.
func (p *Pipeline) numbers(ev telephony.VoiceEvent) (from, raw, to string) {
	raw = phone.NormalizeOrRaw(ev.From, p.DefaultRegion)
	if n, err := phone.Normalize(ev.From, p.DefaultRegion); err == nil {
		from = n
	}
	to = phone.NormalizeOrRaw(ev.To, p.DefaultRegion)
	return from, raw, to
}

// detached returns a short context that survives the request deadline, for
// writes that must land once the decision is made.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
}

func (p *Pipeline) complete(ctx context.Context, key string, doc []byte) {
	dctx, cancel := detached(ctx)
	defer cancel()
	if err := p.Gate.Complete(dctx, key, doc); err != nil {
		p.log(ctx).Warn("idempotency response not stored", "key", key, "err", err)
	}
}

func (p *Pipeline) release(ctx context.Context, key string) {
	dctx, cancel := detached(ctx)
	defer cancel()
	if err := p.Gate.Release(dctx, key); err != nil {
		p.log(ctx).Error("idempotency key release failed", "key", key, "err", err)
	}
}

// CallInitiated handles a new inbound call and returns the routing document.
func (p *Pipeline) CallInitiated(ctx context.Context, ev telephony.VoiceEvent) telephony.Result {
	ctx, end := p.begin(ctx, "call-initiated", ev)
	defer end()
	log := p.log(ctx)
	from, rawFrom, to := p.numbers(ev)

	did, err := p.DIDs.FindByNumber(ctx, to)
	if errors.Is(err, dids.ErrNotFound) {
		log.Warn("inbound call to unknown number", "to", to, "from", rawFrom)
		return ok(p.Resolver.Fallback())
	}
	if err != nil {
		log.Error("did lookup failed", "to", to, "err", err)
		return retry()
	}
	log = log.With("organization_id", did.OrganizationID, "did_id", did.ID)

	key := idempotency.TransitionKey(idempotency.KindInitiated, ev.CallSid)
	adm, err := p.Gate.Admit(ctx, key)
	if err != nil {
		log.Error("idempotency gate unavailable", "key", key, "err", err)
		return retry()
	}
	if !adm.First {
		log.Info("duplicate call-initiated delivery", "key", key, "event_id", ev.EventID)
		p.duplicate("call-initiated")
		if len(adm.Response) > 0 {
			return ok(adm.Response)
		}
		return ok(telephony.EmptyDocument())
	}

	decision := p.Sentry.CheckInbound(ctx, sentry.InboundCall{
		OrganizationID: did.OrganizationID,
		DidID:          did.ID,
		CallID:         ev.CallSid,
		From:           from,
		To:             to,
		ReceivedAt:     ev.Timestamp,
	})
	if !decision.Allowed {
		p.recordBlocked(ctx, ev, did, rawFrom, to)
		doc := telephony.RejectDocument()
		p.complete(ctx, key, doc)
		return ok(doc)
	}
	if decision.Action == sentry.ActionFlag {
		log.Warn("proceeding with flagged call", "check", decision.Check, "reason", decision.Reason, "from", rawFrom)
	}

	out, err := p.Calls.Initiate(ctx, calls.InitiateInput{
		CallID:         ev.CallSid,
		OrganizationID: did.OrganizationID,
		From:           rawFrom,
		To:             to,
		DidID:          did.ID,
		At:             ev.Timestamp,
	})
	if err != nil {
		if errors.Is(err, calls.ErrTenantMismatch) {
			doc := telephony.RejectDocument()
			p.complete(ctx, key, doc)
			return ok(doc)
		}
		log.Error("call initiate failed", "err", err)
		p.release(ctx, key)
		return retry()
	}
	if !out.Applied {
		doc := telephony.EmptyDocument()
		p.complete(ctx, key, doc)
		return ok(doc)
	}

	doc := p.Resolver.Route(ctx, routing.InputForDID(routing.CallContext{CallID: ev.CallSid, From: rawFrom, To: to}, did))
	p.complete(ctx, key, doc)
	return ok(doc)
}

// recordBlocked stores a rejected call as initiated then ended/blocked.
// The rejection stands even if storage fails.
func (p *Pipeline) recordBlocked(ctx context.Context, ev telephony.VoiceEvent, did dids.DidNumber, from, to string) {
	dctx, cancel := detached(ctx)
	defer cancel()
	log := p.log(ctx)

	_, err := p.Calls.Initiate(dctx, calls.InitiateInput{
		CallID: ev.CallSid, OrganizationID: did.OrganizationID, From: from, To: to, DidID: did.ID, At: ev.Timestamp,
	})
	if err != nil {
		log.Error("blocked call not recorded", "stage", "initiate", "err", err)
		return
	}
	_, err = p.Calls.End(dctx, calls.EndInput{
		CallID: ev.CallSid, OrganizationID: did.OrganizationID, Disposition: calls.DispositionBlocked, At: ev.Timestamp,
	})
	if err != nil {
		log.Error("blocked call not recorded", "stage", "end", "err", err)
	}
}

// CallStatus handles status callbacks. Answered and terminal statuses drive
// transitions; everything else is acknowledged.
func (p *Pipeline) CallStatus(ctx context.Context, ev telephony.VoiceEvent) telephony.Result {
	ctx, end := p.begin(ctx, "call-status", ev)
	defer end()

	phase, disposition := telephony.ClassifyStatus(ev.CallStatus)
	switch phase {
	case telephony.PhaseAnswered:
		return p.transition(ctx, "call-status", ev, idempotency.KindAnswered, "")
	case telephony.PhaseEnded:
		return p.transition(ctx, "call-status", ev, idempotency.KindEnded, calls.Disposition(disposition))
	}
	p.log(ctx).Debug("call status acknowledged", "call_status", ev.CallStatus)
	return ok(telephony.EmptyDocument())
}

// CDR finalizes a call. It shares the ended gate key with terminal status
// callbacks so a call ends once.
func (p *Pipeline) CDR(ctx context.Context, ev telephony.VoiceEvent) telephony.Result {
	ctx, end := p.begin(ctx, "cdr", ev)
	defer end()

	_, disposition := telephony.ClassifyStatus(ev.CallStatus)
	if disposition == "" {
		disposition = string(calls.DispositionCompleted)
	}
	return p.transition(ctx, "cdr", ev, idempotency.KindEnded, calls.Disposition(disposition))
}

func (p *Pipeline) transition(ctx context.Context, webhook string, ev telephony.VoiceEvent, kind idempotency.Kind, disposition calls.Disposition) telephony.Result {
	log := p.log(ctx).With("transition", string(kind))
	_, rawFrom, to := p.numbers(ev)

	var did dids.DidNumber
	switch d, err := p.DIDs.FindByNumber(ctx, to); {
	case err == nil:
		did = d
	case errors.Is(err, dids.ErrNotFound):
		log.Debug("status for unknown number", "to", to)
	default:
		log.Error("did lookup failed", "to", to, "err", err)
		return retry()
	}

	key := idempotency.TransitionKey(kind, ev.CallSid)
	adm, err := p.Gate.Admit(ctx, key)
	if err != nil {
		log.Error("idempotency gate unavailable", "key", key, "err", err)
		return retry()
	}
	if !adm.First {
		log.Info("duplicate transition delivery", "key", key, "event_id", ev.EventID)
		p.duplicate(webhook)
		return ok(telephony.EmptyDocument())
	}

	switch kind {
	case idempotency.KindAnswered:
		in := calls.AnswerInput{CallID: ev.CallSid, OrganizationID: did.OrganizationID, At: ev.Timestamp, From: rawFrom, To: to, DidID: did.ID}
		if did.DestinationType == dids.DestinationExtension {
			in.ExtensionID = did.DestinationID
		}
		_, err = p.Calls.Answer(ctx, in)
	case idempotency.KindEnded:
		_, err = p.Calls.End(ctx, calls.EndInput{CallID: ev.CallSid, OrganizationID: did.OrganizationID, Disposition: disposition, At: ev.Timestamp, From: rawFrom, To: to, DidID: did.ID})
	}

	switch {
	case err == nil:
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, calls.ErrTenantMismatch):
		// Stale or foreign; acknowledged so the provider stops retrying.
	default:
		log.Error("call transition failed", "err", err)
		p.release(ctx, key)
		return retry()
	}
	return ok(telephony.EmptyDocument())
}

// IVRInput routes a digit pressed in an IVR menu. Gather callbacks carry no
// lifecycle transition, so deliveries are deduplicated by event key and a
// retry replays the document the first delivery produced.
func (p *Pipeline) IVRInput(ctx context.Context, menuID string, ev telephony.VoiceEvent) telephony.Result {
	ctx, end := p.begin(ctx, "ivr", ev)
	defer end()
	log := p.log(ctx).With("menu_id", menuID)

	key := idempotency.EventKey(ev.EventID, ev.Body)
	adm, err := p.Gate.Admit(ctx, key)
	if err != nil {
		log.Error("idempotency gate unavailable", "err", err)
		return retry()
	}
	if !adm.First {
		p.duplicate("ivr")
		log.Info("duplicate ivr input", "key", key)
		if len(adm.Response) > 0 {
			return ok(adm.Response)
		}
		return ok(telephony.EmptyDocument())
	}
	doc := p.ivrDocument(ctx, log, menuID, ev)
	p.complete(ctx, key, doc)
	return ok(doc)
}

func (p *Pipeline) ivrDocument(ctx context.Context, log *slog.Logger, menuID string, ev telephony.VoiceEvent) []byte {
	_, rawFrom, to := p.numbers(ev)
	did, err := p.DIDs.FindByNumber(ctx, to)
	if err != nil {
		log.Warn("ivr input for unresolvable number", "to", to, "err", err)
		return p.Resolver.Fallback()
	}
	call := routing.CallContext{CallID: ev.CallSid, From: rawFrom, To: to}

	menu, err := p.Destinations.IVRMenu(ctx, did.OrganizationID, menuID)
	if err != nil {
		return p.Resolver.Route(ctx, routing.RouteInput{Call: call, DID: did, DestinationType: dids.DestinationIVR, DestinationID: menuID})
	}
	opt, found := menu.Option(ev.Digits)
	if !found {
		log.Info("invalid ivr choice", "digits", ev.Digits)
		msg := menu.InvalidMessage
		if msg == "" {
			msg = "Sorry, that is not a valid choice."
		}
		return p.render(ctx, routing.IVRStrategy{Store: p.Destinations, URLs: p.URLs}.Menu(menu, msg))
	}
	return p.Resolver.Route(ctx, routing.RouteInput{Call: call, DID: did, DestinationType: opt.DestinationType, DestinationID: opt.DestinationID})
}

// RingGroupNext continues a sequential ring group after a member's dial ended.
func (p *Pipeline) RingGroupNext(ctx context.Context, groupID string, index int, ev telephony.VoiceEvent) telephony.Result {
	ctx, end := p.begin(ctx, "ring-group", ev)
	defer end()

	if ev.DialCallStatus == "completed" || ev.DialCallStatus == "answered" {
		return ok(p.render(ctx, telephony.NewResponse().Hangup()))
	}
	_, rawFrom, to := p.numbers(ev)
	did, err := p.DIDs.FindByNumber(ctx, to)
	if err != nil {
		p.log(ctx).Warn("ring group continuation for unresolvable number", "to", to, "err", err)
		return ok(p.Resolver.Fallback())
	}
	strategy := routing.RingGroupStrategy{Store: p.Destinations, URLs: p.URLs}
	g, err := p.Destinations.RingGroup(ctx, did.OrganizationID, groupID)
	if err != nil {
		p.log(ctx).Error("ring group continuation failed", "group_id", groupID, "err", err)
		return ok(p.Resolver.Fallback())
	}
	resp, err := strategy.Continue(ctx, g, index, rawFrom)
	if err != nil {
		p.log(ctx).Error("ring group continuation failed", "group_id", groupID, "index", index, "err", err)
		return ok(p.Resolver.Fallback())
	}
	return ok(p.render(ctx, resp))
}

func (p *Pipeline) render(ctx context.Context, r *telephony.Response) []byte {
	doc, err := r.Render()
	if err != nil {
		p.log(ctx).Error("response render failed", "err", err)
		return p.Resolver.Fallback()
	}
	return doc
}

func (p *Pipeline) duplicate(webhook string) {
	if p.Recorder != nil {
		p.Recorder.Duplicate(webhook)
	}
}
