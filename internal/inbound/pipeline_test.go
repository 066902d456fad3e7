package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/calls"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/dids"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/idempotency"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/routing"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/sentry"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/telephony"
)

const (
	org    = "org-1"
	didNum = "+12025550100"
	caller = "+14155550123"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	p      *Pipeline
	dids   *dids.MemoryRepo
	calls  *calls.MemoryRepo
	pub    *events.MemoryBroadcaster
	sentry *sentry.MemoryStore
	dest   *routing.MemoryStore
	rec    *countingRecorder
}

type countingRecorder struct{ duplicates int }

func (r *countingRecorder) Duplicate(string)                      { r.duplicates++ }
func (r *countingRecorder) ObservePipeline(string, time.Duration) {}

func newFixture(t *testing.T, gate idempotency.Gate) *fixture {
	t.Helper()
	f := &fixture{
		dids: dids.NewMemoryRepo(dids.DidNumber{
			ID: "did-1", OrganizationID: org, Number: didNum,
			DestinationType: dids.DestinationExtension, DestinationID: "ext-1",
		}),
		calls:  calls.NewMemoryRepo(),
		pub:    events.NewMemoryBroadcaster(),
		sentry: sentry.NewMemoryStore(),
		dest:   routing.NewMemoryStore(),
		rec:    &countingRecorder{},
	}
	f.dest.PutExtension(routing.Extension{ID: "ext-1", OrganizationID: org, Number: "101", SIPURI: "sip:101@pbx.example.com"})

	if gate == nil {
		gate = idempotency.NewMemoryGate(24 * time.Hour)
	}
	urls := routing.CallbackURLs{BaseURL: "https://pbx.example.com"}
	f.p = New(Deps{
		DIDs:         f.dids,
		Gate:         gate,
		Sentry:       sentry.NewInboundChain(f.sentry, sentry.NewMemoryCounter(), nil),
		Calls:        calls.NewMachine(f.calls, f.pub, nil),
		Resolver:     routing.NewResolver(nil, routing.DefaultStrategies(f.dest, urls)),
		Destinations: f.dest,
		URLs:         urls,
		Recorder:     f.rec,
	})
	return f
}

func voiceEvent(callSid, status string) telephony.VoiceEvent {
	return telephony.VoiceEvent{
		EventID:    "evt-" + callSid + "-" + status,
		CallSid:    callSid,
		From:       caller,
		To:         didNum,
		Direction:  "inbound",
		CallStatus: status,
		Timestamp:  t0,
	}
}

func TestCallInitiated_RoutesToExtensionAndPublishes(t *testing.T) {
	f := newFixture(t, nil)

	res := f.p.CallInitiated(context.Background(), voiceEvent("CA1", "ringing"))
	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, string(res.Document), "<Dial")
	require.Contains(t, string(res.Document), "sip:101@pbx.example.com")

	published := f.pub.Published("presence.org." + org)
	require.Len(t, published, 1)
	require.Equal(t, events.NameCallInitiated, published[0].Name)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(published[0].Payload, &payload))
	require.Equal(t, "initiated", payload["status"])
	require.Equal(t, "CA1", payload["call_id"])

	cl, err := f.calls.Get(context.Background(), org, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.CallStatusInitiated, cl.Status)
	require.Equal(t, caller, cl.FromNumber)
}

func TestCallInitiated_DuplicateReplaysStoredResponse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.p.CallInitiated(ctx, voiceEvent("CA1", "ringing"))
	second := f.p.CallInitiated(ctx, voiceEvent("CA1", "ringing"))

	require.Equal(t, http.StatusOK, second.Status)
	require.Equal(t, string(first.Document), string(second.Document))
	require.Equal(t, 1, f.calls.Mutations())
	require.Len(t, f.pub.Published(events.Channel(org)), 1)
	require.Equal(t, 1, f.rec.duplicates)
}

func TestCallInitiated_RedisGateDeduplicates(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, idempotency.NewRedisGate(rdb, 24*time.Hour))
	ctx := context.Background()

	first := f.p.CallInitiated(ctx, voiceEvent("CA1", "ringing"))
	second := f.p.CallInitiated(ctx, voiceEvent("CA1", "ringing"))
	require.Equal(t, string(first.Document), string(second.Document))
	require.Equal(t, 1, f.calls.Mutations())
}

func TestCallInitiated_BlacklistedCallerIsRejectedAndRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.sentry.AddEntry(sentry.BlacklistEntry{ID: "bl-1", OrganizationID: org, PhoneNumber: caller, Status: sentry.EntryActive})

	res := f.p.CallInitiated(context.Background(), voiceEvent("CA1", "ringing"))
	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, string(res.Document), "<Reject")
	require.NotContains(t, string(res.Document), "<Dial")

	cl, err := f.calls.Get(context.Background(), org, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.CallStatusEnded, cl.Status)
	require.Equal(t, calls.DispositionBlocked, cl.Disposition)

	names := []string{}
	for _, e := range f.pub.Published(events.Channel(org)) {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{events.NameCallInitiated, events.NameCallEnded}, names)
}

func TestCallInitiated_UnknownNumberFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	ev := voiceEvent("CA1", "ringing")
	ev.To = "+12025559999"

	res := f.p.CallInitiated(context.Background(), ev)
	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, string(res.Document), "<Say>")
	require.Contains(t, string(res.Document), "<Hangup")
	require.Equal(t, 0, f.calls.Mutations())
}

func TestCallInitiated_MissingDestinationFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	f.dids.Put(dids.DidNumber{ID: "did-1", OrganizationID: org, Number: didNum, DestinationType: dids.DestinationExtension, DestinationID: "gone"})

	res := f.p.CallInitiated(context.Background(), voiceEvent("CA1", "ringing"))
	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, string(res.Document), "<Say>")
	require.NotContains(t, string(res.Document), "<Dial")
}

type failingGate struct{ idempotency.Gate }

func (failingGate) Admit(context.Context, string) (idempotency.Admission, error) {
	return idempotency.Admission{}, idempotency.ErrUnavailable
}

func TestCallInitiated_GateOutageAsksForRetry(t *testing.T) {
	f := newFixture(t, failingGate{})

	res := f.p.CallInitiated(context.Background(), voiceEvent("CA1", "ringing"))
	require.Equal(t, http.StatusServiceUnavailable, res.Status)
	require.True(t, strings.Contains(string(res.Document), "<Response"))
	require.Equal(t, 0, f.calls.Mutations())
}

type brokenRepo struct{ *calls.MemoryRepo }

func (brokenRepo) Mutate(context.Context, string, calls.MutateFunc) (calls.CallLog, bool, error) {
	return calls.CallLog{}, false, errors.New("connection reset")
}

func TestCallInitiated_StorageFailureReleasesKey(t *testing.T) {
	f := newFixture(t, nil)
	gate := f.p.Gate
	f.p.Calls = calls.NewMachine(brokenRepo{calls.NewMemoryRepo()}, f.pub, nil)

	res := f.p.CallInitiated(context.Background(), voiceEvent("CA1", "ringing"))
	require.Equal(t, http.StatusServiceUnavailable, res.Status)

	adm, err := gate.Admit(context.Background(), idempotency.TransitionKey(idempotency.KindInitiated, "CA1"))
	require.NoError(t, err)
	require.True(t, adm.First, "released key must admit the redelivery")
}

type stallingDestinations struct{ *routing.MemoryStore }

func (stallingDestinations) Extension(ctx context.Context, _, _ string) (routing.Extension, error) {
	<-ctx.Done()
	return routing.Extension{}, ctx.Err()
}

type stallingCounter struct{}

func (stallingCounter) Hit(ctx context.Context, _, _ string, _ time.Duration, _ time.Time) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestCallInitiated_BudgetSpentInRoutingFallsBack(t *testing.T) {
	f := newFixture(t, nil)
	slow := stallingDestinations{f.dest}
	f.p.Destinations = slow
	f.p.Resolver = routing.NewResolver(nil, routing.DefaultStrategies(slow, f.p.URLs))
	f.p.Budget = 200 * time.Millisecond

	start := time.Now()
	res := f.p.CallInitiated(context.Background(), voiceEvent("CA1", "ringing"))
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, string(res.Document), "<Say>"+telephony.DefaultFallbackMessage+"</Say>")
	require.Contains(t, string(res.Document), "<Hangup>")
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}

func TestCallInitiated_BudgetSpentInSentryRejects(t *testing.T) {
	f := newFixture(t, nil)
	f.p.Sentry = sentry.NewInboundChain(f.sentry, stallingCounter{}, nil)
	f.p.Budget = 200 * time.Millisecond

	start := time.Now()
	res := f.p.CallInitiated(context.Background(), voiceEvent("CA1", "ringing"))
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, res.Status)
	require.Contains(t, string(res.Document), "<Reject")
	require.Less(t, elapsed, time.Second)

	cl, err := f.calls.Get(context.Background(), org, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.DispositionBlocked, cl.Disposition)
}

func TestLifecycle_StatusAndCDREndOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.p.CallInitiated(ctx, voiceEvent("CA1", "ringing"))

	answered := voiceEvent("CA1", "in-progress")
	answered.Timestamp = t0.Add(5 * time.Second)
	require.Equal(t, http.StatusOK, f.p.CallStatus(ctx, answered).Status)
	require.Equal(t, http.StatusOK, f.p.CallStatus(ctx, answered).Status)

	completed := voiceEvent("CA1", "completed")
	completed.Timestamp = t0.Add(65 * time.Second)
	require.Equal(t, http.StatusOK, f.p.CallStatus(ctx, completed).Status)
	require.Equal(t, http.StatusOK, f.p.CDR(ctx, completed).Status)

	cl, err := f.calls.Get(ctx, org, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.CallStatusEnded, cl.Status)
	require.Equal(t, 60, cl.Duration)
	require.NotNil(t, cl.ExtensionID)
	require.Equal(t, "ext-1", *cl.ExtensionID)

	published := f.pub.Published(events.Channel(org))
	require.Len(t, published, 3)
	require.Equal(t, 3, f.calls.Mutations())
}

func TestCallStatus_NonTerminalIsAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	res := f.p.CallStatus(context.Background(), voiceEvent("CA1", "queued"))
	require.Equal(t, http.StatusOK, res.Status)
	require.Equal(t, 0, f.calls.Mutations())
}

func TestCallStatus_LateAnswerAfterEndIsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.p.CallInitiated(ctx, voiceEvent("CA1", "ringing"))
	f.p.CDR(ctx, voiceEvent("CA1", "no-answer"))

	res := f.p.CallStatus(ctx, voiceEvent("CA1", "in-progress"))
	require.Equal(t, http.StatusOK, res.Status)

	cl, err := f.calls.Get(ctx, org, "CA1")
	require.NoError(t, err)
	require.Equal(t, calls.CallStatusEnded, cl.Status)
	require.Equal(t, calls.DispositionNoAnswer, cl.Disposition)
	require.Len(t, f.pub.Published(events.Channel(org)), 2)
}

func TestIVRInput_RoutesChosenOption(t *testing.T) {
	f := newFixture(t, nil)
	f.dest.PutIVRMenu(routing.IVRMenu{
		ID: "menu-1", OrganizationID: org, Greeting: "Press 1 for sales.",
		Options: []routing.MenuOption{{Digit: "1", DestinationType: dids.DestinationExtension, DestinationID: "ext-1"}},
	})

	ev := voiceEvent("CA1", "in-progress")
	ev.Digits = "1"
	res := f.p.IVRInput(context.Background(), "menu-1", ev)
	require.Contains(t, string(res.Document), "sip:101@pbx.example.com")

	ev.EventID = "evt-ivr-2"
	ev.Digits = "9"
	res = f.p.IVRInput(context.Background(), "menu-1", ev)
	require.Contains(t, string(res.Document), "<Gather")
	require.Contains(t, string(res.Document), "not a valid choice")
}

func TestIVRInput_DuplicateDeliveryReplaysDocument(t *testing.T) {
	f := newFixture(t, nil)
	f.dest.PutIVRMenu(routing.IVRMenu{
		ID: "menu-1", OrganizationID: org, Greeting: "Press 1 for sales.",
		Options: []routing.MenuOption{{Digit: "1", DestinationType: dids.DestinationExtension, DestinationID: "ext-1"}},
	})

	ev := voiceEvent("CA1", "in-progress")
	ev.EventID = ""
	ev.Body = []byte("CallSid=CA1&Digits=1")
	ev.Digits = "1"
	first := f.p.IVRInput(context.Background(), "menu-1", ev)

	f.dest.PutExtension(routing.Extension{ID: "ext-1", OrganizationID: org, Number: "101", SIPURI: "sip:moved@pbx.example.com"})
	again := f.p.IVRInput(context.Background(), "menu-1", ev)
	require.Equal(t, first.Document, again.Document)
	require.Equal(t, 1, f.rec.duplicates)
}

func TestRingGroupNext_StopsWhenAnswered(t *testing.T) {
	f := newFixture(t, nil)
	f.dest.PutExtension(routing.Extension{ID: "ext-2", OrganizationID: org, Number: "102", SIPURI: "sip:102@pbx.example.com"})
	f.dest.PutRingGroup(routing.RingGroup{ID: "rg-1", OrganizationID: org, Strategy: routing.RingSequential, MemberIDs: []string{"ext-1", "ext-2"}})

	ev := voiceEvent("CA1", "in-progress")
	ev.DialCallStatus = "no-answer"
	res := f.p.RingGroupNext(context.Background(), "rg-1", 1, ev)
	require.Contains(t, string(res.Document), "sip:102@pbx.example.com")

	ev.DialCallStatus = "completed"
	res = f.p.RingGroupNext(context.Background(), "rg-1", 1, ev)
	require.NotContains(t, string(res.Document), "<Dial")
	require.Contains(t, string(res.Document), "<Hangup")
}
