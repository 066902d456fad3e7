package calls

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/events"
)

const org = "org-1"

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newMachine() (*Machine, *MemoryRepo, *events.MemoryBroadcaster) {
	repo := NewMemoryRepo()
	pub := events.NewMemoryBroadcaster()
	return NewMachine(repo, pub, nil), repo, pub
}

func initiate(t *testing.T, m *Machine, callID string) Outcome {
	t.Helper()
	out, err := m.Initiate(context.Background(), InitiateInput{
		CallID: callID, OrganizationID: org, From: "+14155550123", To: "+12025550100", DidID: "did-1", At: t0,
	})
	require.NoError(t, err)
	return out
}

func TestMachine_FullLifecycle(t *testing.T) {
	m, repo, pub := newMachine()
	ctx := context.Background()

	out := initiate(t, m, "CA1")
	require.True(t, out.Applied)
	require.Equal(t, CallStatusInitiated, out.Log.Status)

	out, err := m.Answer(ctx, AnswerInput{CallID: "CA1", OrganizationID: org, ExtensionID: "ext-1", At: t0.Add(5 * time.Second)})
	require.NoError(t, err)
	require.True(t, out.Applied)

	out, err = m.End(ctx, EndInput{CallID: "CA1", OrganizationID: org, Disposition: DispositionCompleted, At: t0.Add(95 * time.Second)})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, 90, out.Log.Duration)
	require.Equal(t, DispositionCompleted, out.Log.Disposition)

	published := pub.Published(events.Channel(org))
	require.Len(t, published, 3)
	require.Equal(t, []string{events.NameCallInitiated, events.NameCallAnswered, events.NameCallEnded},
		[]string{published[0].Name, published[1].Name, published[2].Name})

	var ended map[string]any
	require.NoError(t, json.Unmarshal(published[2].Payload, &ended))
	require.Equal(t, "call.ended", ended["event"])
	require.Equal(t, float64(90), ended["duration"])

	pending, err := repo.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMachine_UnansweredDurationIsZero(t *testing.T) {
	m, _, _ := newMachine()
	initiate(t, m, "CA1")

	out, err := m.End(context.Background(), EndInput{CallID: "CA1", OrganizationID: org, Disposition: DispositionNoAnswer, At: t0.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Equal(t, 0, out.Log.Duration)
	require.Nil(t, out.Log.AnsweredAt)
}

func TestMachine_EndedIsTerminal(t *testing.T) {
	m, repo, pub := newMachine()
	ctx := context.Background()
	initiate(t, m, "CA1")
	_, err := m.End(ctx, EndInput{CallID: "CA1", OrganizationID: org, At: t0.Add(time.Second)})
	require.NoError(t, err)
	before, _ := repo.Get(ctx, org, "CA1")

	out := initiate(t, m, "CA1")
	require.False(t, out.Applied)
	out, err = m.Answer(ctx, AnswerInput{CallID: "CA1", OrganizationID: org, At: t0.Add(2 * time.Second)})
	require.NoError(t, err)
	require.False(t, out.Applied)

	after, _ := repo.Get(ctx, org, "CA1")
	require.Equal(t, before, after)
	require.Len(t, pub.Published(events.Channel(org)), 2)
}

func TestMachine_ConcurrentDuplicatesMutateOnce(t *testing.T) {
	m, repo, pub := newMachine()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Initiate(context.Background(), InitiateInput{CallID: "CA1", OrganizationID: org, At: t0})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, repo.Mutations())
	require.Len(t, pub.Published(events.Channel(org)), 1)
}

func TestMachine_AnswerBeforeInitiateCreatesRecord(t *testing.T) {
	m, _, _ := newMachine()
	out, err := m.Answer(context.Background(), AnswerInput{CallID: "CA7", OrganizationID: org, From: "+1", To: "+2", DidID: "did-1", At: t0})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.Equal(t, CallStatusAnswered, out.Log.Status)

	late := initiate(t, m, "CA7")
	require.False(t, late.Applied)
}

func TestMachine_EndClampsBeforeAnswer(t *testing.T) {
	m, _, _ := newMachine()
	ctx := context.Background()
	initiate(t, m, "CA1")
	_, err := m.Answer(ctx, AnswerInput{CallID: "CA1", OrganizationID: org, At: t0.Add(10 * time.Second)})
	require.NoError(t, err)

	out, err := m.End(ctx, EndInput{CallID: "CA1", OrganizationID: org, At: t0.Add(5 * time.Second)})
	require.NoError(t, err)
	require.False(t, out.Log.EndedAt.Before(*out.Log.AnsweredAt))
	require.Equal(t, 0, out.Log.Duration)
}

func TestMachine_TenantMismatchRejected(t *testing.T) {
	m, _, _ := newMachine()
	initiate(t, m, "CA1")
	_, err := m.End(context.Background(), EndInput{CallID: "CA1", OrganizationID: "org-2"})
	require.ErrorIs(t, err, ErrTenantMismatch)
}

func TestMachine_UnknownCallWithoutOrganization(t *testing.T) {
	m, _, _ := newMachine()
	_, err := m.End(context.Background(), EndInput{CallID: "CA404"})
	require.ErrorIs(t, err, ErrNotFound)
}

type failingBroadcaster struct{}

func (failingBroadcaster) Publish(context.Context, events.Envelope) error {
	return errors.New("redis down")
}

func TestMachine_PublishFailureLeavesOutboxPending(t *testing.T) {
	repo := NewMemoryRepo()
	m := NewMachine(repo, failingBroadcaster{}, nil)
	m.now = func() time.Time { return t0 }
	initiate(t, m, "CA1")

	pending, err := repo.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	mem := events.NewMemoryBroadcaster()
	n, err := events.NewRelay(repo, mem, nil).Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, mem.Published("presence.org.org-1"), 1)
}

// reentrantBroadcaster runs hook during its first publish, standing in for
// a relay pass that fires while a request is still publishing.
type reentrantBroadcaster struct {
	mu    sync.Mutex
	ids   []string
	hook  func()
	fired bool
}

func (b *reentrantBroadcaster) Publish(_ context.Context, env events.Envelope) error {
	b.mu.Lock()
	b.ids = append(b.ids, env.ID)
	hook := b.hook
	run := !b.fired && hook != nil
	b.fired = true
	b.mu.Unlock()
	if run {
		hook()
	}
	return nil
}

func (b *reentrantBroadcaster) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ids...)
}

func TestMachine_RelayDoesNotRepublishInFlightEvent(t *testing.T) {
	repo := NewMemoryRepo()
	pub := &reentrantBroadcaster{}
	relay := events.NewRelay(repo, pub, nil)
	var relayed int
	pub.hook = func() {
		n, err := relay.Flush(context.Background())
		require.NoError(t, err)
		relayed = n
	}
	m := NewMachine(repo, pub, nil)

	initiate(t, m, "CA1")
	require.Equal(t, 1, repo.Mutations())
	require.Equal(t, 0, relayed)
	require.Len(t, pub.published(), 1)

	pending, err := repo.PendingOutbox(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestMemoryRepo_ConcurrentRelaysClaimOnce(t *testing.T) {
	repo := NewMemoryRepo()
	m := NewMachine(repo, failingBroadcaster{}, nil)
	m.now = func() time.Time { return t0 }
	initiate(t, m, "CA1")

	pub := &reentrantBroadcaster{}
	first := events.NewRelay(repo, pub, nil)
	second := events.NewRelay(repo, pub, nil)
	var overlapped int
	pub.hook = func() {
		n, err := second.Flush(context.Background())
		require.NoError(t, err)
		overlapped = n
	}

	n, err := first.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 0, overlapped)
	require.Len(t, pub.published(), 1)

	n, err = second.Flush(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMemoryRepo_ListScoped(t *testing.T) {
	m, repo, _ := newMachine()
	initiate(t, m, "CA1")
	_, _ = m.Initiate(context.Background(), InitiateInput{CallID: "CA2", OrganizationID: "org-2", At: t0})

	got, err := repo.List(context.Background(), ListFilter{OrganizationID: org})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "CA1", got[0].CallID)

	_, err = repo.Get(context.Background(), "org-2", "CA1")
	require.ErrorIs(t, err, ErrNotFound)
}
