package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresOrganizationAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeSentryBlock}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{OrganizationID: "org1"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_LogSentryTypesByAction(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	if err := svc.LogSentry(ctx, "org1", "CA1", "blacklist", "+14155550123", "+12025550100", "block", "caller blacklisted"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := svc.LogSentry(ctx, "org1", "CA2", "velocity", "+14155550123", "+12025550100", "flag", "velocity exceeded"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if evs[0].Type != EventTypeSentryBlock || evs[0].Component != "blacklist" {
		t.Fatalf("unexpected first event %+v", evs[0])
	}
	if evs[1].Type != EventTypeSentryFlag {
		t.Fatalf("expected sentry_flag, got %s", evs[1].Type)
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp assigned")
	}
}

func TestService_ListIsOrganizationScoped(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, org := range []string{"org1", "org2", "org1"} {
		svc.clock = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		if err := svc.LogRoutingFallback(ctx, org, "CA", "+12025550100", "fax", "no strategy"); err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
	}

	evs, err := svc.List(ctx, Filter{OrganizationID: "org1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 org1 events, got %d", len(evs))
	}
	if !evs[0].CreatedAt.After(evs[1].CreatedAt) {
		t.Fatalf("expected newest first")
	}

	evs, _ = svc.List(ctx, Filter{OrganizationID: "org1", Types: []EventType{EventTypeSentryBlock}})
	if len(evs) != 0 {
		t.Fatalf("expected type filter to exclude fallbacks")
	}

	if _, err := svc.List(ctx, Filter{}); err == nil {
		t.Fatalf("expected organization required")
	}
}
