package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/audit"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/auth"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/calls"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/reporting"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T) (*calls.MemoryRepo, *audit.Service) {
	t.Helper()
	ctx := context.Background()
	repo := calls.NewMemoryRepo()
	m := calls.NewMachine(repo, nil, nil)

	for _, c := range []struct{ id, org string }{{"CA1", "org-1"}, {"CA2", "org-1"}, {"CA3", "org-2"}} {
		_, err := m.Initiate(ctx, calls.InitiateInput{CallID: c.id, OrganizationID: c.org, From: "+14155550123", To: "+12025550100", DidID: "did-1", At: t0})
		require.NoError(t, err)
	}
	_, err := m.End(ctx, calls.EndInput{CallID: "CA2", OrganizationID: "org-1", Disposition: calls.DispositionBlocked, At: t0})
	require.NoError(t, err)

	svc := audit.NewService(audit.NewMemoryRepo())
	require.NoError(t, svc.LogSentry(ctx, "org-1", "CA2", "blacklist", "+14155550123", "+12025550100", "block", "blacklisted"))
	require.NoError(t, svc.LogSentry(ctx, "org-2", "CA9", "velocity", "+14155550199", "+12025550111", "block", "too fast"))
	require.NoError(t, svc.LogRoutingFallback(ctx, "org-1", "CA1", "+12025550100", "ivr", "menu missing"))
	return repo, svc
}

func router(t *testing.T, organizationID string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo, svc := seed(t)
	h := Handlers{
		Calls:   repo,
		Reports: reporting.NewService(reporting.CallLogSource{Calls: repo}),
		Audit:   svc,
	}

	r := gin.New()
	v1 := r.Group("/v1", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), "u-1", organizationID, "owner"))
		c.Next()
	})
	v1.GET("/calls", h.ListCalls)
	v1.GET("/calls/:call_id", h.GetCall)
	v1.GET("/reports/calls", h.CallsReport)
	v1.GET("/sentry/audit", h.SentryAudit)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestListCalls_ScopedToOrganization(t *testing.T) {
	w := get(router(t, "org-1"), "/v1/calls")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Calls []calls.CallLog `json:"calls"`
		Limit int             `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Calls, 2)
	require.Equal(t, defaultPageSize, body.Limit)
	for _, c := range body.Calls {
		require.Equal(t, "org-1", c.OrganizationID)
	}
}

func TestListCalls_FiltersByStatus(t *testing.T) {
	w := get(router(t, "org-1"), "/v1/calls?status=ended")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"CA2"`)
	require.NotContains(t, w.Body.String(), `"CA1"`)

	w = get(router(t, "org-1"), "/v1/calls?status=ringing")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListCalls_RejectsBadParams(t *testing.T) {
	r := router(t, "org-1")
	require.Equal(t, http.StatusBadRequest, get(r, "/v1/calls?since=yesterday").Code)
	require.Equal(t, http.StatusBadRequest, get(r, "/v1/calls?limit=0").Code)
	require.Equal(t, http.StatusBadRequest, get(r, "/v1/calls?offset=-1").Code)
}

func TestGetCall_OtherOrganizationNotFound(t *testing.T) {
	r := router(t, "org-1")
	require.Equal(t, http.StatusOK, get(r, "/v1/calls/CA1").Code)
	require.Equal(t, http.StatusNotFound, get(r, "/v1/calls/CA3").Code)
}

func TestCallsReport(t *testing.T) {
	r := router(t, "org-1")
	from := t0.Add(-time.Hour).Format(time.RFC3339)
	to := t0.Add(time.Hour).Format(time.RFC3339)

	w := get(r, "/v1/reports/calls?from="+from+"&to="+to)
	require.Equal(t, http.StatusOK, w.Code)

	var s reporting.CallsSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	require.Equal(t, 2, s.TotalCalls)
	require.Equal(t, 1, s.BlockedCalls)
	require.Equal(t, 1, s.InProgressCalls)

	require.Equal(t, http.StatusBadRequest, get(r, "/v1/reports/calls?from="+to+"&to="+from).Code)
	require.Equal(t, http.StatusBadRequest, get(r, "/v1/reports/calls").Code)
}

func TestSentryAudit_OnlySentryEventsOfOrganization(t *testing.T) {
	w := get(router(t, "org-1"), "/v1/sentry/audit")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Events []audit.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	require.Equal(t, audit.EventTypeSentryBlock, body.Events[0].Type)
	require.Equal(t, "blacklist", body.Events[0].Component)
}

func TestHandlers_RequireOrganization(t *testing.T) {
	require.Equal(t, http.StatusUnauthorized, get(router(t, ""), "/v1/calls").Code)
}
