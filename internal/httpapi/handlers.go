// Package httpapi serves the organization-scoped read API.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/audit"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/auth"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/calls"
	"github.com/greenfieldtech-nirs/opbx-sub011/internal/reporting"
	"github.com/greenfieldtech-nirs/opbx-sub011/pkg/logger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls   calls.Repository
	Reports *reporting.Service
	Audit   *audit.Service
}

// organization returns the caller's organization or aborts with 401.
func organization(c *gin.Context) (string, bool) {
	org, err := auth.OrganizationID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "organization_id required"})
		return "", false
	}
	return org, true
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

func internalError(c *gin.Context, msg string, err error) {
	logger.FromGin(c).Error(msg, "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// parseTime accepts RFC 3339 timestamps. An absent value is the zero time.
func parseTime(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, name+" must be RFC 3339")
		return time.Time{}, false
	}
	return t.UTC(), true
}

func parsePage(c *gin.Context) (limit, offset int, ok bool) {
	limit = defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxPageSize)
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// ListCalls returns the organization's call logs, newest first.
// Query: status, since, until, limit, offset.
func (h Handlers) ListCalls(c *gin.Context) {
	org, ok := organization(c)
	if !ok {
		return
	}
	f := calls.ListFilter{OrganizationID: org}
	if s := calls.CallStatus(c.Query("status")); s != "" {
		if !s.Valid() {
			badRequest(c, "unknown status")
			return
		}
		f.Status = s
	}
	if f.Since, ok = parseTime(c, "since"); !ok {
		return
	}
	if f.Until, ok = parseTime(c, "until"); !ok {
		return
	}
	if f.Limit, f.Offset, ok = parsePage(c); !ok {
		return
	}

	rows, err := h.Calls.List(c.Request.Context(), f)
	if err != nil {
		internalError(c, "call list failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": rows, "limit": f.Limit, "offset": f.Offset})
}

// GetCall returns one call log. Calls of other organizations are not found.
func (h Handlers) GetCall(c *gin.Context) {
	org, ok := organization(c)
	if !ok {
		return
	}
	cl, err := h.Calls.Get(c.Request.Context(), org, c.Param("call_id"))
	if errors.Is(err, calls.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		internalError(c, "call lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, cl)
}

// CallsReport summarizes calls created in [from, to). Query: from, to, did_id.
func (h Handlers) CallsReport(c *gin.Context) {
	org, ok := organization(c)
	if !ok {
		return
	}
	from, ok := parseTime(c, "from")
	if !ok {
		return
	}
	to, ok := parseTime(c, "to")
	if !ok {
		return
	}

	summary, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		OrganizationID: org,
		Range:          reporting.TimeRange{From: from, To: to},
		DidID:          c.Query("did_id"),
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		badRequest(c, "from and to are required, ordered and at most 93 days apart")
		return
	}
	if err != nil {
		internalError(c, "report failed", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// SentryAudit lists sentry blocks and flags. Query: since, limit.
func (h Handlers) SentryAudit(c *gin.Context) {
	org, ok := organization(c)
	if !ok {
		return
	}
	since, ok := parseTime(c, "since")
	if !ok {
		return
	}
	limit, _, ok := parsePage(c)
	if !ok {
		return
	}

	rows, err := h.Audit.List(c.Request.Context(), audit.Filter{
		OrganizationID: org,
		Types:          []audit.EventType{audit.EventTypeSentryBlock, audit.EventTypeSentryFlag},
		Since:          since,
		Limit:          limit,
	})
	if err != nil {
		internalError(c, "audit list failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}
