package reporting

import (
	"context"
	"errors"
	"time"

	"github.com/greenfieldtech-nirs/opbx-sub011/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// maxRange bounds a summary window.
const maxRange = 93 * 24 * time.Hour

// Repository abstracts data access for reporting.
//
// Implementations must enforce organization filtering.
type Repository interface {
	ListCalls(ctx context.Context, organizationID string, from, to time.Time) ([]calls.CallLog, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.OrganizationID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.OrganizationID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{OrganizationID: req.OrganizationID, DidID: req.DidID, Range: req.Range}
	for _, c := range rows {
		if req.DidID != "" && c.DidID != req.DidID {
			continue
		}
		out.TotalCalls++
		out.TotalDurationSeconds += c.Duration
		if c.AnsweredAt != nil {
			out.AnsweredCalls++
		}
		if c.Status != calls.CallStatusEnded {
			out.InProgressCalls++
			continue
		}
		switch c.Disposition {
		case calls.DispositionCompleted:
			out.CompletedCalls++
		case calls.DispositionFailed:
			out.FailedCalls++
		case calls.DispositionNoAnswer:
			out.NoAnswerCalls++
		case calls.DispositionBusy:
			out.BusyCalls++
		case calls.DispositionCanceled:
			out.CanceledCalls++
		case calls.DispositionBlocked:
			out.BlockedCalls++
		}
	}
	if out.AnsweredCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.AnsweredCalls
	}
	return out, nil
}

// CallLogSource reads call logs for reporting through the calls repository,
// paging until the window is exhausted.
type CallLogSource struct {
	Calls    calls.Repository
	PageSize int
}

func (s CallLogSource) ListCalls(ctx context.Context, organizationID string, from, to time.Time) ([]calls.CallLog, error) {
	size := s.PageSize
	if size <= 0 {
		size = 500
	}
	out := make([]calls.CallLog, 0)
	for offset := 0; ; offset += size {
		page, err := s.Calls.List(ctx, calls.ListFilter{OrganizationID: organizationID, Since: from, Until: to, Limit: size, Offset: offset})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < size {
			return out, nil
		}
	}
}
