package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics.
// Organization isolation: OrganizationID is required.
type CallsSummaryRequest struct {
	OrganizationID string    `json:"organization_id"`
	Range          TimeRange `json:"range"`
	DidID          string    `json:"did_id,omitempty"`
}

type CallsSummary struct {
	OrganizationID string    `json:"organization_id"`
	DidID          string    `json:"did_id,omitempty"`
	Range          TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	AnsweredCalls   int `json:"answered_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	CompletedCalls int `json:"completed_calls"`
	FailedCalls    int `json:"failed_calls"`
	NoAnswerCalls  int `json:"no_answer_calls"`
	BusyCalls      int `json:"busy_calls"`
	CanceledCalls  int `json:"canceled_calls"`
	BlockedCalls   int `json:"blocked_calls"`

	TotalDurationSeconds int `json:"total_duration_seconds"`
	// AverageDurationSeconds averages over answered calls only.
	AverageDurationSeconds int `json:"average_duration_seconds"`
}
