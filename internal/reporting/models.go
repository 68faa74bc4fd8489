package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UsageRequest asks for one account's activity within Range.
type UsageRequest struct {
	AccountID string    `json:"account_id"`
	Range     TimeRange `json:"range"`
}

type CallsSummary struct {
	TotalCalls      int `json:"total_calls"`
	OutboundCalls   int `json:"outbound_calls"`
	InboundCalls    int `json:"inbound_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	BusyCalls       int `json:"busy_calls"`
	CanceledCalls   int `json:"canceled_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	// CutoffCalls ended because the trial or included minutes ran out.
	CutoffCalls int `json:"cutoff_calls"`

	TotalConnectedSeconds   int `json:"total_connected_seconds"`
	AverageConnectedSeconds int `json:"average_connected_seconds"`
	ToolInvocations         int `json:"tool_invocations"`
}

type MinutesSummary struct {
	TrialMinutes    int `json:"trial_minutes"`
	IncludedMinutes int `json:"included_minutes"`
	OverageMinutes  int `json:"overage_minutes"`
	PaygMinutes     int `json:"payg_minutes"`
	TotalMinutes    int `json:"total_minutes"`

	// UnreportedMinutes are metered minutes still waiting on the billing collaborator.
	UnreportedMinutes int `json:"unreported_minutes"`
}

type UsageSummary struct {
	AccountID string         `json:"account_id"`
	Range     TimeRange      `json:"range"`
	Calls     CallsSummary   `json:"calls"`
	Minutes   MinutesSummary `json:"minutes"`
}
