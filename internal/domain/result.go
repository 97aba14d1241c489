package domain

// Consolidation statuses returned to the scheduler.
const (
	StatusNoMessagesFound     = "no_messages_found"
	StatusSessionConsolidated = "session_consolidated"
)

// Freshness reasons.
const (
	ReasonNoMessages   = "no messages found"
	ReasonThresholdMet = "inactivity threshold met"
)

// FreshnessResult tells the scheduler whether to keep waiting for a user.
type FreshnessResult struct {
	ShouldWait  bool   `json:"should_wait"`
	WaitSeconds int64  `json:"wait_seconds"`
	Reason      string `json:"reason"`
}

// ConsolidationResult is the outcome of one consolidation attempt.
type ConsolidationResult struct {
	Status       string `json:"status"`
	MessageCount int    `json:"message_count"`
}
