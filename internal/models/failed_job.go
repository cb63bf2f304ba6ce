package models

import (
	"encoding/json"
	"time"
)

// FailedJob statuses persisted in Postgres.
const (
	FailedStatusFailed    = "failed"
	FailedStatusRetrying  = "retrying"
	FailedStatusResolved  = "resolved"
	FailedStatusAbandoned = "abandoned"
)

// OperationUpdateUserEmbedding is the operation name recorded for pipeline failures.
const OperationUpdateUserEmbedding = "update_user_embedding"

// FailedJob is a dead-letter record kept for audit and replay. Rows are never deleted.
type FailedJob struct {
	ID           string          `json:"id"`
	SubjectID    string          `json:"subject_id"`
	Operation    string          `json:"operation"`
	ErrorMessage string          `json:"error_message"`
	ErrorTrace   string          `json:"error_trace"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	Status       string          `json:"status"`
	FailedAt     time.Time       `json:"failed_at"`
	LastRetryAt  *time.Time      `json:"last_retry_at,omitempty"`
	RetryAfter   time.Time       `json:"retry_after"`
}

// RetrySchedule is the delay before each replay attempt; the last entry repeats.
var RetrySchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	24 * time.Hour,
}

// NextRetryAfter returns when a job that has made attempts replays becomes due again.
func NextRetryAfter(from time.Time, attempts int) time.Time {
	idx := attempts
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetrySchedule) {
		idx = len(RetrySchedule) - 1
	}
	return from.Add(RetrySchedule[idx])
}

// CanTransition enforces failed → retrying → {resolved | failed | abandoned}.
func CanTransition(from, to string) bool {
	switch from {
	case FailedStatusFailed:
		return to == FailedStatusRetrying
	case FailedStatusRetrying:
		return to == FailedStatusResolved || to == FailedStatusFailed || to == FailedStatusAbandoned
	default:
		return false
	}
}

// FailedJobStatuses lists every status in lifecycle order.
func FailedJobStatuses() []string {
	return []string{FailedStatusFailed, FailedStatusRetrying, FailedStatusResolved, FailedStatusAbandoned}
}
