package models

import "time"

// SyncError records a single action failure within a sync cycle.
type SyncError struct {
	ActionID   string     `json:"action_id"`
	ActionType ActionType `json:"action_type"`
	Message    string     `json:"message"`
	WillRetry  bool       `json:"will_retry"`
}

// SyncResult is the outcome of one sync cycle. Kept in memory only.
type SyncResult struct {
	StartedAt    time.Time     `json:"started_at"`
	Processed    int           `json:"processed"`
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	Duration     time.Duration `json:"duration"`
	NetworkScore int           `json:"network_score"`
	Strategy     string        `json:"strategy"`
	Errors       []SyncError   `json:"errors,omitempty"`
}

// Success reports whether every processed action synced.
func (r *SyncResult) Success() bool {
	return r.Failed == 0
}
