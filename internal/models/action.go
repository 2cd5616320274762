package models

import (
	"fmt"
	"time"
)

// ActionType is the kind of user intent carried by a queued action.
type ActionType string

const (
	ActionCheckIn        ActionType = "check-in"
	ActionCheckOut       ActionType = "check-out"
	ActionSessionUpdate  ActionType = "session-update"
	ActionLocationUpdate ActionType = "location-update"
)

// ActionTypes lists every action type in declaration order.
var ActionTypes = []ActionType{ActionCheckIn, ActionCheckOut, ActionSessionUpdate, ActionLocationUpdate}

func (t ActionType) Valid() bool {
	switch t {
	case ActionCheckIn, ActionCheckOut, ActionSessionUpdate, ActionLocationUpdate:
		return true
	}
	return false
}

// Priority returns the sync priority of the action type.
func (t ActionType) Priority() Priority {
	switch t {
	case ActionCheckOut:
		return PriorityCritical
	case ActionCheckIn:
		return PriorityHigh
	case ActionSessionUpdate:
		return PriorityMedium
	case ActionLocationUpdate:
		return PriorityLow
	}
	return PriorityLow
}

// ActionStatus is the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionSyncing   ActionStatus = "syncing"
	ActionSynced    ActionStatus = "synced"
	ActionFailed    ActionStatus = "failed"
	ActionCancelled ActionStatus = "cancelled"
)

// ActionStatuses lists every status in declaration order.
var ActionStatuses = []ActionStatus{ActionPending, ActionSyncing, ActionSynced, ActionFailed, ActionCancelled}

func (s ActionStatus) Valid() bool {
	switch s {
	case ActionPending, ActionSyncing, ActionSynced, ActionFailed, ActionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to next.
// synced and cancelled are absorbing; failed->pending is additionally gated by
// the retry budget, which the caller checks with QueuedAction.Retriable.
func (s ActionStatus) CanTransition(next ActionStatus) bool {
	switch s {
	case ActionPending:
		return next == ActionSyncing || next == ActionCancelled
	case ActionSyncing:
		return next == ActionSynced || next == ActionFailed
	case ActionFailed:
		return next == ActionPending || next == ActionCancelled
	case ActionSynced, ActionCancelled:
		return false
	}
	return false
}

// Priority orders actions for synchronization.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Location is a geolocation snapshot taken by the device.
type Location struct {
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	Accuracy  float64   `json:"accuracy" validate:"gte=0"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionPayload is the type-specific body sent to the backend.
type ActionPayload struct {
	SchoolID  string            `json:"school_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	Location  *Location         `json:"location,omitempty" validate:"omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Notes     string            `json:"notes,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// ClientMetadata describes the client that created an action.
type ClientMetadata struct {
	UserAgent     string `json:"user_agent,omitempty"`
	AppVersion    string `json:"app_version,omitempty"`
	NetworkStatus string `json:"network_status,omitempty"`
}

// QueuedAction is one user-intended state change awaiting backend confirmation.
type QueuedAction struct {
	ID          string          `json:"id"`
	Type        ActionType      `json:"type"`
	Payload     ActionPayload   `json:"payload"`
	Status      ActionStatus    `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	Timestamp   time.Time       `json:"timestamp"`
	UserID      string          `json:"user_id"`
	SessionID   string          `json:"session_id,omitempty"`
	SchoolID    string          `json:"school_id,omitempty"`
	Location    *Location       `json:"location,omitempty"`
	Metadata    *ClientMetadata `json:"metadata,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	SyncedAt    *time.Time      `json:"synced_at,omitempty"`
	CachedAt    time.Time       `json:"_cachedAt"`
	ExpiresAt   time.Time       `json:"_expiresAt"`
}

// Retriable reports whether a failed action still has retry budget.
func (a *QueuedAction) Retriable() bool {
	return a.RetryCount < a.MaxRetries
}

// Exhausted reports a terminal failure: failed with no retry budget left.
func (a *QueuedAction) Exhausted() bool {
	return a.Status == ActionFailed && !a.Retriable()
}

// Expired reports whether the action outlived its cache expiry.
func (a *QueuedAction) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// Age is how long ago the action was created.
func (a *QueuedAction) Age(now time.Time) time.Duration {
	return now.Sub(a.Timestamp)
}

// QueueStats summarizes the action queue for the UI.
type QueueStats struct {
	Total         int        `json:"total"`
	Pending       int        `json:"pending"`
	Syncing       int        `json:"syncing"`
	Synced        int        `json:"synced"`
	Failed        int        `json:"failed"`
	Cancelled     int        `json:"cancelled"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
	NewestPending *time.Time `json:"newest_pending,omitempty"`
}
