package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionStatus_CanTransition(t *testing.T) {
	allowed := map[ActionStatus][]ActionStatus{
		ActionPending: {ActionSyncing, ActionCancelled},
		ActionSyncing: {ActionSynced, ActionFailed},
		ActionFailed:  {ActionPending, ActionCancelled},
	}

	for _, from := range ActionStatuses {
		for _, to := range ActionStatuses {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestActionStatus_SyncedIsAbsorbing(t *testing.T) {
	for _, to := range ActionStatuses {
		assert.False(t, ActionSynced.CanTransition(to))
	}
	assert.False(t, ActionSynced.CanTransition(ActionCancelled))
}

func TestActionType_Priority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ActionCheckOut.Priority())
	assert.Equal(t, PriorityHigh, ActionCheckIn.Priority())
	assert.Equal(t, PriorityMedium, ActionSessionUpdate.Priority())
	assert.Equal(t, PriorityLow, ActionLocationUpdate.Priority())

	for _, typ := range ActionTypes {
		assert.True(t, typ.Valid())
	}
	assert.False(t, ActionType("teleport").Valid())
	assert.Equal(t, "critical", PriorityCritical.String())
}

func TestQueuedAction_Helpers(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := &QueuedAction{
		Status:     ActionFailed,
		RetryCount: 2,
		MaxRetries: 3,
		Timestamp:  now.Add(-time.Minute),
		ExpiresAt:  now.Add(time.Hour),
	}

	assert.True(t, a.Retriable())
	assert.False(t, a.Exhausted())
	assert.False(t, a.Expired(now))
	assert.Equal(t, time.Minute, a.Age(now))

	a.RetryCount = 3
	assert.True(t, a.Exhausted())
	assert.True(t, a.Expired(now.Add(2*time.Hour)))
}

func TestValidatePayload(t *testing.T) {
	loc := &Location{Latitude: 41.9, Longitude: -87.6, Accuracy: 5}

	tests := []struct {
		name    string
		typ     ActionType
		payload ActionPayload
		wantErr bool
	}{
		{"check-in ok", ActionCheckIn, ActionPayload{SchoolID: "school-1", Location: loc}, false},
		{"check-in missing school", ActionCheckIn, ActionPayload{Location: loc}, true},
		{"check-out ok", ActionCheckOut, ActionPayload{SessionID: "s-1"}, false},
		{"check-out missing session", ActionCheckOut, ActionPayload{}, true},
		{"session-update missing session", ActionSessionUpdate, ActionPayload{}, true},
		{"location-update ok", ActionLocationUpdate, ActionPayload{Location: loc}, false},
		{"location-update missing location", ActionLocationUpdate, ActionPayload{}, true},
		{"bad latitude", ActionCheckIn, ActionPayload{SchoolID: "x", Location: &Location{Latitude: 120}}, true},
		{"unknown type", ActionType("nope"), ActionPayload{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.typ, tt.payload)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidate_UsesJSONNames(t *testing.T) {
	err := Validate(Location{Latitude: -91})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latitude")
}
