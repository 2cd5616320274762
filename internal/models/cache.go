package models

import "time"

// RefreshStrategy decides how a cached partition is refreshed.
type RefreshStrategy string

const (
	RefreshBackground           RefreshStrategy = "background"
	RefreshOnDemand             RefreshStrategy = "on-demand"
	RefreshStaleWhileRevalidate RefreshStrategy = "stale-while-revalidate"
)

func (s RefreshStrategy) Valid() bool {
	switch s {
	case RefreshBackground, RefreshOnDemand, RefreshStaleWhileRevalidate:
		return true
	}
	return false
}

// CacheStrategy is the policy attached to a cache write.
type CacheStrategy struct {
	Refresh           RefreshStrategy `json:"refresh"`
	Priority          Priority        `json:"priority"`
	BackgroundRefresh bool            `json:"background_refresh"`
	StaleTime         time.Duration   `json:"stale_time"`
}

// CacheMetadata is kept per partition and drives eviction and refresh hints.
type CacheMetadata struct {
	Partition    string    `json:"partition"`
	CachedAt     time.Time `json:"cached_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
	Size         int       `json:"size"`
	Version      int       `json:"version"`
}

// School is a location where providers check in.
type School struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Radius    float64   `json:"radius"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is a check-in record.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	SchoolID     string     `json:"school_id"`
	Status       string     `json:"status"`
	CheckInTime  time.Time  `json:"check_in_time"`
	CheckOutTime *time.Time `json:"check_out_time,omitempty"`
	CheckIn      *Location  `json:"check_in_location,omitempty"`
	CheckOut     *Location  `json:"check_out_location,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

const (
	SessionActive    = "active"
	SessionCompleted = "completed"
)

// UserProfile is the signed-in provider or admin.
type UserProfile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	SchoolIDs []string  `json:"school_ids,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LocationPing is a periodic position report.
type LocationPing struct {
	ID        string   `json:"id"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id,omitempty"`
	Location  Location `json:"location"`
}
