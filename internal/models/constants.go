package models

import "time"

const (
	// DefaultMaxRetryAttempts bounds the retry budget of each queued action.
	DefaultMaxRetryAttempts = 3

	// DefaultRetryDelayBase and DefaultRetryDelayMultiplier drive exponential backoff.
	DefaultRetryDelayBase       = time.Second
	DefaultRetryDelayMultiplier = 2.0
	DefaultRetryDelayMax        = 5 * time.Minute

	// DefaultMaxQueueSize caps the number of stored actions.
	DefaultMaxQueueSize = 1000

	// DefaultSyncInterval is the periodic sync trigger.
	DefaultSyncInterval = 30 * time.Second

	DefaultBatchSize = 10

	// DefaultExpirationTime is how long a queued action is kept.
	DefaultExpirationTime = 7 * 24 * time.Hour

	// DefaultProcessDelay lets near-simultaneous actions batch together.
	DefaultProcessDelay = time.Second

	DefaultBatchDelay = 100 * time.Millisecond

	// DefaultCriticalAge promotes actions that waited longer than this.
	DefaultCriticalAge = 5 * time.Minute

	DefaultSyncHistorySize = 100
	DefaultMaxConcurrency  = 4

	DefaultCacheRefreshInterval = 5 * time.Minute
	DefaultCacheCleanupInterval = time.Hour

	// StaleThreshold is the fraction of the stale window after which data is stale.
	StaleThreshold = 0.8
)

// Default cache expirations per domain.
const (
	SchoolsExpiration       = 24 * time.Hour
	SessionsExpiration      = 5 * time.Minute
	UserDataExpiration      = time.Hour
	LocationPingsExpiration = 10 * time.Minute
)

// Default cache size limits per domain.
const (
	SchoolsSizeLimit       = 500
	SessionsSizeLimit      = 1000
	UserDataSizeLimit      = 10
	LocationPingsSizeLimit = 100
)
