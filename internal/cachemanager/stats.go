package cachemanager

import (
	"context"
	"fmt"
	"time"

	"schoolcheckin/internal/cache"
)

const (
	// FrequentAccessCount marks a partition as heavily read.
	FrequentAccessCount = 10
	// UnusedAfter is how long a partition may go unread before it is reported unused.
	UnusedAfter = 24 * time.Hour
	// NearLimitRatio of the size limit triggers the capacity warning.
	NearLimitRatio = 0.9
)

// PartitionStats describes one cache partition.
type PartitionStats struct {
	Partition    string    `json:"partition"`
	Strategy     string    `json:"strategy"`
	Priority     string    `json:"priority"`
	Items        int       `json:"items"`
	Limit        int       `json:"limit"`
	AccessCount  int64     `json:"access_count"`
	CachedAt     time.Time `json:"cached_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Version      int       `json:"version"`
	IsStale      bool      `json:"is_stale"`
	NeedsRefresh bool      `json:"needs_refresh"`
}

// Statistics summarizes every cache partition with recommendations.
type Statistics struct {
	Partitions      []PartitionStats `json:"partitions"`
	TotalItems      int              `json:"total_items"`
	Recommendations []string         `json:"recommendations"`
}

// GetCacheStatistics reports per-partition metadata and usage recommendations.
func (m *Manager) GetCacheStatistics(ctx context.Context) (Statistics, error) {
	now := m.layer.Now()
	st := Statistics{Recommendations: []string{}}

	for _, p := range cache.Partitions {
		meta, err := m.layer.Metadata(ctx, p)
		if err != nil {
			return Statistics{}, err
		}
		n, err := m.layer.Count(ctx, p)
		if err != nil {
			return Statistics{}, err
		}

		s := m.strategies[p]
		ps := PartitionStats{
			Partition:    string(p),
			Strategy:     string(s.Refresh),
			Priority:     s.Priority.String(),
			Items:        n,
			Limit:        m.layer.Limit(p),
			AccessCount:  meta.AccessCount,
			CachedAt:     meta.CachedAt,
			ExpiresAt:    meta.ExpiresAt,
			LastAccessed: meta.LastAccessed,
			Version:      meta.Version,
		}
		if !meta.CachedAt.IsZero() {
			ps.IsStale = !now.Before(staleAt(meta))
			ps.NeedsRefresh = !now.Before(meta.ExpiresAt)
		}

		st.Partitions = append(st.Partitions, ps)
		st.TotalItems += n
		st.Recommendations = append(st.Recommendations, recommend(ps, now)...)
	}
	return st, nil
}

func recommend(ps PartitionStats, now time.Time) []string {
	var out []string
	if ps.AccessCount >= FrequentAccessCount && ps.IsStale {
		out = append(out, fmt.Sprintf("%s: frequently accessed but stale - consider refreshing", ps.Partition))
	}

	lastUse := ps.LastAccessed
	if lastUse.IsZero() {
		lastUse = ps.CachedAt
	}
	if ps.Items > 0 && !lastUse.IsZero() && now.Sub(lastUse) >= UnusedAfter {
		out = append(out, fmt.Sprintf("%s: unused - consider removing", ps.Partition))
	}

	if ps.Limit > 0 && float64(ps.Items) >= NearLimitRatio*float64(ps.Limit) {
		out = append(out, fmt.Sprintf("%s: near size limit (%d of %d)", ps.Partition, ps.Items, ps.Limit))
	}
	return out
}
