package syncmgr

import (
	"sort"
	"time"

	"schoolcheckin/internal/models"
	"schoolcheckin/internal/network"
)

const (
	StrategyAggressive   = "aggressive"
	StrategyNormal       = "normal"
	StrategyConservative = "conservative"
	StrategyMinimal      = "minimal"
	StrategyNoSync       = "no-sync"
)

// Strategy bundles how a sync cycle drains the queue.
type Strategy struct {
	Name        string          `json:"name"`
	BatchSize   int             `json:"batch_size"`
	Concurrency int             `json:"concurrency"`
	Timeout     time.Duration   `json:"timeout"`
	MinPriority models.Priority `json:"min_priority"`
	// BatchDelay grows linearly with the batch index when set.
	BatchDelay time.Duration `json:"batch_delay"`
}

// Syncs reports whether the strategy attempts anything.
func (s Strategy) Syncs() bool {
	return s.Name != StrategyNoSync && s.BatchSize > 0 && s.Concurrency > 0
}

// Quality is a scored connectivity snapshot.
type Quality struct {
	Score      int                `json:"score"`
	Conditions network.Conditions `json:"conditions"`
}

func QualityOf(c network.Conditions) Quality {
	return Quality{Score: network.Score(c), Conditions: c}
}

// DetermineSyncStrategy maps connection quality to a strategy:
//
//	offline or score < 20                      no-sync
//	save-data                                  at most minimal
//	score >= 80, downlink >= 5, rtt <= 50ms    aggressive
//	score >= 60                                normal
//	score >= 40                                conservative
//	score >= 20                                minimal
func (m *Manager) DetermineSyncStrategy(q Quality) Strategy {
	base := m.cfg.BaseBatchSize
	if base <= 0 {
		base = models.DefaultBatchSize
	}
	maxConc := m.cfg.MaxConcurrency
	if maxConc <= 0 {
		maxConc = models.DefaultMaxConcurrency
	}
	c := q.Conditions

	switch {
	case !c.Online || q.Score < 20:
		return Strategy{Name: StrategyNoSync}
	case c.SaveData:
		return m.minimal()
	case q.Score >= 80 && c.Downlink >= 5 && c.RTT > 0 && c.RTT <= 50*time.Millisecond:
		return Strategy{
			Name:        StrategyAggressive,
			BatchSize:   2 * base,
			Concurrency: maxConc,
			Timeout:     m.cfg.Timeouts.Aggressive,
			MinPriority: models.PriorityLow,
		}
	case q.Score >= 60:
		return Strategy{
			Name:        StrategyNormal,
			BatchSize:   base,
			Concurrency: max(maxConc-1, 2),
			Timeout:     m.cfg.Timeouts.Normal,
			MinPriority: models.PriorityLow,
		}
	case q.Score >= 40:
		return Strategy{
			Name:        StrategyConservative,
			BatchSize:   max(base/2, 3),
			Concurrency: 1,
			Timeout:     m.cfg.Timeouts.Conservative,
			MinPriority: models.PriorityLow,
			BatchDelay:  m.cfg.ProgressiveDelay,
		}
	default:
		return m.minimal()
	}
}

func (m *Manager) minimal() Strategy {
	return Strategy{
		Name:        StrategyMinimal,
		BatchSize:   2,
		Concurrency: 1,
		Timeout:     m.cfg.Timeouts.Minimal,
		MinPriority: models.PriorityHigh,
		BatchDelay:  2 * m.cfg.ProgressiveDelay,
	}
}

// effectivePriority is the type priority, raised one level once the action waited
// longer than the critical age.
func (m *Manager) effectivePriority(a models.QueuedAction, now time.Time) (models.Priority, bool) {
	p := a.Type.Priority()
	if m.cfg.CriticalAge > 0 && a.Age(now) > m.cfg.CriticalAge {
		if p < models.PriorityCritical {
			p++
		}
		return p, true
	}
	return p, false
}

// PrioritizeActions orders actions by effective priority, then aged actions first,
// then fewer retries, then oldest first. The input is not modified.
func (m *Manager) PrioritizeActions(actions []models.QueuedAction, now time.Time) []models.QueuedAction {
	type ranked struct {
		action   models.QueuedAction
		priority models.Priority
		aged     bool
	}
	items := make([]ranked, len(actions))
	for i, a := range actions {
		p, aged := m.effectivePriority(a, now)
		items[i] = ranked{action: a, priority: p, aged: aged}
	}

	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if a.aged != b.aged {
			return a.aged
		}
		if a.action.RetryCount != b.action.RetryCount {
			return a.action.RetryCount < b.action.RetryCount
		}
		return a.action.Timestamp.Before(b.action.Timestamp)
	})

	out := make([]models.QueuedAction, len(items))
	for i, it := range items {
		out[i] = it.action
	}
	return out
}

// split separates actions below the strategy priority floor.
func (m *Manager) split(actions []models.QueuedAction, s Strategy, now time.Time) (attempt, skipped []models.QueuedAction) {
	for _, a := range actions {
		if p, _ := m.effectivePriority(a, now); p < s.MinPriority {
			skipped = append(skipped, a)
			continue
		}
		attempt = append(attempt, a)
	}
	return attempt, skipped
}
