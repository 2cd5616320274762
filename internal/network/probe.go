package network

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker is the backend call timed by the probe.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ProbeProvider measures connectivity by timing a backend health check.
// The effective type follows the RTT thresholds browsers use and the downlink
// is estimated from it. Results are reused for the probe interval.
type ProbeProvider struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	saveData bool
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	last     Conditions
	measured time.Time
}

func NewProbeProvider(checker HealthChecker, interval time.Duration, saveData bool, logger *zerolog.Logger) *ProbeProvider {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "network_probe").Logger()
	}
	return &ProbeProvider{
		checker:  checker,
		interval: interval,
		timeout:  5 * time.Second,
		saveData: saveData,
		now:      time.Now,
		logger:   l,
	}
}

// Conditions returns the cached measurement or probes when it is older than the interval.
func (p *ProbeProvider) Conditions(ctx context.Context) Conditions {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.measured.IsZero() && p.now().Sub(p.measured) < p.interval {
		return p.last
	}
	p.last = p.probe(ctx)
	p.measured = p.now()
	return p.last
}

// Invalidate forces the next Conditions call to probe.
func (p *ProbeProvider) Invalidate() {
	p.mu.Lock()
	p.measured = time.Time{}
	p.mu.Unlock()
}

func (p *ProbeProvider) probe(ctx context.Context) Conditions {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.now()
	if err := p.checker.Health(ctx); err != nil {
		p.logger.Debug().Err(err).Msg("Backend unreachable")
		return Conditions{Online: false, SaveData: p.saveData}
	}
	rtt := p.now().Sub(start)
	if rtt <= 0 {
		rtt = time.Millisecond
	}

	ect := effectiveTypeFor(rtt)
	c := Conditions{
		Online:        true,
		RTT:           rtt,
		EffectiveType: ect,
		Downlink:      estimatedDownlink(ect),
		SaveData:      p.saveData,
	}
	p.logger.Debug().Dur("rtt", rtt).Str("effective_type", ect).Int("score", Score(c)).Msg("Probed backend")
	return c
}

func effectiveTypeFor(rtt time.Duration) string {
	switch {
	case rtt >= 2000*time.Millisecond:
		return TypeSlow2G
	case rtt >= 1400*time.Millisecond:
		return Type2G
	case rtt >= 270*time.Millisecond:
		return Type3G
	}
	return Type4G
}

func estimatedDownlink(ect string) float64 {
	switch ect {
	case Type4G:
		return 10
	case Type3G:
		return 1.5
	case Type2G:
		return 0.25
	}
	return 0.05
}
