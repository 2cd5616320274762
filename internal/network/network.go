package network

import (
	"context"
	"sync"
	"time"
)

// Effective connection types, slowest first.
const (
	TypeSlow2G = "slow-2g"
	Type2G     = "2g"
	Type3G     = "3g"
	Type4G     = "4g"
)

// Conditions is a snapshot of the device connectivity.
type Conditions struct {
	Online        bool          `json:"online"`
	Downlink      float64       `json:"downlink"`
	RTT           time.Duration `json:"rtt"`
	EffectiveType string        `json:"effective_type,omitempty"`
	SaveData      bool          `json:"save_data"`
}

// Status is the human label used in client metadata.
func (c Conditions) Status() string {
	if c.Online {
		return "online"
	}
	return "offline"
}

// Provider reports current connectivity.
type Provider interface {
	Conditions(ctx context.Context) Conditions
}

// Invalidator is implemented by providers that cache measurements.
type Invalidator interface {
	Invalidate()
}

// Score maps conditions to 0-100. Offline is always 0. Downlink and RTT contribute up
// to 40 each, the effective type up to 20, and save-data costs 10.
func Score(c Conditions) int {
	if !c.Online {
		return 0
	}
	score := downlinkPoints(c.Downlink) + rttPoints(c.RTT) + typePoints(c.EffectiveType)
	if c.SaveData {
		score -= 10
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func downlinkPoints(mbps float64) int {
	switch {
	case mbps >= 10:
		return 40
	case mbps >= 5:
		return 32
	case mbps >= 2:
		return 24
	case mbps >= 1:
		return 16
	case mbps >= 0.5:
		return 8
	}
	return 0
}

// rttPoints treats a zero RTT as unmeasured and scores it as a middling link.
func rttPoints(rtt time.Duration) int {
	switch {
	case rtt <= 0:
		return 16
	case rtt <= 50*time.Millisecond:
		return 40
	case rtt <= 100*time.Millisecond:
		return 32
	case rtt <= 200*time.Millisecond:
		return 24
	case rtt <= 400*time.Millisecond:
		return 16
	case rtt <= time.Second:
		return 8
	}
	return 0
}

func typePoints(t string) int {
	switch t {
	case Type4G:
		return 20
	case Type3G:
		return 12
	case Type2G:
		return 6
	case TypeSlow2G:
		return 2
	}
	return 10
}

// StaticProvider returns conditions set by the caller.
type StaticProvider struct {
	mu sync.RWMutex
	c  Conditions
}

func NewStaticProvider(c Conditions) *StaticProvider {
	return &StaticProvider{c: c}
}

func (p *StaticProvider) Conditions(_ context.Context) Conditions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.c
}

func (p *StaticProvider) Set(c Conditions) {
	p.mu.Lock()
	p.c = c
	p.mu.Unlock()
}

func (p *StaticProvider) SetOnline(online bool) {
	p.mu.Lock()
	p.c.Online = online
	p.mu.Unlock()
}
