package selection

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"

	"rotaproxy/proxypool/model"
)

// Constraints narrow the candidate set for one acquisition. Zero values
// mean "no constraint".
type Constraints struct {
	Protocol       model.Protocol
	Country        string
	Region         string
	MinSuccessRate float64

	// PreferredKey is the record a sticky session was bound to, if any.
	// Only the composite strategy uses it, as a continuity bonus.
	PreferredKey string
}

// Matches reports whether a record satisfies the constraints. Blacklist
// and health filtering happen before this, in the pool manager.
func (c Constraints) Matches(p *model.ProxyRecord) bool {
	if c.Protocol != "" && p.Protocol != c.Protocol {
		return false
	}
	if c.Country != "" && !strings.EqualFold(p.Country, c.Country) {
		return false
	}
	if c.Region != "" && !strings.EqualFold(p.Region, c.Region) {
		return false
	}
	if c.MinSuccessRate > 0 && p.SuccessRate() < c.MinSuccessRate {
		return false
	}
	return true
}

// Strategy picks one record from a pre-filtered candidate slice.
// Candidates arrive in insertion order (oldest first). A nil return means
// no proxy is available; that is an empty result, not an error.
type Strategy interface {
	Name() string
	Select(candidates []*model.ProxyRecord, c Constraints) *model.ProxyRecord
}

// New returns the strategy registered under name. Unknown names are a
// configuration error.
func New(name string, weights ScoreWeights) (Strategy, error) {
	switch strings.ToLower(name) {
	case "random":
		return &RandomStrategy{}, nil
	case "round_robin", "roundrobin":
		return &RoundRobinStrategy{}, nil
	case "least_connections":
		return &LeastConnectionsStrategy{}, nil
	case "response_time":
		return &ResponseTimeStrategy{}, nil
	case "success_rate":
		return &SuccessRateStrategy{}, nil
	case "composite", "intelligent":
		return NewCompositeStrategy(weights), nil
	default:
		return nil, fmt.Errorf("unknown rotation strategy: %q", name)
	}
}

// RandomStrategy picks uniformly.
type RandomStrategy struct{}

func (s *RandomStrategy) Name() string { return "random" }

func (s *RandomStrategy) Select(candidates []*model.ProxyRecord, _ Constraints) *model.ProxyRecord {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// RoundRobinStrategy cycles through candidates in a stable key order
// using a monotonically advancing index that persists across calls.
type RoundRobinStrategy struct {
	next uint32
}

func (s *RoundRobinStrategy) Name() string { return "round_robin" }

func (s *RoundRobinStrategy) Select(candidates []*model.ProxyRecord, _ Constraints) *model.ProxyRecord {
	if len(candidates) == 0 {
		return nil
	}

	// Sort keys so the cycle order is consistent between calls even
	// though the candidate map iteration order is not.
	ordered := make([]*model.ProxyRecord, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Key() < ordered[j].Key()
	})

	nextIndex := atomic.AddUint32(&s.next, 1) - 1
	return ordered[nextIndex%uint32(len(ordered))]
}

// LeastConnectionsStrategy picks the candidate with the fewest active
// connections; ties keep the earliest candidate (insertion order).
type LeastConnectionsStrategy struct{}

func (s *LeastConnectionsStrategy) Name() string { return "least_connections" }

func (s *LeastConnectionsStrategy) Select(candidates []*model.ProxyRecord, _ Constraints) *model.ProxyRecord {
	var best *model.ProxyRecord
	minConnections := int64(math.MaxInt64)
	for _, p := range candidates {
		if p.ActiveConns < minConnections {
			minConnections = p.ActiveConns
			best = p
		}
	}
	return best
}

// ResponseTimeStrategy picks the candidate with the lowest rolling
// average response time. Records with no samples rank last.
type ResponseTimeStrategy struct{}

func (s *ResponseTimeStrategy) Name() string { return "response_time" }

func (s *ResponseTimeStrategy) Select(candidates []*model.ProxyRecord, _ Constraints) *model.ProxyRecord {
	var best *model.ProxyRecord
	bestLatency := math.Inf(1)
	for _, p := range candidates {
		latency := math.Inf(1)
		if p.AvgLatency > 0 {
			latency = float64(p.AvgLatency)
		}
		if latency < bestLatency {
			bestLatency = latency
			best = p
		}
	}
	if best == nil && len(candidates) > 0 {
		// All candidates are unsampled; any of them is as good a guess.
		best = candidates[0]
	}
	return best
}

// SuccessRateStrategy picks the candidate with the highest success rate;
// ties go to the record with more attempts behind its rate.
type SuccessRateStrategy struct{}

func (s *SuccessRateStrategy) Name() string { return "success_rate" }

func (s *SuccessRateStrategy) Select(candidates []*model.ProxyRecord, _ Constraints) *model.ProxyRecord {
	var best *model.ProxyRecord
	for _, p := range candidates {
		if best == nil {
			best = p
			continue
		}
		rate, bestRate := p.SuccessRate(), best.SuccessRate()
		if rate > bestRate || (rate == bestRate && p.TotalAttempts() > best.TotalAttempts()) {
			best = p
		}
	}
	return best
}
