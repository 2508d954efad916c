package selection

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"rotaproxy/proxypool/model"
)

// ScoreWeights are the tunable term weights of the composite score. The
// split is deliberately configuration, not a constant; the useful values
// depend on the workload.
type ScoreWeights struct {
	Performance float64
	Geography   float64
	Freshness   float64
	Diversity   float64
	Affinity    float64
}

// DefaultScoreWeights returns a performance-leaning split.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Performance: 0.4,
		Geography:   0.2,
		Freshness:   0.2,
		Diversity:   0.1,
		Affinity:    0.1,
	}
}

func (w ScoreWeights) valid() bool {
	return w.Performance > 0 || w.Geography > 0 || w.Freshness > 0 || w.Diversity > 0 || w.Affinity > 0
}

const (
	// latencyHalf is the latency at which the latency term reaches 0.5.
	latencyHalf = 500 * time.Millisecond
	// freshnessHorizon is the idle time after which the rotation term
	// saturates at 1.
	freshnessHorizon = 10 * time.Minute
	// topFraction of scored candidates that take part in the final
	// weighted-random draw.
	topFraction = 0.25
	minDrawSize = 3
)

// Score computes the composite score of one record. sourceShare is the
// fraction of the candidate set contributed by each provider; it feeds
// the diversity term. The score is monotone in success rate and in time
// since last use, and antitone in latency.
func Score(p *model.ProxyRecord, c Constraints, w ScoreWeights, sourceShare map[string]float64, now time.Time) float64 {
	// Performance: success rate discounted by latency.
	latencyTerm := 1.0
	if p.AvgLatency > 0 {
		latencyTerm = float64(latencyHalf) / float64(latencyHalf+p.AvgLatency)
	}
	performance := p.SuccessRate() * latencyTerm

	// Geography: bonus only when the caller asked for a location.
	geography := 0.0
	if c.Country != "" && strings.EqualFold(p.Country, c.Country) {
		geography = 1.0
		if c.Region != "" && !strings.EqualFold(p.Region, c.Region) {
			geography = 0.5
		}
	}

	// Freshness of use: favor records that have not been handed out
	// recently, to spread rotation across the pool.
	freshness := 1.0
	if !p.LastUsed.IsZero() {
		idle := now.Sub(p.LastUsed)
		if idle < 0 {
			idle = 0
		}
		freshness = math.Min(1, float64(idle)/float64(freshnessHorizon))
	}

	// Provider diversity: penalize sources that dominate the candidate
	// set.
	diversity := 1.0
	if share, ok := sourceShare[p.Source]; ok {
		diversity = 1 - share
	}

	// Sticky continuity.
	affinity := 0.0
	if c.PreferredKey != "" && p.Key() == c.PreferredKey {
		affinity = 1.0
	}

	return w.Performance*performance +
		w.Geography*geography +
		w.Freshness*freshness +
		w.Diversity*diversity +
		w.Affinity*affinity
}

// CompositeStrategy scores every candidate and draws weighted-random
// among the top scorers, so the best record is favored without being
// hammered deterministically.
type CompositeStrategy struct {
	weights ScoreWeights
	now     func() time.Time
}

// NewCompositeStrategy creates a composite strategy; zero weights fall
// back to the defaults.
func NewCompositeStrategy(weights ScoreWeights) *CompositeStrategy {
	if !weights.valid() {
		weights = DefaultScoreWeights()
	}
	return &CompositeStrategy{
		weights: weights,
		now:     time.Now,
	}
}

func (s *CompositeStrategy) Name() string { return "composite" }

func (s *CompositeStrategy) Select(candidates []*model.ProxyRecord, c Constraints) *model.ProxyRecord {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return candidates[0]
	}

	shares := SourceShares(candidates)
	now := s.now()

	type scored struct {
		record *model.ProxyRecord
		score  float64
	}
	all := make([]scored, 0, len(candidates))
	for _, p := range candidates {
		all = append(all, scored{record: p, score: Score(p, c, s.weights, shares, now)})
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].score > all[j].score
	})

	drawSize := int(math.Ceil(float64(len(all)) * topFraction))
	if drawSize < minDrawSize {
		drawSize = minDrawSize
	}
	if drawSize > len(all) {
		drawSize = len(all)
	}
	top := all[:drawSize]

	var total float64
	for _, sc := range top {
		total += sc.score
	}
	if total <= 0 {
		return top[rand.Intn(len(top))].record
	}

	draw := rand.Float64() * total
	for _, sc := range top {
		draw -= sc.score
		if draw <= 0 {
			return sc.record
		}
	}
	return top[len(top)-1].record
}

// SourceShares computes the fraction of candidates contributed by each
// provider tag.
func SourceShares(candidates []*model.ProxyRecord) map[string]float64 {
	if len(candidates) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, p := range candidates {
		counts[p.Source]++
	}
	shares := make(map[string]float64, len(counts))
	for source, n := range counts {
		shares[source] = float64(n) / float64(len(candidates))
	}
	return shares
}
