package selection

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotaproxy/proxypool/model"
)

func TestScoreMonotoneInSuccessRate(t *testing.T) {
	now := time.Now()
	w := DefaultScoreWeights()

	prev := -1.0
	for successes := 0; successes <= 10; successes++ {
		p := record("10.0.0.1", withStats(successes, 10-successes, 100*time.Millisecond))
		score := Score(p, Constraints{}, w, nil, now)
		assert.Greater(t, score, prev, "success rate %d/10", successes)
		prev = score
	}
}

func TestScoreAntitoneInLatency(t *testing.T) {
	now := time.Now()
	w := DefaultScoreWeights()

	fast := record("10.0.0.1", withStats(10, 0, 50*time.Millisecond))
	slow := record("10.0.0.2", withStats(10, 0, 800*time.Millisecond))

	assert.Greater(t,
		Score(fast, Constraints{}, w, nil, now),
		Score(slow, Constraints{}, w, nil, now))
}

func TestScoreGeographyBonusOnlyWithConstraint(t *testing.T) {
	now := time.Now()
	w := DefaultScoreWeights()

	p := record("10.0.0.1", withStats(10, 0, 50*time.Millisecond))
	p.Country = "Germany"

	unconstrained := Score(p, Constraints{}, w, nil, now)
	matched := Score(p, Constraints{Country: "Germany"}, w, nil, now)
	assert.Greater(t, matched, unconstrained)
	assert.InDelta(t, w.Geography, matched-unconstrained, 1e-9)
}

func TestScoreAffinityBonusForPreferredRecord(t *testing.T) {
	now := time.Now()
	w := DefaultScoreWeights()

	p := record("10.0.0.1", withStats(10, 0, 50*time.Millisecond))

	plain := Score(p, Constraints{}, w, nil, now)
	preferred := Score(p, Constraints{PreferredKey: p.Key()}, w, nil, now)
	assert.Greater(t, preferred, plain)
	assert.InDelta(t, w.Affinity, preferred-plain, 1e-9)

	other := Score(p, Constraints{PreferredKey: "10.9.9.9:1080/http"}, w, nil, now)
	assert.InDelta(t, plain, other, 1e-9)
}

func TestCompositeAffinityWinsAmongEquals(t *testing.T) {
	now := time.Now()

	var candidates []*model.ProxyRecord
	for i := 0; i < 3; i++ {
		p := record(addr(i), withStats(50, 0, 40*time.Millisecond))
		p.LastUsed = now.Add(-time.Hour)
		candidates = append(candidates, p)
	}
	preferred := candidates[1]

	// Affinity-only weights make the preferred record the sole positive
	// scorer, so the weighted draw cannot land anywhere else.
	s := NewCompositeStrategy(ScoreWeights{Affinity: 1})
	for i := 0; i < 25; i++ {
		got := s.Select(candidates, Constraints{PreferredKey: preferred.Key()})
		require.NotNil(t, got)
		assert.Equal(t, preferred.Key(), got.Key())
	}
}

func TestScoreFavorsIdleRecords(t *testing.T) {
	now := time.Now()
	w := DefaultScoreWeights()

	busy := record("10.0.0.1", withStats(10, 0, 50*time.Millisecond))
	busy.LastUsed = now

	idle := record("10.0.0.2", withStats(10, 0, 50*time.Millisecond))
	idle.LastUsed = now.Add(-time.Hour)

	assert.Greater(t,
		Score(idle, Constraints{}, w, nil, now),
		Score(busy, Constraints{}, w, nil, now))
}

func TestScoreDiversityPenalizesDominantSource(t *testing.T) {
	now := time.Now()
	w := DefaultScoreWeights()

	shares := map[string]float64{"big": 0.9, "small": 0.1}

	fromBig := record("10.0.0.1", withStats(10, 0, 50*time.Millisecond))
	fromBig.Source = "big"
	fromSmall := record("10.0.0.2", withStats(10, 0, 50*time.Millisecond))
	fromSmall.Source = "small"

	assert.Greater(t,
		Score(fromSmall, Constraints{}, w, shares, now),
		Score(fromBig, Constraints{}, w, shares, now))
}

func TestCompositeSingleCandidateShortCircuits(t *testing.T) {
	only := record("10.0.0.1")
	s := NewCompositeStrategy(ScoreWeights{})
	assert.Same(t, only, s.Select([]*model.ProxyRecord{only}, Constraints{}))
}

func TestCompositeDrawsFromTopScorers(t *testing.T) {
	now := time.Now()

	// Three strong records and nine weak ones. With a draw pool of the
	// top 25% (3 of 12), only the strong records can come out.
	var candidates []*model.ProxyRecord
	strong := make(map[string]bool)
	for i := 0; i < 3; i++ {
		p := record(addr(i), withStats(100, 0, 30*time.Millisecond))
		p.LastUsed = now.Add(-time.Hour)
		strong[p.Key()] = true
		candidates = append(candidates, p)
	}
	for i := 3; i < 12; i++ {
		p := record(addr(i), withStats(1, 99, 2*time.Second))
		p.LastUsed = now
		candidates = append(candidates, p)
	}

	s := NewCompositeStrategy(DefaultScoreWeights())
	for i := 0; i < 50; i++ {
		got := s.Select(candidates, Constraints{})
		require.NotNil(t, got)
		assert.True(t, strong[got.Key()], "picked %s", got.Key())
	}
}

func TestCompositeInvalidWeightsFallBackToDefaults(t *testing.T) {
	s := NewCompositeStrategy(ScoreWeights{})
	assert.Equal(t, DefaultScoreWeights(), s.weights)
}

func TestSourceShares(t *testing.T) {
	assert.Nil(t, SourceShares(nil))

	a := record("10.0.0.1")
	a.Source = "alpha"
	b := record("10.0.0.2")
	b.Source = "alpha"
	c := record("10.0.0.3")
	c.Source = "beta"

	shares := SourceShares([]*model.ProxyRecord{a, b, c})
	assert.InDelta(t, 2.0/3.0, shares["alpha"], 1e-9)
	assert.InDelta(t, 1.0/3.0, shares["beta"], 1e-9)
}

func addr(i int) string {
	return fmt.Sprintf("10.0.1.%d", i)
}
