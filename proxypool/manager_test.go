package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotaproxy/internal/shared/types"
	"rotaproxy/proxypool/checker"
	"rotaproxy/proxypool/discovery"
	"rotaproxy/proxypool/model"
	"rotaproxy/proxypool/selection"
)

// fakeValidator marks every record healthy unless its key is listed in
// fail. It records the batches it was handed.
type fakeValidator struct {
	mu      sync.Mutex
	batches [][]string
	fail    map[string]bool
	delay   time.Duration
}

func (f *fakeValidator) Validate(_ context.Context, records []*model.ProxyRecord) []checker.Result {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	keys := make([]string, 0, len(records))
	results := make([]checker.Result, 0, len(records))
	for _, rec := range records {
		keys = append(keys, rec.Key())
		res := checker.Result{Record: rec, Success: true, Latency: 50 * time.Millisecond, Anonymity: model.AnonymityElite}
		if f.fail[rec.Key()] {
			res = checker.Result{Record: rec, Success: false, Reason: "connection refused"}
		}
		results = append(results, res)
	}

	f.mu.Lock()
	f.batches = append(f.batches, keys)
	f.mu.Unlock()
	return results
}

func (f *fakeValidator) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func testConfig() *types.Config {
	return &types.Config{
		PoolConf: types.PoolConf{
			MinPoolSize:        0,
			MaxPoolSize:        100,
			Strategy:           "round_robin",
			BlacklistCeiling:   5,
			BlacklistGraceSec:  3600,
			MinSampleSize:      10,
			MinSuccessRate:     0.3,
			FreshnessWindowSec: 3600,
			StickySessionTTL:   300,
			CleanupIntervalSec: 3600,
		},
		DiscoveryConf: types.DiscoveryConf{IntervalMinutes: 60},
		CheckerConf:   types.CheckerConf{IntervalSeconds: 3600, TimeoutSeconds: 5, Concurrency: 4},
	}
}

func seedSource(entries ...string) discovery.Source {
	return discovery.NewStaticSource(&types.SourceProfile{
		Name:     "seed",
		Type:     "static",
		Active:   true,
		Protocol: "http",
		Entries:  entries,
	})
}

func startedManager(t *testing.T, cfg *types.Config, sources []discovery.Source, v Validator) *Manager {
	t.Helper()
	if v == nil {
		v = &fakeValidator{}
	}
	m := New(cfg, sources, v)
	require.NoError(t, m.Start())
	t.Cleanup(m.Shutdown)
	return m
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*types.Config)
	}{
		{"zero max pool size", func(c *types.Config) { c.MaxPoolSize = 0 }},
		{"max below min", func(c *types.Config) { c.MinPoolSize = 10; c.MaxPoolSize = 5 }},
		{"zero blacklist ceiling", func(c *types.Config) { c.BlacklistCeiling = 0 }},
		{"success rate above one", func(c *types.Config) { c.MinSuccessRate = 1.5 }},
		{"unknown strategy", func(c *types.Config) { c.Strategy = "coin-flip" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(cfg)

			m := New(cfg, nil, &fakeValidator{})
			err := m.Start()
			require.Error(t, err)

			var ce *ConfigError
			assert.ErrorAs(t, err, &ce)
			assert.Equal(t, StateStopped, m.State(), "a rejected start leaves the manager stopped")

			_, err = m.AcquireProxy(selection.Constraints{}, "")
			assert.ErrorIs(t, err, ErrNotRunning)
		})
	}
}

func TestStartSeedsAndValidatesPool(t *testing.T) {
	v := &fakeValidator{}
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")}, v)

	assert.Equal(t, StateRunning, m.State())
	snapshot := m.Snapshot()
	require.Len(t, snapshot, 3)
	for _, rec := range snapshot {
		assert.False(t, rec.LastChecked.IsZero(), "%s was validated during the seed pass", rec.Key())
		assert.Equal(t, 1, rec.SuccessCount)
	}
	assert.Equal(t, 1, v.batchCount(), "one seed validation batch")
}

// capturingValidator keeps the record pointers it was handed.
type capturingValidator struct {
	mu     sync.Mutex
	handed []*model.ProxyRecord
}

func (c *capturingValidator) Validate(_ context.Context, records []*model.ProxyRecord) []checker.Result {
	c.mu.Lock()
	c.handed = append(c.handed, records...)
	c.mu.Unlock()

	results := make([]checker.Result, 0, len(records))
	for _, rec := range records {
		results = append(results, checker.Result{Record: rec, Success: true, Latency: 50 * time.Millisecond, Anonymity: model.AnonymityElite})
	}
	return results
}

func (c *capturingValidator) handedRecords() []*model.ProxyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.ProxyRecord(nil), c.handed...)
}

func TestValidationBatchesAreSnapshots(t *testing.T) {
	v := &capturingValidator{}
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080")}, v)

	require.NoError(t, m.ImportProxies([]string{"10.0.0.9:8080"}, "http"))
	require.Eventually(t, func() bool {
		return len(v.handedRecords()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	// The validator probes without holding the pool lock, so it must
	// never share a record with the pool itself.
	m.mu.RLock()
	for _, got := range v.handedRecords() {
		pooled := m.records[got.Key()]
		require.NotNil(t, pooled, "handed record %s is pooled", got.Key())
		assert.NotSame(t, pooled, got, "the validator only sees copies of %s", got.Key())
	}
	m.mu.RUnlock()

	// The results still fold back into the pooled records by key.
	for _, snap := range m.Snapshot() {
		assert.Equal(t, 1, snap.SuccessCount, "%s absorbed its validation result", snap.Key())
	}
}

func TestAcquireRotatesAndReturnsSnapshots(t *testing.T) {
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")}, nil)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		rec, err := m.AcquireProxy(selection.Constraints{}, "")
		require.NoError(t, err)
		seen[rec.Key()] = true

		// The caller got a snapshot; scribbling on it must not leak into
		// the pool.
		rec.SuccessCount = 9999
	}
	assert.Len(t, seen, 3, "round robin visits every record")

	for _, rec := range m.Snapshot() {
		assert.NotEqual(t, 9999, rec.SuccessCount)
	}
}

func TestAcquireEmptyPoolIsTypedResult(t *testing.T) {
	m := startedManager(t, testConfig(), nil, nil)

	_, err := m.AcquireProxy(selection.Constraints{}, "")
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestAcquireUnsatisfiableConstraints(t *testing.T) {
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080")}, nil)

	_, err := m.AcquireProxy(selection.Constraints{Protocol: model.ProtocolSOCKS5}, "")
	assert.ErrorIs(t, err, ErrNoProxyAvailable)

	_, err = m.AcquireProxy(selection.Constraints{Country: "Atlantis"}, "")
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestConsecutiveFailuresBlacklist(t *testing.T) {
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080")}, nil)

	rec, err := m.AcquireProxy(selection.Constraints{}, "")
	require.NoError(t, err)
	bad := rec.Key()

	for i := 0; i < 5; i++ {
		m.ReportOutcome(bad, false, 0, "connection reset")
	}

	for _, snap := range m.Snapshot() {
		if snap.Key() == bad {
			assert.True(t, snap.Blacklisted)
			assert.False(t, snap.BlacklistedAt.IsZero())
		}
	}

	for i := 0; i < 20; i++ {
		got, err := m.AcquireProxy(selection.Constraints{}, "")
		require.NoError(t, err)
		assert.NotEqual(t, bad, got.Key(), "blacklisted records are never handed out")
	}
}

func TestStickySessionContinuity(t *testing.T) {
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")}, nil)

	first, err := m.AcquireProxy(selection.Constraints{}, "session-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := m.AcquireProxy(selection.Constraints{}, "session-1")
		require.NoError(t, err)
		assert.Equal(t, first.Key(), again.Key(), "the session stays on its record")
	}

	// Blacklist the bound record; the session must fail over, not error.
	for i := 0; i < 5; i++ {
		m.ReportOutcome(first.Key(), false, 0, "")
	}
	next, err := m.AcquireProxy(selection.Constraints{}, "session-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Key(), next.Key())

	// And the replacement sticks in turn.
	again, err := m.AcquireProxy(selection.Constraints{}, "session-1")
	require.NoError(t, err)
	assert.Equal(t, next.Key(), again.Key())
}

// recordingStrategy wraps another strategy and keeps the constraints it
// was asked to select with.
type recordingStrategy struct {
	inner selection.Strategy
	mu    sync.Mutex
	seen  []selection.Constraints
}

func (s *recordingStrategy) Name() string { return "recording" }

func (s *recordingStrategy) Select(candidates []*model.ProxyRecord, c selection.Constraints) *model.ProxyRecord {
	s.mu.Lock()
	s.seen = append(s.seen, c)
	s.mu.Unlock()
	return s.inner.Select(candidates, c)
}

func TestStickyFailoverCarriesLostBinding(t *testing.T) {
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")}, nil)

	first, err := m.AcquireProxy(selection.Constraints{}, "session-1")
	require.NoError(t, err)

	spy := &recordingStrategy{inner: m.strategy}
	m.mu.Lock()
	m.strategy = spy
	// Knock the bound record out so the fast path misses.
	m.records[first.Key()].Blacklisted = true
	m.mu.Unlock()

	next, err := m.AcquireProxy(selection.Constraints{}, "session-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.Key(), next.Key())

	spy.mu.Lock()
	defer spy.mu.Unlock()
	require.NotEmpty(t, spy.seen)
	assert.Equal(t, first.Key(), spy.seen[0].PreferredKey, "the rebind scores the lost record's continuity")
}

func TestAcquireReleaseAccounting(t *testing.T) {
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080")}, nil)

	rec, err := m.AcquireProxy(selection.Constraints{}, "")
	require.NoError(t, err)
	key := rec.Key()

	activeConns := func() int64 {
		for _, snap := range m.Snapshot() {
			if snap.Key() == key {
				return snap.ActiveConns
			}
		}
		return -1
	}

	assert.Equal(t, int64(1), activeConns())

	m.ReleaseProxy(key)
	assert.Equal(t, int64(0), activeConns())

	// Redundant release must not go negative.
	m.ReleaseProxy(key)
	assert.Equal(t, int64(0), activeConns())
}

func TestReportOutcomeUpdatesRollingMetrics(t *testing.T) {
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080")}, nil)

	rec, err := m.AcquireProxy(selection.Constraints{}, "")
	require.NoError(t, err)
	key := rec.Key()

	m.ReportOutcome(key, true, 120*time.Millisecond, "")

	for _, snap := range m.Snapshot() {
		if snap.Key() == key {
			assert.Equal(t, 2, snap.SuccessCount, "seed validation plus the report")
			assert.Equal(t, int64(0), snap.ActiveConns, "reporting releases the slot")
			assert.Greater(t, snap.AvgLatency, time.Duration(0))
		}
	}

	// Unknown keys are ignored, not fatal.
	m.ReportOutcome("10.9.9.9:1/http", true, time.Millisecond, "")
}

func TestDiscoveryCycleDeduplicates(t *testing.T) {
	v := &fakeValidator{}
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080")}, v)
	require.Equal(t, 2, m.poolSize())

	// A second cycle re-discovers the same endpoints; nothing is added
	// and nothing is re-validated.
	m.runDiscoveryCycle(context.Background())
	assert.Equal(t, 2, m.poolSize())
	assert.Equal(t, 1, v.batchCount())
}

func TestDrainingDiscardsDiscoveryResults(t *testing.T) {
	m := New(testConfig(), []discovery.Source{seedSource("10.0.0.1:8080")}, &fakeValidator{})
	m.state.Store(int32(StateDraining))

	m.runDiscoveryCycle(context.Background())
	assert.Equal(t, 0, m.poolSize(), "no records join a draining pool")
}

func TestImportProxies(t *testing.T) {
	m := startedManager(t, testConfig(), nil, nil)

	require.NoError(t, m.ImportProxies([]string{"10.0.0.9:8080", "definitely-broken", "10.0.0.9:8080"}, "http"))
	assert.Equal(t, 1, m.poolSize(), "malformed and duplicate entries are skipped")

	// The import validates in the background.
	require.Eventually(t, func() bool {
		for _, snap := range m.Snapshot() {
			if snap.Key() == "10.0.0.9:8080/http" && !snap.LastChecked.IsZero() {
				return snap.Source == "manual-import"
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, m.ImportProxies([]string{"10.0.0.1:8080"}, "carrier-pigeon"), "unknown protocol")
}

func TestTriggerValidation(t *testing.T) {
	v := &fakeValidator{}
	m := startedManager(t, testConfig(), []discovery.Source{seedSource("10.0.0.1:8080")}, v)

	assert.Error(t, m.TriggerValidation([]string{"10.9.9.9:1/http"}), "unknown keys are an error")

	require.NoError(t, m.TriggerValidation([]string{"10.0.0.1:8080/http"}))
	require.Eventually(t, func() bool {
		return v.batchCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownDrainsInFlightValidation(t *testing.T) {
	v := &fakeValidator{delay: 150 * time.Millisecond}
	m := New(testConfig(), []discovery.Source{seedSource("10.0.0.1:8080")}, v)
	require.NoError(t, m.Start())

	require.NoError(t, m.TriggerValidation([]string{"10.0.0.1:8080/http"}))
	m.Shutdown()

	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, 2, v.batchCount(), "the in-flight batch finished before Shutdown returned")

	_, err := m.AcquireProxy(selection.Constraints{}, "")
	assert.ErrorIs(t, err, ErrNotRunning)

	// Shutdown is idempotent.
	m.Shutdown()
}

func TestImportDuringShutdownIsRejected(t *testing.T) {
	v := &fakeValidator{delay: 5 * time.Millisecond}
	m := New(testConfig(), nil, v)
	require.NoError(t, m.Start())

	// Hammer the import path while Shutdown drains. A worker admitted
	// after the drain started would trip the WaitGroup.
	stopped := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			entry := fmt.Sprintf("10.1.%d.%d:8080", i/250%250, i%250+1)
			if err := m.ImportProxies([]string{entry}, "http"); err != nil {
				stopped <- err
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	m.Shutdown()

	assert.ErrorIs(t, <-stopped, ErrNotRunning)
	assert.Equal(t, StateStopped, m.State())
	assert.ErrorIs(t, m.TriggerValidation([]string{"10.1.0.1:8080/http"}), ErrNotRunning)
}

func TestFailedSeedValidationKeepsRecordsUnhealthy(t *testing.T) {
	cfg := testConfig()
	cfg.MinSampleSize = 1

	v := &fakeValidator{fail: map[string]bool{"10.0.0.2:8080/http": true}}
	m := startedManager(t, cfg, []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080")}, v)

	// The failed record has no fresh successful check; it stays out of
	// rotation until a later cycle rehabilitates it.
	for i := 0; i < 10; i++ {
		rec, err := m.AcquireProxy(selection.Constraints{}, "")
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1:8080/http", rec.Key())
	}
}

func TestCleanupRemovesBlacklistedAfterGrace(t *testing.T) {
	cfg := testConfig()
	cfg.BlacklistGraceSec = 0 // expire immediately
	m := startedManager(t, cfg, []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080")}, nil)

	for i := 0; i < 5; i++ {
		m.ReportOutcome("10.0.0.1:8080/http", false, 0, "")
	}
	require.Equal(t, 2, m.poolSize())

	m.runCleanup()
	assert.Equal(t, 1, m.poolSize(), "expired blacklist entries are removed")
}

func TestCleanupEvictsWorstWhenOverCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPoolSize = 2
	m := startedManager(t, cfg, []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")}, nil)

	// Make one record clearly the worst performer.
	for i := 0; i < 4; i++ {
		m.ReportOutcome("10.0.0.3:8080/http", false, 0, "")
	}

	m.runCleanup()
	assert.Equal(t, 2, m.poolSize())
	for _, snap := range m.Snapshot() {
		assert.NotEqual(t, "10.0.0.3:8080/http", snap.Key())
	}
}

func TestStatsAggregation(t *testing.T) {
	cfg := testConfig()
	cfg.MinSampleSize = 1

	v := &fakeValidator{fail: map[string]bool{"10.0.0.3:8080/http": true}}
	m := startedManager(t, cfg, []discovery.Source{seedSource("10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")}, v)

	for i := 0; i < 5; i++ {
		m.ReportOutcome("10.0.0.2:8080/http", false, 0, "")
	}

	stats := m.Stats()
	assert.Equal(t, 3, stats.TotalProxies)
	assert.Equal(t, 1, stats.HealthyCount)
	assert.Equal(t, 1, stats.UnhealthyCount, "failed seed validation")
	assert.Equal(t, 1, stats.BlacklistedCount)
	assert.Equal(t, 3, stats.ByProvider["seed"])
	assert.Equal(t, 3, stats.ByProtocol["http"])
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "draining", StateDraining.String())
}

func TestErrNoProxyAvailableIsDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrNoProxyAvailable, ErrNotRunning))
	var ce *ConfigError
	assert.False(t, errors.As(ErrNoProxyAvailable, &ce))
}
