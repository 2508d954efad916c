package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"rotaproxy/internal/metrics"
	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
	"rotaproxy/proxypool/checker"
	"rotaproxy/proxypool/discovery"
	"rotaproxy/proxypool/model"
	"rotaproxy/proxypool/selection"
)

// State is the lifecycle state of the pool as a whole.
type State int32

const (
	StateStopped State = iota
	StateInitializing
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	default:
		return "stopped"
	}
}

// Validator abstracts the health checker so it can be stubbed in tests.
type Validator interface {
	Validate(ctx context.Context, records []*model.ProxyRecord) []checker.Result
}

// Manager owns the authoritative in-memory pool. It is the only
// component that mutates shared state; discovery and validation feed it,
// selection reads consistent snapshots taken under its lock.
type Manager struct {
	cfg        *types.Config
	sources    []discovery.Source
	validator  Validator
	strategy   selection.Strategy
	weights    selection.ScoreWeights
	thresholds model.HealthThresholds

	mu      sync.RWMutex
	records map[string]*model.ProxyRecord

	sticky  *StickyManager
	metrics *metrics.Collector

	state atomic.Int32
	// lifecycleMu orders state transitions against wg.Add, so a worker
	// can never be added once Shutdown has started waiting.
	lifecycleMu  sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	discoverKick chan struct{}
}

// New creates a pool manager. Configuration is validated at Start.
func New(cfg *types.Config, sources []discovery.Source, validator Validator) *Manager {
	weights := selection.ScoreWeights{
		Performance: cfg.ScoreConf.Performance,
		Geography:   cfg.ScoreConf.Geography,
		Freshness:   cfg.ScoreConf.Freshness,
		Diversity:   cfg.ScoreConf.Diversity,
		Affinity:    cfg.ScoreConf.Affinity,
	}
	if weights == (selection.ScoreWeights{}) {
		// Scoring also drives cleanup eviction, so the weights need a
		// sane value even when the strategy is not composite.
		weights = selection.DefaultScoreWeights()
	}
	return &Manager{
		cfg:          cfg,
		sources:      sources,
		validator:    validator,
		weights:      weights,
		records:      make(map[string]*model.ProxyRecord),
		sticky:       NewStickyManager(time.Duration(cfg.PoolConf.StickySessionTTL) * time.Second),
		discoverKick: make(chan struct{}, 1),
	}
}

// SetMetricsCollector attaches an optional Prometheus collector. Must be
// called before Start.
func (m *Manager) SetMetricsCollector(col *metrics.Collector) {
	m.metrics = col
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Start validates the configuration, seeds the pool with one synchronous
// discovery and validation pass, and launches the background loops.
// Configuration problems are the only errors it returns.
func (m *Manager) Start() error {
	if !m.state.CompareAndSwap(int32(StateStopped), int32(StateInitializing)) {
		return &ConfigError{Field: "lifecycle", Reason: "manager already started"}
	}

	if err := m.validateConfig(); err != nil {
		m.state.Store(int32(StateStopped))
		return err
	}

	strategy, err := selection.New(m.cfg.PoolConf.Strategy, m.weights)
	if err != nil {
		m.state.Store(int32(StateStopped))
		return &ConfigError{Field: "pool.strategy", Reason: err.Error()}
	}
	m.strategy = strategy

	m.thresholds = model.HealthThresholds{
		MaxConsecutiveFailures: m.cfg.PoolConf.BlacklistCeiling,
		MinSuccessRate:         m.cfg.PoolConf.MinSuccessRate,
		MinSamples:             m.cfg.PoolConf.MinSampleSize,
		FreshnessWindow:        time.Duration(m.cfg.PoolConf.FreshnessWindowSec) * time.Second,
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())

	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Str("strategy", m.strategy.Name()).Msg("Manager starting, seeding pool...")

	// Seed pass runs synchronously so callers see a usable pool once
	// Start returns.
	m.runDiscoveryCycle(m.ctx)

	m.lifecycleMu.Lock()
	if m.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		m.sticky.Start()
		m.wg.Add(3)
		go m.discoveryLoop()
		go m.healthLoop()
		go m.cleanupLoop()
	}
	m.lifecycleMu.Unlock()

	l.Info().Int("pool_size", m.poolSize()).Msg("Manager running.")
	return nil
}

// Shutdown drains the manager: both loops are cancelled and in-flight
// validation batches are waited for. Records are applied atomically per
// record, so cancellation only loses not-yet-finished probes.
func (m *Manager) Shutdown() {
	m.lifecycleMu.Lock()
	swapped := m.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) ||
		m.state.CompareAndSwap(int32(StateInitializing), int32(StateDraining))
	m.lifecycleMu.Unlock()
	if !swapped {
		return
	}

	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Manager draining...")

	m.cancel()
	m.wg.Wait()
	m.sticky.Stop()

	m.state.Store(int32(StateStopped))
	l.Info().Msg("Manager stopped.")
}

func (m *Manager) validateConfig() error {
	pc := m.cfg.PoolConf
	if pc.MinPoolSize < 0 {
		return &ConfigError{Field: "pool.min_pool_size", Reason: "must not be negative"}
	}
	if pc.MaxPoolSize <= 0 {
		return &ConfigError{Field: "pool.max_pool_size", Reason: "must be positive"}
	}
	if pc.MaxPoolSize < pc.MinPoolSize {
		return &ConfigError{Field: "pool.max_pool_size", Reason: "must not be below min_pool_size"}
	}
	if pc.BlacklistCeiling <= 0 {
		return &ConfigError{Field: "pool.blacklist_ceiling", Reason: "must be positive"}
	}
	if pc.MinSuccessRate < 0 || pc.MinSuccessRate > 1 {
		return &ConfigError{Field: "pool.min_success_rate", Reason: "must be within [0, 1]"}
	}
	return nil
}

// AcquireProxy hands out the best available record under the configured
// strategy. The returned record is a snapshot; callers report outcomes
// by key. A sessionID binds the caller to the chosen record for
// follow-up calls until the record turns unhealthy.
func (m *Manager) AcquireProxy(c selection.Constraints, sessionID string) (*model.ProxyRecord, error) {
	if m.State() != StateRunning {
		return nil, ErrNotRunning
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	// Sticky fast path.
	if key, ok := m.sticky.Get(sessionID); ok {
		if rec, exists := m.records[key]; exists && rec.Healthy(m.thresholds, now) && c.Matches(rec) {
			rec.ActiveConns++
			rec.LastUsed = now
			m.metrics.RecordAcquire("sticky_hit")
			return rec.Clone(), nil
		}
		// The bound record is gone or no longer usable. Bias scoring
		// toward it anyway so a recovered record wins the rebind.
		c.PreferredKey = key
		m.sticky.Delete(sessionID)
	}

	candidates := m.candidatesLocked(c, now)
	if len(candidates) == 0 {
		m.kickDiscovery()
		m.metrics.RecordAcquire("exhausted")
		return nil, ErrNoProxyAvailable
	}

	picked := m.strategy.Select(candidates, c)
	if picked == nil {
		m.metrics.RecordAcquire("exhausted")
		return nil, ErrNoProxyAvailable
	}

	picked.ActiveConns++
	picked.LastUsed = now
	if sessionID != "" {
		m.sticky.Set(sessionID, picked.Key())
	}
	m.metrics.RecordAcquire("hit")
	return picked.Clone(), nil
}

// ReleaseProxy decrements the active connection count of a record
// without reporting an outcome, for callers that abandoned the request.
func (m *Manager) ReleaseProxy(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[key]; ok && rec.ActiveConns > 0 {
		rec.ActiveConns--
	}
}

// ReportOutcome records the result of a caller's request through the
// proxy. It releases the connection slot, updates the rolling metrics,
// and blacklists the record the moment the consecutive failure ceiling
// is crossed.
func (m *Manager) ReportOutcome(key string, success bool, latency time.Duration, errStr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return
	}
	if rec.ActiveConns > 0 {
		rec.ActiveConns--
	}

	if success {
		rec.RecordSuccess(latency)
		return
	}

	rec.RecordFailure()
	if errStr != "" {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Debug().Str("proxy", key).Str("error", errStr).Msg("Outcome reported as failure.")
	}
	m.blacklistIfDueLocked(rec)
}

// blacklistIfDueLocked transitions a record to blacklisted once its
// consecutive failures cross the ceiling. Must be called under m.mu.
func (m *Manager) blacklistIfDueLocked(rec *model.ProxyRecord) {
	if rec.Blacklisted || rec.ConsecutiveFailures < m.cfg.PoolConf.BlacklistCeiling {
		return
	}
	rec.Blacklisted = true
	rec.BlacklistedAt = time.Now()
	m.sticky.InvalidateKey(rec.Key())
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().
		Str("proxy", rec.Key()).
		Int("consecutive_failures", rec.ConsecutiveFailures).
		Msg("Proxy blacklisted.")
}

// candidatesLocked returns the healthy candidates matching c in
// insertion order. Must be called under m.mu.
func (m *Manager) candidatesLocked(c selection.Constraints, now time.Time) []*model.ProxyRecord {
	candidates := make([]*model.ProxyRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.Healthy(m.thresholds, now) && c.Matches(rec) {
			candidates = append(candidates, rec)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].FirstSeen.Equal(candidates[j].FirstSeen) {
			return candidates[i].FirstSeen.Before(candidates[j].FirstSeen)
		}
		return candidates[i].Key() < candidates[j].Key()
	})
	return candidates
}

// Snapshot returns clones of all records, most recently checked first.
func (m *Manager) Snapshot() []*model.ProxyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.ProxyRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastChecked.After(out[j].LastChecked)
	})
	return out
}

func (m *Manager) poolSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Manager) healthyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	count := 0
	for _, rec := range m.records {
		if rec.Healthy(m.thresholds, now) {
			count++
		}
	}
	return count
}

// addWorker registers one background worker with the drain WaitGroup.
// It fails once the manager is no longer Running, so no worker can be
// added after Shutdown started waiting.
func (m *Manager) addWorker() bool {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.State() != StateRunning {
		return false
	}
	m.wg.Add(1)
	return true
}

// kickDiscovery requests an out-of-band discovery pass. Non-blocking; a
// pending kick is enough.
func (m *Manager) kickDiscovery() {
	select {
	case m.discoverKick <- struct{}{}:
	default:
	}
}

func (m *Manager) discoveryLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.DiscoveryConf.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runDiscoveryCycle(m.ctx)
		case <-m.discoverKick:
			m.runDiscoveryCycle(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.CheckerConf.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runHealthCycle(m.ctx)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	interval := time.Duration(m.cfg.PoolConf.CleanupIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.ctx.Done():
			return
		}
	}
}

// runDiscoveryCycle fetches all sources, merges new records into the
// pool, and validates the newcomers. Re-discovered records only refresh
// their metadata.
func (m *Manager) runDiscoveryCycle(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Msg("Starting discovery cycle...")

	// Per-source failures are logged inside Discover and are non-fatal.
	discovered, _ := discovery.Discover(ctx, m.sources)

	if m.State() == StateDraining {
		return
	}

	newRecords := make([]*model.ProxyRecord, 0)
	m.mu.Lock()
	for _, rec := range discovered {
		key := rec.Key()
		if existing, ok := m.records[key]; ok {
			existing.MergeFrom(rec)
			continue
		}
		m.records[key] = rec
		// Once a record is in the map it belongs to the pool; the
		// validation batch gets a clone.
		newRecords = append(newRecords, rec.Clone())
	}
	m.mu.Unlock()

	if len(newRecords) == 0 {
		l.Info().Msg("No new proxies found in this cycle.")
		m.publishGauges()
		return
	}

	l.Info().Int("count", len(newRecords)).Msg("Found new proxies, validating...")
	results := m.validator.Validate(ctx, newRecords)
	m.applyResults(results)
	m.publishGauges()
}

// runHealthCycle re-validates the whole pool in concurrency-bounded
// batches and folds the results back in.
func (m *Manager) runHealthCycle(ctx context.Context) {
	// The validator probes outside the lock, so it only ever sees
	// clones; results are folded back in by key.
	m.mu.RLock()
	batch := make([]*model.ProxyRecord, 0, len(m.records))
	for _, rec := range m.records {
		if !rec.Blacklisted {
			batch = append(batch, rec.Clone())
		}
	}
	m.mu.RUnlock()

	if len(batch) == 0 {
		return
	}

	results := m.validator.Validate(ctx, batch)
	m.applyResults(results)
	m.publishGauges()
}

// applyResults folds validation results into the pool. Each record is
// updated exactly once per result, under the lock, so a cancelled batch
// can never leave a record half-updated.
func (m *Manager) applyResults(results []checker.Result) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, res := range results {
		if res.Reason == "cancelled" {
			// The probe never ran; leave the record as it was.
			continue
		}
		rec, ok := m.records[res.Record.Key()]
		if !ok {
			continue
		}
		rec.LastChecked = now
		if res.Success {
			rec.RecordSuccess(res.Latency)
			if res.Anonymity != model.AnonymityUnknown {
				rec.Anonymity = res.Anonymity
			}
			if res.Country != "" {
				rec.Country = res.Country
				rec.Region = res.Region
				rec.City = res.City
			}
		} else {
			rec.RecordFailure()
			m.blacklistIfDueLocked(rec)
		}
		m.metrics.ObserveProbe(res.Success, res.Latency)
	}
}

// runCleanup removes expired blacklisted records, evicts the worst
// performers when the pool outgrows its cap, and kicks discovery when
// the healthy set runs low.
func (m *Manager) runCleanup() {
	l := logger.WithComponent("ProxyPool/Manager")
	grace := time.Duration(m.cfg.PoolConf.BlacklistGraceSec) * time.Second
	now := time.Now()

	m.mu.Lock()

	removed := 0
	for key, rec := range m.records {
		if rec.Blacklisted && now.Sub(rec.BlacklistedAt) >= grace {
			delete(m.records, key)
			removed++
		}
	}

	healthy := m.candidatesLocked(selection.Constraints{}, now)
	evicted := 0
	if over := len(healthy) - m.cfg.PoolConf.MaxPoolSize; over > 0 {
		shares := selection.SourceShares(healthy)
		sort.Slice(healthy, func(i, j int) bool {
			si := selection.Score(healthy[i], selection.Constraints{}, m.weights, shares, now)
			sj := selection.Score(healthy[j], selection.Constraints{}, m.weights, shares, now)
			return si < sj
		})
		for _, rec := range healthy[:over] {
			m.sticky.InvalidateKey(rec.Key())
			delete(m.records, rec.Key())
			evicted++
		}
	}

	healthyLeft := 0
	for _, rec := range m.records {
		if rec.Healthy(m.thresholds, now) {
			healthyLeft++
		}
	}
	m.mu.Unlock()

	if removed > 0 || evicted > 0 {
		l.Info().Int("blacklist_removed", removed).Int("evicted", evicted).Msg("Cleanup pass finished.")
	}

	if healthyLeft < m.cfg.PoolConf.MinPoolSize {
		l.Info().Int("healthy", healthyLeft).Int("min_pool_size", m.cfg.PoolConf.MinPoolSize).Msg("Healthy pool below minimum, triggering discovery.")
		m.kickDiscovery()
	}
	m.publishGauges()
}

// publishGauges pushes the pool composition to the metrics collector.
func (m *Manager) publishGauges() {
	if m.metrics == nil {
		return
	}
	stats := m.Stats()
	m.metrics.SetPoolCounts(stats.TotalProxies, stats.HealthyCount, stats.UnhealthyCount, stats.BlacklistedCount, stats.ActiveStickySessions)
}
