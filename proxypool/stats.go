package manager

import "time"

// Stats is the aggregate pool snapshot exposed to observability tooling.
type Stats struct {
	TotalProxies         int            `json:"total_proxies"`
	HealthyCount         int            `json:"healthy_count"`
	UnhealthyCount       int            `json:"unhealthy_count"`
	BlacklistedCount     int            `json:"blacklisted_count"`
	ByCountry            map[string]int `json:"by_country"`
	ByProvider           map[string]int `json:"by_provider"`
	ByProtocol           map[string]int `json:"by_protocol"`
	AvgResponseTimeMs    float64        `json:"avg_response_time_ms"`
	AvgSuccessRate       float64        `json:"avg_success_rate"`
	ActiveStickySessions int            `json:"active_sticky_sessions"`
}

// Stats aggregates the current pool state under a read lock.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := Stats{
		ByCountry:  make(map[string]int),
		ByProvider: make(map[string]int),
		ByProtocol: make(map[string]int),
	}

	var latencySum float64
	var latencyCount int
	var rateSum float64
	var rateCount int

	for _, rec := range m.records {
		stats.TotalProxies++
		switch {
		case rec.Blacklisted:
			stats.BlacklistedCount++
		case rec.Healthy(m.thresholds, now):
			stats.HealthyCount++
		default:
			stats.UnhealthyCount++
		}

		if rec.Country != "" {
			stats.ByCountry[rec.Country]++
		}
		stats.ByProvider[rec.Source]++
		stats.ByProtocol[string(rec.Protocol)]++

		if rec.AvgLatency > 0 {
			latencySum += float64(rec.AvgLatency.Milliseconds())
			latencyCount++
		}
		if rec.TotalAttempts() > 0 {
			rateSum += rec.SuccessRate()
			rateCount++
		}
	}

	if latencyCount > 0 {
		stats.AvgResponseTimeMs = latencySum / float64(latencyCount)
	}
	if rateCount > 0 {
		stats.AvgSuccessRate = rateSum / float64(rateCount)
	}
	stats.ActiveStickySessions = m.sticky.Count()

	return stats
}
