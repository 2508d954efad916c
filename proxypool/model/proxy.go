package model

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Protocol is the wire protocol spoken by a proxy endpoint.
type Protocol string

const (
	ProtocolHTTP   Protocol = "http"
	ProtocolHTTPS  Protocol = "https"
	ProtocolSOCKS4 Protocol = "socks4"
	ProtocolSOCKS5 Protocol = "socks5"
)

// ParseProtocol normalizes a protocol string scraped from a source.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "":
		return ProtocolHTTP, nil
	case "https":
		return ProtocolHTTPS, nil
	case "socks4":
		return ProtocolSOCKS4, nil
	case "socks5", "socks":
		return ProtocolSOCKS5, nil
	default:
		return "", fmt.Errorf("unknown proxy protocol: %q", s)
	}
}

// Scheme returns the URL scheme used when dialing through the proxy.
func (p Protocol) Scheme() string {
	return string(p)
}

// AnonymityLevel classifies how much a proxy reveals about the original
// client. See https://docs.proxymesh.com/article/78-proxy-anonymity-levels
type AnonymityLevel int

const (
	AnonymityUnknown AnonymityLevel = iota
	AnonymityTransparent
	AnonymityAnonymous
	AnonymityElite
)

func (a AnonymityLevel) String() string {
	switch a {
	case AnonymityTransparent:
		return "transparent"
	case AnonymityAnonymous:
		return "anonymous"
	case AnonymityElite:
		return "elite"
	default:
		return "unknown"
	}
}

// latencyAlpha is the smoothing factor of the rolling latency average.
const latencyAlpha = 0.3

// HealthThresholds are the knobs used to classify a record as healthy.
type HealthThresholds struct {
	MaxConsecutiveFailures int
	MinSuccessRate         float64
	MinSamples             int
	FreshnessWindow        time.Duration
}

// ProxyRecord is the complete description of one upstream proxy endpoint
// and its observed performance. The (Host, Port, Protocol) triple is the
// identity; everything else is metadata or mutable state.
//
// Mutable fields are only ever touched by the pool manager while holding
// its lock. Components that read records outside the manager work on
// snapshots.
type ProxyRecord struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Protocol Protocol `json:"protocol"`

	// Metadata, refreshed on re-discovery and validation.
	Source    string         `json:"source"`
	Country   string         `json:"country,omitempty"`
	Region    string         `json:"region,omitempty"`
	City      string         `json:"city,omitempty"`
	Anonymity AnonymityLevel `json:"anonymity"`
	Username  string         `json:"username,omitempty"`
	Password  string         `json:"-"`

	// Performance state.
	AvgLatency          time.Duration `json:"avg_latency"`
	SuccessCount        int           `json:"success_count"`
	FailureCount        int           `json:"failure_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ActiveConns         int64         `json:"active_conns"`
	LastUsed            time.Time     `json:"last_used"`
	LastChecked         time.Time     `json:"last_checked"`
	FirstSeen           time.Time     `json:"first_seen"`

	Blacklisted   bool      `json:"blacklisted"`
	BlacklistedAt time.Time `json:"blacklisted_at,omitempty"`
}

// Key returns the unique identity of the record.
func (p *ProxyRecord) Key() string {
	return fmt.Sprintf("%s:%d/%s", p.Host, p.Port, p.Protocol)
}

// Addr returns the dialable "host:port" of the endpoint.
func (p *ProxyRecord) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// ProxyURL formats the record as scheme://[user:pass@]host:port for
// consumption by request executors.
func (p *ProxyRecord) ProxyURL() string {
	u := url.URL{
		Scheme: p.Protocol.Scheme(),
		Host:   p.Addr(),
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// TotalAttempts returns the number of recorded outcomes.
func (p *ProxyRecord) TotalAttempts() int {
	return p.SuccessCount + p.FailureCount
}

// SuccessRate is always derived from the counters, never stored, so it
// cannot drift from them. Zero attempts yield 0.
func (p *ProxyRecord) SuccessRate() float64 {
	total := p.TotalAttempts()
	if total == 0 {
		return 0
	}
	return float64(p.SuccessCount) / float64(total)
}

// RecordSuccess folds one successful outcome into the rolling metrics.
func (p *ProxyRecord) RecordSuccess(latency time.Duration) {
	p.SuccessCount++
	p.ConsecutiveFailures = 0
	if latency > 0 {
		if p.AvgLatency == 0 {
			p.AvgLatency = latency
		} else {
			p.AvgLatency = time.Duration(float64(p.AvgLatency)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
		}
	}
}

// RecordFailure folds one failed outcome into the rolling metrics.
func (p *ProxyRecord) RecordFailure() {
	p.FailureCount++
	p.ConsecutiveFailures++
}

// Healthy reports whether the record may be handed out to callers.
// A record is healthy while its consecutive failures stay below the
// threshold, its success rate holds up once enough samples exist, and its
// last validation falls inside the freshness window.
func (p *ProxyRecord) Healthy(t HealthThresholds, now time.Time) bool {
	if p.Blacklisted {
		return false
	}
	if t.MaxConsecutiveFailures > 0 && p.ConsecutiveFailures >= t.MaxConsecutiveFailures {
		return false
	}
	if t.MinSamples > 0 && p.TotalAttempts() >= t.MinSamples && p.SuccessRate() < t.MinSuccessRate {
		return false
	}
	if t.FreshnessWindow > 0 {
		if p.LastChecked.IsZero() || now.Sub(p.LastChecked) > t.FreshnessWindow {
			return false
		}
	}
	return true
}

// MergeFrom refreshes the descriptive metadata of the record from a
// re-discovered duplicate. Identity and performance state are untouched.
func (p *ProxyRecord) MergeFrom(other *ProxyRecord) {
	if other.Source != "" {
		p.Source = other.Source
	}
	if other.Country != "" {
		p.Country = other.Country
	}
	if other.Region != "" {
		p.Region = other.Region
	}
	if other.City != "" {
		p.City = other.City
	}
	if other.Username != "" {
		p.Username = other.Username
		p.Password = other.Password
	}
}

// Clone returns a copy of the record, used for read snapshots that leave
// the manager's lock.
func (p *ProxyRecord) Clone() *ProxyRecord {
	c := *p
	return &c
}
