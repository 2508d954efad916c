package types

// SourceProfile defines one discovery source. It is the core data
// structure of the configs/sources.json data file.
type SourceProfile struct {
	ID      string `json:"id"`     // unique identifier, generated on import
	Name    string `json:"name"`   // human readable name, used as the provider tag
	Type    string `json:"type"`   // "static", "text", "html", "api", "spys"
	Active  bool   `json:"active"` // inactive sources are skipped by the discovery loop
	URL     string `json:"url,omitempty"`
	Country string `json:"country,omitempty"`

	// Protocol is the protocol the source claims its entries speak
	// ("http", "https", "socks4", "socks5"). Sources that report the
	// protocol per entry may leave this empty.
	Protocol string `json:"protocol,omitempty"`

	// Entries is used by static sources only, "host:port" per element.
	Entries []string `json:"entries,omitempty"`

	// Optional credentials applied to every record from this source.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// APIKey is sent as a bearer token by API sources.
	APIKey string `json:"apiKey,omitempty"`
}

// PoolConf contains the pool sizing and health classification knobs.
type PoolConf struct {
	MinPoolSize        int     `ini:"min_pool_size"`
	MaxPoolSize        int     `ini:"max_pool_size"`
	Strategy           string  `ini:"strategy"`
	BlacklistCeiling   int     `ini:"blacklist_ceiling"`
	BlacklistGraceSec  int     `ini:"blacklist_grace_sec"`
	MinSampleSize      int     `ini:"min_sample_size"`
	MinSuccessRate     float64 `ini:"min_success_rate"`
	FreshnessWindowSec int     `ini:"freshness_window_sec"`
	StickySessionTTL   int     `ini:"sticky_session_ttl"` // seconds
	CleanupIntervalSec int     `ini:"cleanup_interval_sec"`
}

// DiscoveryConf contains the discovery loop configuration.
type DiscoveryConf struct {
	IntervalMinutes int `ini:"interval_minutes"`
}

// CheckerConf contains the health check loop configuration.
type CheckerConf struct {
	IntervalSeconds int  `ini:"interval_seconds"`
	TimeoutSeconds  int  `ini:"timeout_seconds"`
	Concurrency     int  `ini:"concurrency"`
	GeoLookup       bool `ini:"geo_lookup"`
}

// ScoreConf holds the tunable weights of the composite selection score.
type ScoreConf struct {
	Performance float64 `ini:"performance"`
	Geography   float64 `ini:"geography"`
	Freshness   float64 `ini:"freshness"`
	Diversity   float64 `ini:"diversity"`
	Affinity    float64 `ini:"affinity"`
}

// WebConf contains the observability web server configuration.
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// LogConf contains logging specific configuration.
type LogConf struct {
	Level string `ini:"level"`
}

// Config is the unified behavior configuration of the engine.
type Config struct {
	PoolConf      `ini:"pool"`
	DiscoveryConf `ini:"discovery"`
	CheckerConf   `ini:"checker"`
	ScoreConf     `ini:"score"`
	WebConf       `ini:"web"`
	LogConf       `ini:"log"`
}
