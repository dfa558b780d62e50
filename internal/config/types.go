package config

import "strings"

// Config is the top-level configuration for the condor engine.
type Config struct {
	App    AppConfig    `toml:"app"`
	DB     DBConfig     `toml:"db"`
	Engine EngineConfig `toml:"engine"`
	Market MarketConfig `toml:"market"`
	HTTP   HTTPConfig   `toml:"http"`
	Policy PolicyConfig `toml:"policy"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

type DBConfig struct {
	Path string `toml:"path"`
	// AuditPath holds the append-only run/event history. A separate file keeps
	// log churn off the strategy table's WAL.
	AuditPath string `toml:"audit_path"`
}

// EngineConfig drives the scanner/worker scheduler and the lock protocol.
type EngineConfig struct {
	ScanIntervalSeconds  int `toml:"scan_interval_seconds"`
	WorkerCount          int `toml:"worker_count"`
	QueueSize            int `toml:"queue_size"`
	LockTTLSeconds       int `toml:"lock_ttl_seconds"`
	EventThrottleSeconds int `toml:"event_throttle_seconds"`
	StopTimeoutSeconds   int `toml:"stop_timeout_seconds"`
}

type MarketConfig struct {
	Provider            string `toml:"provider"` // "binance" | "none"
	Testnet             bool   `toml:"testnet"`
	ReadinessTTLSeconds int    `toml:"readiness_ttl_seconds"`
	SeriesLimit         int    `toml:"series_limit"`

	// Trading credentials. When absent, order dispatch runs in paper mode.
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type PolicyConfig struct {
	Path string `toml:"path"` // trigger policy yaml; empty = built-in defaults
}

// keySet tracks config paths explicitly present in the file, so defaults
// never clobber an explicit zero value.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault describes one default-value rule.
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
