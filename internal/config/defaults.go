package config

import "strings"

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogPath        = ""
	defaultDBPath            = "data/condor.db"
	defaultDBAuditPath       = "data/condor_audit.db"
	defaultScanInterval      = 5
	defaultWorkerCount       = 4
	defaultQueueSize         = 256
	defaultLockTTL           = 60
	defaultEventThrottle     = 300
	defaultStopTimeout       = 10
	defaultMarketProvider    = "binance"
	defaultMarketReadyTTL    = 15
	defaultMarketSeriesLimit = 500
	defaultHTTPAddr          = ":9982"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.DB.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (d *DBConfig) applyDefaults(keys keySet) {
	if d == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("db.path", &d.Path, defaultDBPath),
		stringFieldDefault("db.audit_path", &d.AuditPath, defaultDBAuditPath),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	if e == nil {
		return
	}
	applyFieldDefaults(keys,
		intFieldDefault("engine.scan_interval_seconds", &e.ScanIntervalSeconds, defaultScanInterval),
		intFieldDefault("engine.worker_count", &e.WorkerCount, defaultWorkerCount),
		intFieldDefault("engine.queue_size", &e.QueueSize, defaultQueueSize),
		intFieldDefault("engine.lock_ttl_seconds", &e.LockTTLSeconds, defaultLockTTL),
		intFieldDefault("engine.event_throttle_seconds", &e.EventThrottleSeconds, defaultEventThrottle),
		intFieldDefault("engine.stop_timeout_seconds", &e.StopTimeoutSeconds, defaultStopTimeout),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.provider", &m.Provider, defaultMarketProvider),
		intFieldDefault("market.readiness_ttl_seconds", &m.ReadinessTTLSeconds, defaultMarketReadyTTL),
		intFieldDefault("market.series_limit", &m.SeriesLimit, defaultMarketSeriesLimit),
	)
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	if h == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr),
	)
}

func applyFieldDefaults(keys keySet, defaults ...fieldDefault) {
	for _, d := range defaults {
		if keys.isSet(d.key) {
			continue
		}
		if d.need == nil || d.need() {
			d.apply()
		}
	}
}

func stringFieldDefault(key string, target *string, value string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = value },
	}
}

func intFieldDefault(key string, target *int, value int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = value },
	}
}
