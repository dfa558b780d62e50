package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.DB.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.HTTP.validate(); err != nil {
		return err
	}
	return nil
}

func (d *DBConfig) validate() error {
	if strings.TrimSpace(d.Path) == "" {
		return fmt.Errorf("db.path cannot be empty")
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if e.ScanIntervalSeconds <= 0 {
		return fmt.Errorf("engine.scan_interval_seconds must be > 0")
	}
	if e.WorkerCount <= 0 || e.WorkerCount > 64 {
		return fmt.Errorf("engine.worker_count must be in [1,64]")
	}
	if e.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be > 0")
	}
	if e.LockTTLSeconds < 5 {
		return fmt.Errorf("engine.lock_ttl_seconds must be >= 5")
	}
	if e.EventThrottleSeconds < 0 {
		return fmt.Errorf("engine.event_throttle_seconds must be >= 0")
	}
	if e.StopTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.stop_timeout_seconds must be > 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(m.Provider)) {
	case "binance", "none":
	default:
		return fmt.Errorf("market.provider only supports 'binance' or 'none', got %s", m.Provider)
	}
	if m.ReadinessTTLSeconds <= 0 {
		return fmt.Errorf("market.readiness_ttl_seconds must be > 0")
	}
	if (m.APIKey == "") != (m.APISecret == "") {
		return fmt.Errorf("market.api_key and market.api_secret must be set together")
	}
	return nil
}

func (h *HTTPConfig) validate() error {
	if h.Enabled && strings.TrimSpace(h.Addr) == "" {
		return fmt.Errorf("http.addr cannot be empty when http.enabled")
	}
	return nil
}
