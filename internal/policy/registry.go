package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"condor/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// ModeParams holds the per-trigger-mode confirmation parameters.
type ModeParams struct {
	ConfirmConsecutive int               `mapstructure:"confirm_consecutive" yaml:"confirm_consecutive"`
	ConfirmRatio       float64           `mapstructure:"confirm_ratio" yaml:"confirm_ratio"`
	AllowPartialBar    bool              `mapstructure:"allow_partial_bar" yaml:"allow_partial_bar"`
	MissingData        MissingDataPolicy `mapstructure:"missing_data" yaml:"missing_data"`
}

// WindowParams maps an evaluation window onto its sampling granularity.
type WindowParams struct {
	BaseBar string `mapstructure:"base_bar" yaml:"base_bar"`
}

// MetricRule is one row of the compatibility matrix.
type MetricRule struct {
	Windows   []string `mapstructure:"windows" yaml:"windows"`
	Modes     []string `mapstructure:"modes" yaml:"modes"`
	Operators []string `mapstructure:"operators" yaml:"operators"`
}

// FileConfig maps the trigger-policy yaml document.
type FileConfig struct {
	Windows map[string]WindowParams `mapstructure:"windows" yaml:"windows"`
	Modes   map[string]ModeParams   `mapstructure:"modes" yaml:"modes"`
	Metrics map[string]MetricRule   `mapstructure:"metrics" yaml:"metrics"`
}

// Resolved is the evaluation policy for one (metric, mode, window) triple.
type Resolved struct {
	Mode               TriggerMode       `json:"mode"`
	Window             time.Duration     `json:"-"`
	WindowLabel        string            `json:"window"`
	BaseBar            time.Duration     `json:"-"`
	BaseBarLabel       string            `json:"base_bar"`
	ConfirmConsecutive int               `json:"confirm_consecutive,omitempty"`
	ConfirmRatio       float64           `json:"confirm_ratio,omitempty"`
	AllowPartialBar    bool              `json:"allow_partial_bar"`
	MissingData        MissingDataPolicy `json:"missing_data"`
}

// Snapshot is the immutable view handed to callers.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Config   FileConfig
}

// ChangeListener fires after a successful reload.
type ChangeListener func(Snapshot)

// Registry loads the trigger-policy file and serves compatibility lookups.
// With an empty path it runs on the built-in defaults.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry reads the policy file (or installs defaults) and watches for
// updates.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: strings.TrimSpace(path)}
	if r.path == "" {
		r.snapshot = Snapshot{Version: 1, LoadedAt: time.Now(), Config: defaultFileConfig()}
		return r, nil
	}
	v := viper.New()
	v.SetConfigFile(r.path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read trigger policy config failed: %w", err)
	}
	r.v = v
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("trigger policy reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// OnChange registers a reload listener.
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Snapshot returns the current policy set.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Resolve validates the (metric, mode, window, operator) combination against
// the compatibility matrix and returns the evaluation policy. A rejection is
// a configuration error in the caller's condition, not a transient failure.
func (r *Registry) Resolve(metric Metric, mode TriggerMode, window string, op Operator) (Resolved, error) {
	snap := r.Snapshot()
	cfg := snap.Config

	rule, ok := cfg.Metrics[string(metric)]
	if !ok {
		return Resolved{}, fmt.Errorf("unknown metric %q", metric)
	}
	if !containsFold(rule.Modes, string(mode)) {
		return Resolved{}, fmt.Errorf("metric %s does not allow trigger mode %s", metric, mode)
	}
	if !containsFold(rule.Operators, string(op)) {
		return Resolved{}, fmt.Errorf("metric %s does not allow operator %q", metric, op)
	}
	windowLabel := strings.ToLower(strings.TrimSpace(window))
	if !containsFold(rule.Windows, windowLabel) {
		return Resolved{}, fmt.Errorf("metric %s does not allow evaluation window %q", metric, window)
	}

	wp, ok := cfg.Windows[windowLabel]
	if !ok {
		return Resolved{}, fmt.Errorf("evaluation window %q not configured", window)
	}
	windowDur, ok := ParseWindow(windowLabel)
	if !ok {
		return Resolved{}, fmt.Errorf("invalid evaluation window %q", window)
	}
	barDur, ok := ParseWindow(wp.BaseBar)
	if !ok || barDur <= 0 {
		return Resolved{}, fmt.Errorf("invalid base bar %q for window %q", wp.BaseBar, window)
	}
	if barDur > windowDur {
		return Resolved{}, fmt.Errorf("base bar %q exceeds window %q", wp.BaseBar, window)
	}

	mp := cfg.Modes[string(mode)]
	res := Resolved{
		Mode:               mode,
		Window:             windowDur,
		WindowLabel:        windowLabel,
		BaseBar:            barDur,
		BaseBarLabel:       strings.ToLower(strings.TrimSpace(wp.BaseBar)),
		ConfirmConsecutive: mp.ConfirmConsecutive,
		ConfirmRatio:       mp.ConfirmRatio,
		AllowPartialBar:    mp.AllowPartialBar,
		MissingData:        mp.MissingData,
	}
	if res.MissingData == "" {
		res.MissingData = MissingWait
	}
	if mode.Confirm() {
		if res.ConfirmConsecutive <= 0 {
			res.ConfirmConsecutive = 1
		}
		if res.ConfirmRatio <= 0 || res.ConfirmRatio > 1 {
			res.ConfirmRatio = 1
		}
	}
	return res, nil
}

func (r *Registry) reload() error {
	cfg, err := readPolicyFile(r.path)
	if err != nil {
		return err
	}
	if err := validateAgainstSchema(r.v.AllSettings()); err != nil {
		return err
	}
	merged := defaultFileConfig()
	mergeFileConfig(&merged, cfg)
	if err := validateFileConfig(merged); err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Config:   merged,
	}
	r.mu.Unlock()
	logger.Infof("trigger policy loaded path=%s version=%d windows=%d metrics=%d",
		r.path, r.Snapshot().Version, len(merged.Windows), len(merged.Metrics))
	return nil
}

func readPolicyFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read trigger policy config failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse trigger policy failed: %w", err)
	}
	return cfg, nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	listeners := make([]ChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	snap := r.snapshot
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
}

func mergeFileConfig(dst *FileConfig, src FileConfig) {
	for k, v := range src.Windows {
		dst.Windows[strings.ToLower(strings.TrimSpace(k))] = v
	}
	for k, v := range src.Modes {
		dst.Modes[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	for k, v := range src.Metrics {
		dst.Metrics[strings.ToUpper(strings.TrimSpace(k))] = v
	}
}

func validateFileConfig(cfg FileConfig) error {
	for label, wp := range cfg.Windows {
		if _, ok := ParseWindow(label); !ok {
			return fmt.Errorf("invalid window label %q", label)
		}
		if _, ok := ParseWindow(wp.BaseBar); !ok {
			return fmt.Errorf("window %q has invalid base_bar %q", label, wp.BaseBar)
		}
	}
	for name, mp := range cfg.Modes {
		if mp.ConfirmRatio < 0 || mp.ConfirmRatio > 1 {
			return fmt.Errorf("mode %s confirm_ratio must be in [0,1]", name)
		}
		if mp.ConfirmConsecutive < 0 {
			return fmt.Errorf("mode %s confirm_consecutive must be >= 0", name)
		}
		switch mp.MissingData {
		case "", MissingWait, MissingFail:
		default:
			return fmt.Errorf("mode %s missing_data must be wait|fail", name)
		}
	}
	for name, rule := range cfg.Metrics {
		if len(rule.Windows) == 0 || len(rule.Modes) == 0 || len(rule.Operators) == 0 {
			return fmt.Errorf("metric %s rule must list windows, modes and operators", name)
		}
		for _, w := range rule.Windows {
			if _, ok := cfg.Windows[strings.ToLower(strings.TrimSpace(w))]; !ok {
				return fmt.Errorf("metric %s references unconfigured window %q", name, w)
			}
		}
	}
	return nil
}

const policySchema = `{
  "type": "object",
  "properties": {
    "windows": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {"base_bar": {"type": "string"}},
        "required": ["base_bar"]
      }
    },
    "modes": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "confirm_consecutive": {"type": "integer", "minimum": 0},
          "confirm_ratio": {"type": "number", "minimum": 0, "maximum": 1},
          "allow_partial_bar": {"type": "boolean"},
          "missing_data": {"type": "string", "enum": ["wait", "fail"]}
        }
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "windows": {"type": "array", "items": {"type": "string"}},
          "modes": {"type": "array", "items": {"type": "string"}},
          "operators": {"type": "array", "items": {"type": "string", "enum": [">=", "<="]}}
        }
      }
    }
  }
}`

var compiledPolicySchema = jsonschema.MustCompileString("trigger_policy.json", policySchema)

func validateAgainstSchema(settings map[string]any) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("trigger policy settings not serializable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := compiledPolicySchema.Validate(doc); err != nil {
		return fmt.Errorf("trigger policy schema violation: %w", err)
	}
	return nil
}

func containsFold(items []string, want string) bool {
	for _, item := range items {
		if strings.EqualFold(strings.TrimSpace(item), want) {
			return true
		}
	}
	return false
}
