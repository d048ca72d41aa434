package canvaskit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-canvas-sync/backoff"
	syncErrors "github.com/c0deZ3R0/go-canvas-sync/errors"
	"github.com/c0deZ3R0/go-canvas-sync/logging"
)

// Duration is a time.Duration that reads and writes as a Go duration string
// ("250ms", "30s"). JSON numbers are taken as nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// BackoffConfig describes an exponential retry schedule.
type BackoffConfig struct {
	Initial    Duration `json:"initial" yaml:"initial"`
	Max        Duration `json:"max" yaml:"max"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
}

func (b BackoffConfig) Strategy() backoff.Exponential {
	return backoff.Exponential{
		InitialDelay: b.Initial.Std(),
		MaxDelay:     b.Max.Std(),
		Multiplier:   b.Multiplier,
	}
}

func (b BackoffConfig) validate(name string) error {
	switch {
	case b.Initial <= 0:
		return fmt.Errorf("%s.initial must be positive", name)
	case b.Max < b.Initial:
		return fmt.Errorf("%s.max must not be below %s.initial", name, name)
	case b.Multiplier < 1:
		return fmt.Errorf("%s.multiplier must be at least 1", name)
	}
	return nil
}

// PresenceConfig tunes the presence channel.
type PresenceConfig struct {
	Throttle  Duration `json:"throttle" yaml:"throttle"`
	Heartbeat Duration `json:"heartbeat" yaml:"heartbeat"`
	Window    Duration `json:"window" yaml:"window"`
}

// Config holds every engine tunable. Zero values are not defaults; start from
// DefaultConfig.
type Config struct {
	// AuthorID stamps local writes. Empty falls back to the presence user id, then
	// to a generated id.
	AuthorID string `json:"author_id,omitempty" yaml:"author_id,omitempty"`

	Debounce         Duration `json:"debounce" yaml:"debounce"`
	WriteTimeout     Duration `json:"write_timeout" yaml:"write_timeout"`
	LedgerTimeout    Duration `json:"ledger_timeout" yaml:"ledger_timeout"`
	LedgerStaleness  Duration `json:"ledger_staleness" yaml:"ledger_staleness"`
	ReconcileTimeout Duration `json:"reconcile_timeout" yaml:"reconcile_timeout"`

	Retry     BackoffConfig  `json:"retry" yaml:"retry"`
	Reconnect BackoffConfig  `json:"reconnect" yaml:"reconnect"`
	Presence  PresenceConfig `json:"presence" yaml:"presence"`

	Logging logging.Config `json:"logging" yaml:"logging"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Debounce:         Duration(100 * time.Millisecond),
		WriteTimeout:     Duration(10 * time.Second),
		LedgerTimeout:    Duration(10 * time.Second),
		LedgerStaleness:  Duration(30 * time.Second),
		ReconcileTimeout: Duration(30 * time.Second),
		Retry: BackoffConfig{
			Initial:    Duration(500 * time.Millisecond),
			Max:        Duration(30 * time.Second),
			Multiplier: 2,
		},
		Reconnect: BackoffConfig{
			Initial:    Duration(time.Second),
			Max:        Duration(30 * time.Second),
			Multiplier: 2,
		},
		Presence: PresenceConfig{
			Throttle:  Duration(50 * time.Millisecond),
			Heartbeat: Duration(10 * time.Second),
			Window:    Duration(30 * time.Second),
		},
		Logging: logging.DefaultConfig,
	}
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	check := func() error {
		positive := []struct {
			name string
			d    Duration
		}{
			{"debounce", c.Debounce},
			{"write_timeout", c.WriteTimeout},
			{"ledger_timeout", c.LedgerTimeout},
			{"ledger_staleness", c.LedgerStaleness},
			{"reconcile_timeout", c.ReconcileTimeout},
			{"presence.throttle", c.Presence.Throttle},
			{"presence.heartbeat", c.Presence.Heartbeat},
			{"presence.window", c.Presence.Window},
		}
		for _, p := range positive {
			if p.d <= 0 {
				return fmt.Errorf("%s must be positive", p.name)
			}
		}
		if c.LedgerStaleness < c.LedgerTimeout {
			return fmt.Errorf("ledger_staleness must not be below ledger_timeout")
		}
		if c.Presence.Heartbeat >= c.Presence.Window {
			return fmt.Errorf("presence.heartbeat must be shorter than presence.window")
		}
		if err := c.Retry.validate("retry"); err != nil {
			return err
		}
		return c.Reconnect.validate("reconnect")
	}
	if err := check(); err != nil {
		return syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindInvalid, err)
	}
	return nil
}

// LoadConfig reads a YAML or JSON file, chosen by extension, over DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindNotFound,
			fmt.Sprintf("failed to read config file %s", path), err)
	}
	return LoadConfigBytes(data, detectFormat(path))
}

// LoadConfigBytes parses data in the given format ("yaml", "yml" or "json") over
// DefaultConfig and validates the result.
func LoadConfigBytes(data []byte, format string) (Config, error) {
	cfg := DefaultConfig()
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindInvalid, "failed to parse YAML config", err)
		}
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindInvalid, "failed to parse JSON config", err)
		}
	default:
		return Config{}, syncErrors.E(syncErrors.OpConfig, component, syncErrors.KindInvalid,
			fmt.Sprintf("unsupported config format: %s", format))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}
