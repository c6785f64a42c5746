package reconcile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so tuning files can say "500ms" or "24h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config carries the reconciler tuning knobs. The defaults are inherited
// heuristics, not correctness constraints; all of them are overridable from
// the YAML tuning file.
type Config struct {
	// SignificanceThreshold is the minimum profit delta that justifies a
	// ledger write. Deltas under it are treated as noise.
	SignificanceThreshold float64 `yaml:"significance_threshold"`

	// OrderSyncPeriod drives the order reconciler tick.
	OrderSyncPeriod Duration `yaml:"order_sync_period"`

	// CycleSyncPeriod drives the cycle aggregate tick; it is longer than
	// the order period because cycles change more slowly.
	CycleSyncPeriod Duration `yaml:"cycle_sync_period"`

	// ValidationPeriod drives the integrity/reopen pass.
	ValidationPeriod Duration `yaml:"validation_period"`

	// RepairWindow bounds how far back closed cycles are re-checked for
	// incorrect closure. Outside the window a closed cycle is immutable.
	RepairWindow Duration `yaml:"repair_window"`

	// Venue fetch retry policy (per tick).
	VenueRetryAttempts int      `yaml:"venue_retry_attempts"`
	VenueRetryBackoff  Duration `yaml:"venue_retry_backoff"`

	// RestartThreshold is the consecutive-failure count after which the
	// supervisor restarts a reconciler with fresh state.
	RestartThreshold int `yaml:"restart_threshold"`

	// ShutdownGrace bounds how long a reconciler may take to finish or
	// abandon its current tick on cancellation.
	ShutdownGrace Duration `yaml:"shutdown_grace"`
}

// DefaultConfig returns the engine's built-in tuning.
func DefaultConfig() Config {
	return Config{
		SignificanceThreshold: 0.01,
		OrderSyncPeriod:       Duration(500 * time.Millisecond),
		CycleSyncPeriod:       Duration(time.Second),
		ValidationPeriod:      Duration(30 * time.Second),
		RepairWindow:          Duration(24 * time.Hour),
		VenueRetryAttempts:    3,
		VenueRetryBackoff:     Duration(250 * time.Millisecond),
		RestartThreshold:      5,
		ShutdownGrace:         Duration(5 * time.Second),
	}
}

// LoadConfig reads the YAML tuning file at path, applying defaults for any
// missing knob. A missing file is not an error; the defaults stand.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read reconciler config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse reconciler config: %w", err)
	}

	def := DefaultConfig()
	if cfg.SignificanceThreshold <= 0 {
		cfg.SignificanceThreshold = def.SignificanceThreshold
	}
	if cfg.VenueRetryAttempts <= 0 {
		cfg.VenueRetryAttempts = def.VenueRetryAttempts
	}
	if cfg.RestartThreshold <= 0 {
		cfg.RestartThreshold = def.RestartThreshold
	}
	// Non-positive periods would panic in time.NewTicker.
	if cfg.OrderSyncPeriod <= 0 {
		cfg.OrderSyncPeriod = def.OrderSyncPeriod
	}
	if cfg.CycleSyncPeriod <= 0 {
		cfg.CycleSyncPeriod = def.CycleSyncPeriod
	}
	if cfg.ValidationPeriod <= 0 {
		cfg.ValidationPeriod = def.ValidationPeriod
	}
	if cfg.RepairWindow <= 0 {
		cfg.RepairWindow = def.RepairWindow
	}
	if cfg.VenueRetryBackoff <= 0 {
		cfg.VenueRetryBackoff = def.VenueRetryBackoff
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return cfg, nil
}
