// Package config loads and live-reloads the scheduler's tunables from
// a TOML file (ambient concern; spec names the tunables, not their
// storage format). No teacher analogue reaches for a config file —
// the teacher takes everything as cobra flags — so this package is
// built in the idiom of the pack's TOML consumer instead, per
// SPEC_FULL.md's Ambient Stack choice of a TOML file for settings
// that change across restarts without a redeploy.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/clusterforge/scheduler/pkg/log"
)

// Config holds every tunable named across the spec. Durations are
// parsed from TOML as strings (e.g. "30s") via UnmarshalText.
type Config struct {
	Master MasterConfig `toml:"master"`

	FairShareUpdatePeriod       Duration `toml:"fair_share_update_period"`
	ScheduleJobsTimeout         Duration `toml:"schedule_jobs_timeout"`
	ScheduleJobsPerRequestTimeout Duration `toml:"schedule_jobs_per_request_timeout"`
	PreemptiveSchedulingBackoff Duration `toml:"preemptive_scheduling_backoff"`

	NodeShardCount       int      `toml:"node_shard_count"`
	NodeHeartbeatTimeout Duration `toml:"node_heartbeat_timeout"`
	NodeOfflineTimeout   Duration `toml:"node_offline_timeout"`

	// FairShareStarvationTolerance is the fraction of its fair share an
	// operation may exceed before its jobs become preemption candidates
	// (fairshare.PreemptionTolerance.Normal).
	FairShareStarvationTolerance          float64 `toml:"fair_share_starvation_tolerance"`
	AggressiveStarvationPreemptionAllowed bool    `toml:"aggressive_starvation_preemption_allowed"`

	APIAddr string `toml:"api_addr"`

	Trees []TreeConfig `toml:"tree"`

	Logging log.Config `toml:"-"` // populated from LoggingConfig below after unmarshal
	LoggingConfig LoggingConfig `toml:"logging"`
}

// TreeConfig configures one fair-share tree (spec §4.4.2): its name,
// root pool, and the node-tag formula (pkg/tagfilter syntax) deciding
// which nodes it may schedule onto. An empty NodeFilter matches every
// node.
type TreeConfig struct {
	Name       string `toml:"name"`
	RootPool   string `toml:"root_pool"`
	NodeFilter string `toml:"node_filter"`
}

// MasterConfig names the master connection/retry knobs.
type MasterConfig struct {
	Addr          string   `toml:"addr"`
	RetryBackoff  Duration `toml:"retry_backoff"`
	MaxRetries    int      `toml:"max_retries"`
	RequestTimeout Duration `toml:"request_timeout"`
}

// LoggingConfig mirrors pkg/log.Config in TOML-friendly form.
type LoggingConfig struct {
	Level      string `toml:"level"`
	JSONOutput bool   `toml:"json_output"`
}

// Duration wraps time.Duration so it can be expressed in TOML as a
// Go duration string ("30s", "5m"), matching how the pack's TOML
// consumer round-trips durations through text marshaling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sane defaults for every tunable, used
// as the starting point before a file is loaded. A reload whose parse
// fails keeps the last-good config (see Store.Reload), not these
// defaults.
func Default() Config {
	return Config{
		Master: MasterConfig{
			Addr:           "localhost:9090",
			RetryBackoff:   Duration{500 * time.Millisecond},
			MaxRetries:     5,
			RequestTimeout: Duration{10 * time.Second},
		},
		FairShareUpdatePeriod:         Duration{5 * time.Second},
		ScheduleJobsTimeout:           Duration{5 * time.Second},
		ScheduleJobsPerRequestTimeout: Duration{500 * time.Millisecond},
		PreemptiveSchedulingBackoff:   Duration{30 * time.Second},
		NodeShardCount:                16,
		NodeHeartbeatTimeout:          Duration{30 * time.Second},
		NodeOfflineTimeout:            Duration{2 * time.Minute},
		FairShareStarvationTolerance:  0.9,
		AggressiveStarvationPreemptionAllowed: false,
		APIAddr:                       ":8080",
		Trees: []TreeConfig{
			{Name: "default", RootPool: "root", NodeFilter: ""},
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			JSONOutput: false,
		},
	}
}

// Load parses the TOML file at path into a Config seeded from
// Default(), so an omitted field keeps its default rather than
// zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Logging = log.Config{
		Level:      log.Level(cfg.LoggingConfig.Level),
		JSONOutput: cfg.LoggingConfig.JSONOutput,
	}
	return cfg, nil
}

// Store is an atomically-swappable holder for the live Config,
// letting the control thread and every RPC handler read a consistent
// snapshot without locking while a reload is in flight (spec: tunables
// "apply on the next control-thread tick without a restart").
type Store struct {
	ptr atomic.Pointer[Config]
}

// NewStore returns a Store initialized to cfg.
func NewStore(cfg Config) *Store {
	s := &Store{}
	s.ptr.Store(&cfg)
	return s
}

// Get returns the current Config.
func (s *Store) Get() Config {
	return *s.ptr.Load()
}

// Reload re-parses path and swaps it in atomically. On a parse
// failure the Store keeps serving the previous Config.
func (s *Store) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		log.WithComponent("config").Warn().Err(err).Str("path", path).
			Msg("config reload failed, keeping previous config")
		return err
	}
	s.ptr.Store(&cfg)
	log.WithComponent("config").Info().Str("path", path).Msg("config reloaded")
	return nil
}

// Watch polls path every interval and calls Reload on change,
// returning a stop function. Grounded on the teacher's
// ticking-goroutine-plus-stopCh shutdown shape used throughout its
// reconciler/scheduler packages.
func (s *Store) Watch(path string, interval time.Duration) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		var lastMod time.Time
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if info.ModTime().After(lastMod) {
					lastMod = info.ModTime()
					_ = s.Reload(path)
				}
			case <-stopCh:
				return
			}
		}
	}()
	return func() { close(stopCh) }
}
