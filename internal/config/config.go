// Package config loads and validates Orket's organization-level
// configuration. The recognized options are a small, explicit surface:
// bottleneck thresholds, provider endpoint, retry schedule, and the
// complexity gate threshold. No behavioural flags hide in env vars; env
// is reserved for secrets and the workspace path.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mcelyea/orket/internal/bottleneck"
	"github.com/mcelyea/orket/internal/provider"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// BottleneckThresholds is the [bottleneck_thresholds] block.
type BottleneckThresholds struct {
	ResourceNormal          int     `toml:"resource_normal"`
	ResourceWarning         int     `toml:"resource_warning"`
	ResourceCritical        int     `toml:"resource_critical"`
	DependencyWarningPct    float64 `toml:"dependency_warning_pct"`
	HumanAttentionThreshold int     `toml:"human_attention_threshold"`
}

// ToThresholds converts the TOML-shaped block into bottleneck.Thresholds.
func (b BottleneckThresholds) ToThresholds() bottleneck.Thresholds {
	return bottleneck.Thresholds{
		ResourceNormal:          b.ResourceNormal,
		ResourceWarning:         b.ResourceWarning,
		ResourceCritical:        b.ResourceCritical,
		DependencyWarningPct:    b.DependencyWarningPct,
		HumanAttentionThreshold: b.HumanAttentionThreshold,
	}
}

// Provider is the [provider] block.
type Provider struct {
	Kind        string `toml:"kind"` // "local" or "stub"
	Endpoint    string `toml:"endpoint"`
	Concurrency int    `toml:"concurrency"`
}

// Retry is the [retry] block: the backoff schedule for transient
// provider failures.
type Retry struct {
	BaseMS      int     `toml:"base_ms"`
	Factor      float64 `toml:"factor"`
	CapMS       int     `toml:"cap_ms"`
	MaxAttempts int     `toml:"max_attempts"`
}

// ToPolicy converts the TOML-shaped block into a provider.RetryPolicy.
func (r Retry) ToPolicy() provider.RetryPolicy {
	return provider.RetryPolicy{
		Base:        time.Duration(r.BaseMS) * time.Millisecond,
		Factor:      r.Factor,
		Cap:         time.Duration(r.CapMS) * time.Millisecond,
		MaxAttempts: r.MaxAttempts,
	}
}

// Notify is the [notify] block: the Matrix room operator notifications
// post to. Leaving it empty disables notifications. The posting account's
// access token is a secret and comes from the ORKET_MATRIX_TOKEN env var,
// never the file.
type Notify struct {
	Homeserver string `toml:"homeserver"`
	RoomID     string `toml:"room_id"`
}

// Config is Orket's organization-level configuration.
// Env vars are limited to connection secrets and workspace path; every
// behavioural option lives here, never behind a hidden env flag.
type Config struct {
	BottleneckThresholds    BottleneckThresholds `toml:"bottleneck_thresholds"`
	Provider                Provider             `toml:"provider"`
	Retry                   Retry                `toml:"retry"`
	Notify                  Notify               `toml:"notify"`
	ComplexityGateThreshold int                  `toml:"complexity_gate_threshold"`

	// TickInterval and StuckTimeout are loaded from the config file, but
	// the Orchestrator does not read them: its loop runs without a tick,
	// and the stale-lease janitor uses a fixed lease TTL.
	TickInterval Duration `toml:"tick_interval"`
	StuckTimeout Duration `toml:"stuck_timeout"`

	IDesignEnabled      bool     `toml:"idesign_enabled"`
	ForbiddenExtensions []string `toml:"forbidden_extensions"`
}

// Default returns the built-in defaults for every recognized option.
func Default() *Config {
	return &Config{
		BottleneckThresholds: BottleneckThresholds{
			ResourceNormal:          3,
			ResourceWarning:         10,
			ResourceCritical:        11,
			DependencyWarningPct:    0.5,
			HumanAttentionThreshold: 1,
		},
		Provider: Provider{Kind: "stub", Concurrency: 1},
		Retry: Retry{
			BaseMS:      1000,
			Factor:      2,
			CapMS:       30000,
			MaxAttempts: 5,
		},
		ComplexityGateThreshold: 7,
		TickInterval:            Duration{Duration: 30 * time.Second},
		StuckTimeout:            Duration{Duration: 30 * time.Minute},
		ForbiddenExtensions:     []string{".exe", ".so", ".dll"},
	}
}

// Load reads and validates a TOML config file at path, applying defaults
// for any block left unset.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the config invariants: bottleneck thresholds must be
// ordered with dependency_warning_pct in [0,1], provider.kind must be
// recognized, retry.max_attempts must be positive and retry.factor above 1,
// complexity_gate_threshold must be positive, and notify homeserver and
// room_id must be set together. retry.base_ms and retry.cap_ms are not
// checked.
func (c *Config) Validate() error {
	bt := c.BottleneckThresholds
	if bt.ResourceNormal < 0 || bt.ResourceWarning < bt.ResourceNormal || bt.ResourceCritical < bt.ResourceWarning {
		return fmt.Errorf("bottleneck_thresholds: resource_normal <= resource_warning <= resource_critical must hold")
	}
	if bt.DependencyWarningPct < 0 || bt.DependencyWarningPct > 1 {
		return fmt.Errorf("bottleneck_thresholds: dependency_warning_pct must be in [0,1]")
	}
	switch c.Provider.Kind {
	case "local", "stub", "":
	default:
		return fmt.Errorf("provider.kind %q is not recognized", c.Provider.Kind)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.Factor <= 1 {
		return fmt.Errorf("retry.factor must be greater than 1")
	}
	if c.ComplexityGateThreshold <= 0 {
		return fmt.Errorf("complexity_gate_threshold must be positive")
	}
	if (c.Notify.Homeserver == "") != (c.Notify.RoomID == "") {
		return fmt.Errorf("notify: homeserver and room_id must be set together")
	}
	return nil
}

// Clone returns a deep-enough copy for ConfigManager's swap-under-lock
// discipline (slices are copied; nested structs are all value types).
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.ForbiddenExtensions = append([]string(nil), c.ForbiddenExtensions...)
	return &clone
}

// ExpandHome expands a leading "~" to the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) == 1 {
		return home
	}
	if path[1] == '/' {
		return home + path[1:]
	}
	return path
}
