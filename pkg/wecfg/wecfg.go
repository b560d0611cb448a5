// Package wecfg loads the driver's runtime configuration, per spec §6's
// "Configuration options recognized by the driver": drivers.*, limits.*,
// system.*, args.* become nested sections, loaded with viper in the
// teacher's LoadConfig style (defaults, then YAML file, then WE_-prefixed
// env vars).
package wecfg

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Sentinel configuration errors (§7's "configuration error: fatal at startup").
var (
	ErrUnknownDataManager               = errors.New("wecfg: unknown drivers.data_manager")
	ErrUnknownWorkManager                = errors.New("wecfg: unknown drivers.work_manager")
	ErrMissingPropagator                 = errors.New("wecfg: drivers.propagator is required")
	ErrMissingSystemDriver               = errors.New("wecfg: system.system_driver is required")
	ErrRecycleTargetMissingInitialState  = errors.New("wecfg: recycling target has no named initial state")
	ErrInvalidMaxWallclock               = errors.New("wecfg: limits.max_wallclock is not a valid duration")
	ErrInvalidMemoryBudget               = errors.New("wecfg: limits.memory_budget is not a valid size")
)

// Default values, per spec §6.
const (
	DefaultDataManager  = "hdf5"
	DefaultWEDriver     = "default"
	DefaultWorkManager  = "threads"
)

// driver/work-manager names Validate accepts. "processes" and "tcpip" pass
// validation but have no implementation in this module.
var (
	knownDataManagers = map[string]bool{"hdf5": true, "file": true}
	knownWorkManagers = map[string]bool{"serial": true, "threads": true, "processes": true, "tcpip": true}
)

// Drivers configures the name of each pluggable collaborator. DataManager
// and WorkManager are resolved by pkg/registry in cmd/wedriver; WEDriver and
// Propagator are loaded and validated but not resolved to any implementation.
type Drivers struct {
	DataManager string `mapstructure:"data_manager"`
	WEDriver    string `mapstructure:"we_driver"`
	WorkManager string `mapstructure:"work_manager"`
	Propagator  string `mapstructure:"propagator"`
}

// Limits configures run-level resource bounds.
type Limits struct {
	// MaxWallclock is a human-readable duration string (e.g. "2h30m"),
	// parsed via go-humanize-friendly time.ParseDuration. Unset means no limit.
	MaxWallclock  string `mapstructure:"max_wallclock"`
	MaxIterations int    `mapstructure:"max_iterations"`

	// MemoryBudget is a human-readable size string (e.g. "512MiB") sizing
	// the "threads" work manager's worker count via
	// pkg/budget.SolveForBudget. Empty means the work manager picks its own
	// default (runtime.NumCPU workers).
	MemoryBudget string `mapstructure:"memory_budget"`
}

// ParsedMemoryBudget parses Limits.MemoryBudget, returning 0 if unset.
func (l Limits) ParsedMemoryBudget() (int64, error) {
	if l.MemoryBudget == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(l.MemoryBudget)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidMemoryBudget, l.MemoryBudget, err)
	}

	return int64(n), nil
}

// ParsedMaxWallclock parses Limits.MaxWallclock, returning zero if unset.
func (l Limits) ParsedMaxWallclock() (time.Duration, error) {
	if l.MaxWallclock == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(l.MaxWallclock)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidMaxWallclock, l.MaxWallclock, err)
	}

	return d, nil
}

// RegionTarget names one configured recycling sink and the initial state it
// re-injects at, resolving Open Question 2 of spec §9 as a config-time
// constraint.
type RegionTarget struct {
	BinIndex          int `mapstructure:"bin_index"`
	InitialStateIndex int `mapstructure:"initial_state_index"`
}

// System configures the per-run system driver and its progress-coordinate
// shape.
type System struct {
	SystemDriver string         `mapstructure:"system_driver"`
	PcoordNDim   int            `mapstructure:"pcoord_ndim"`
	PcoordLen    int            `mapstructure:"pcoord_len"`
	Targets      []RegionTarget `mapstructure:"targets"`

	// BinEdges and TargetCounts parametrize the builtin "linear" system
	// driver's single-dimension RegionSet. Ignored by custom system drivers
	// that build their own RegionSet.
	BinEdges     []float64 `mapstructure:"bin_edges"`
	TargetCounts []int     `mapstructure:"target_counts"`
}

// Args configures ambient CLI-level behavior.
type Args struct {
	ProfileMode bool `mapstructure:"profile_mode"`
}

// Config is the full typed configuration tree.
type Config struct {
	Drivers Drivers `mapstructure:"drivers"`
	Limits  Limits  `mapstructure:"limits"`
	System  System  `mapstructure:"system"`
	Args    Args    `mapstructure:"args"`
}

// Load reads configuration from configPath (or the default search path if
// empty), overlays WE_-prefixed environment variables, and validates the
// result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("west")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/wedriver")
	}

	v.SetEnvPrefix("WE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("wecfg: read config file: %w", err)
		}
	}

	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("wecfg: unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("wecfg: invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("drivers.data_manager", DefaultDataManager)
	v.SetDefault("drivers.we_driver", DefaultWEDriver)
	v.SetDefault("drivers.work_manager", DefaultWorkManager)
	v.SetDefault("limits.max_iterations", 0)
	v.SetDefault("args.profile_mode", false)
}

// Validate checks the configuration-error conditions of spec §7: unknown
// driver names, missing required keys, and targets missing an initial
// state mapping.
func Validate(cfg *Config) error {
	if !knownDataManagers[cfg.Drivers.DataManager] {
		return fmt.Errorf("%w: %q", ErrUnknownDataManager, cfg.Drivers.DataManager)
	}

	if !knownWorkManagers[cfg.Drivers.WorkManager] {
		return fmt.Errorf("%w: %q", ErrUnknownWorkManager, cfg.Drivers.WorkManager)
	}

	if cfg.Drivers.Propagator == "" {
		return ErrMissingPropagator
	}

	if cfg.System.SystemDriver == "" {
		return ErrMissingSystemDriver
	}

	if _, err := cfg.Limits.ParsedMaxWallclock(); err != nil {
		return err
	}

	if _, err := cfg.Limits.ParsedMemoryBudget(); err != nil {
		return err
	}

	for _, target := range cfg.System.Targets {
		if target.InitialStateIndex < 0 {
			return fmt.Errorf("%w: bin_index=%d", ErrRecycleTargetMissingInitialState, target.BinIndex)
		}
	}

	return nil
}

// HumanWallclock formats a duration the way operator-facing messages do
// elsewhere in the stack (log lines, CLI --help), using go-humanize's
// approximate-duration rendering rather than Go's fixed-unit String().
func HumanWallclock(d time.Duration) string {
	if d <= 0 {
		return "unlimited"
	}

	return humanize.RelTime(time.Time{}, time.Time{}.Add(d), "", "")
}
