// Package main provides the wedriver CLI: the process that drives a
// weighted-ensemble run to completion per spec §4.1 and §4.5, wiring the
// configured data manager, work manager, and system driver into the
// iteration driver's run loop.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/weensemble/wedriver/pkg/budget"
	"github.com/weensemble/wedriver/pkg/driver"
	"github.com/weensemble/wedriver/pkg/observability"
	"github.com/weensemble/wedriver/pkg/particle"
	"github.com/weensemble/wedriver/pkg/registry"
	"github.com/weensemble/wedriver/pkg/resample"
	"github.com/weensemble/wedriver/pkg/restrack"
	"github.com/weensemble/wedriver/pkg/runloop"
	"github.com/weensemble/wedriver/pkg/store"
	"github.com/weensemble/wedriver/pkg/systemdrv"
	"github.com/weensemble/wedriver/pkg/version"
	"github.com/weensemble/wedriver/pkg/wecfg"
	"github.com/weensemble/wedriver/pkg/workmgr"
)

var (
	configPath string
	runDir     string
)

func main() {
	version.InitBinaryVersion()

	rootCmd := &cobra.Command{
		Use:   "wedriver",
		Short: "Weighted-ensemble iteration driver",
		Long: `wedriver drives a weighted-ensemble run's iterations to completion:
loading segments, dispatching propagation, resampling, and persisting the
next iteration, per the configured data manager, work manager, and system
driver.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to west.yaml (default: search ./ and /etc/wedriver)")
	rootCmd.PersistentFlags().StringVar(&runDir, "rundir", "./we_run", "run directory for the file-backed data manager")

	rootCmd.AddCommand(runCommand())
	rootCmd.AddCommand(versionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "wedriver %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run iterations until limits.max_iterations or limits.max_wallclock",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWE(cmd.Context())
		},
	}
}

// workManagers maps drivers.work_manager names to constructors over a
// shared Propagator. "processes" and "tcpip" are accepted by wecfg.Validate
// (spec §6 names them) but have no in-module propagator transport; they are
// not registered here and fail at Build time with ErrUnknownName.
//
// pool sizes the "threads" worker count from limits.memory_budget via
// pkg/budget; a zero value lets workmgr.NewThreads fall back to
// runtime.NumCPU.
func workManagers(prop workmgr.Propagator, pool budget.WorkerPoolConfig) *registry.Registry[driver.WorkManager] {
	reg := registry.New[driver.WorkManager]()

	reg.Register("serial", func() (driver.WorkManager, error) {
		return workmgr.NewSerial(prop), nil
	})
	reg.Register("threads", func() (driver.WorkManager, error) {
		return workmgr.NewThreads(prop, pool.Workers), nil
	})

	return reg
}

// poolForBudget solves a worker-pool shape for limits.memory_budget, or
// returns a zero WorkerPoolConfig (every downstream constructor treats a
// zero worker count as "pick a sane default") when no budget is configured.
func poolForBudget(cfg *wecfg.Config) (budget.WorkerPoolConfig, error) {
	limit, err := cfg.Limits.ParsedMemoryBudget()
	if err != nil {
		return budget.WorkerPoolConfig{}, err
	}

	if limit == 0 {
		return budget.WorkerPoolConfig{}, nil
	}

	pool, err := budget.SolveForBudget(limit)
	if err != nil {
		return budget.WorkerPoolConfig{}, fmt.Errorf("solve worker pool for limits.memory_budget: %w", err)
	}

	return pool, nil
}

// dataManagers maps drivers.data_manager names to constructors over the run
// directory. "hdf5" is the name spec §6 uses for the durable backing store;
// pkg/store's FileStore implements the same DataManager contract a real
// HDF5 binding would.
func dataManagers(dir, systemDriverName string) *registry.Registry[driver.DataManager] {
	reg := registry.New[driver.DataManager]()

	open := func() (driver.DataManager, error) {
		fs, err := store.Open(dir, systemDriverName)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}

		return fs, nil
	}

	reg.Register("hdf5", open)
	reg.Register("file", open)

	return reg
}

// systemDrivers maps system.system_driver names to constructors built from
// cfg.System. "linear" is the only builtin; production systems implement
// driver.SystemDriver directly and wire their own constructor in here.
func systemDrivers(cfg *wecfg.Config) *registry.Registry[driver.SystemDriver] {
	reg := registry.New[driver.SystemDriver]()

	reg.Register("linear", func() (driver.SystemDriver, error) {
		targetBins := make(map[int]int, len(cfg.System.Targets))
		for _, t := range cfg.System.Targets {
			targetBins[t.BinIndex] = t.InitialStateIndex
		}

		initialStates := make([]resample.InitialState, 0, len(cfg.System.Targets))
		for _, t := range cfg.System.Targets {
			initialStates = append(initialStates, resample.InitialState{
				Index:  t.InitialStateIndex,
				Pcoord: nil,
			})
		}

		return systemdrv.NewLinear(cfg.System.BinEdges, cfg.System.TargetCounts, targetBins, initialStates)
	})

	return reg
}

// runWE wires the configured collaborators. drivers.we_driver is not read
// here: the resampler configuration comes from the system driver's
// ResampleConfig, and the work manager is built from drivers.work_manager
// alone. An unset limits.max_iterations (0) runs one more iteration.
func runWE(ctx context.Context) error {
	cfg, err := wecfg.Load(configPath)
	if err != nil {
		return err
	}

	obsCfg := observability.DefaultConfig("wedriver")
	obsCfg.Mode = observability.ModeServer

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer providers.Shutdown(ctx) //nolint:errcheck

	systemDriver, err := systemDrivers(cfg).Build(cfg.System.SystemDriver)
	if err != nil {
		return fmt.Errorf("build system driver: %w", err)
	}

	dataManager, err := dataManagers(runDir, cfg.System.SystemDriver).Build(cfg.Drivers.DataManager)
	if err != nil {
		return fmt.Errorf("build data manager: %w", err)
	}

	prop := &exitStatusPropagator{}

	pool, err := poolForBudget(cfg)
	if err != nil {
		return err
	}

	workManager, err := workManagers(prop, pool).Build(cfg.Drivers.WorkManager)
	if err != nil {
		return fmt.Errorf("build work manager: %w", err)
	}

	tracker := restrack.New()

	current, err := dataManager.CurrentIteration(ctx)
	if err != nil {
		return fmt.Errorf("read current iteration: %w", err)
	}

	d := driver.New(dataManager, systemDriver, workManager, tracker, current == 0)

	maxWallclock, err := cfg.Limits.ParsedMaxWallclock()
	if err != nil {
		return err
	}

	maxIterations := cfg.Limits.MaxIterations
	if maxIterations == 0 {
		maxIterations = current + 1
	}

	runCfg := runloop.Config{
		MaxIterations: maxIterations,
		MaxWallclock:  maxWallclock,
		ProfileMode:   cfg.Args.ProfileMode,
	}

	outcome, err := runloop.Run(ctx, d, current, runCfg, time.Now, tracker)
	if err != nil {
		return fmt.Errorf("run iterations: %w", err)
	}

	providers.Logger.InfoContext(ctx, "run stopped",
		"final_iteration", outcome.FinalIteration,
		"clean_shutdown", outcome.CleanShutdown,
	)

	return nil
}

// exitStatusPropagator is the default Propagator: it marks every segment
// COMPLETE without advancing its pcoord. Production runs register a
// propagator that shells out to (or embeds) the actual dynamics engine;
// this default only exists so `wedriver run` has something to execute
// against a configuration before one is wired in.
type exitStatusPropagator struct{}

func (exitStatusPropagator) Propagate(_ context.Context, seg particle.Segment) (particle.Segment, error) {
	seg.Status = particle.StatusComplete

	return seg, nil
}
