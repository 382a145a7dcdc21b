// Command simulator runs a scenario file through the epoch engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/orbitnet-simulator/core"
	"github.com/signalsfoundry/orbitnet-simulator/data"
	"github.com/signalsfoundry/orbitnet-simulator/fov"
	"github.com/signalsfoundry/orbitnet-simulator/internal/logging"
	"github.com/signalsfoundry/orbitnet-simulator/internal/observability"
	"github.com/signalsfoundry/orbitnet-simulator/mac"
	"github.com/signalsfoundry/orbitnet-simulator/model"
	"github.com/signalsfoundry/orbitnet-simulator/orbit"
	"github.com/signalsfoundry/orbitnet-simulator/payload"
	"github.com/signalsfoundry/orbitnet-simulator/power"
	"github.com/signalsfoundry/orbitnet-simulator/radio"
	"github.com/signalsfoundry/orbitnet-simulator/timectrl"
)

// Exit codes, stable for wrapper scripts.
const (
	exitOK         = 0
	exitConfig     = 2
	exitDependency = 3
	exitRuntime    = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		workers     int
		pacing      string
		metricsAddr string
	)

	root := &cobra.Command{
		Use:           "simulator",
		Short:         "epoch-stepped satellite network simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run a scenario to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), configPath, workers, pacing, metricsAddr)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "scenario file (json or yaml)")
	runCmd.Flags().IntVar(&workers, "workers", 0, "parallel node workers, 0 takes the scenario value")
	runCmd.Flags().StringVar(&pacing, "pacing", "accelerated", "epoch pacing: accelerated or realtime")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /metrics, empty disables")
	_ = runCmd.MarkFlagRequired("config")
	root.AddCommand(runCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "simulator:", err)
		return exitCode(err)
	}
	return exitOK
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, core.ErrConfig),
		errors.Is(err, core.ErrUnknownClass),
		errors.Is(err, core.ErrDuplicateNode):
		return exitConfig
	case errors.Is(err, core.ErrUnsupportedOwner),
		errors.Is(err, core.ErrUnsatisfiedDependency),
		errors.Is(err, core.ErrCyclicDependency):
		return exitDependency
	default:
		return exitRuntime
	}
}

func runScenario(ctx context.Context, configPath string, workers int, pacing, metricsAddr string) error {
	log := logging.NewFromEnv()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	sc, err := model.Load(configPath)
	if err != nil {
		return err
	}

	reg := newRegistry()
	build, err := core.NewOrchestrator(reg).Build(sc)
	if err != nil {
		return err
	}
	defer build.Sink.Close()

	mode, err := timectrl.ParseMode(pacing)
	if err != nil {
		return fmt.Errorf("%w: pacing %q", core.ErrConfig, pacing)
	}

	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           observability.Default().Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error(ctx, "metrics server failed", logging.Any("error", err))
			}
		}()
		defer srv.Close()
	}

	mgr := core.NewManager(build, core.ManagerConfig{
		Workers: workers,
		Pacer:   timectrl.NewPacer(mode, build.Delta),
		Log:     log,
	})

	// A signal stops the run at the next epoch boundary.
	go func() {
		<-ctx.Done()
		_ = mgr.Runtime().Stop()
	}()

	return mgr.Run(ctx)
}

// newRegistry assembles every model and node class the binary ships.
func newRegistry() *core.Registry {
	reg := core.NewRegistry()
	orbit.Register(reg)
	fov.Register(reg)
	radio.Register(reg)
	mac.Register(reg)
	data.Register(reg)
	power.Register(reg)
	payload.Register(reg)
	return reg
}
