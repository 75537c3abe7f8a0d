// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jamesross/pmcad/internal/adapters"
	"github.com/jamesross/pmcad/internal/compose"
	"github.com/jamesross/pmcad/internal/config"
	"github.com/jamesross/pmcad/internal/obs"
	"github.com/jamesross/pmcad/internal/store"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: pmcad <run-stage|compose|version> [flags]")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "version":
		fmt.Println(version)
	case "run-stage":
		runStage(os.Args[2:])
	case "compose":
		runCompose(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(2)
	}
}

// withSignals wires SIGINT/SIGTERM into ctx's cancellation the way the
// teacher's cmd/job-queue-system/main.go does: the first signal starts
// a graceful shutdown, a second signal within the grace window forces
// immediate exit.
func withSignals(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			log.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()
	return ctx, cancel
}

func mustLogger(cfg *config.Config) *zap.Logger {
	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	return log
}

// runStage is the subprocess entrypoint the Composer spawns one-per-
// stage via os/exec; it loads config, builds that single stage's
// stagedriver.Driver, and runs its claim/dispatch/retry loop until
// ctx is cancelled or the queue drains.
func runStage(args []string) {
	fs := flag.NewFlagSet("run-stage", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	name := fs.String("name", "", "stage name to run (must match a stages[].name entry)")
	_ = fs.Parse(args)

	if *name == "" {
		fmt.Fprintln(os.Stderr, "run-stage requires --name")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := mustLogger(cfg)
	defer log.Sync()

	ctx, cancel := withSignals(log)
	defer cancel()

	st, err := store.Open(cfg.Store.Path, cfg.Store.Readonly, log)
	if err != nil {
		log.Fatal("open store", obs.Err(err))
	}
	defer st.Close()

	httpSrv := obs.StartHTTPServer(cfg, func(context.Context) error { return nil })
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	stageCfg, err := compose.FindStage(cfg, *name)
	if err != nil {
		log.Fatal("resolve stage", obs.Err(err))
	}

	searchClients := compose.BuildSearchClients(cfg)
	ontologies, err := compose.BuildOntologies(cfg, searchClients, noEmbedder{})
	if err != nil {
		log.Fatal("build ontologies", obs.Err(err))
	}
	llmPools := compose.BuildLLMPools(cfg)

	queues := stageCfg.OpQueueNames
	obs.StartQueueLengthUpdater(ctx, st, queues, []string{stageCfg.Name}, 2*time.Second, log)

	reporter := obs.NewReporter(cfg.Observability.ProgressMode, stageCfg.Name, log)
	driver, err := compose.BuildDriver(stageCfg, st, llmPools, ontologies, reporter, log)
	if err != nil {
		log.Fatal("build stage driver", obs.Err(err))
	}

	if err := driver.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("stage driver error", obs.String("stage", stageCfg.Name), obs.Err(err))
	}
}

// runCompose loads config and launches every configured stage as its
// own run-stage subprocess, supervising them until shutdown.
func runCompose(args []string) {
	fs := flag.NewFlagSet("compose", flag.ExitOnError)
	configPath := fs.String("config", "config/config.yaml", "path to YAML config")
	binaryPath := fs.String("binary", "", "path to the pmcad binary to re-exec for each stage (defaults to the running executable)")
	maxRestarts := fs.Int("max-restarts", 3, "maximum automatic restarts per crashed stage")
	housekeeping := fs.Duration("housekeeping-interval", 5*time.Second, "interval between liveness checks")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := mustLogger(cfg)
	defer log.Sync()

	ctx, cancel := withSignals(log)
	defer cancel()

	httpSrv := obs.StartHTTPServer(cfg, func(context.Context) error { return nil })
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	self := *binaryPath
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			log.Fatal("resolve executable path", obs.Err(err))
		}
		self = exe
	}

	c := &compose.Composer{
		Cfg:                  cfg,
		ConfigPath:           *configPath,
		BinaryPath:           self,
		MaxRestarts:          *maxRestarts,
		HousekeepingInterval: *housekeeping,
		Log:                  log,
	}
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal("composer error", obs.Err(err))
	}
}

// noEmbedder is the zero-value adapters.Embedder: spec.md §1 excludes
// text embedding from this repository, so non-taxonomic ontology
// search errors clearly instead of silently returning nothing.
type noEmbedder struct{}

func (noEmbedder) Embed(ctx context.Context, text string) ([]float64, map[string]float64, error) {
	return nil, nil, fmt.Errorf("pmcad: no embedder configured; this deployment only wires taxonomic ontologies")
}

var _ adapters.Embedder = noEmbedder{}
