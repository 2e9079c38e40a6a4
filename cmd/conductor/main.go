// Package main is the entrypoint for the metal conductor daemon.
//
// The conductor serves the REST API, owns the nodes the hash ring maps to
// it and runs their provisioning flows against the configured drivers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/imamik/metalconductor/internal/api"
	"github.com/imamik/metalconductor/internal/conductor"
	"github.com/imamik/metalconductor/internal/config"
	"github.com/imamik/metalconductor/internal/hashring"
	"github.com/imamik/metalconductor/internal/notify"
	"github.com/imamik/metalconductor/internal/steps"
	"github.com/imamik/metalconductor/internal/store"
)

var (
	setupLog = ctrl.Log.WithName("setup")

	// Version is set at build time
	Version = "dev"
)

func main() {
	var (
		configPath  string
		inMemory    bool
		enableTrace bool
		stopTimeout time.Duration
	)

	flag.StringVar(&configPath, "config", "", "Path to the conductor configuration file.")
	flag.BoolVar(&inMemory, "in-memory", false, "Keep all state in memory. Data is lost on exit.")
	flag.BoolVar(&enableTrace, "trace", false, "Print step execution spans to stderr.")
	flag.DurationVar(&stopTimeout, "stop-timeout", 2*time.Minute, "How long to wait for running flows on shutdown.")

	opts := zap.Options{
		Development: os.Getenv("DEBUG") == "true",
		TimeEncoder: zapcore.ISO8601TimeEncoder,
		ZapOpts:     []uberzap.Option{uberzap.AddCaller()},
	}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	setupLog.Info("starting metal conductor", "version", Version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		setupLog.Error(err, "unable to load configuration")
		os.Exit(1)
	}
	if inMemory {
		cfg.Store.Driver = config.StoreMemory
	}

	ctx := ctrl.SetupSignalHandler()
	if err := run(ctx, cfg, enableTrace, stopTimeout); err != nil {
		setupLog.Error(err, "conductor stopped with an error")
		os.Exit(1)
	}
	setupLog.Info("conductor stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.LoadFile(path)
}

func run(ctx context.Context, cfg *config.Config, enableTrace bool, stopTimeout time.Duration) error {
	logger := ctrl.Log.WithName("conductor").WithValues("name", cfg.Conductor.Name)
	ctx = log.IntoContext(ctx, logger)
	clk := clock.RealClock{}

	st, err := openStore(cfg.Store, logger, clk)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error(err, "failed to close store")
		}
	}()

	members := hashring.NewMembership(clk, cfg.Timeouts.LivenessWindow,
		hashring.WithVirtualNodes(cfg.Ring.VirtualNodes),
		hashring.WithReplicas(cfg.Ring.Replicas),
	)

	reg, err := buildRegistry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to register drivers: %w", err)
	}

	observer, closeObserver, err := buildObserver(cfg, logger)
	if err != nil {
		return err
	}
	defer closeObserver()

	var tp *tracerProvider
	if enableTrace {
		if tp, err = newTracerProvider(os.Stderr); err != nil {
			return err
		}
		defer tp.shutdown(logger)
	}

	svcOpts := conductor.Options{
		Name:       cfg.Conductor.Name,
		Store:      st,
		Membership: members,
		Drivers:    reg,
		Steps:      steps.NewRegistry(cfg.Steps.Priorities),
		Workers:    cfg.Conductor.Workers,
		Timeouts:   cfg.Timeouts,
		Clock:      clk,
		Observer:   observer,
		Logger:     logger,
	}
	if tp != nil {
		svcOpts.TracerProvider = tp.TracerProvider
	}
	svc, err := conductor.New(svcOpts)
	if err != nil {
		return fmt.Errorf("failed to create conductor: %w", err)
	}

	for _, peer := range cfg.Conductor.Peers {
		svc.Join(ctx, peer)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("serving api", "addr", cfg.API.Listen)
		return api.Run(gctx, cfg.API.Listen, api.NewServer(svc, api.WithLogger(logger.WithName("api"))))
	})
	if cfg.API.MetricsListen != "" && cfg.API.MetricsListen != cfg.API.Listen {
		g.Go(func() error {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
			return api.Run(gctx, cfg.API.MetricsListen, mux)
		})
	}

	runErr := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		logger.Error(err, "running flows did not finish before shutdown")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

type closableStore interface {
	store.Store
	Close() error
}

func openStore(cfg config.StoreConfig, logger logr.Logger, clk clock.Clock) (closableStore, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return store.NewMemoryStore(clk), nil
	case config.StoreBadger:
		st, err := store.NewBadgerStore(store.BadgerOptions{
			Dir:        cfg.Dir,
			SyncWrites: cfg.SyncWrites,
			Logger:     logger,
			Clock:      clk,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store at %s: %w", cfg.Dir, err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

func buildObserver(cfg *config.Config, logger logr.Logger) (notify.Observer, func(), error) {
	if cfg.Events.NATSURL == "" {
		return notify.LogObserver{}, func() {}, nil
	}
	nats, err := notify.NewNATSObserver(notify.NATSOptions{
		URL:           cfg.Events.NATSURL,
		Name:          cfg.Conductor.Name,
		SubjectPrefix: cfg.Events.SubjectPrefix,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return notify.Multi{notify.LogObserver{}, nats}, nats.Close, nil
}
