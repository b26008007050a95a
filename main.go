package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"sparkcore/app"
	"sparkcore/hal"
	"sparkcore/internal/buildinfo"
	"sparkcore/internal/telemetry"
)

// Identity of the first system thread.
const (
	initAgent  = 1
	initThread = 1
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	config      string
	loopHz      int
	ticks       uint64
	timerHz     uint64
	metricsAddr string
	demo        bool
	rounds      int
	logLevel    string
	logFormat   string
	crashDump   string
	version     bool
}

func run() error {
	var o options
	fs := pflag.NewFlagSet("sparkcore", pflag.ContinueOnError)
	fs.StringVarP(&o.config, "config", "c", "", "YAML configuration file")
	fs.IntVar(&o.loopHz, "hz", 60, "host loop rate")
	fs.Uint64Var(&o.ticks, "ticks", 0, "stop after N loop iterations (0 = run until interrupted)")
	fs.Uint64Var(&o.timerHz, "timer-hz", 0, "kernel timer frequency (overrides timer.hz)")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&o.demo, "demo", false, "run the ping/pong IPC demo")
	fs.IntVar(&o.rounds, "rounds", 0, "demo rounds (overrides demo.rounds)")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&o.logFormat, "log-format", "", "text or json")
	fs.StringVar(&o.crashDump, "crash-dump", "", "write a CBOR crash dump here on kernel panic")
	fs.BoolVar(&o.version, "version", false, "print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if o.version {
		fmt.Printf("sparkcore %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.Date)
		return nil
	}

	cfg, err := app.LoadConfig(o.config)
	if err != nil {
		return err
	}
	applyFlags(fs, &o, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, o)
}

func applyFlags(fs *pflag.FlagSet, o *options, cfg *app.Config) {
	if fs.Changed("timer-hz") {
		cfg.Timer.Hz = o.timerHz
	}
	if fs.Changed("metrics-addr") {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if fs.Changed("demo") {
		cfg.Demo.Enabled = o.demo
	}
	if fs.Changed("rounds") {
		cfg.Demo.Rounds = o.rounds
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}
	if fs.Changed("crash-dump") {
		cfg.CrashDump = o.crashDump
	}
}

func serve(ctx context.Context, cfg app.Config, o options) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var sys *app.System
	booted := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The host loop bounds the run; everything else stops with it.
		defer cancel()
		err := hal.RunHeadless(gctx, func(h hal.HAL) (func() error, error) {
			log, err := telemetry.NewLogger(cfg.Log, telemetry.NewLineWriter(h.Logger()))
			if err != nil {
				return nil, err
			}
			log = log.With("version", buildinfo.Short())
			s, err := app.Boot(h, app.Options{
				Config:   cfg,
				Boot:     app.BootContext{CPUCount: 1, InitAgent: initAgent, InitThread: initThread},
				Logger:   log,
				Registry: reg,
			})
			if err != nil {
				return nil, err
			}
			sys = s
			close(booted)
			return nil, nil
		}, hal.HeadlessConfig{
			Hz:    o.loopHz,
			Ticks: o.ticks,
			Host:  hal.HostConfig{RAMBase: cfg.Memory.Base, RAMSize: cfg.Memory.Size, Output: os.Stderr},
		})
		return ignoreCanceled(err)
	})

	whenBooted := func(fn func(s *app.System) error) func() error {
		return func() error {
			select {
			case <-booted:
				return fn(sys)
			case <-gctx.Done():
				return nil
			}
		}
	}

	g.Go(whenBooted(func(s *app.System) error {
		return ignoreCanceled(s.Run(gctx))
	}))

	if cfg.Demo.Enabled {
		g.Go(whenBooted(func(s *app.System) error {
			stats, err := s.RunDemo(gctx, cfg.Demo.Rounds)
			if err != nil {
				return ignoreCanceled(fmt.Errorf("demo: %w", err))
			}
			for i, r := range stats.Replies {
				s.Log.Info("demo reply", "round", i, "payload", r)
			}
			return nil
		}))
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
		slog.Default().Info("serving metrics", "addr", cfg.Metrics.Addr)
	}

	return g.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
