package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/iedon/assetpipe/config"
	"github.com/iedon/assetpipe/metrics"
	"github.com/iedon/assetpipe/server"
	"github.com/iedon/assetpipe/site"
)

var CLI struct {
	Config  string           `short:"c" help:"Configuration file path (JSON or YAML)" default:"assetpipe.json"`
	Verbose bool             `short:"v" help:"Enable debug logging"`
	Version kong.VersionFlag `help:"Print version and exit"`

	Build struct{} `cmd:"" help:"Build the site into the output directory"`

	Serve struct {
		Listen string `short:"l" help:"Listen address, overrides the configuration"`
	} `cmd:"" default:"1" help:"Build, serve the output and rebuild on changes"`

	Clean struct{} `cmd:"" help:"Remove the output directory"`
}

func main() {
	kctx := kong.Parse(&CLI,
		kong.Name(APP_NAME),
		kong.Description("Static site asset pipeline"),
		kong.Vars{"version": APP_SIGNATURE},
	)

	cfg, err := config.LoadOrDefault(CLI.Config)
	if err != nil {
		slog.Error("configuration", "error", err)
		os.Exit(1)
	}
	level := cfg.LogLevel
	if CLI.Verbose {
		level = "debug"
	}
	logger := newLogger(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch kctx.Command() {
	case "build":
		err = runBuild(ctx, cfg, logger)
	case "clean":
		err = runClean(cfg, logger)
	default:
		if CLI.Serve.Listen != "" {
			cfg.Server.Listen = CLI.Serve.Listen
		}
		err = runServe(ctx, cfg, logger)
	}
	if err != nil {
		logger.Error(kctx.Command(), "error", err)
		os.Exit(1)
	}
}

func runBuild(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := site.NewService(cfg, logger, metrics.NoopRecorder{})
	if err != nil {
		return err
	}
	if err := svc.Build(ctx); err != nil {
		return err
	}
	logger.Info("static build completed", "output", svc.Paths().Dist())
	return nil
}

func runClean(cfg *config.Config, logger *slog.Logger) error {
	svc, err := site.NewService(cfg, logger, metrics.NoopRecorder{})
	if err != nil {
		return err
	}
	return svc.Clean()
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	opts := server.Options{ServerHeader: APP_SIGNATURE}
	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		recorder = metrics.NewPrometheusRecorder(reg)
		opts.Recorder = recorder
		opts.MetricsHandler = metrics.HTTPHandler(reg)
	}

	svc, err := site.NewService(cfg, logger, recorder)
	if err != nil {
		return err
	}
	// a failed first build is reported and fixed by the next change
	if err := svc.Build(ctx); err != nil {
		logger.Warn("initial build failed", "error", err)
	}

	srv := server.New(cfg, logger, opts)
	var g run.Group
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return srv.Serve(ctx, svc.Paths().Dist())
		}, func(error) {
			cancel()
		})
	}
	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return svc.Watch(ctx, srv)
		}, func(error) {
			cancel()
		})
	}
	return g.Run()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
