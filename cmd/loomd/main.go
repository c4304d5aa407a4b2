// Command loomd serves capability requests published on a bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casualjim/loom"
	"github.com/casualjim/loom/capability"
	"github.com/casualjim/loom/internal/config"
	"github.com/casualjim/loom/pkg/slogx"
	"github.com/casualjim/loom/plugin"
	"github.com/casualjim/loom/plugin/remote"
	"github.com/casualjim/loom/plugin/sandbox"
	"github.com/casualjim/loom/policy"
	"github.com/fatih/color"
	_ "github.com/joho/godotenv/autoload"
	"github.com/k0kubun/pp/v3"
	"github.com/phsym/zeroslog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", os.Getenv("LOOM_CONFIG"), "path to the configuration file")
	list := flag.Bool("list", false, "print the configured capabilities and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("invalid configuration: %v", err))
		os.Exit(2)
	}
	setupLogging(cfg)
	if cfg.Debug {
		pp.Fprintln(os.Stderr, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *list); err != nil {
		slog.Error("loomd failed", slogx.Error(err))
		os.Exit(1)
	}
}

func setupLogging(cfg config.Config) {
	level, _ := cfg.Level()
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Stamp}
	log := zerolog.New(output).With().Timestamp().Logger()
	slog.SetDefault(slog.New(
		zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level}),
	))
}

func run(ctx context.Context, cfg config.Config, list bool) error {
	logger := slog.Default().With(slogx.LoggerName("loomd"))

	p := policy.DefaultPolicy()
	if cfg.Policy != "" {
		loaded, err := policy.LoadFile(cfg.Policy)
		if err != nil {
			return err
		}
		p = loaded
	}
	engine, err := policy.NewEngine(p, policy.OnChange(func(p policy.Policy, generation uint64) {
		logger.Info("routing policy installed",
			slog.String("policy", p.Name),
			slog.String("version", p.Version),
			slog.Uint64("generation", generation),
		)
	}))
	if err != nil {
		return err
	}

	host, err := plugin.New(
		plugin.WithLogger(logger),
		plugin.WithSandboxOptions(sandbox.WithDefaultLimits(sandboxLimits(cfg.Sandbox))),
		plugin.WithRemoteOptions(remote.WithDefaultURL(cfg.Remote.DefaultURL)),
	)
	if err != nil {
		return err
	}
	defer func() { _ = host.Close(context.WithoutCancel(ctx)) }()

	bus, closeBus, err := buildBus(ctx, cfg.Bus)
	if err != nil {
		return err
	}
	defer closeBus()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	broker, err := loom.New(
		capability.NewRegistry(capability.AllowReplace(cfg.AllowReplace), capability.WithLogger(logger)),
		engine,
		loom.WithHost(host),
		loom.WithBus(bus),
		loom.WithResultTopic(cfg.Bus.ResultTopic),
		loom.WithDefaultDeadline(cfg.DefaultDeadline),
		loom.WithGracePeriod(cfg.GracePeriod),
		loom.WithServeConcurrency(cfg.ServeConcurrency),
		loom.WithServeBacklog(cfg.ServeBacklog),
		loom.WithMetrics(reg),
		loom.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	if err := registerAll(ctx, broker, cfg.Manifests); err != nil {
		return err
	}
	if list {
		return printCapabilities(os.Stdout, broker.Capabilities())
	}

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slogx.Error(err))
			}
		}()
		defer func() { _ = srv.Shutdown(context.WithoutCancel(ctx)) }()
	}

	sub, err := broker.Serve(ctx, cfg.Bus.RequestTopic)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	fmt.Fprintf(os.Stderr, "%s serving %s, results on %s, %d capabilities\n",
		color.GreenString("loomd"),
		color.CyanString(cfg.Bus.RequestTopic),
		color.CyanString(cfg.Bus.ResultTopic),
		len(broker.Capabilities()),
	)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-reload:
			reloadPolicy(broker, cfg.Policy, logger)
		}
	}
}

// reloadPolicy swaps in the policy file again. A policy that fails to load or
// validate leaves the active one in place.
func reloadPolicy(broker *loom.Broker, path string, logger *slog.Logger) {
	if path == "" {
		logger.Info("no policy file to reload")
		return
	}
	p, err := policy.LoadFile(path)
	if err == nil {
		err = broker.SetPolicy(p)
	}
	if err != nil {
		logger.Error("failed to reload policy", slog.String("path", path), slogx.Error(err))
	}
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return mux
}

func sandboxLimits(l capability.Limits) capability.Limits {
	d := sandbox.DefaultLimits
	if l.MemoryBytes > 0 {
		d.MemoryBytes = l.MemoryBytes
	}
	if l.Timeout > 0 {
		d.Timeout = l.Timeout
	}
	if l.MaxOutputBytes > 0 {
		d.MaxOutputBytes = l.MaxOutputBytes
	}
	if l.MaxConcurrency > 0 {
		d.MaxConcurrency = l.MaxConcurrency
	}
	return d
}
