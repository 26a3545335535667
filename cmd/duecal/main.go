package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"duecal/internal/capture"
	"duecal/internal/config"
	"duecal/internal/dashboard"
	"duecal/internal/fetch"
	appLog "duecal/internal/log"
	"duecal/internal/metrics"
	"duecal/internal/web"
)

const version = "0.3.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}
	appLog.Info("duecal starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if !flags.debug {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"cache_seconds", conf.CacheSeconds,
		"due_soon_days", conf.DueSoonDays,
		"calendars", len(conf.Calendars),
		"tasks", len(conf.Tasks),
		"filters", len(conf.Filters),
		"capture", conf.Capture.Enabled,
		"once", flags.once,
	)

	m := metrics.New()
	fetcher := fetch.NewFetcher(conf.CacheDir, fetch.WithMetrics(m))
	dash := dashboard.New(conf, flags.configPath, fetcher, dashboard.WithMetrics(m))
	srv := web.NewServer(conf, dash, m, conf.Capture.Output)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe(ctx) }()

	job := refreshJob(dash, conf)

	if flags.once {
		// The snapshot renders /calendar through the server started above.
		waitForServer(ctx, conf.Listen)
		job(ctx)
		cancel()
		if err := <-srvErr; err != nil {
			appLog.Error("HTTP server stopped with error", err)
		}
		appLog.Info("duecal exiting", "mode", "once")
		return
	}

	sched, err := newScheduler(conf.RefreshCron, dash.Location(), func() { job(ctx) })
	if err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()

	// Warm caches and the snapshot without waiting for the first tick.
	go func() {
		waitForServer(ctx, conf.Listen)
		job(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			appLog.Error("HTTP server stopped with error", err)
		}
		cancel()
	}

	<-sched.Stop().Done()
	appLog.Info("duecal exiting")
}

// refreshJob refreshes the dashboard and, when enabled, re-renders the PNG
// snapshot.
func refreshJob(dash *dashboard.Service, conf *config.Config) func(context.Context) {
	return func(ctx context.Context) {
		if ctx.Err() != nil {
			return
		}
		if err := dash.Refresh(ctx); err != nil {
			appLog.Error("refresh finished with errors", err)
		}
		if !conf.Capture.Enabled {
			return
		}
		opts := capture.OptionsFromConfig(conf.Capture, conf.Listen)
		if err := capture.CaptureCalendarPNG(ctx, opts); err != nil {
			appLog.Error("calendar snapshot failed", err, "url", fetch.RedactURL(opts.URL))
		}
	}
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/duecal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one refresh(+snapshot) cycle and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}

// waitForServer polls /health until the listener answers or a few seconds
// pass.
func waitForServer(ctx context.Context, listen string) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil || healthy(ctx, listen) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	appLog.Warn("HTTP server not ready; continuing", "listen", listen)
}
