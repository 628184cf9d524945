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

	"github.com/flyingrobots/go-pg-outbox/internal/config"
	"github.com/flyingrobots/go-pg-outbox/internal/obs"
	"github.com/flyingrobots/go-pg-outbox/internal/outbox"
	"github.com/flyingrobots/go-pg-outbox/internal/outbox/postgres"
	"github.com/flyingrobots/go-pg-outbox/internal/outbox/redispush"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	driver, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("open postgres driver failed", obs.Err(err))
	}
	defer driver.Close()

	if err := driver.Migrate(ctx); err != nil {
		logger.Fatal("migrate failed", obs.Err(err))
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		logger.Fatal("build event registry failed", obs.Err(err))
	}
	listeners := outbox.NewListenerRegistry()

	pipeline := outbox.NewPipeline(
		outbox.NewTracingMiddleware(),
		outbox.NewMetricsMiddleware(),
		outbox.NewBreakerMiddleware(cfg.Breaker.Window, cfg.Breaker.Cooldown, cfg.Breaker.FailureThreshold, cfg.Breaker.MinSamples),
	)
	filters := outbox.NewFilterChain()

	var push outbox.PushNotificationListener
	switch cfg.Push.Backend {
	case "postgres":
		push = postgres.NewNotifyListener(cfg.Postgres.DSN, cfg.Push.Channel, cfg.Push.ReconnectMin, cfg.Push.ReconnectMax)
	case "redis":
		push = redispush.New(cfg.Push.RedisAddr, cfg.Push.Channel)
	}

	poller := outbox.NewPoller(driver, registry, listeners, pipeline, filters, outbox.PollerConfig{
		PollInterval:             cfg.Poller.PollInterval,
		MaxEventsPerTick:         cfg.Poller.MaxEventsPerTick,
		PushNotificationThrottle: cfg.Poller.PushNotificationThrottle,
	}, push, logger)

	readyCheck := func(c context.Context) error {
		_, err := driver.FindPending(c, 1)
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		if err := poller.Shutdown(context.Background()); err != nil {
			logger.Warn("poller shutdown error", obs.Err(err))
		}
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
		}
	}()

	if err := poller.Start(ctx); err != nil {
		logger.Fatal("poller start failed", obs.Err(err))
	}
	logger.Info("outbox relay started", obs.String("poller", poller.String()))

	<-ctx.Done()
}

// buildRegistry converts the declarative config.EventPolicy list into the
// runtime EventConfig registry (§3.2). RetryStrategy stays nil, defaulting
// to a fixed delay of ReadyToRetryAfterTTL.
func buildRegistry(cfg *config.Config) (*outbox.ConfigRegistry, error) {
	configs := make([]outbox.EventConfig, 0, len(cfg.Events))
	for _, e := range cfg.Events {
		configs = append(configs, outbox.EventConfig{
			Name:                   e.Name,
			ExpiresAtTTLMs:         e.ExpiresAtTTL.Milliseconds(),
			ReadyToRetryAfterTTLMs: e.ReadyToRetryAfterTTL.Milliseconds(),
			MaxExecutionTimeTTLMs:  e.MaxExecutionTimeTTL.Milliseconds(),
			MaxRetries:             e.MaxRetries,
		})
	}
	return outbox.NewConfigRegistry(configs...)
}
