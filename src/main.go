package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/skyrelay/skyrelay/src/config"
	"github.com/skyrelay/skyrelay/src/connectors"
	"github.com/skyrelay/skyrelay/src/connectors/ably"
	"github.com/skyrelay/skyrelay/src/connectors/bluesky"
	"github.com/skyrelay/skyrelay/src/connectors/kafka"
	"github.com/skyrelay/skyrelay/src/connectors/mqtt"
	"github.com/skyrelay/skyrelay/src/connectors/nats"
	"github.com/skyrelay/skyrelay/src/connectors/pubsub"
	"github.com/skyrelay/skyrelay/src/connectors/redis"
	"github.com/skyrelay/skyrelay/src/health"
	"github.com/skyrelay/skyrelay/src/relay"
	"github.com/skyrelay/skyrelay/src/supervisor"
)

func main() {
	w := os.Stdout

	// Set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(w, &tint.Options{
			Level:      slog.LevelDebug,
			TimeFormat: time.Kitchen,
		}),
	))

	envCfg, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load environment configuration", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := supervisor.NewStore()
	rel := relay.New(slog.Default(), cfg.Relay.QueueCapacity, relay.Policy(cfg.Relay.Backpressure))
	sup := supervisor.New(slog.Default(), store, rel, cfg.Supervisor)

	var sources []connectors.Source
	for _, sc := range cfg.Sources {
		src, err := buildSource(sc, envCfg)
		if err != nil {
			var authErr *connectors.AuthError
			if errors.As(err, &authErr) {
				slog.Error("upstream authentication failed", "type", sc.Type, "error", err)
				os.Exit(1)
			}
			slog.Error("failed to create source", "type", sc.Type, "error", err)
			os.Exit(1)
		}
		slog.Info("using source", "name", src.Name(), "type", sc.Type)
		sources = append(sources, src)
		sup.AddSource(src)
	}

	var sinks []connectors.Sink
	for _, sc := range cfg.Sinks {
		sink, err := buildSink(sc, envCfg)
		if err != nil {
			slog.Error("failed to create sink", "sink", sc.Name, "error", err)
			os.Exit(1)
		}
		slog.Info("using sink", "name", sink.Name(), "type", sc.Type)
		sinks = append(sinks, sink)
		sup.AddSink(sink)
	}

	hs := health.New(slog.Default(), cfg.Health.Address, store, rel)
	if err := hs.Start(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	err = sup.Run(ctx)

	if err := hs.Shutdown(); err != nil {
		slog.Warn("health server shutdown", "error", err)
	}
	for _, src := range sources {
		if cerr := src.Close(); cerr != nil {
			slog.Warn("source close", "source", src.Name(), "error", cerr)
		}
	}
	for _, sink := range sinks {
		if cerr := sink.Close(); cerr != nil {
			slog.Warn("sink close", "sink", sink.Name(), "error", cerr)
		}
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("relay terminated", "error", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

// buildSource constructs a source connector, filling upstream credentials
// from the environment when the options map leaves them out.
func buildSource(sc connectors.SourceConfig, envCfg *config.EnvConfig) (connectors.Source, error) {
	switch sc.Type {
	case "bluesky":
		opts := cloneOptions(sc.Options)
		if _, ok := opts["identifier"]; !ok && envCfg.BskyUsername != "" {
			opts["identifier"] = envCfg.BskyUsername
		}
		if _, ok := opts["password"]; !ok && envCfg.BskyPassword != "" {
			opts["password"] = envCfg.BskyPassword
		}
		return bluesky.NewSource(opts)
	}
	return nil, fmt.Errorf("unsupported source type: %s", sc.Type)
}

func buildSink(sc connectors.SinkConfig, envCfg *config.EnvConfig) (connectors.Sink, error) {
	if sc.Name == "" {
		sc.Name = sc.Type
	}
	switch sc.Type {
	case "ably":
		opts := cloneOptions(sc.Options)
		if _, ok := opts["apiKey"]; !ok && envCfg.AblyAPIKey != "" {
			opts["apiKey"] = envCfg.AblyAPIKey
		}
		return ably.NewSink(sc.Name, opts)
	case "nats":
		return nats.NewSink(sc.Name, sc.Options)
	case "redis":
		return redis.NewSink(sc.Name, sc.Options)
	case "kafka":
		return kafka.NewSink(sc.Name, sc.Options)
	case "mqtt":
		return mqtt.NewSink(sc.Name, sc.Options)
	case "pubsub":
		return pubsub.NewSink(sc.Name, sc.Options)
	}
	return nil, fmt.Errorf("unsupported sink type: %s", sc.Type)
}

func cloneOptions(opts map[string]any) map[string]any {
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		out[k] = v
	}
	return out
}
