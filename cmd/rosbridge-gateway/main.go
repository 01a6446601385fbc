// Package main is the entry point for the rosbridge-gateway client demo.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	rosbridge "github.com/brightloop/rosbridge-client"
	"github.com/brightloop/rosbridge-client/internal/buildinfo"
	"github.com/brightloop/rosbridge-client/internal/codec"
	"github.com/brightloop/rosbridge-client/internal/config"
	"github.com/brightloop/rosbridge-client/internal/events"
	"github.com/brightloop/rosbridge-client/internal/reconnect"
	"github.com/brightloop/rosbridge-client/internal/transport/wsadapter"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "connect":
			runConnect(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("rosbridge-gateway - rosbridge-compatible protocol client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  connect   Connect to a rosbridge server and log events until signalled")
	fmt.Println("  version   Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runConnect(logger *slog.Logger, configPath string) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("starting rosbridge-gateway", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "url", cfg.Connection.URL, "codec", cfg.Connection.Codec)

	wireCodec, err := codec.Resolve(cfg.Connection.Codec)
	if err != nil {
		logger.Error("codec", "error", err)
		os.Exit(1)
	}

	bus := events.New()
	go logEvents(logger, bus)

	client := rosbridge.New(rosbridge.Options{
		Factory: wsadapter.Factory(wsadapter.Dialer{}),
		Codec:   wireCodec,
		Logger:  logger,
		Events:  bus,
		Reconnect: reconnect.Config{
			Enabled:      cfg.Reconnect.IsEnabled(),
			InitialDelay: cfg.Reconnect.InitialDelayDuration(),
			MaxDelay:     cfg.Reconnect.MaxDelayDuration(),
			Multiplier:   cfg.Reconnect.Multiplier,
			JitterRatio:  cfg.Reconnect.JitterRatio,
		},
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Connect(ctx, cfg.Connection.URL); err != nil {
		logger.Error("connect failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected", "url", cfg.Connection.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")
	if err := client.Close(); err != nil {
		logger.Error("close failed", "error", err)
	}
}

func logEvents(logger *slog.Logger, bus *events.Bus) {
	for ev := range bus.Subscribe(32) {
		logger.Debug("event", "source", ev.Source, "kind", ev.Kind, "data", ev.Data)
	}
}
