// Package main is the entry point for lcmware-bridge, a standalone
// process that brings up a Runtime over an MQTT-backed bus from a YAML
// config file, for deployments that want the dispatch loop running as
// its own service rather than embedded in a Go process.
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

	"github.com/kosmosisdire/lcmware-go/bus/mqttbus"
	"github.com/kosmosisdire/lcmware-go/config"
	"github.com/kosmosisdire/lcmware-go/internal/buildinfo"
	"github.com/kosmosisdire/lcmware-go/internal/connwatch"
	"github.com/kosmosisdire/lcmware-go/runtime"
	"github.com/kosmosisdire/lcmware-go/wire"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
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

	fmt.Println("lcmware-bridge - standalone runtime host for lcmware-go")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Connect to the configured broker and run the dispatch loop")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting lcmware-bridge", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

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

	logger.Info("config loaded", "path", cfgPath, "broker", cfg.Bus.Broker, "qos", cfg.Bus.QoS)

	clientName := cfg.Bus.ClientName
	if clientName == "" {
		clientName = wire.RandomClientName("brg")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := mqttbus.New(ctx, mqttbus.Config{
		Broker:         cfg.Bus.Broker,
		ClientID:       clientName,
		Username:       cfg.Bus.Username,
		Password:       cfg.Bus.Password,
		QoS:            byte(cfg.Bus.QoS),
		ConnectTimeout: time.Duration(cfg.Bus.ConnectTimeoutSec) * time.Second,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to broker", "broker", cfg.Bus.Broker, "error", err)
		os.Exit(1)
	}

	rt := runtime.New(b, logger)
	rt.StartHandler(ctx)
	logger.Info("runtime dispatch loop started")

	watchers := connwatch.NewManager(logger)
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:  "broker",
		Probe: rt.AwaitBus,
		OnDown: func(err error) {
			logger.Warn("broker connection lost", "error", err)
		},
		OnReady: func() {
			logger.Info("broker connection restored")
		},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("shutdown signal received")
	cancel()
	watchers.Stop()
	rt.StopHandler()
	if err := b.Disconnect(context.Background()); err != nil {
		logger.Warn("disconnect failed", "error", err)
	}

	logger.Info("lcmware-bridge stopped")
}
