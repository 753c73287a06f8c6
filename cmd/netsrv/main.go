// Package main implements the entry point for netsrv, the edge data
// forwarding daemon. netsrv polls structured records out of the local
// store and relays them to broker subjects, HTTP collectors, and
// cloud-IoT endpoints according to a reloadable routing configuration.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/HeKunYang1996/netsrv/adapter/broker"
	"github.com/HeKunYang1996/netsrv/config"
	"github.com/HeKunYang1996/netsrv/engine"
	"github.com/HeKunYang1996/netsrv/metric"
	"github.com/HeKunYang1996/netsrv/natsclient"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "netsrv"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		gen, err := config.Load(cliCfg.ConfigPath)
		if err != nil {
			return fmt.Errorf("configuration invalid: %w", err)
		}
		logger.Info("configuration is valid", "summary", config.Summary(gen))
		return nil
	}

	logger.Info("starting netsrv",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"redis", cliCfg.RedisAddr,
		"nats", cliCfg.NATSURL)

	ctx := context.Background()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cliCfg.RedisAddr,
		Password: cliCfg.RedisPassword,
		DB:       cliCfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		// The poller retries every cycle, so an unreachable store at boot
		// is not fatal
		logger.Warn("source store unreachable at startup", "error", err)
	}
	cancel()

	var pub broker.Publisher
	if cliCfg.NATSURL != "" {
		nc := natsclient.NewClient(cliCfg.NATSURL,
			natsclient.WithName(appName),
			natsclient.WithLogger(logger))
		if err := nc.Connect(ctx); err != nil {
			return fmt.Errorf("broker connect: %w", err)
		}
		defer nc.Close()
		pub = nc
	}

	metricsRegistry := metric.NewRegistry()

	eng, err := engine.New(engine.Options{
		ConfigPath: cliCfg.ConfigPath,
		Redis:      redisClient,
		Broker:     pub,
		Logger:     logger,
		Metrics:    metricsRegistry.Metrics,
	})
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	var admin *adminServer
	if cliCfg.AdminPort > 0 {
		admin = newAdminServer(cliCfg.AdminPort, eng, metricsRegistry, logger)
		admin.start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	if admin != nil {
		admin.stop(5 * time.Second)
	}
	return eng.Stop(cliCfg.ShutdownTimeout)
}
