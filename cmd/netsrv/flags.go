package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	NATSURL         string
	LogLevel        string
	LogFormat       string
	AdminPort       int
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("NETSRV_CONFIG", "configs/netsrv.yaml"),
		"Path to configuration file (env: NETSRV_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("NETSRV_CONFIG", "configs/netsrv.yaml"),
		"Path to configuration file (env: NETSRV_CONFIG)")

	flag.StringVar(&cfg.RedisAddr, "redis",
		getEnv("NETSRV_REDIS_ADDR", "localhost:6379"),
		"Source store address (env: NETSRV_REDIS_ADDR)")

	flag.StringVar(&cfg.RedisPassword, "redis-password",
		getEnv("NETSRV_REDIS_PASSWORD", ""),
		"Source store password (env: NETSRV_REDIS_PASSWORD)")

	flag.IntVar(&cfg.RedisDB, "redis-db",
		getEnvInt("NETSRV_REDIS_DB", 0),
		"Source store database number (env: NETSRV_REDIS_DB)")

	flag.StringVar(&cfg.NATSURL, "nats",
		getEnv("NETSRV_NATS_URL", "nats://localhost:4222"),
		"Broker URL, empty to disable broker routes (env: NETSRV_NATS_URL)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("NETSRV_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: NETSRV_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("NETSRV_LOG_FORMAT", "json"),
		"Log format: json, text (env: NETSRV_LOG_FORMAT)")

	flag.IntVar(&cfg.AdminPort, "admin-port",
		getEnvInt("NETSRV_ADMIN_PORT", 8080),
		"Health/metrics/admin port, 0 to disable (env: NETSRV_ADMIN_PORT)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("NETSRV_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: NETSRV_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printDetailedHelp

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.AdminPort < 0 || cfg.AdminPort > 65535 {
		return fmt.Errorf("invalid admin port: %d", cfg.AdminPort)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Edge Data Forwarding Daemon

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/etc/netsrv/netsrv.yaml

  # Run with debug logging against a remote store
  %s --redis=10.0.0.5:6379 --log-level=debug --log-format=text

  # Run with environment variables
  export NETSRV_CONFIG=/etc/netsrv/netsrv.yaml
  export NETSRV_NATS_URL=nats://broker:4222
  %s

  # Validate configuration only
  %s --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
