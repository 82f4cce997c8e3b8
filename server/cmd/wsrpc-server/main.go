package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudide/wsrpc/server"
	"github.com/cloudide/wsrpc/shared/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variable names
const (
	EnvDatabaseURL = "WSRPC_DATABASE_URL"
	EnvConfigYAML  = "WSRPC_CONFIG_YAML"
)

func applyLogLevel(logger *zap.Logger, level zap.AtomicLevel, cfg config.IConfig) {
	name, err := cfg.LogLevel()
	if err != nil {
		logger.Warn("Failed to get log level from config, keeping current", zap.Error(err))
		return
	}
	parsed, err := zap.ParseAtomicLevel(name)
	if err != nil {
		logger.Warn("Invalid log level in config, keeping current", zap.String("level", name), zap.Error(err))
		return
	}
	if parsed.Level() != level.Level() {
		logger.Info("Updating log level", zap.String("level", name))
		level.SetLevel(parsed.Level())
	}
}

func main() {
	logerConfig := zap.NewProductionConfig()
	logerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := logerConfig.Build()
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	port := flag.Int("port", 0, "Port to run the server on")
	configPath := flag.String("config", "", "Path to YAML configuration file")
	dbURL := flag.String("db", "", "PostgreSQL connection string for configuration")
	flag.Parse()

	if *dbURL != "" && *configPath != "" {
		logger.Fatal("Cannot specify both -db and -config")
	}
	databaseURL := os.Getenv(EnvDatabaseURL)
	if *dbURL != "" {
		databaseURL = *dbURL
	}
	yamlPath := os.Getenv(EnvConfigYAML)
	if *configPath != "" {
		yamlPath = *configPath
		databaseURL = ""
	}

	// Create a context that cancels on SIGINT or SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var cfg config.IConfig
	switch {
	case databaseURL != "":
		logger.Info("Loading configuration from database")
		cfg, err = config.NewDatabaseConfig(databaseURL, logger)
		if err != nil {
			logger.Fatal("Failed to create database config", zap.Error(err))
		}
	default:
		if yamlPath == "" {
			yamlPath = "config.yaml"
		}
		logger.Info("Loading configuration from YAML file", zap.String("path", yamlPath))
		yamlCfg, err := config.NewYamlConfig(yamlPath, logger)
		if err != nil {
			logger.Fatal("Failed to create YAML config", zap.Error(err))
		}
		if err := yamlCfg.Watch(ctx, func() { applyLogLevel(logger, logerConfig.Level, yamlCfg) }); err != nil {
			logger.Warn("Configuration hot reload disabled", zap.Error(err))
		}
		cfg = yamlCfg
	}
	defer cfg.Close()

	applyLogLevel(logger, logerConfig.Level, cfg)

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		logger.Info("Received shutdown signal, stopping server...")
		cancel()
	}()

	var serverOptions []server.ServerOption
	if *port != 0 {
		serverOptions = append(serverOptions, server.WithListenAddr(fmt.Sprintf(":%d", *port)))
	}
	if paths, err := cfg.WatchPaths(); err == nil && len(paths) > 0 {
		serverOptions = append(serverOptions, server.WithFileWatcher(paths...))
	}

	errChan, err := server.Start(ctx, logger, cfg, serverOptions...)
	if err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// Drain until shutdown completes; the channel closes afterwards.
	for serveErr := range errChan {
		if serveErr != nil {
			logger.Error("Server encountered an error", zap.Error(serveErr))
			cancel()
		}
	}
	logger.Info("Server stopped")
}
