package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"ecoflow-bridge/internal/coordinator"
	"ecoflow-bridge/internal/rest"
	"ecoflow-bridge/internal/signer"
	"ecoflow-bridge/internal/store"
	"ecoflow-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	API struct {
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		BaseURL   string `yaml:"base_url"`
	} `yaml:"api"`
	Poll struct {
		Interval       string `yaml:"interval"`
		CommandTimeout string `yaml:"command_timeout"`
	} `yaml:"poll"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.API.AccessKey == "" {
		return fmt.Errorf("api.access_key is required")
	}
	if c.API.SecretKey == "" {
		return fmt.Errorf("api.secret_key is required")
	}
	if _, err := time.ParseDuration(c.Poll.Interval); err != nil {
		return fmt.Errorf("poll.interval: %w", err)
	}
	if _, err := time.ParseDuration(c.Poll.CommandTimeout); err != nil {
		return fmt.Errorf("poll.command_timeout: %w", err)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("ecoflow-bridge starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// REST gateway
	creds := signer.Credentials{AccessKey: cfg.API.AccessKey, Secret: cfg.API.SecretKey}
	var restOpts []rest.Option
	if cfg.API.BaseURL != "" {
		restOpts = append(restOpts, rest.WithBaseURL(cfg.API.BaseURL))
	}
	api := rest.NewClient(creds, logger, restOpts...)

	pollInterval, _ := time.ParseDuration(cfg.Poll.Interval)
	commandTimeout, _ := time.ParseDuration(cfg.Poll.CommandTimeout)

	// Create coordinator
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(api, db, events, coordinator.Config{
		CommandTimeout: commandTimeout,
	}, logger)

	// Start coordinator: login, broker connect, device enumeration.
	startCtx, startCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := coord.Start(startCtx); err != nil {
		logger.Error("start coordinator", "err", err)
		startCancel()
		os.Exit(1)
	}
	startCancel()

	// Periodic snapshot refresh keeps derived state honest even if the
	// broker drops deltas.
	pollDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollDone:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), pollInterval)
				coord.RefreshAll(ctx)
				cancel()
			}
		}
	}()

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(coord, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	close(pollDone)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "ecoflow-bridge.db"
	}
	if cfg.Poll.Interval == "" {
		cfg.Poll.Interval = "60s"
	}
	if cfg.Poll.CommandTimeout == "" {
		cfg.Poll.CommandTimeout = "30s"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
