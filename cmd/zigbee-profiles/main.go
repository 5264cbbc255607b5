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

	"zigbee-profiles/internal/coordinator"
	mqttgw "zigbee-profiles/internal/mqtt"
	"zigbee-profiles/internal/profile"
	"zigbee-profiles/internal/store"
	"zigbee-profiles/internal/web"
	"zigbee-profiles/internal/zcl"
	"zigbee-profiles/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	MQTT struct {
		Broker          string        `yaml:"broker"`
		Username        string        `yaml:"username"`
		Password        string        `yaml:"password"`
		ClientID        string        `yaml:"client_id"`
		BaseTopic       string        `yaml:"base_topic"`
		StatusTopic     string        `yaml:"status_topic"`
		DiscoveryPrefix string        `yaml:"discovery_prefix"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Commission struct {
		MaxAttempts  int           `yaml:"max_attempts"`
		RetryInitial time.Duration `yaml:"retry_initial"`
		RetryMax     time.Duration `yaml:"retry_max"`
		RunTimeout   time.Duration `yaml:"run_timeout"`
		Debounce     time.Duration `yaml:"debounce"`
	} `yaml:"commission"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ProfilesDir string `yaml:"profiles_dir"`
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if c.Commission.MaxAttempts < 0 {
		return fmt.Errorf("commission.max_attempts must not be negative, got %d", c.Commission.MaxAttempts)
	}
	if c.Commission.RetryMax > 0 && c.Commission.RetryInitial > c.Commission.RetryMax {
		return fmt.Errorf("commission.retry_initial (%s) exceeds commission.retry_max (%s)",
			c.Commission.RetryInitial, c.Commission.RetryMax)
	}
	return nil
}

func (c *Config) coordinatorConfig() coordinator.Config {
	return coordinator.Config{
		MaxAttempts:  c.Commission.MaxAttempts,
		RetryInitial: c.Commission.RetryInitial,
		RetryMax:     c.Commission.RetryMax,
		RunTimeout:   c.Commission.RunTimeout,
		Debounce:     c.Commission.Debounce,
	}
}

func (c *Config) mqttConfig() mqttgw.Config {
	return mqttgw.Config{
		Broker:          c.MQTT.Broker,
		Username:        c.MQTT.Username,
		Password:        c.MQTT.Password,
		ClientID:        c.MQTT.ClientID,
		BaseTopic:       c.MQTT.BaseTopic,
		StatusTopic:     c.MQTT.StatusTopic,
		DiscoveryPrefix: c.MQTT.DiscoveryPrefix,
		RequestTimeout:  c.MQTT.RequestTimeout,
	}
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

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-profiles starting", "version", version)

	registry := zcl.NewRegistry(logger)
	clusters.Register(registry)

	profiles, err := loadProfiles(cfg, registry, logger)
	if err != nil {
		logger.Error("load profiles", "err", err)
		os.Exit(1)
	}
	logger.Info("profile registry initialized", "clusters", len(registry.All()), "profiles", profiles.Len())

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	gw := mqttgw.NewGateway(cfg.mqttConfig(), logger)
	defer gw.Close()

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(gw, db, profiles, events, cfg.coordinatorConfig(), logger)

	// The bridge hooks the gateway's connect handler, so it must exist
	// before the first connect.
	bridge := mqttgw.NewBridge(gw, coord, logger)
	bridge.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		bridge.Stop()
		gw.Close()
		db.Close()
		os.Exit(1)
	}
	cancel()

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(coord, registry, logger, webOpts...)

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
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()
	bridge.Stop()

	logger.Info("goodbye")
}

// loadProfiles builds the profile registry from the compiled-in profiles
// plus any definitions found in the profiles directory.
func loadProfiles(cfg *Config, registry *zcl.Registry, logger *slog.Logger) (*profile.Registry, error) {
	profiles := profile.NewRegistry(registry)
	for _, p := range profile.Builtin() {
		if err := profiles.Add(p); err != nil {
			return nil, fmt.Errorf("builtin profile %s: %w", p.Model, err)
		}
	}
	if _, err := profile.LoadDir(cfg.ProfilesDir, profiles, logger); err != nil {
		return nil, err
	}
	return profiles, nil
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
		cfg.Store.Path = "zigbee-profiles.db"
	}
	if cfg.ProfilesDir == "" {
		cfg.ProfilesDir = "profiles"
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
