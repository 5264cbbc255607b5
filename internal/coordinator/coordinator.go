package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zigbee-profiles/internal/gateway"
	"zigbee-profiles/internal/profile"
	"zigbee-profiles/internal/store"
)

// Config holds commissioning orchestration settings.
type Config struct {
	// MaxAttempts bounds the commissioning attempts per run, first one included.
	MaxAttempts int
	// RetryInitial and RetryMax bound the exponential backoff between attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// RunTimeout caps one run including retries and the wait for the device
	// to show up in the gateway inventory.
	RunTimeout time.Duration
	// Debounce suppresses duplicate interview events for the same device.
	Debounce time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		RetryInitial: 5 * time.Second,
		RetryMax:     2 * time.Minute,
		RunTimeout:   10 * time.Minute,
		Debounce:     3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = d.RetryInitial
	}
	if c.RetryMax <= 0 {
		c.RetryMax = d.RetryMax
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = d.RunTimeout
	}
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	return c
}

// Coordinator commissions devices joining through a host gateway according
// to the registered profiles.
type Coordinator struct {
	gw       gateway.Gateway
	store    store.Store
	profiles *profile.Registry
	events   *EventBus
	devices  *DeviceManager
	logger   *slog.Logger
	config   Config
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Coordinator. Profiles are injected; nothing is
// discovered at runtime.
func New(gw gateway.Gateway, st store.Store, profiles *profile.Registry, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		gw:       gw,
		store:    st,
		profiles: profiles,
		events:   events,
		logger:   logger,
		config:   cfg.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.devices = NewDeviceManager(c)
	c.registerIndicationHandlers()
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start connects the gateway and commissions devices that are already
// interviewed but not configured under their current profile.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("starting gateway...")
	if err := c.gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	c.logger.Info("coordinator started", "profiles", c.profiles.Len())

	// The inventory arrives asynchronously after connect.
	if _, err := c.gw.Coordinator(ctx); err != nil {
		c.logger.Warn("gateway inventory not available, skipping reconcile", "err", err)
		return nil
	}
	c.devices.Reconcile()
	return nil
}

// Stop cancels the coordinator context and waits for in-progress runs.
func (c *Coordinator) Stop() {
	c.cancel()
	c.devices.CancelAll()
}

// Gateway returns the host gateway.
func (c *Coordinator) Gateway() gateway.Gateway {
	return c.gw
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Profiles returns the profile registry.
func (c *Coordinator) Profiles() *profile.Registry {
	return c.profiles
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}

// Config returns the effective orchestration settings.
func (c *Coordinator) Config() Config {
	return c.config
}

func (c *Coordinator) registerIndicationHandlers() {
	c.gw.OnDeviceJoined(func(evt gateway.DeviceJoinedEvent) {
		c.devices.HandleJoined(evt)
	})
	c.gw.OnDeviceInterviewed(func(evt gateway.DeviceInterviewedEvent) {
		c.devices.HandleInterviewed(evt)
	})
	c.gw.OnDeviceLeft(func(evt gateway.DeviceLeftEvent) {
		c.devices.HandleLeft(evt)
	})
}
