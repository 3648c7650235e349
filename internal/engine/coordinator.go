package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultSyncInterval is the recurring trigger period.
const DefaultSyncInterval = 5 * time.Minute

var errMissingEngine = errors.New("engine is required")

type trigger string

const (
	triggerOnline     trigger = "online"
	triggerForeground trigger = "foreground"
	triggerInterval   trigger = "interval"
	triggerManual     trigger = "manual"
)

// Coordinator funnels every pass trigger (connectivity transitions, the
// recurring timer, foreground visibility, explicit requests) into
// "start a pass if idle, else drop". It is the consumer-facing seam for
// the external connectivity/visibility signal source.
type Coordinator struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
	triggers chan trigger
}

// CoordinatorConfig configures the trigger loop.
type CoordinatorConfig struct {
	Engine   *Engine
	Interval time.Duration
	Logger   *zap.Logger
}

// NewCoordinator validates the configuration and constructs a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Coordinator{
		engine:   cfg.Engine,
		interval: interval,
		logger:   logger,
		// Buffer of one so bursts of idle-time triggers collapse into a
		// single pass.
		triggers: make(chan trigger, 1),
	}, nil
}

// Run drives the trigger loop until the context is canceled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runPass(ctx, triggerInterval)
		case reason := <-c.triggers:
			c.runPass(ctx, reason)
		}
	}
}

// NotifyOnline records the transition to online and requests a pass.
func (c *Coordinator) NotifyOnline() {
	c.engine.SetOnline(true)
	c.request(triggerOnline)
}

// NotifyOffline records the transition to offline. An in-flight pass runs
// to completion; only future scheduling is suppressed.
func (c *Coordinator) NotifyOffline() {
	c.engine.SetOnline(false)
}

// NotifyForeground requests a pass when the application regains
// visibility.
func (c *Coordinator) NotifyForeground() {
	c.request(triggerForeground)
}

// RequestSync requests a pass explicitly.
func (c *Coordinator) RequestSync() {
	c.request(triggerManual)
}

func (c *Coordinator) request(reason trigger) {
	// A trigger arriving while a pass runs is dropped outright; the next
	// natural trigger catches any work the running pass leaves behind.
	if c.engine.syncing.Load() {
		return
	}
	select {
	case c.triggers <- reason:
	default:
	}
}

func (c *Coordinator) runPass(ctx context.Context, reason trigger) {
	result, err := c.engine.RunPass(ctx)
	switch {
	case errors.Is(err, ErrPassInFlight), errors.Is(err, ErrOffline):
		c.logger.Debug("sync trigger dropped",
			zap.String("trigger", string(reason)),
			zap.Error(err))
	case err != nil:
		c.logger.Warn("sync pass failed",
			zap.String("trigger", string(reason)),
			zap.Error(err))
	default:
		c.logger.Debug("sync pass finished",
			zap.String("trigger", string(reason)),
			zap.Int("pushed", result.Pushed),
			zap.Int("pulled", result.Pulled),
			zap.Int("conflicts", result.Conflicts))
	}
}
