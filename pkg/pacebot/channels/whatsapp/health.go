package whatsapp

import (
	"context"
	"time"
)

// HealthMonitorConfig configures detection of silent disconnects.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often the connection is checked.
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long the connection may see no activity
	// before the client state is double-checked.
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a reconnect after this much silence even
	// if the client still reports connected (0 = never).
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultHealthMonitorConfig returns the defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 30 * time.Minute,
	}
}

// StartHealthMonitor checks the connection periodically until ctx ends.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if w.checkHealth(cfg, time.Now()) {
					go w.attemptReconnect()
				}
			}
		}
	}()
}

// checkHealth reports whether a reconnect is needed.
func (w *WhatsApp) checkHealth(cfg HealthMonitorConfig, now time.Time) bool {
	if w.getState() != StateConnected {
		return false
	}

	last, _ := w.lastMsg.Load().(time.Time)
	silent := now.Sub(last)
	if silent <= cfg.MaxSilentDuration {
		return false
	}

	if w.client != nil && !w.client.IsConnected() {
		w.logger.Error("client reports disconnected while state is connected", "silent", silent)
		w.connected.Store(false)
		return true
	}
	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		w.logger.Warn("forcing reconnect after long silence", "silent", silent)
		w.connected.Store(false)
		return true
	}
	return false
}
