// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config holds the tunable parameters of the cancellation framework.
type Config struct {
	// HistoryLimit bounds the registry's finished-operation history.
	HistoryLimit int `yaml:"history_limit"`

	// BridgeBuffer is the bridge submission queue capacity.
	BridgeBuffer int `yaml:"bridge_buffer"`

	// StreamBuffer bounds the partial-result tail buffer of streams.
	StreamBuffer int `yaml:"stream_buffer"`

	// DefaultTimeout applies to scopes built through Runtime.TimeoutScope
	// when no explicit timeout is given.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// EnableMetrics turns on Prometheus instrumentation.
	EnableMetrics bool `yaml:"enable_metrics"`

	// MetricsNamespace is the Prometheus namespace. Defaults to "cancelable".
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.HistoryLimit == 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.BridgeBuffer == 0 {
		c.BridgeBuffer = DefaultBridgeBuffer
	}
	if c.StreamBuffer == 0 {
		c.StreamBuffer = DefaultStreamBuffer
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "cancelable"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must not be negative: %d", c.HistoryLimit)
	}
	if c.BridgeBuffer < 0 {
		return fmt.Errorf("bridge_buffer must not be negative: %d", c.BridgeBuffer)
	}
	if c.StreamBuffer < 0 {
		return fmt.Errorf("stream_buffer must not be negative: %d", c.StreamBuffer)
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("default_timeout must not be negative: %v", c.DefaultTimeout)
	}
	return nil
}

// LoadConfig reads a YAML config file, applies defaults, and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// -----------------------------------------------------------------------------
// Runtime
// -----------------------------------------------------------------------------

// Runtime bundles a configured registry, bridge, and optional metrics so an
// application wires the framework once and hands scopes out from a single
// place.
type Runtime struct {
	cfg      Config
	logger   *slog.Logger
	registry *Registry
	bridge   *Bridge
	metrics  *Metrics
}

// NewRuntime builds a runtime from cfg. The bridge is created but not
// started; call Start before relying on signal sources.
func NewRuntime(cfg Config, logger *slog.Logger) (*Runtime, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{
		cfg:      cfg,
		logger:   logger,
		registry: NewRegistry(cfg.HistoryLimit, logger),
		bridge:   NewBridge(cfg.BridgeBuffer, logger),
	}
	if cfg.EnableMetrics {
		rt.metrics = NewMetrics(nil, cfg.MetricsNamespace)
		rt.bridge.SetMetrics(rt.metrics)
		SetSignalMetrics(rt.metrics)
	}
	return rt, nil
}

// Registry returns the runtime's registry.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Bridge returns the runtime's bridge.
func (rt *Runtime) Bridge() *Bridge { return rt.bridge }

// Metrics returns the metrics sink, nil when metrics are disabled.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// Start launches the bridge. It serves until ctx is done or Stop is called.
func (rt *Runtime) Start(ctx context.Context) {
	rt.bridge.Start(ctx)
}

// Stop drains and shuts down the bridge.
func (rt *Runtime) Stop() {
	rt.bridge.Stop()
	<-rt.bridge.Done()
}

// scopeOpts returns the options every runtime-built scope shares.
func (rt *Runtime) scopeOpts(extra []Option) []Option {
	opts := []Option{WithRegistration(rt.registry), WithLogger(rt.logger)}
	if rt.metrics != nil {
		opts = append(opts, WithMetrics(rt.metrics))
	}
	return append(opts, extra...)
}

// Scope builds a registered scope using the runtime's registry and logger.
func (rt *Runtime) Scope(name string, opts ...Option) *Scope {
	return NewScope(name, rt.scopeOpts(opts)...)
}

// TimeoutScope builds a registered timeout scope. A non-positive d uses the
// configured default timeout.
func (rt *Runtime) TimeoutScope(name string, d time.Duration, opts ...Option) (*Scope, error) {
	if d <= 0 {
		d = rt.cfg.DefaultTimeout
	}
	return NewTimeoutScope(name, d, rt.scopeOpts(opts)...)
}
