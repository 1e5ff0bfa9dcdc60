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
	"runtime"
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Condition Source
// -----------------------------------------------------------------------------

// Predicate reports whether the cancellation condition currently holds.
// Predicates must be fast and side-effect free; a returned error is logged
// and treated as "condition not met".
type Predicate func(ctx context.Context) (bool, error)

// ConditionSource polls a predicate at a fixed interval and cancels the
// operation on the first true result. The first check happens one full
// interval after the scope is entered.
type ConditionSource struct {
	baseSource
	predicate Predicate
	interval  time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConditionSource creates a condition source. The name appears in the
// cancellation message; the interval must be positive.
func NewConditionSource(pred Predicate, interval time.Duration, name string) (*ConditionSource, error) {
	if pred == nil {
		return nil, ErrNilPredicate
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	if name == "" {
		name = "condition"
	}
	return &ConditionSource{
		baseSource: baseSource{
			name:   name,
			reason: ReasonCondition,
		},
		predicate: pred,
		interval:  interval,
		logger:    slog.Default().With(slog.String("component", "condition_source")),
	}, nil
}

// Interval returns the polling interval.
func (s *ConditionSource) Interval() time.Duration { return s.interval }

// Start launches the polling goroutine.
func (s *ConditionSource) Start(ctx context.Context, trig Trigger) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSourceStarted
	}
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.poll(pollCtx, trig, done)
	return nil
}

func (s *ConditionSource) poll(ctx context.Context, trig Trigger, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	checks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checks++
			met, err := s.predicate(ctx)
			if err != nil {
				s.logger.Warn("condition check failed",
					slog.String("condition", s.name),
					slog.String("error", err.Error()))
				continue
			}
			if met {
				s.fire(trig, s, ReasonCondition,
					fmt.Sprintf("condition '%s' met after %d checks", s.name, checks))
				return
			}
		}
	}
}

// Stop halts polling and waits for the poll goroutine to exit.
func (s *ConditionSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// -----------------------------------------------------------------------------
// Resource Condition Source
// -----------------------------------------------------------------------------

// ResourceThresholds configures the limits a ResourceConditionSource watches.
// A zero threshold disables that check.
type ResourceThresholds struct {
	// MemoryPercent cancels when system memory usage exceeds this percentage.
	MemoryPercent float64

	// CPUPercent cancels when system CPU usage exceeds this percentage.
	CPUPercent float64

	// GoroutineLimit cancels when the process goroutine count exceeds this
	// value.
	GoroutineLimit int

	// DiskPercent cancels when usage of the filesystem at DiskPath exceeds
	// this percentage.
	DiskPercent float64

	// DiskPath is the mount point checked for DiskPercent. Defaults to "/".
	DiskPath string
}

// NewResourceConditionSource creates a condition source that cancels when
// system resource usage crosses the configured thresholds. On platforms
// without resource probes every check reports "not exceeded" and a warning
// is logged once.
func NewResourceConditionSource(thresholds ResourceThresholds, interval time.Duration) (*ConditionSource, error) {
	if thresholds.DiskPath == "" {
		thresholds.DiskPath = "/"
	}
	probe := newResourceProbe()
	warned := false
	logger := slog.Default().With(slog.String("component", "resource_source"))

	pred := func(ctx context.Context) (bool, error) {
		if thresholds.GoroutineLimit > 0 && runtime.NumGoroutine() > thresholds.GoroutineLimit {
			return true, nil
		}
		usage, err := probe.sample(thresholds.DiskPath)
		if err != nil {
			if !warned {
				warned = true
				logger.Warn("resource probe unavailable", slog.String("error", err.Error()))
			}
			return false, nil
		}
		if thresholds.MemoryPercent > 0 && usage.MemoryPercent > thresholds.MemoryPercent {
			return true, nil
		}
		if thresholds.CPUPercent > 0 && usage.CPUPercent > thresholds.CPUPercent {
			return true, nil
		}
		if thresholds.DiskPercent > 0 && usage.DiskPercent > thresholds.DiskPercent {
			return true, nil
		}
		return false, nil
	}
	return NewConditionSource(pred, interval, "resource_limits")
}

// resourceUsage is one sample of system resource consumption.
type resourceUsage struct {
	MemoryPercent float64
	CPUPercent    float64
	DiskPercent   float64
}
