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
	"sync"
	"time"
)

// -----------------------------------------------------------------------------
// Timeout Source
// -----------------------------------------------------------------------------

// TimeoutSource cancels its operation after a fixed duration measured from
// when the scope is entered, not from construction.
type TimeoutSource struct {
	baseSource
	timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// NewTimeoutSource creates a timeout source. The duration must be positive.
func NewTimeoutSource(d time.Duration) (*TimeoutSource, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimeout, d)
	}
	return &TimeoutSource{
		baseSource: baseSource{
			name:   fmt.Sprintf("timeout(%v)", d),
			reason: ReasonTimeout,
		},
		timeout: d,
	}, nil
}

// Timeout returns the configured duration.
func (s *TimeoutSource) Timeout() time.Duration { return s.timeout }

// Deadline returns the absolute deadline assuming the clock starts now.
// Scopes use it to arm the cancel region's deadline.
func (s *TimeoutSource) Deadline(now time.Time) time.Time {
	return now.Add(s.timeout)
}

// Start arms the timer. The countdown begins here. The callback fires even if
// the scope's cancel region expired first: the token must observe the timeout
// regardless of which clock wins, and Stop disarms the timer on scope exit.
func (s *TimeoutSource) Start(ctx context.Context, trig Trigger) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSourceStarted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(s.timeout, func() {
		s.fire(trig, s, ReasonTimeout,
			fmt.Sprintf("operation timed out after %v", s.timeout))
	})
	return nil
}

// Stop disarms the timer.
func (s *TimeoutSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
