// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"context"
	"log/slog"
	"sync"
)

// -----------------------------------------------------------------------------
// Bridge
// -----------------------------------------------------------------------------

// DefaultBridgeBuffer is the submission queue capacity used when a Bridge is
// constructed with a non-positive buffer size.
const DefaultBridgeBuffer = 1000

// Bridge hands work from arbitrary goroutines (signal dispatch, OS callbacks,
// foreign threads) to a single serving goroutine that executes submissions
// one at a time, in order.
//
// Submissions made before Start are staged and drained in order once the
// bridge starts. After the queue is full, Submit drops the work and logs a
// warning rather than blocking the submitter.
//
// Thread Safety: all methods are safe for concurrent use.
type Bridge struct {
	logger  *slog.Logger
	metrics *Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	staged  []func()
	queue   chan func()
	done    chan struct{}
}

var (
	defaultBridge     *Bridge
	defaultBridgeOnce sync.Once
)

// DefaultBridge returns the process-wide bridge, creating and starting it on
// first use. Signal dispatch routes through it.
func DefaultBridge() *Bridge {
	defaultBridgeOnce.Do(func() {
		defaultBridge = NewBridge(DefaultBridgeBuffer, slog.Default())
		defaultBridge.Start(context.Background())
	})
	return defaultBridge
}

// NewBridge creates a bridge with the given queue capacity. A non-positive
// buffer falls back to DefaultBridgeBuffer. The bridge does not serve until
// Start is called.
func NewBridge(buffer int, logger *slog.Logger) *Bridge {
	if buffer <= 0 {
		buffer = DefaultBridgeBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		logger: logger.With(slog.String("component", "bridge")),
		queue:  make(chan func(), buffer),
		done:   make(chan struct{}),
	}
}

// SetMetrics attaches a metrics sink. Call before Start.
func (b *Bridge) SetMetrics(m *Metrics) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics = m
}

// Start launches the serving goroutine. Staged pre-start submissions drain
// first, in submission order. Start is idempotent; the bridge serves until
// ctx is cancelled or Stop is called.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.started = true
	staged := b.staged
	b.staged = nil
	b.mu.Unlock()

	for _, fn := range staged {
		select {
		case b.queue <- fn:
		default:
			b.dropped()
		}
	}

	go b.serve(ctx)
}

func (b *Bridge) serve(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn, ok := <-b.queue:
			if !ok {
				return
			}
			b.run(fn)
		}
	}
}

func (b *Bridge) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bridge submission panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// Submit enqueues fn for execution on the serving goroutine. Submit never
// blocks: if the queue is full the submission is dropped with a warning.
// Submissions before Start are staged; submissions after Stop are dropped.
func (b *Bridge) Submit(fn func()) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.dropped()
		return
	}
	if !b.started {
		if len(b.staged) >= cap(b.queue) {
			b.mu.Unlock()
			b.dropped()
			return
		}
		b.staged = append(b.staged, fn)
		b.mu.Unlock()
		return
	}

	// Non-blocking send under the lock so Stop cannot close the queue
	// mid-submit.
	select {
	case b.queue <- fn:
		b.mu.Unlock()
	default:
		b.mu.Unlock()
		b.dropped()
	}
}

func (b *Bridge) dropped() {
	b.logger.Warn("bridge queue full, dropping submission")
	b.mu.Lock()
	m := b.metrics
	b.mu.Unlock()
	if m != nil {
		m.BridgeDroppedTotal.Inc()
	}
}

// Stop closes the submission queue. Queued work still runs; new submissions
// are dropped. Done unblocks once the queue drains.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	started := b.started
	close(b.queue)
	b.mu.Unlock()

	if !started {
		close(b.done)
	}
}

// Done returns a channel closed when the serving goroutine exits.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}
