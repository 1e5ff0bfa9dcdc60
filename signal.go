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
	"os/signal"
	"strings"
	"sync"
	"syscall"
)

// -----------------------------------------------------------------------------
// Signal Source
// -----------------------------------------------------------------------------

// SignalSource cancels its operation when one of the watched OS signals
// arrives. Multiple sources may watch the same signal concurrently: the
// process installs one handler per signal and fans delivery out to every
// interested source through the bridge, so handler work stays off the signal
// delivery path.
type SignalSource struct {
	baseSource
	signals []os.Signal

	mu   sync.Mutex
	trig Trigger
}

// NewSignalSource creates a signal source. With no arguments it watches
// SIGINT and SIGTERM.
func NewSignalSource(sigs ...os.Signal) *SignalSource {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	names := make([]string, len(sigs))
	for i, sig := range sigs {
		names[i] = sig.String()
	}
	return &SignalSource{
		baseSource: baseSource{
			name:   fmt.Sprintf("signal(%s)", strings.Join(names, ",")),
			reason: ReasonSignal,
		},
		signals: sigs,
	}
}

// Signals returns the watched signals.
func (s *SignalSource) Signals() []os.Signal {
	return append([]os.Signal(nil), s.signals...)
}

// Start registers this source with the process signal table.
func (s *SignalSource) Start(ctx context.Context, trig Trigger) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSourceStarted
	}
	s.mu.Lock()
	s.trig = trig
	s.mu.Unlock()
	for _, sig := range s.signals {
		processSignals.register(sig, s)
	}
	return nil
}

// Stop deregisters from the signal table. The last source watching a signal
// restores the default disposition for it.
func (s *SignalSource) Stop() {
	for _, sig := range s.signals {
		processSignals.deregister(sig, s)
	}
}

// deliver is called on the bridge goroutine when a watched signal arrives.
func (s *SignalSource) deliver(sig os.Signal) {
	s.mu.Lock()
	trig := s.trig
	s.mu.Unlock()
	if trig == nil {
		return
	}
	s.fire(trig, s, ReasonSignal, fmt.Sprintf("received signal %s", sig))
}

// -----------------------------------------------------------------------------
// Process Signal Table
// -----------------------------------------------------------------------------

// signalTable multiplexes OS signal delivery to registered sources. One
// signal.Notify channel exists per distinct signal; it is installed when the
// first source registers and removed when the last deregisters.
type signalTable struct {
	mu      sync.Mutex
	entries map[os.Signal]*signalEntry
	logger  *slog.Logger
	metrics *Metrics
}

type signalEntry struct {
	ch      chan os.Signal
	stop    chan struct{}
	sources map[*SignalSource]struct{}
}

var processSignals = &signalTable{
	entries: make(map[os.Signal]*signalEntry),
	logger:  slog.Default().With(slog.String("component", "signal_table")),
}

// SetSignalMetrics attaches a metrics sink to the process signal table.
func SetSignalMetrics(m *Metrics) {
	processSignals.mu.Lock()
	defer processSignals.mu.Unlock()
	processSignals.metrics = m
}

func (t *signalTable) register(sig os.Signal, src *SignalSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[sig]
	if !ok {
		entry = &signalEntry{
			ch:      make(chan os.Signal, 1),
			stop:    make(chan struct{}),
			sources: make(map[*SignalSource]struct{}),
		}
		t.entries[sig] = entry
		signal.Notify(entry.ch, sig)
		go t.watch(sig, entry)
		t.logger.Debug("installed signal handler", slog.String("signal", sig.String()))
	}
	entry.sources[src] = struct{}{}
}

func (t *signalTable) deregister(sig os.Signal, src *SignalSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[sig]
	if !ok {
		return
	}
	delete(entry.sources, src)
	if len(entry.sources) == 0 {
		signal.Stop(entry.ch)
		close(entry.stop)
		delete(t.entries, sig)
		t.logger.Debug("removed signal handler", slog.String("signal", sig.String()))
	}
}

// watch forwards deliveries of sig to every registered source via the
// process bridge, keeping signal handling serialized and off this goroutine.
func (t *signalTable) watch(sig os.Signal, entry *signalEntry) {
	for {
		select {
		case <-entry.stop:
			return
		case got := <-entry.ch:
			t.dispatch(got, entry)
		}
	}
}

func (t *signalTable) dispatch(got os.Signal, entry *signalEntry) {
	t.mu.Lock()
	targets := make([]*SignalSource, 0, len(entry.sources))
	for src := range entry.sources {
		targets = append(targets, src)
	}
	m := t.metrics
	t.mu.Unlock()

	t.logger.Info("dispatching signal",
		slog.String("signal", got.String()),
		slog.Int("sources", len(targets)))
	if m != nil {
		m.SignalDispatchTotal.WithLabelValues(got.String()).Inc()
	}
	for _, src := range targets {
		src := src
		DefaultBridge().Submit(func() { src.deliver(got) })
	}
}
