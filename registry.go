// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// DefaultHistoryLimit bounds the registry's completed-operation history.
const DefaultHistoryLimit = 1000

// Filter selects operations for List and CancelAll. Zero-value fields match
// everything.
type Filter struct {
	// Status matches operations in exactly this state.
	Status *Status

	// ParentID matches direct children of the given operation.
	ParentID string

	// NameContains matches operations whose name contains this substring.
	NameContains string
}

func (f Filter) matches(oc *OperationContext) bool {
	if f.Status != nil && oc.Status != *f.Status {
		return false
	}
	if f.ParentID != "" && oc.ParentID != f.ParentID {
		return false
	}
	if f.NameContains != "" && !strings.Contains(oc.Name, f.NameContains) {
		return false
	}
	return true
}

// Statistics summarizes registry state at a point in time.
type Statistics struct {
	// ActiveOperations is the number of currently registered operations.
	ActiveOperations int

	// ActiveByStatus breaks active operations down by status name.
	ActiveByStatus map[string]int

	// HistorySize is the number of retained finished operations.
	HistorySize int

	// HistoryByStatus breaks history down by terminal status name.
	HistoryByStatus map[string]int

	// TotalCompleted counts successfully completed operations recorded since
	// the registry was created or last cleared, including ones evicted from
	// history.
	TotalCompleted int

	// AverageDuration is the mean duration of successfully completed
	// operations in history.
	AverageDuration time.Duration
}

// Registry tracks in-flight operations and retains a bounded history of
// finished ones. Scopes created with WithRegistration enroll themselves for
// the duration of their run.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu           sync.Mutex
	live         map[string]*Scope
	history      []OperationContext
	historyLimit int
	totalDone    int
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(DefaultHistoryLimit, slog.Default())
	})
	return defaultRegistry
}

// NewRegistry creates a registry retaining up to historyLimit finished
// operations. A non-positive limit falls back to DefaultHistoryLimit.
func NewRegistry(historyLimit int, logger *slog.Logger) *Registry {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:       logger.With(slog.String("component", "registry")),
		live:         make(map[string]*Scope),
		historyLimit: historyLimit,
	}
}

func (r *Registry) register(s *Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[s.ID()] = s
}

// unregister snapshots the scope's final record into history. Oldest entries
// are evicted once the history limit is reached.
func (r *Registry) unregister(s *Scope) {
	oc := s.Operation()
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, s.ID())
	if oc.Status == StatusCompleted {
		r.totalDone++
	}
	r.history = append(r.history, *oc)
	if len(r.history) > r.historyLimit {
		r.history = r.history[len(r.history)-r.historyLimit:]
	}
}

// Get returns the live scope with the given ID.
func (r *Registry) Get(id string) (*Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[id]
	return s, ok
}

// List returns snapshots of live operations matching the filter, without a
// guaranteed order.
func (r *Registry) List(f Filter) []*OperationContext {
	r.mu.Lock()
	scopes := make([]*Scope, 0, len(r.live))
	for _, s := range r.live {
		scopes = append(scopes, s)
	}
	r.mu.Unlock()

	out := make([]*OperationContext, 0, len(scopes))
	for _, s := range scopes {
		oc := s.Operation()
		if f.matches(oc) {
			out = append(out, oc)
		}
	}
	return out
}

// CancelOne cancels the live operation with the given ID. Returns false if
// no such operation is registered.
func (r *Registry) CancelOne(id string, reason Reason, message string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.Cancel(reason, message)
	return true
}

// CancelAll cancels every live operation matching the filter and returns how
// many were cancelled. Cancellations run concurrently; CancelAll waits for
// all of them to be delivered.
func (r *Registry) CancelAll(f Filter, reason Reason, message string) int {
	r.mu.Lock()
	targets := make([]*Scope, 0, len(r.live))
	for _, s := range r.live {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	var g errgroup.Group
	count := 0
	for _, s := range targets {
		if !f.matches(s.Operation()) {
			continue
		}
		count++
		s := s
		g.Go(func() error {
			s.Cancel(reason, message)
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Info("bulk cancellation",
		slog.Int("cancelled", count),
		slog.String("reason", reason.String()))
	return count
}

// History returns up to limit finished operations, newest first. A zero
// status pointer and zero since disable those filters; limit <= 0 means all.
func (r *Registry) History(limit int, status *Status, since time.Time) []OperationContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OperationContext, 0, len(r.history))
	for i := len(r.history) - 1; i >= 0; i-- {
		oc := r.history[i]
		if status != nil && oc.Status != *status {
			continue
		}
		if !since.IsZero() && oc.EndTime.Before(since) {
			continue
		}
		out = append(out, *oc.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// CleanupCompleted drops history entries that finished more than olderThan
// ago. With keepFailed, failed entries are retained regardless of age;
// cancelled entries age out like completed ones. Returns the number of
// entries removed.
func (r *Registry) CleanupCompleted(olderThan time.Duration, keepFailed bool) int {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.history[:0]
	removed := 0
	for _, oc := range r.history {
		old := oc.EndTime.Before(cutoff)
		protect := keepFailed && oc.Status == StatusFailed
		if old && !protect {
			removed++
			continue
		}
		kept = append(kept, oc)
	}
	r.history = kept
	if removed > 0 {
		r.logger.Debug("history cleanup", slog.Int("removed", removed))
	}
	return removed
}

// Statistics returns a consistent snapshot of registry state.
func (r *Registry) Statistics() Statistics {
	r.mu.Lock()
	scopes := make([]*Scope, 0, len(r.live))
	for _, s := range r.live {
		scopes = append(scopes, s)
	}
	history := append([]OperationContext(nil), r.history...)
	totalDone := r.totalDone
	r.mu.Unlock()

	stats := Statistics{
		ActiveOperations: len(scopes),
		ActiveByStatus:   make(map[string]int),
		HistorySize:      len(history),
		HistoryByStatus:  make(map[string]int),
		TotalCompleted:   totalDone,
	}
	for _, s := range scopes {
		stats.ActiveByStatus[s.Status().String()]++
	}
	var total time.Duration
	succeeded := 0
	for _, oc := range history {
		stats.HistoryByStatus[oc.Status.String()]++
		if oc.Status == StatusCompleted {
			succeeded++
			total += oc.Duration()
		}
	}
	if succeeded > 0 {
		stats.AverageDuration = total / time.Duration(succeeded)
	}
	return stats
}

// ClearAll empties live tracking and history without cancelling anything.
// Intended for tests and full resets; live operations keep running but are
// no longer reachable through the registry.
func (r *Registry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = make(map[string]*Scope)
	r.history = nil
	r.totalDone = 0
}
