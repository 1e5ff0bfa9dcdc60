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
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Composite Sources
// -----------------------------------------------------------------------------

// CompositeMode selects how a composite source combines its children.
type CompositeMode int

const (
	// AnyOf fires when any child fires, forwarding that child's reason and
	// message verbatim.
	AnyOf CompositeMode = iota

	// AllOf fires only once every child has fired.
	AllOf
)

func (m CompositeMode) String() string {
	if m == AllOf {
		return "all_of"
	}
	return "any_of"
}

// CompositeSource aggregates child sources under AnyOf or AllOf semantics.
// It sits between its children and the scope's trigger, intercepting child
// firings to apply the combination rule.
type CompositeSource struct {
	baseSource
	mode     CompositeMode
	children []Source
	logger   *slog.Logger

	mu    sync.Mutex
	trig  Trigger
	fired map[Source]struct{}
}

// NewAnyOfSource creates a composite that cancels when any child triggers.
func NewAnyOfSource(children ...Source) (*CompositeSource, error) {
	return newComposite(AnyOf, children)
}

// NewAllOfSource creates a composite that cancels only when every child has
// triggered.
func NewAllOfSource(children ...Source) (*CompositeSource, error) {
	return newComposite(AllOf, children)
}

func newComposite(mode CompositeMode, children []Source) (*CompositeSource, error) {
	if len(children) == 0 {
		return nil, ErrNoSources
	}
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.Name()
	}
	return &CompositeSource{
		baseSource: baseSource{
			name:   fmt.Sprintf("%s(%s)", mode, strings.Join(names, ",")),
			reason: ReasonManual,
		},
		mode:     mode,
		children: children,
		logger:   slog.Default().With(slog.String("component", "composite_source")),
		fired:    make(map[Source]struct{}),
	}, nil
}

// Mode returns the combination mode.
func (s *CompositeSource) Mode() CompositeMode { return s.mode }

// Children returns the child sources.
func (s *CompositeSource) Children() []Source {
	return append([]Source(nil), s.children...)
}

// Start starts every child with this composite as their trigger. If a child
// fails to start, already-started children are stopped and the error is
// returned.
func (s *CompositeSource) Start(ctx context.Context, trig Trigger) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrSourceStarted
	}
	s.mu.Lock()
	s.trig = trig
	s.mu.Unlock()

	for i, child := range s.children {
		if err := child.Start(ctx, s); err != nil {
			for j := i - 1; j >= 0; j-- {
				s.children[j].Stop()
			}
			return fmt.Errorf("start child source %q: %w", child.Name(), err)
		}
	}
	return nil
}

// TriggerCancel receives child firings and applies the combination rule.
func (s *CompositeSource) TriggerCancel(src Source, reason Reason, message string) {
	s.mu.Lock()
	s.fired[src] = struct{}{}
	firedAll := len(s.fired) == len(s.children)
	trig := s.trig
	s.mu.Unlock()
	if trig == nil {
		return
	}

	switch s.mode {
	case AnyOf:
		s.fire(trig, s, reason, message)
	case AllOf:
		if firedAll {
			s.fire(trig, s, ReasonManual,
				fmt.Sprintf("all %d sources have triggered", len(s.children)))
		}
	}
}

// Stop stops every child, logging failures individually rather than
// abandoning the remainder.
func (s *CompositeSource) Stop() {
	for _, child := range s.children {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("child source stop panicked",
						slog.String("source", child.Name()),
						slog.Any("panic", r))
				}
			}()
			child.Stop()
		}()
	}
}
