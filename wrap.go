// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"context"
	"time"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

type scopeKey struct{}

// ContextWithScope returns ctx carrying the scope. Run attaches the scope
// automatically; bodies reach it back through FromContext.
func ContextWithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope attached to ctx, if any. Nested scopes see
// their own, innermost scope.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

// Cancellable turns a scope-aware body into a reusable context function. A
// fresh scope is built per call from name, timeout, and opts, so the result
// can be invoked any number of times. A non-positive timeout means no
// timeout source.
func Cancellable(name string, timeout time.Duration, fn func(ctx context.Context, s *Scope) error, opts ...Option) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var s *Scope
		if timeout > 0 {
			var err error
			s, err = NewTimeoutScope(name, timeout, opts...)
			if err != nil {
				return err
			}
		} else {
			s = NewScope(name, opts...)
		}
		return s.Run(ctx, func(runCtx context.Context) error {
			return fn(runCtx, s)
		})
	}
}

// RunWithTimeout runs fn inside a one-off timeout scope.
func RunWithTimeout(ctx context.Context, name string, d time.Duration, fn func(ctx context.Context, s *Scope) error) error {
	s, err := NewTimeoutScope(name, d)
	if err != nil {
		return err
	}
	return s.Run(ctx, func(runCtx context.Context) error {
		return fn(runCtx, s)
	})
}

// Checkpoint checks the scope attached to ctx, falling back to the context's
// own cancellation when no scope is attached. Returns nil when neither is
// cancelled.
func Checkpoint(ctx context.Context) error {
	if s, ok := FromContext(ctx); ok {
		if err := s.Checkpoint(); err != nil {
			return err
		}
	}
	select {
	case <-ctx.Done():
		if c := AsCanceled(context.Cause(ctx)); c != nil {
			return c
		}
		return ctx.Err()
	default:
		return nil
	}
}
