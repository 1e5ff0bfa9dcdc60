// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"context"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Cancellation Sources
// -----------------------------------------------------------------------------

// Trigger receives cancellation requests from sources. Scopes implement it;
// composite sources implement it to intercept their children.
type Trigger interface {
	// TriggerCancel requests cancellation of the owning operation. The first
	// trigger wins; later calls are no-ops.
	TriggerCancel(src Source, reason Reason, message string)
}

// Source watches for an external cancellation cause and fires its trigger at
// most once. Sources are single-use: a source that has been started belongs
// to one scope for its lifetime.
type Source interface {
	// Name identifies the source in logs and messages.
	Name() string

	// Reason is the classification this source cancels with.
	Reason() Reason

	// Start begins monitoring. The source must stop monitoring when ctx is
	// done. Starting an already-started source returns ErrSourceStarted.
	Start(ctx context.Context, trig Trigger) error

	// Stop ceases monitoring and releases resources. Idempotent; safe to call
	// on a source that never started.
	Stop()

	// Triggered reports whether this source has fired.
	Triggered() bool
}

// baseSource carries the fields every source shares.
type baseSource struct {
	name      string
	reason    Reason
	started   atomic.Bool
	triggered atomic.Bool
}

func (b *baseSource) Name() string    { return b.name }
func (b *baseSource) Reason() Reason  { return b.reason }
func (b *baseSource) Triggered() bool { return b.triggered.Load() }

// fire marks the source triggered and forwards to the trigger. Returns false
// if the source already fired.
func (b *baseSource) fire(trig Trigger, src Source, reason Reason, message string) bool {
	if !b.triggered.CompareAndSwap(false, true) {
		return false
	}
	trig.TriggerCancel(src, reason, message)
	return true
}
