// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Cancellation Token
// -----------------------------------------------------------------------------

// Listener is invoked when a token is cancelled. Listeners run synchronously
// on the cancelling goroutine, in registration order.
type Listener func(reason Reason, message string)

// Token is a one-shot cancellation flag with reason metadata and listener
// callbacks. The zero Token is not usable; construct with NewToken.
//
// Thread Safety: all methods are safe for concurrent use. Listeners are
// invoked outside the token's lock, so a listener may safely cancel other
// tokens, including linked ones.
type Token struct {
	id     string
	logger *slog.Logger

	mu          sync.Mutex
	cancelled   bool
	reason      Reason
	message     string
	cancelledAt time.Time
	listeners   []Listener
	done        chan struct{}
}

// NewToken creates an uncancelled token.
func NewToken() *Token {
	return &Token{
		id:     uuid.NewString(),
		logger: slog.Default().With(slog.String("component", "cancel_token")),
		done:   make(chan struct{}),
	}
}

// ID returns the token's unique identifier.
func (t *Token) ID() string { return t.id }

// Cancel transitions the token to cancelled and notifies listeners.
//
// Description:
//
//	The first call wins: reason and message are recorded once and never
//	overwritten. Subsequent calls are no-ops and return false. Listeners run
//	in registration order on the calling goroutine; a panicking listener is
//	logged and does not prevent the remaining listeners from running.
//
// Inputs:
//   - reason: classified cause of the cancellation.
//   - message: optional human-readable description.
//
// Outputs:
//   - bool: true if this call performed the cancellation.
func (t *Token) Cancel(reason Reason, message string) bool {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	t.reason = reason
	t.message = message
	t.cancelledAt = time.Now()
	listeners := t.listeners
	t.listeners = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range listeners {
		t.invoke(fn, reason, message)
	}
	return true
}

func (t *Token) invoke(fn Listener, reason Reason, message string) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("cancel listener panicked",
				slog.String("token_id", t.id),
				slog.Any("panic", r))
		}
	}()
	fn(reason, message)
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns the cancellation failure, or nil if the token is live.
func (t *Token) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		return nil
	}
	return &Canceled{Reason: t.reason, Message: t.message}
}

// Checkpoint returns the cancellation failure if the token is cancelled. Call
// it at loop boundaries and between phases; propagate the error unchanged.
func (t *Token) Checkpoint() error {
	return t.Err()
}

// Reason returns the recorded reason. Only meaningful after cancellation.
func (t *Token) Reason() Reason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Message returns the recorded message. Only meaningful after cancellation.
func (t *Token) Message() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.message
}

// CancelledAt returns when the token was cancelled, zero if it is live.
func (t *Token) CancelledAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelledAt
}

// OnCancel registers a listener. If the token is already cancelled the
// listener is invoked immediately on the calling goroutine.
func (t *Token) OnCancel(fn Listener) {
	t.mu.Lock()
	if t.cancelled {
		reason, message := t.reason, t.message
		t.mu.Unlock()
		t.invoke(fn, reason, message)
		return
	}
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Link makes this token cancel when other is cancelled. With preserveReason
// the originating reason and message carry over verbatim; otherwise the
// cancellation arrives as ReasonParent with a generic message. Linking to an
// already-cancelled token cancels this one immediately.
func (t *Token) Link(other *Token, preserveReason bool) {
	other.OnCancel(func(reason Reason, message string) {
		if preserveReason {
			t.Cancel(reason, message)
			return
		}
		t.Cancel(ReasonParent, "linked token cancelled")
	})
}

// String returns a compact textual form for logs.
func (t *Token) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		return fmt.Sprintf("Token(%s, live)", t.id[:8])
	}
	return fmt.Sprintf("Token(%s, cancelled: %s)", t.id[:8], t.reason)
}
