// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"context"
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrAlreadyEntered is returned when Run is called on a scope that has
	// already been entered. Scopes are single-use.
	ErrAlreadyEntered = errors.New("scope already entered")

	// ErrInvalidTimeout is returned when a timeout source is constructed with a
	// non-positive duration.
	ErrInvalidTimeout = errors.New("timeout must be positive")

	// ErrInvalidInterval is returned when a condition source is constructed
	// with a non-positive check interval.
	ErrInvalidInterval = errors.New("check interval must be positive")

	// ErrNilPredicate is returned when a condition source is constructed
	// without a predicate.
	ErrNilPredicate = errors.New("predicate must not be nil")

	// ErrNoSources is returned when a composite source is constructed with an
	// empty child list.
	ErrNoSources = errors.New("at least one source is required")

	// ErrSourceStarted is returned when Start is called twice on a source.
	ErrSourceStarted = errors.New("source already started")

	// ErrNotFound is returned when a registry lookup misses.
	ErrNotFound = errors.New("operation not found")

	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")
)

// -----------------------------------------------------------------------------
// Cancellation Reasons
// -----------------------------------------------------------------------------

// Reason classifies why a cancellation occurred.
type Reason int

const (
	// ReasonTimeout indicates the operation exceeded its configured timeout.
	ReasonTimeout Reason = iota

	// ReasonManual indicates user-initiated cancellation (API, stop button).
	ReasonManual

	// ReasonSignal indicates an OS signal triggered the cancellation.
	ReasonSignal

	// ReasonCondition indicates a monitored condition became true.
	ReasonCondition

	// ReasonParent indicates the parent operation was cancelled.
	ReasonParent
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonManual:
		return "manual"
	case ReasonSignal:
		return "signal"
	case ReasonCondition:
		return "condition"
	case ReasonParent:
		return "parent"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Operation Status
// -----------------------------------------------------------------------------

// Status represents the lifecycle state of an operation.
type Status int

const (
	// StatusPending indicates the scope is constructed but not entered.
	StatusPending Status = iota

	// StatusRunning indicates the scope body is executing.
	StatusRunning

	// StatusShielded indicates a shielded sub-scope body is executing.
	StatusShielded

	// StatusCompleted indicates normal completion.
	StatusCompleted

	// StatusFailed indicates the body returned a non-cancellation error.
	StatusFailed

	// StatusCancelled indicates the body was cancelled.
	StatusCancelled
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusShielded:
		return "shielded"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal returns true if this is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// -----------------------------------------------------------------------------
// Cancellation Error
// -----------------------------------------------------------------------------

// Canceled is the error produced at every cancellation checkpoint. It carries
// the classified reason and an optional human-readable message.
//
// Canceled matches context.Canceled under errors.Is, so code that only checks
// for context cancellation keeps working unchanged. Callers are expected to
// propagate it untouched; the enclosing scope converts it to a terminal
// status.
type Canceled struct {
	// Reason is the classified cause of the cancellation.
	Reason Reason

	// Message is an optional human-readable description.
	Message string
}

// Error implements the error interface.
func (c *Canceled) Error() string {
	if c.Message != "" {
		return fmt.Sprintf("operation cancelled (%s): %s", c.Reason, c.Message)
	}
	return fmt.Sprintf("operation cancelled (%s)", c.Reason)
}

// Is reports a match against context.Canceled so errors.Is works for callers
// that are agnostic to this package.
func (c *Canceled) Is(target error) bool {
	return target == context.Canceled
}

// IsCanceled reports whether err is a cancellation failure of any kind:
// a *Canceled, context.Canceled, or context.DeadlineExceeded.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	var c *Canceled
	if errors.As(err, &c) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// AsCanceled extracts the *Canceled from err, classifying bare context errors
// along the way. Returns nil if err is not a cancellation failure.
func AsCanceled(err error) *Canceled {
	if err == nil {
		return nil
	}
	var c *Canceled
	if errors.As(err, &c) {
		return c
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Canceled{Reason: ReasonTimeout, Message: "operation timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return &Canceled{Reason: ReasonManual}
	}
	return nil
}
