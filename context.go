// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"log/slog"
	"time"
)

// -----------------------------------------------------------------------------
// Operation Context
// -----------------------------------------------------------------------------

// PartialResult captures work completed before an operation was cut short.
// Stream wrappers populate it automatically; scope bodies can set it through
// Scope.SetPartialResult.
type PartialResult struct {
	// Count is the number of items processed.
	Count int

	// Buffer holds the most recent items, bounded by the stream buffer limit.
	Buffer []any

	// Completed is true if the producing operation ran to completion.
	Completed bool
}

// OperationContext is the descriptive record of a single operation: identity,
// lineage, lifecycle timestamps, and outcome. The registry snapshots it into
// history when the operation finishes.
type OperationContext struct {
	// ID uniquely identifies the operation.
	ID string

	// Name is the human-readable operation name.
	Name string

	// ParentID is the ID of the parent operation, empty for roots.
	ParentID string

	// Metadata holds caller-supplied key/value pairs.
	Metadata map[string]any

	// Status is the current lifecycle state.
	Status Status

	// StartTime is when the scope was entered. Zero until entered.
	StartTime time.Time

	// EndTime is when the scope exited. Zero until terminal.
	EndTime time.Time

	// CancelReason records the cancellation, nil unless Status is
	// StatusCancelled.
	CancelReason *Canceled

	// Error is the message of a non-cancellation failure, empty otherwise.
	Error string

	// PartialResult records work done before interruption, nil if none was
	// reported.
	PartialResult *PartialResult
}

// Duration returns the elapsed wall time of the operation. For operations
// still in flight it measures from StartTime to now.
func (oc *OperationContext) Duration() time.Duration {
	if oc.StartTime.IsZero() {
		return 0
	}
	if oc.EndTime.IsZero() {
		return time.Since(oc.StartTime)
	}
	return oc.EndTime.Sub(oc.StartTime)
}

// Terminal returns true once the operation has reached a terminal status.
func (oc *OperationContext) Terminal() bool {
	return oc.Status.Terminal()
}

// Clone returns a deep copy safe to retain after the operation mutates.
func (oc *OperationContext) Clone() *OperationContext {
	cp := *oc
	if oc.Metadata != nil {
		cp.Metadata = make(map[string]any, len(oc.Metadata))
		for k, v := range oc.Metadata {
			cp.Metadata[k] = v
		}
	}
	if oc.CancelReason != nil {
		cr := *oc.CancelReason
		cp.CancelReason = &cr
	}
	if oc.PartialResult != nil {
		pr := *oc.PartialResult
		pr.Buffer = append([]any(nil), oc.PartialResult.Buffer...)
		cp.PartialResult = &pr
	}
	return &cp
}

// LogAttrs returns the standard slog attributes for this operation.
func (oc *OperationContext) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("operation_id", oc.ID),
		slog.String("operation", oc.Name),
		slog.String("status", oc.Status.String()),
	}
	if oc.ParentID != "" {
		attrs = append(attrs, slog.String("parent_id", oc.ParentID))
	}
	return attrs
}
