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
	"testing"
	"time"
)

func TestCancellableIsReusable(t *testing.T) {
	var calls atomic.Int32
	fn := Cancellable("repeatable", 0, func(ctx context.Context, s *Scope) error {
		calls.Add(1)
		return s.Checkpoint()
	})

	for i := 0; i < 3; i++ {
		if err := fn(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestCancellableWithTimeout(t *testing.T) {
	fn := Cancellable("slow", 50*time.Millisecond, func(ctx context.Context, s *Scope) error {
		<-ctx.Done()
		return Checkpoint(ctx)
	})
	err := fn(context.Background())
	if !IsCanceled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	c := AsCanceled(err)
	if c == nil || c.Reason != ReasonTimeout {
		t.Errorf("reason = %+v, want timeout", c)
	}
}

func TestRunWithTimeout(t *testing.T) {
	err := RunWithTimeout(context.Background(), "quick", time.Second,
		func(ctx context.Context, s *Scope) error {
			return s.Checkpoint()
		})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFromContextOutsideScope(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("bare context should carry no scope")
	}
}

func TestCheckpointHelper(t *testing.T) {
	if err := Checkpoint(context.Background()); err != nil {
		t.Fatalf("live context: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Checkpoint(ctx); !IsCanceled(err) {
		t.Errorf("cancelled context: err = %v", err)
	}
}

func TestIsCanceledClassification(t *testing.T) {
	if IsCanceled(nil) {
		t.Error("nil is not a cancellation")
	}
	if !IsCanceled(&Canceled{Reason: ReasonManual}) {
		t.Error("*Canceled should classify")
	}
	if !IsCanceled(context.Canceled) || !IsCanceled(context.DeadlineExceeded) {
		t.Error("bare context errors should classify")
	}

	c := AsCanceled(context.DeadlineExceeded)
	if c == nil || c.Reason != ReasonTimeout {
		t.Errorf("deadline exceeded should map to timeout, got %+v", c)
	}
}
