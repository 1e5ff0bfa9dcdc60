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
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestScopeRunCompletes(t *testing.T) {
	s := NewScope("noop")
	if s.Status() != StatusPending {
		t.Fatalf("status = %v, want pending", s.Status())
	}

	err := s.Run(context.Background(), func(ctx context.Context) error {
		if got, ok := FromContext(ctx); !ok || got != s {
			t.Error("scope not reachable from body context")
		}
		if s.Status() != StatusRunning {
			t.Errorf("status during body = %v, want running", s.Status())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if s.Status() != StatusCompleted {
		t.Errorf("status = %v, want completed", s.Status())
	}

	oc := s.Operation()
	if oc.StartTime.IsZero() || oc.EndTime.IsZero() {
		t.Error("lifecycle timestamps not set")
	}
}

func TestScopeSingleUse(t *testing.T) {
	s := NewScope("once")
	if err := s.Run(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	err := s.Run(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrAlreadyEntered) {
		t.Errorf("err = %v, want ErrAlreadyEntered", err)
	}
}

func TestScopeBodyErrorMeansFailed(t *testing.T) {
	boom := errors.New("disk on fire")
	s := NewScope("failing")
	errCh := make(chan error, 1)
	s.OnError(func(_ *Scope, err error) { errCh <- err })

	err := s.Run(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want body error verbatim", err)
	}
	if s.Status() != StatusFailed {
		t.Errorf("status = %v, want failed", s.Status())
	}
	select {
	case got := <-errCh:
		if !errors.Is(got, boom) {
			t.Errorf("callback error = %v", got)
		}
	default:
		t.Error("OnError callback not invoked")
	}
	if s.Operation().Error != "disk on fire" {
		t.Errorf("recorded error = %q", s.Operation().Error)
	}
}

func TestTimeoutScopeCancelsBody(t *testing.T) {
	s, err := NewTimeoutScope("slow", 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	err = s.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return Checkpoint(ctx)
	})
	elapsed := time.Since(start)

	if !IsCanceled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if s.Status() != StatusCancelled {
		t.Errorf("status = %v, want cancelled", s.Status())
	}
	oc := s.Operation()
	if oc.CancelReason == nil || oc.CancelReason.Reason != ReasonTimeout {
		t.Errorf("cancel reason = %+v, want timeout", oc.CancelReason)
	}
	if elapsed < 80*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Errorf("elapsed = %v, want ~100ms", elapsed)
	}
}

func TestTimeoutScopeCancelsTokenPolledBody(t *testing.T) {
	// A body may watch only the token, never the run context; the token must
	// still fire when the deadline passes.
	s, err := NewTimeoutScope("token-poller", 30*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), func(context.Context) error {
			for {
				if err := s.Checkpoint(); err != nil {
					return err
				}
				time.Sleep(time.Millisecond)
			}
		})
	}()

	select {
	case err := <-done:
		if !IsCanceled(err) {
			t.Fatalf("err = %v, want cancellation", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("deadline expired but the token never cancelled")
	}
	if !s.Token().Cancelled() {
		t.Error("token should be cancelled after timeout")
	}
	if got := s.Operation().CancelReason; got == nil || got.Reason != ReasonTimeout {
		t.Errorf("cancel reason = %+v, want timeout", got)
	}
}

func TestManualCancelBeatsTimeout(t *testing.T) {
	s, _ := NewTimeoutScope("interactive", 300*time.Millisecond)
	go func() {
		time.Sleep(30 * time.Millisecond)
		s.Cancel(ReasonManual, "user clicked stop")
	}()

	err := s.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return Checkpoint(ctx)
	})
	if !IsCanceled(err) {
		t.Fatalf("err = %v", err)
	}
	oc := s.Operation()
	if oc.CancelReason.Reason != ReasonManual {
		t.Errorf("reason = %v, want manual", oc.CancelReason.Reason)
	}
	if oc.CancelReason.Message != "user clicked stop" {
		t.Errorf("message = %q", oc.CancelReason.Message)
	}
}

func TestScopeParentCancellationPropagates(t *testing.T) {
	parent := NewScope("parent")
	childDone := make(chan *Canceled, 1)

	go parent.Run(context.Background(), func(ctx context.Context) error {
		child := NewScope("child", WithParent(parent))
		go child.Run(ctx, func(cctx context.Context) error {
			<-cctx.Done()
			return Checkpoint(cctx)
		})

		time.Sleep(20 * time.Millisecond)
		parent.Cancel(ReasonManual, "shutting down")

		child.Token().OnCancel(func(reason Reason, message string) {
			childDone <- &Canceled{Reason: reason, Message: message}
		})
		<-ctx.Done()
		return Checkpoint(ctx)
	})

	select {
	case c := <-childDone:
		if c.Reason != ReasonParent {
			t.Errorf("child reason = %v, want parent", c.Reason)
		}
		if !strings.Contains(c.Message, "parent") {
			t.Errorf("child message = %q", c.Message)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("child never cancelled")
	}
}

func TestScopeCancelLocalSparesChildren(t *testing.T) {
	parent := NewScope("parent")
	child := NewScope("child", WithParent(parent))

	done := make(chan error, 1)
	go parent.Run(context.Background(), func(ctx context.Context) error {
		go func() {
			done <- child.Run(ctx, func(cctx context.Context) error {
				time.Sleep(50 * time.Millisecond)
				return nil
			})
		}()
		time.Sleep(10 * time.Millisecond)
		parent.CancelLocal(ReasonManual, "just me")
		return Checkpoint(ctx)
	})

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("child should complete, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("child never finished")
	}
}

func TestScopeSurroundingContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScope("ambient")
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := s.Run(ctx, func(runCtx context.Context) error {
		<-runCtx.Done()
		return Checkpoint(runCtx)
	})
	if !IsCanceled(err) {
		t.Fatalf("err = %v", err)
	}
	if s.Status() != StatusCancelled {
		t.Errorf("status = %v, want cancelled", s.Status())
	}
}

func TestScopeCallbacksFire(t *testing.T) {
	var started, completed atomic.Bool
	s := NewScope("observed").
		OnStart(func(*Scope) { started.Store(true) }).
		OnComplete(func(*Scope) { completed.Store(true) })

	if err := s.Run(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if !started.Load() || !completed.Load() {
		t.Errorf("callbacks: started=%v completed=%v", started.Load(), completed.Load())
	}
}

func TestScopeOnCancelCallback(t *testing.T) {
	s := NewScope("doomed")
	got := make(chan *Canceled, 1)
	s.OnCancel(func(_ *Scope, c *Canceled) { got <- c })

	err := s.Run(context.Background(), func(ctx context.Context) error {
		s.Cancel(ReasonCondition, "condition 'memory' met after 2 checks")
		return s.Checkpoint()
	})
	if !IsCanceled(err) {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if c.Reason != ReasonCondition {
			t.Errorf("reason = %v", c.Reason)
		}
	default:
		t.Fatal("OnCancel not invoked")
	}
}

func TestScopeProgressCallback(t *testing.T) {
	s := NewScope("chatty")
	var count atomic.Int32
	s.OnProgress(func(_ *Scope, message string, md map[string]any) {
		count.Add(1)
	})

	err := s.Run(context.Background(), func(context.Context) error {
		s.ReportProgress("halfway", map[string]any{"pct": 50})
		s.ReportProgress("done", nil)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count.Load() != 2 {
		t.Errorf("progress callbacks = %d, want 2", count.Load())
	}
}

func TestScopeCallbackPanicContained(t *testing.T) {
	s := NewScope("resilient")
	s.OnStart(func(*Scope) { panic("boom") })
	if err := s.Run(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("run should survive callback panic: %v", err)
	}
	if s.Status() != StatusCompleted {
		t.Errorf("status = %v", s.Status())
	}
}

func TestScopeShield(t *testing.T) {
	s := NewScope("cleanup")
	var cleanupRan atomic.Bool

	err := s.Run(context.Background(), func(ctx context.Context) error {
		s.Cancel(ReasonManual, "stop now")

		shieldErr := s.Shield(ctx, func(sctx context.Context) error {
			select {
			case <-sctx.Done():
				t.Error("shielded context should not be cancelled")
			case <-time.After(20 * time.Millisecond):
			}
			cleanupRan.Store(true)
			return nil
		})
		return shieldErr
	})

	if !cleanupRan.Load() {
		t.Error("shielded body did not run to completion")
	}
	if !IsCanceled(err) {
		t.Errorf("shield exit should re-check cancellation, err = %v", err)
	}
	if s.Status() != StatusCancelled {
		t.Errorf("status = %v, want cancelled", s.Status())
	}
}

func TestScopeShieldBodyError(t *testing.T) {
	boom := errors.New("cleanup failed")
	s := NewScope("cleanup")
	err := s.Run(context.Background(), func(ctx context.Context) error {
		return s.Shield(ctx, func(context.Context) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want body error", err)
	}
	if s.Status() != StatusFailed {
		t.Errorf("status = %v, want failed", s.Status())
	}
}

func TestScopeCombine(t *testing.T) {
	timeoutScope, _ := NewTimeoutScope("slow", 80*time.Millisecond)
	manualScope := NewScope("manual")
	combined := timeoutScope.Combine("either", manualScope)

	md := combined.Operation().Metadata
	if md["combined"] != true {
		t.Error("combined metadata flag missing")
	}
	ids, ok := md["component_ids"].([]string)
	if !ok || len(ids) != 2 {
		t.Errorf("component_ids = %v", md["component_ids"])
	}

	err := combined.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return Checkpoint(ctx)
	})
	if !IsCanceled(err) {
		t.Fatalf("err = %v", err)
	}
	oc := combined.Operation()
	if oc.CancelReason.Reason != ReasonTimeout {
		t.Errorf("reason = %v, want timeout from component source", oc.CancelReason.Reason)
	}
}

func TestScopeCombineComponentTokenPreserved(t *testing.T) {
	a := NewScope("a")
	b := NewScope("b")
	combined := a.Combine("both", b)

	err := combined.Run(context.Background(), func(ctx context.Context) error {
		b.Token().Cancel(ReasonSignal, "received signal terminated")
		<-ctx.Done()
		return Checkpoint(ctx)
	})
	if !IsCanceled(err) {
		t.Fatal(err)
	}
	oc := combined.Operation()
	if oc.CancelReason.Reason != ReasonSignal {
		t.Errorf("reason = %v, component reason should be preserved", oc.CancelReason.Reason)
	}
}

func TestScopeWrap(t *testing.T) {
	s := NewScope("wrapped")
	ran := false
	fn := s.Wrap(func(ctx context.Context, sc *Scope) error {
		if sc != s {
			t.Error("wrap passed wrong scope")
		}
		ran = true
		return nil
	})
	if err := fn(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("wrapped body did not run")
	}
}

func TestScopeNilContext(t *testing.T) {
	s := NewScope("nilctx")
	if err := s.Run(nil, func(context.Context) error { return nil }); !errors.Is(err, ErrNilContext) {
		t.Errorf("err = %v, want ErrNilContext", err)
	}
}

func TestTokenScope(t *testing.T) {
	tok := NewToken()
	s := NewTokenScope("external", tok)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(context.Background(), func(ctx context.Context) error {
			<-ctx.Done()
			return Checkpoint(ctx)
		})
	}()

	time.Sleep(10 * time.Millisecond)
	tok.Cancel(ReasonManual, "external stop")

	select {
	case err := <-errCh:
		if !IsCanceled(err) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scope never observed token cancel")
	}
	if s.Operation().CancelReason.Reason != ReasonManual {
		t.Errorf("reason = %v", s.Operation().CancelReason.Reason)
	}
}
