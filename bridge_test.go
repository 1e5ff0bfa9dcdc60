// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBridgePreStartStaging(t *testing.T) {
	b := NewBridge(10, nil)
	var mu sync.Mutex
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		b.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	b.Stop()

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("bridge did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("staged submissions ran out of order: %v", order)
	}
}

func TestBridgeSerializesSubmissions(t *testing.T) {
	b := NewBridge(100, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	running := 0
	maxRunning := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		b.Submit(func() {
			defer wg.Done()
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	wg.Wait()

	if maxRunning != 1 {
		t.Errorf("submissions overlapped: max concurrency %d", maxRunning)
	}
}

func TestBridgeDropsWhenFull(t *testing.T) {
	b := NewBridge(2, nil)

	ran := make(chan int, 4)
	for i := 0; i < 4; i++ {
		i := i
		b.Submit(func() { ran <- i })
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	b.Stop()
	<-b.Done()
	close(ran)

	count := 0
	for range ran {
		count++
	}
	if count != 2 {
		t.Errorf("expected 2 submissions to survive a full queue, got %d", count)
	}
}

func TestBridgePanicContained(t *testing.T) {
	b := NewBridge(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	done := make(chan struct{})
	b.Submit(func() { panic("boom") })
	b.Submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("bridge stopped serving after a panic")
	}
}

func TestBridgeSubmitAfterStopDropped(t *testing.T) {
	b := NewBridge(10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	b.Stop()
	<-b.Done()

	// Must not panic or block.
	b.Submit(func() { t.Error("submission after stop should not run") })
	time.Sleep(10 * time.Millisecond)
}
