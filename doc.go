// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cancelable provides structured cancellation for long-running
// operations: tokens, cancellation sources, scopes, and a registry.
//
// # Overview
//
// The package layers reason-aware cancellation on top of context.Context.
// Every cancellation carries a classified reason (timeout, manual, signal,
// condition, parent) and an optional message, and every operation settles
// into a terminal status (completed, failed, cancelled) recorded in a
// bounded history.
//
// # Architecture
//
// A Scope is the unit of work. It owns a Token, zero or more Sources, and an
// OperationContext record:
//
//	Scope
//	├── Token            one-shot flag, reason metadata, listeners
//	├── Sources          timeout / signal / condition / composite
//	├── OperationContext identity, lineage, status, partial result
//	└── children         cancelling a parent cancels its subtree
//
// Sources fire a scope's trigger; the trigger cancels the token; the token
// cancels the run context with a *Canceled cause. Bodies observe
// cancellation either through the context or by calling Checkpoint.
//
// # Cancellation Contract
//
// Operation bodies should:
//
//   - Call Checkpoint (or honor ctx.Done()) at loop boundaries
//   - Propagate the returned *Canceled unchanged
//   - Use Shield for cleanup that must finish even under cancellation
//
// # Basic Usage
//
//	s, _ := cancelable.NewTimeoutScope("index-build", 30*time.Second,
//	    cancelable.WithRegistration(nil))
//	err := s.Run(ctx, func(ctx context.Context) error {
//	    for _, doc := range docs {
//	        if err := s.Checkpoint(); err != nil {
//	            return err
//	        }
//	        index(doc)
//	    }
//	    return nil
//	})
//
// Signal handling routes through a process-wide table and the Bridge, so any
// number of scopes can watch SIGINT without fighting over signal.Notify.
package cancelable
