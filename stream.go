// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"fmt"
	"iter"
)

// -----------------------------------------------------------------------------
// Cancellable Streams
// -----------------------------------------------------------------------------

// DefaultStreamBuffer bounds the partial-result tail buffer.
const DefaultStreamBuffer = 1000

type streamOptions struct {
	bufferLimit int
	reportEvery int
	noBuffer    bool
}

// StreamOption configures Stream and StreamChunks.
type StreamOption func(*streamOptions)

// WithBufferLimit bounds how many trailing items the partial result retains.
// Non-positive values fall back to DefaultStreamBuffer.
func WithBufferLimit(n int) StreamOption {
	return func(o *streamOptions) { o.bufferLimit = n }
}

// WithoutBuffer disables item retention: the partial result carries the count
// and completion flag with a nil buffer.
func WithoutBuffer() StreamOption {
	return func(o *streamOptions) { o.noBuffer = true }
}

// WithReportEvery emits a progress report every n items. Zero disables
// progress reporting.
func WithReportEvery(n int) StreamOption {
	return func(o *streamOptions) { o.reportEvery = n }
}

// Stream yields src's items under the scope's cancellation checkpoints.
//
// Description:
//
//	Each item passes a checkpoint before it is yielded: once the scope is
//	cancelled, iteration yields the cancellation failure as its final pair
//	and stops. The scope's operation record always carries a partial result
//	on exit, covering the cancelled, abandoned (early break), and completed
//	cases alike, with the most recent items retained up to the buffer limit.
//
// Inputs:
//   - s: owning scope; its token gates each item.
//   - src: item producer. It is not consumed past the last yielded item.
//   - opts: buffer and progress options.
//
// Outputs:
//   - iter.Seq2 of (item, error). The error is non-nil exactly once, as the
//     final pair, and only on cancellation.
func Stream[T any](s *Scope, src iter.Seq[T], opts ...StreamOption) iter.Seq2[T, error] {
	o := streamOptions{bufferLimit: DefaultStreamBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bufferLimit <= 0 {
		o.bufferLimit = DefaultStreamBuffer
	}

	return func(yield func(T, error) bool) {
		var zero T
		count := 0
		var buffer []any
		if !o.noBuffer {
			buffer = make([]any, 0, min(o.bufferLimit, 64))
		}
		completed := false
		defer func() {
			s.SetPartialResult(&PartialResult{
				Count:     count,
				Buffer:    buffer,
				Completed: completed,
			})
		}()

		record := func(item T) {
			count++
			if o.noBuffer {
				return
			}
			buffer = append(buffer, item)
			if len(buffer) > o.bufferLimit {
				buffer = buffer[1:]
			}
		}

		for item := range src {
			if err := s.Checkpoint(); err != nil {
				yield(zero, err)
				return
			}
			// The consumer's loop body runs before yield reports a break, so
			// the item counts as delivered either way.
			delivered := yield(item, nil)
			record(item)
			if !delivered {
				return
			}
			if o.reportEvery > 0 && count%o.reportEvery == 0 {
				s.ReportProgress(fmt.Sprintf("processed %d items", count),
					map[string]any{"count": count, "latest_item": item})
			}
		}
		completed = true
	}
}

// StreamChunks yields src's items grouped into slices of size chunkSize, with
// the same checkpoint and partial-result behavior as Stream. A trailing short
// chunk is yielded as the final element, and when progress reporting is on, a
// "final" report is emitted after it.
func StreamChunks[T any](s *Scope, src iter.Seq[T], chunkSize int, opts ...StreamOption) iter.Seq2[[]T, error] {
	if chunkSize <= 0 {
		chunkSize = 1
	}
	o := streamOptions{bufferLimit: DefaultStreamBuffer}
	for _, opt := range opts {
		opt(&o)
	}
	if o.bufferLimit <= 0 {
		o.bufferLimit = DefaultStreamBuffer
	}

	return func(yield func([]T, error) bool) {
		count := 0
		var buffer []any
		if !o.noBuffer {
			buffer = make([]any, 0, min(o.bufferLimit, 64))
		}
		completed := false
		defer func() {
			s.SetPartialResult(&PartialResult{
				Count:     count,
				Buffer:    buffer,
				Completed: completed,
			})
		}()

		record := func(chunk []T) {
			count += len(chunk)
			if o.noBuffer {
				return
			}
			for _, item := range chunk {
				buffer = append(buffer, item)
			}
			if len(buffer) > o.bufferLimit {
				buffer = buffer[len(buffer)-o.bufferLimit:]
			}
		}

		chunk := make([]T, 0, chunkSize)
		for item := range src {
			if err := s.Checkpoint(); err != nil {
				yield(nil, err)
				return
			}
			chunk = append(chunk, item)
			if len(chunk) < chunkSize {
				continue
			}
			out := chunk
			chunk = make([]T, 0, chunkSize)
			delivered := yield(out, nil)
			record(out)
			if !delivered {
				return
			}
			if o.reportEvery > 0 && count%o.reportEvery == 0 {
				s.ReportProgress(fmt.Sprintf("processed %d items", count),
					map[string]any{"count": count})
			}
		}

		if len(chunk) > 0 {
			if err := s.Checkpoint(); err != nil {
				yield(nil, err)
				return
			}
			delivered := yield(chunk, nil)
			record(chunk)
			if !delivered {
				return
			}
		}
		completed = true
		if o.reportEvery > 0 {
			s.ReportProgress("final", map[string]any{"count": count})
		}
	}
}
