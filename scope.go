// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cancelable

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Scope
// -----------------------------------------------------------------------------

// Scope ties together an operation's identity, cancellation token, sources,
// lifecycle callbacks, and registry entry. A scope is single-use: construct,
// optionally configure, then Run exactly once.
//
// Thread Safety: all methods are safe for concurrent use. Callback
// registration after Run has started is allowed but races with the lifecycle
// events it targets.
type Scope struct {
	id     string
	name   string
	logger *slog.Logger

	mu         sync.Mutex
	oc         *OperationContext
	token      *Token
	parent     *Scope
	children   map[string]*Scope
	sources    []Source
	components []*Scope
	registry   *Registry
	register   bool
	metrics    *Metrics
	deadline   time.Time
	firstFire  *Canceled

	entered atomic.Bool

	onStart    []func(*Scope)
	onComplete []func(*Scope)
	onCancel   []func(*Scope, *Canceled)
	onError    []func(*Scope, error)
	onProgress []func(*Scope, string, map[string]any)
}

// Option configures a Scope at construction.
type Option func(*Scope)

// WithID overrides the generated operation ID.
func WithID(id string) Option {
	return func(s *Scope) { s.id = id }
}

// WithParent links the scope under a parent: cancelling the parent cancels
// this scope with ReasonParent.
func WithParent(parent *Scope) Option {
	return func(s *Scope) { s.parent = parent }
}

// WithMetadata attaches key/value pairs to the operation record.
func WithMetadata(md map[string]any) Option {
	return func(s *Scope) {
		for k, v := range md {
			s.oc.Metadata[k] = v
		}
	}
}

// WithRegistration enrolls the scope in reg for the duration of its run.
// Pass nil to use the default registry.
func WithRegistration(reg *Registry) Option {
	return func(s *Scope) {
		if reg == nil {
			reg = DefaultRegistry()
		}
		s.registry = reg
		s.register = true
	}
}

// WithLogger overrides the scope's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scope) {
		if logger != nil {
			s.logger = logger.With(slog.String("component", "scope"))
		}
	}
}

// WithSource attaches a cancellation source. May be given multiple times;
// sources start in attachment order when the scope is entered.
func WithSource(src Source) Option {
	return func(s *Scope) { s.sources = append(s.sources, src) }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *Metrics) Option {
	return func(s *Scope) { s.metrics = m }
}

// NewScope creates a scope with no cancellation sources. It cancels only via
// Cancel, a parent, or the surrounding context.
func NewScope(name string, opts ...Option) *Scope {
	s := &Scope{
		id:       uuid.NewString(),
		name:     name,
		logger:   slog.Default().With(slog.String("component", "scope")),
		token:    NewToken(),
		children: make(map[string]*Scope),
		oc: &OperationContext{
			Name:     name,
			Metadata: make(map[string]any),
			Status:   StatusPending,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.oc.ID = s.id
	if s.parent != nil {
		s.oc.ParentID = s.parent.id
	}
	return s
}

// NewTimeoutScope creates a scope that cancels after d, measured from entry.
func NewTimeoutScope(name string, d time.Duration, opts ...Option) (*Scope, error) {
	src, err := NewTimeoutSource(d)
	if err != nil {
		return nil, err
	}
	return NewScope(name, append(opts, WithSource(src))...), nil
}

// NewSignalScope creates a scope that cancels on the given OS signals
// (SIGINT and SIGTERM when none are given).
func NewSignalScope(name string, sigs []os.Signal, opts ...Option) *Scope {
	return NewScope(name, append(opts, WithSource(NewSignalSource(sigs...)))...)
}

// NewConditionScope creates a scope that cancels when pred becomes true,
// polled every interval.
func NewConditionScope(name string, pred Predicate, interval time.Duration, opts ...Option) (*Scope, error) {
	src, err := NewConditionSource(pred, interval, name)
	if err != nil {
		return nil, err
	}
	return NewScope(name, append(opts, WithSource(src))...), nil
}

// NewTokenScope creates a scope driven by an externally owned token:
// cancelling the token cancels the scope with the token's reason.
func NewTokenScope(name string, token *Token, opts ...Option) *Scope {
	s := NewScope(name, opts...)
	s.token.Link(token, true)
	return s
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// ID returns the operation ID.
func (s *Scope) ID() string { return s.id }

// Name returns the operation name.
func (s *Scope) Name() string { return s.name }

// Token returns the scope's cancellation token.
func (s *Scope) Token() *Token { return s.token }

// Status returns the current lifecycle status.
func (s *Scope) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oc.Status
}

// Operation returns a snapshot of the operation record.
func (s *Scope) Operation() *OperationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oc.Clone()
}

// Done returns a channel closed when the scope is cancelled.
func (s *Scope) Done() <-chan struct{} {
	return s.token.Done()
}

// Err returns the pending cancellation failure, nil if the scope is live.
func (s *Scope) Err() error {
	return s.token.Err()
}

// Checkpoint returns the cancellation failure if one is pending. Bodies call
// it at loop boundaries and propagate the error unchanged.
func (s *Scope) Checkpoint() error {
	return s.token.Checkpoint()
}

// SetPartialResult records work completed so far, preserved in the operation
// record if the scope is interrupted.
func (s *Scope) SetPartialResult(pr *PartialResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.oc.PartialResult = pr
}

// -----------------------------------------------------------------------------
// Callbacks
// -----------------------------------------------------------------------------

// OnStart registers a callback invoked when the scope body begins.
func (s *Scope) OnStart(fn func(*Scope)) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStart = append(s.onStart, fn)
	return s
}

// OnComplete registers a callback invoked on normal completion.
func (s *Scope) OnComplete(fn func(*Scope)) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
	return s
}

// OnCancel registers a callback invoked when the scope ends cancelled.
func (s *Scope) OnCancel(fn func(*Scope, *Canceled)) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = append(s.onCancel, fn)
	return s
}

// OnError registers a callback invoked when the body fails with a
// non-cancellation error.
func (s *Scope) OnError(fn func(*Scope, error)) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
	return s
}

// OnProgress registers a callback invoked on each ReportProgress call.
func (s *Scope) OnProgress(fn func(*Scope, string, map[string]any)) *Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onProgress = append(s.onProgress, fn)
	return s
}

// ReportProgress publishes a progress update to registered callbacks and the
// log. Callback panics are contained.
func (s *Scope) ReportProgress(message string, metadata map[string]any) {
	s.mu.Lock()
	callbacks := append([]func(*Scope, string, map[string]any){}, s.onProgress...)
	m := s.metrics
	s.mu.Unlock()

	s.logger.Debug("progress",
		slog.String("operation", s.name),
		slog.String("message", message))
	if m != nil {
		m.ProgressReportsTotal.Inc()
	}
	for _, fn := range callbacks {
		s.safeCall(func() { fn(s, message, metadata) })
	}
}

func (s *Scope) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scope callback panicked",
				slog.String("operation", s.name),
				slog.Any("panic", r))
		}
	}()
	fn()
}

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

// Cancel cancels this scope and all its children. Children receive
// ReasonParent regardless of the reason given here. Returns true if this
// call performed the cancellation of this scope.
func (s *Scope) Cancel(reason Reason, message string) bool {
	first := s.token.Cancel(reason, message)
	s.mu.Lock()
	children := make([]*Scope, 0, len(s.children))
	for _, child := range s.children {
		children = append(children, child)
	}
	s.mu.Unlock()
	for _, child := range children {
		child.Cancel(ReasonParent, "parent operation '"+s.name+"' was cancelled")
	}
	return first
}

// CancelLocal cancels this scope only, leaving children running.
func (s *Scope) CancelLocal(reason Reason, message string) bool {
	return s.token.Cancel(reason, message)
}

// TriggerCancel implements Trigger for attached sources. The first firing
// source determines the recorded reason.
func (s *Scope) TriggerCancel(src Source, reason Reason, message string) {
	s.mu.Lock()
	if s.firstFire == nil {
		s.firstFire = &Canceled{Reason: reason, Message: message}
	}
	s.mu.Unlock()

	s.logger.Info("cancellation source fired",
		slog.String("operation", s.name),
		slog.String("source", src.Name()),
		slog.String("reason", reason.String()))
	s.Cancel(reason, message)
}

// -----------------------------------------------------------------------------
// Combination
// -----------------------------------------------------------------------------

// Combine returns a new scope that cancels when this scope or any of the
// others would: sources are concatenated and every component scope's token is
// linked in with its reason preserved. The component scopes themselves stay
// un-entered; only the combined scope runs.
func (s *Scope) Combine(name string, others ...*Scope) *Scope {
	all := append([]*Scope{s}, others...)
	ids := make([]string, len(all))
	combined := NewScope(name)
	for i, comp := range all {
		ids[i] = comp.id
		comp.mu.Lock()
		combined.sources = append(combined.sources, comp.sources...)
		comp.mu.Unlock()
		combined.components = append(combined.components, comp)
	}
	combined.oc.Metadata["combined"] = true
	combined.oc.Metadata["component_ids"] = ids
	return combined
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

// Run enters the scope, executes fn, and settles the operation record.
//
// Description:
//
//	Run wires the cancellation region, links parent and combined tokens,
//	registers with the registry if requested, starts sources, and invokes fn
//	with a context that is cancelled (with a *Canceled cause) the moment the
//	scope's token fires. On return it stops sources in reverse order,
//	derives the terminal status, fires the matching callbacks, and snapshots
//	the record into registry history.
//
// Inputs:
//   - ctx: surrounding context; its cancellation cancels the scope.
//   - fn: operation body. It should call Checkpoint (or honor ctx) at loop
//     boundaries and propagate cancellation errors unchanged.
//
// Outputs:
//   - error: fn's error verbatim, ErrAlreadyEntered on reuse, or the
//     cancellation failure when the body was cut short.
//
// Thread Safety: Run may be called from any goroutine, once.
func (s *Scope) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return ErrNilContext
	}
	if !s.entered.CompareAndSwap(false, true) {
		return ErrAlreadyEntered
	}

	s.mu.Lock()
	s.oc.Status = StatusRunning
	s.oc.StartTime = time.Now()
	parent := s.parent
	components := s.components
	sources := append([]Source(nil), s.sources...)
	reg := s.registry
	doRegister := s.register
	m := s.metrics
	s.mu.Unlock()

	// Parent and combined-component linkage. Parent cancellation propagates
	// through the scope tree, not a token link, so CancelLocal on the parent
	// leaves children untouched.
	if parent != nil {
		parent.adopt(s)
		defer parent.disown(s)
		if parent.token.Cancelled() {
			s.token.Cancel(ReasonParent, "parent operation '"+parent.name+"' was cancelled")
		}
	}
	for _, comp := range components {
		s.token.Link(comp.token, true)
	}

	if doRegister && reg != nil {
		reg.register(s)
		defer reg.unregister(s)
	}

	// The cancel region: sources and the token resolve to a context cause.
	runCtx := ctx
	now := time.Now()
	var earliest *TimeoutSource
	for _, src := range sources {
		ts, ok := src.(*TimeoutSource)
		if !ok {
			continue
		}
		if earliest == nil || ts.Timeout() < earliest.Timeout() {
			earliest = ts
		}
	}
	if earliest != nil {
		dl := earliest.Deadline(now)
		s.mu.Lock()
		s.deadline = dl
		s.mu.Unlock()
		cause := &Canceled{
			Reason:  ReasonTimeout,
			Message: "operation timed out after " + earliest.Timeout().String(),
		}
		var deadlineStop context.CancelFunc
		runCtx, deadlineStop = context.WithDeadlineCause(ctx, dl, cause)
		defer deadlineStop()
	}
	runCtx, cancelRun := context.WithCancelCause(runCtx)
	defer cancelRun(nil)

	s.token.OnCancel(func(reason Reason, message string) {
		cancelRun(&Canceled{Reason: reason, Message: message})
	})
	// Surrounding-context cancellation reaches the token too, so listeners
	// and children observe it.
	stopPropagate := context.AfterFunc(ctx, func() {
		// A deadline on the surrounding context counts as a timeout; any
		// other outside cancellation arrives as parent.
		if c := AsCanceled(context.Cause(ctx)); c != nil && c.Reason == ReasonTimeout {
			s.token.Cancel(ReasonTimeout, c.Message)
			return
		}
		s.token.Cancel(ReasonParent, "surrounding context cancelled")
	})
	defer stopPropagate()

	if m != nil {
		m.ScopesStarted.Inc()
		m.ActiveScopes.Inc()
	}

	started := 0
	var startErr error
	for _, src := range sources {
		if err := src.Start(runCtx, s); err != nil {
			startErr = err
			break
		}
		started++
	}
	if startErr != nil {
		for i := started - 1; i >= 0; i-- {
			sources[i].Stop()
		}
		s.settle(startErr, m)
		return startErr
	}

	s.mu.Lock()
	onStart := append([]func(*Scope){}, s.onStart...)
	s.mu.Unlock()
	s.logger.Info("operation started",
		slog.String("operation", s.name),
		slog.String("operation_id", s.id))
	for _, cb := range onStart {
		s.safeCall(func() { cb(s) })
	}

	err := fn(ContextWithScope(runCtx, s))

	for i := len(sources) - 1; i >= 0; i-- {
		sources[i].Stop()
	}
	s.settle(err, m)
	return err
}

// settle derives the terminal status from the body error and fires the
// matching callbacks.
func (s *Scope) settle(err error, m *Metrics) {
	s.mu.Lock()
	s.oc.EndTime = time.Now()
	duration := s.oc.EndTime.Sub(s.oc.StartTime)

	var terminal Status
	var cancelInfo *Canceled
	switch {
	case err == nil:
		terminal = StatusCompleted
	case IsCanceled(err):
		terminal = StatusCancelled
		cancelInfo = s.deriveCancel(err)
	default:
		terminal = StatusFailed
		s.oc.Error = err.Error()
	}
	s.oc.Status = terminal
	s.oc.CancelReason = cancelInfo

	onComplete := append([]func(*Scope){}, s.onComplete...)
	onCancel := append([]func(*Scope, *Canceled){}, s.onCancel...)
	onError := append([]func(*Scope, error){}, s.onError...)
	s.mu.Unlock()

	attrs := []any{
		slog.String("operation", s.name),
		slog.String("operation_id", s.id),
		slog.String("status", terminal.String()),
		slog.Duration("duration", duration),
	}
	switch terminal {
	case StatusCompleted:
		s.logger.Info("operation completed", attrs...)
		for _, cb := range onComplete {
			s.safeCall(func() { cb(s) })
		}
	case StatusCancelled:
		s.logger.Info("operation cancelled",
			append(attrs, slog.String("reason", cancelInfo.Reason.String()))...)
		for _, cb := range onCancel {
			s.safeCall(func() { cb(s, cancelInfo) })
		}
	case StatusFailed:
		s.logger.Error("operation failed",
			append(attrs, slog.String("error", err.Error()))...)
		for _, cb := range onError {
			s.safeCall(func() { cb(s, err) })
		}
	}

	if m != nil {
		m.ActiveScopes.Dec()
		m.ScopesFinished.WithLabelValues(terminal.String()).Inc()
		m.ScopeDurationSeconds.Observe(duration.Seconds())
		if cancelInfo != nil {
			m.CancelTotal.WithLabelValues(cancelInfo.Reason.String()).Inc()
		}
	}
}

// deriveCancel resolves the authoritative cancellation record. Preference
// order: the first source to fire, the token's record, the error itself,
// an expired deadline, then manual as the fallback. Caller holds s.mu.
func (s *Scope) deriveCancel(err error) *Canceled {
	if s.firstFire != nil {
		return s.firstFire
	}
	if s.token.Cancelled() {
		return &Canceled{Reason: s.token.Reason(), Message: s.token.Message()}
	}
	if c := AsCanceled(err); c != nil {
		if c.Reason == ReasonManual && !s.deadline.IsZero() && time.Now().After(s.deadline) {
			return &Canceled{Reason: ReasonTimeout, Message: "operation timed out"}
		}
		return c
	}
	return &Canceled{Reason: ReasonManual}
}

func (s *Scope) adopt(child *Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children[child.id] = child
}

func (s *Scope) disown(child *Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, child.id)
}

// -----------------------------------------------------------------------------
// Shielding
// -----------------------------------------------------------------------------

// Shield runs fn to completion even if the scope is cancelled meanwhile. The
// context given to fn survives the scope's cancellation. Pending cancellation
// is re-checked the moment fn returns, so a cancelled scope still stops at
// the shield boundary: if fn succeeds but cancellation arrived during it,
// Shield returns the cancellation failure.
//
// Use for cleanup that must not be torn down halfway. Shields do not nest
// usefully; the body already runs uncancellable.
func (s *Scope) Shield(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		return ErrNilContext
	}
	s.mu.Lock()
	prev := s.oc.Status
	if prev == StatusRunning {
		s.oc.Status = StatusShielded
	}
	s.mu.Unlock()

	err := fn(context.WithoutCancel(ctx))

	s.mu.Lock()
	if s.oc.Status == StatusShielded {
		s.oc.Status = prev
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	return s.Checkpoint()
}

// -----------------------------------------------------------------------------
// Wrapping
// -----------------------------------------------------------------------------

// Wrap adapts a scope-aware body into a plain context function bound to this
// scope. Calling the result runs the scope.
func (s *Scope) Wrap(fn func(ctx context.Context, sc *Scope) error) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return s.Run(ctx, func(runCtx context.Context) error {
			return fn(runCtx, s)
		})
	}
}
