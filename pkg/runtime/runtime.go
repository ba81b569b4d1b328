// Copyright 2025 The Warden Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runtime implements the single-agent event loop: one goroutine per
// agent, a bounded FIFO inbox, directive application, cron scheduling, and
// the hibernate path that freezes state into the store.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warden-dev/warden/pkg/agent"
	"github.com/warden-dev/warden/pkg/journal"
	"github.com/warden-dev/warden/pkg/observability"
	"github.com/warden-dev/warden/pkg/store"
)

var (
	// ErrTimeout is returned when a synchronous operation exceeds its
	// deadline.
	ErrTimeout = errors.New("runtime: operation timed out")

	// ErrNotFound is returned by Call when the runtime is no longer
	// running.
	ErrNotFound = errors.New("runtime: not running")

	// ErrInboxFull is returned by Send when the bounded inbox cannot take
	// another event without blocking.
	ErrInboxFull = errors.New("runtime: inbox full")

	// ErrRepeatedFailure is the exit cause when the same event kind panics
	// too many times inside the panic window.
	ErrRepeatedFailure = errors.New("runtime: repeated step failure")

	// ErrKilled is the exit cause of a forced kill.
	ErrKilled = errors.New("runtime: killed")
)

const (
	DefaultInboxSize     = 256
	DefaultSlowThreshold = 5 * time.Second
	DefaultPanicBurst    = 3
	DefaultPanicWindow   = 30 * time.Second
)

// Spawner lets directives start and stop sibling runtimes. The supervisor
// owning this runtime implements it.
type Spawner interface {
	SpawnChild(id string, ag agent.Agent, initial *agent.State) error
	StopChild(id string) error
}

// Config carries the immutable wiring of one runtime.
type Config struct {
	// Module is the agent module name, the first half of the checkpoint
	// key.
	Module string

	// Key is the opaque instance key, the second half of the checkpoint
	// key.
	Key string

	// Store receives the hibernation checkpoint. Nil disables persistence.
	Store store.Store

	// Journal receives dead letters from faulted steps. Nil disables the
	// DLQ.
	Journal *journal.Journal

	// Parent receives EmitToParent events. Nil on a root runtime.
	Parent agent.Sender

	// Spawner services SpawnChild and StopChild directives. Nil rejects
	// them.
	Spawner Spawner

	// Output receives the step's outbound events. Nil discards them.
	Output func(*agent.Event)

	InboxSize     int
	SlowThreshold time.Duration
	PanicBurst    int
	PanicWindow   time.Duration
}

func (c *Config) SetDefaults() {
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = DefaultSlowThreshold
	}
	if c.PanicBurst <= 0 {
		c.PanicBurst = DefaultPanicBurst
	}
	if c.PanicWindow <= 0 {
		c.PanicWindow = DefaultPanicWindow
	}
}

type envelope struct {
	ev    *agent.Event
	reply chan callReply // nil for fire-and-forget sends
}

type callReply struct {
	result *agent.StepResult
	err    error
}

type controlKind int

const (
	ctrlHibernate controlKind = iota
	ctrlStop
	ctrlState
)

type controlMsg struct {
	kind   controlKind
	reason string
	err    chan error
	state  chan *agent.State
}

// Runtime runs exactly one agent. All state access happens on the loop
// goroutine; handles communicate over channels only.
type Runtime struct {
	id  string
	ag  agent.Agent
	cfg Config

	inbox   chan envelope
	control chan controlMsg

	ctx    context.Context
	cancel context.CancelCauseFunc

	state  *agent.State
	status atomic.Value // agent.Status

	cron *cronJobs

	// panic bookkeeping, loop-local
	panics map[string][]time.Time

	awaitMu  sync.Mutex
	awaiters []chan agent.Status

	done    chan struct{}
	exitErr error
	started atomic.Bool
}

// New constructs a runtime without starting its loop.
func New(id string, ag agent.Agent, initial *agent.State, cfg Config) *Runtime {
	cfg.SetDefaults()
	if initial == nil {
		initial = agent.NewState(nil)
	}
	r := &Runtime{
		id:      id,
		ag:      ag,
		cfg:     cfg,
		inbox:   make(chan envelope, cfg.InboxSize),
		control: make(chan controlMsg),
		state:   initial,
		panics:  make(map[string][]time.Time),
		done:    make(chan struct{}),
	}
	r.status.Store(initial.Status)
	r.cron = newCronJobs(r)
	return r
}

// ID returns the runtime's identifier within its tree.
func (r *Runtime) ID() string { return r.id }

// Start invokes the agent's Init hook and launches the event loop. The
// initial status is idle.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("runtime %s: already started", r.id)
	}
	state, err := r.ag.Init(ctx, r.cfg.Key, r.state)
	if err != nil {
		close(r.done)
		return fmt.Errorf("runtime %s: init: %w", r.id, err)
	}
	if state != nil {
		r.state = state
	}
	r.state.Status = agent.StatusIdle
	r.status.Store(agent.StatusIdle)

	r.ctx, r.cancel = context.WithCancelCause(context.Background())
	go r.loop()
	return nil
}

// Send enqueues an event without blocking. Delivery is best-effort: a dead
// runtime logs and discards, a full inbox returns ErrInboxFull.
func (r *Runtime) Send(ev *agent.Event) error {
	select {
	case <-r.done:
		slog.Debug("send to dead runtime discarded", "runtime", r.id, "kind", ev.Kind)
		return nil
	default:
	}
	select {
	case r.inbox <- envelope{ev: ev}:
		return nil
	default:
		return fmt.Errorf("%w: runtime %s", ErrInboxFull, r.id)
	}
}

// Call delivers an event and waits for the step result.
func (r *Runtime) Call(ctx context.Context, ev *agent.Event, timeout time.Duration) (*agent.StepResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	reply := make(chan callReply, 1)
	select {
	case r.inbox <- envelope{ev: ev, reply: reply}:
	case <-r.done:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.id)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: call %s", ErrTimeout, ev.Kind)
	}
	select {
	case rep := <-reply:
		return rep.result, rep.err
	case <-r.done:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.id)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: call %s", ErrTimeout, ev.Kind)
	}
}

// Status returns the last status published by the loop.
func (r *Runtime) Status() agent.Status {
	return r.status.Load().(agent.Status)
}

// State returns a snapshot of the agent state, taken on the loop goroutine.
func (r *Runtime) State(ctx context.Context) (*agent.State, error) {
	msg := controlMsg{kind: ctrlState, state: make(chan *agent.State, 1)}
	select {
	case r.control <- msg:
	case <-r.done:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.id)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: state", ErrTimeout)
	}
	select {
	case s := <-msg.state:
		return s, nil
	case <-r.done:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, r.id)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: state", ErrTimeout)
	}
}

// Hibernate synchronously serializes the state into the store under the
// configured key, transitions to terminated and shuts the loop down. On a
// store failure the runtime stays alive and the caller decides.
func (r *Runtime) Hibernate(ctx context.Context) error {
	return r.controlRequest(ctx, controlMsg{kind: ctrlHibernate, err: make(chan error, 1)})
}

// Stop shuts the runtime down gracefully, running the agent's Terminate
// hook when it has one.
func (r *Runtime) Stop(ctx context.Context, reason string) error {
	err := r.controlRequest(ctx, controlMsg{kind: ctrlStop, reason: reason, err: make(chan error, 1)})
	if errors.Is(err, ErrNotFound) {
		// Already down, stopping is idempotent.
		return nil
	}
	return err
}

// Kill force-terminates the loop without hooks or checkpoint. Used by the
// supervisor's brutal-kill path and by tests.
func (r *Runtime) Kill() {
	if r.cancel != nil {
		r.cancel(ErrKilled)
	}
}

// Done is closed when the loop has exited.
func (r *Runtime) Done() <-chan struct{} { return r.done }

// ExitErr reports why the loop exited. Nil means a clean stop or
// hibernation. Only valid after Done is closed.
func (r *Runtime) ExitErr() error {
	select {
	case <-r.done:
		return r.exitErr
	default:
		return nil
	}
}

// AwaitTerminal blocks until the status reaches completed or failed, or ctx
// expires. A runtime already in a terminal status returns immediately.
func (r *Runtime) AwaitTerminal(ctx context.Context) (agent.Status, error) {
	if s := r.Status(); s.Terminal() {
		return s, nil
	}
	ch := make(chan agent.Status, 1)
	r.awaitMu.Lock()
	r.awaiters = append(r.awaiters, ch)
	r.awaitMu.Unlock()
	// Re-check after registration to close the race with the loop.
	if s := r.Status(); s.Terminal() {
		return s, nil
	}
	select {
	case s := <-ch:
		return s, nil
	case <-r.done:
		return r.Status(), fmt.Errorf("%w: %s", ErrNotFound, r.id)
	case <-ctx.Done():
		return r.Status(), fmt.Errorf("%w: await terminal", ErrTimeout)
	}
}

func (r *Runtime) controlRequest(ctx context.Context, msg controlMsg) error {
	select {
	case r.control <- msg:
	case <-r.done:
		return fmt.Errorf("%w: %s", ErrNotFound, r.id)
	case <-ctx.Done():
		return fmt.Errorf("%w: control", ErrTimeout)
	}
	select {
	case err := <-msg.err:
		return err
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: control", ErrTimeout)
	}
}

// loop is the single goroutine owning the agent state. Control messages
// take priority over inbox events.
func (r *Runtime) loop() {
	defer func() {
		r.cron.stopAll()
		r.cancel(nil)
		close(r.done)
	}()

	for {
		// Drain pending control traffic first.
		select {
		case msg := <-r.control:
			if r.handleControl(msg) {
				return
			}
			continue
		default:
		}

		select {
		case msg := <-r.control:
			if r.handleControl(msg) {
				return
			}
		case env := <-r.inbox:
			if r.handleEvent(env) {
				return
			}
		case <-r.ctx.Done():
			r.exitErr = context.Cause(r.ctx)
			r.publishStatus(agent.StatusTerminated)
			return
		}
	}
}

// handleControl processes one control message; true means the loop exits.
func (r *Runtime) handleControl(msg controlMsg) bool {
	switch msg.kind {
	case ctrlState:
		msg.state <- r.state.Clone()
		return false
	case ctrlHibernate:
		err := r.hibernate()
		msg.err <- err
		return err == nil
	case ctrlStop:
		msg.err <- r.terminate(msg.reason)
		return true
	default:
		return false
	}
}

// hibernate freezes the state. The status written to the checkpoint is the
// agent's pre-hibernation status so a thaw resumes where it left off.
func (r *Runtime) hibernate() error {
	ctx, span := observability.GetTracer("warden/runtime").Start(r.ctx, observability.SpanHibernate)
	defer span.End()

	if r.cfg.Store != nil {
		data, err := r.state.Encode()
		if err != nil {
			return err
		}
		key := store.Key{Module: r.cfg.Module, Logical: r.cfg.Key}
		if err := r.cfg.Store.PutCheckpoint(ctx, key, data); err != nil {
			return err
		}
	}
	r.publishStatus(agent.StatusTerminating)
	r.publishStatus(agent.StatusTerminated)
	slog.Debug("runtime hibernated", "runtime", r.id, "key", r.cfg.Key)
	return nil
}

// terminate runs the optional Terminate hook and moves to terminated.
func (r *Runtime) terminate(reason string) error {
	r.publishStatus(agent.StatusTerminating)
	if term, ok := r.ag.(agent.Terminator); ok {
		if err := term.Terminate(r.ctx, r.state, reason); err != nil {
			slog.Warn("terminate hook failed", "runtime", r.id, "error", err)
		}
	}
	r.publishStatus(agent.StatusTerminated)
	slog.Debug("runtime stopped", "runtime", r.id, "reason", reason)
	return nil
}

// handleEvent runs one step; true means the loop exits.
func (r *Runtime) handleEvent(env envelope) (exit bool) {
	started := time.Now()
	ctx, span := observability.GetTracer("warden/runtime").Start(r.ctx, observability.SpanStep)
	defer span.End()

	result, stepErr := r.step(ctx, env.ev)

	elapsed := time.Since(started)
	slow := elapsed > r.cfg.SlowThreshold
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordStep(ctx, r.cfg.Module, elapsed, slow)
	}
	if slow {
		slog.Warn("slow step", "runtime", r.id, "kind", env.ev.Kind, "elapsed", elapsed)
	}

	if stepErr != nil {
		if env.reply != nil {
			env.reply <- callReply{err: stepErr}
		}
		return r.recordFault(env.ev, stepErr)
	}

	exit, applyErr := r.apply(env.ev, result)
	if env.reply != nil {
		if applyErr != nil {
			env.reply <- callReply{err: applyErr}
		} else {
			var out agent.StepResult
			if result != nil {
				out = *result
			}
			out.State = r.state.Clone()
			env.reply <- callReply{result: &out}
		}
	}
	return exit
}

// step invokes the user hook with panic recovery.
func (r *Runtime) step(ctx context.Context, ev *agent.Event) (result *agent.StepResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("step panic: %v", rec)
			if m := observability.GetGlobalMetrics(); m != nil {
				m.RecordStepPanic(ctx, r.cfg.Module)
			}
		}
	}()
	return r.ag.Step(ctx, r.state, ev)
}

// recordFault moves the runtime to failed, dead-letters the event and
// checks the repeated-failure escalation; true means the loop exits.
func (r *Runtime) recordFault(ev *agent.Event, cause error) bool {
	// Fault path forces the status, the state machine does not gate it.
	if r.state.Fields == nil {
		r.state.Fields = make(map[string]any)
	}
	r.state.Set("error", cause.Error())
	r.state.Status = agent.StatusFailed
	r.publishStatus(agent.StatusFailed)
	slog.Error("step failed", "runtime", r.id, "kind", ev.Kind, "error", cause)

	if r.cfg.Journal != nil {
		entry := &store.Entry{
			ID:      ev.ID,
			Kind:    ev.Kind,
			Payload: ev.Payload,
		}
		if err := r.cfg.Journal.DLQPut(r.ctx, r.dlqSubscription(), entry, journal.ReasonStepPanic); err != nil {
			slog.Error("dead letter write failed", "runtime", r.id, "error", err)
		}
	}

	now := time.Now()
	recent := r.panics[ev.Kind][:0]
	for _, at := range r.panics[ev.Kind] {
		if now.Sub(at) < r.cfg.PanicWindow {
			recent = append(recent, at)
		}
	}
	recent = append(recent, now)
	r.panics[ev.Kind] = recent
	if len(recent) >= r.cfg.PanicBurst {
		slog.Error("repeated step failure, stopping runtime",
			"runtime", r.id, "kind", ev.Kind, "count", len(recent))
		r.exitErr = fmt.Errorf("%w: event kind %s", ErrRepeatedFailure, ev.Kind)
		r.terminate("repeated_failure")
		return true
	}
	return false
}

func (r *Runtime) dlqSubscription() string {
	return r.cfg.Module + "/" + r.cfg.Key
}

// apply installs the step result: directives in order, then the new state;
// exit means a StopSelf directive or an escalated fault ends the loop. A
// rejected status change is returned so pending callers see the fault.
func (r *Runtime) apply(ev *agent.Event, result *agent.StepResult) (exit bool, err error) {
	if result == nil {
		return false, nil
	}
	next := result.State
	if next == nil {
		next = r.state
	}

	// Terminated is absorbing and only the hibernate and stop paths may
	// produce it, so a step never ends in the shutdown statuses. Every
	// other endpoint must be reachable through legal edges.
	illegal := !next.Status.Valid() ||
		next.Status == agent.StatusTerminating ||
		next.Status == agent.StatusTerminated ||
		!agent.CanReach(r.state.Status, next.Status)
	if illegal {
		slog.Error("illegal status transition from step",
			"runtime", r.id, "from", r.state.Status, "to", next.Status)
		cause := fmt.Errorf("%w: %s -> %s",
			agent.ErrIllegalTransition, r.state.Status, next.Status)
		return r.recordFault(ev, cause), cause
	}

	stop := false
	stopReason := ""
	for _, d := range result.Directives {
		switch d := d.(type) {
		case agent.EmitToParent:
			if r.cfg.Parent == nil {
				slog.Debug("emit to parent on root runtime dropped", "runtime", r.id)
				continue
			}
			if err := r.cfg.Parent.Send(d.Event); err != nil {
				slog.Warn("emit to parent failed", "runtime", r.id, "error", err)
			}
		case agent.EmitTo:
			if d.To == nil {
				continue
			}
			if err := d.To.Send(d.Event); err != nil {
				slog.Warn("emit failed", "runtime", r.id, "error", err)
			}
		case agent.SpawnChild:
			if r.cfg.Spawner == nil {
				slog.Warn("spawn child without supervisor", "runtime", r.id, "child", d.ID)
				continue
			}
			if err := r.cfg.Spawner.SpawnChild(d.ID, d.Agent, d.InitialState); err != nil {
				slog.Error("spawn child failed", "runtime", r.id, "child", d.ID, "error", err)
			}
		case agent.StopChild:
			if r.cfg.Spawner == nil {
				continue
			}
			if err := r.cfg.Spawner.StopChild(d.ID); err != nil {
				slog.Debug("stop child", "runtime", r.id, "child", d.ID, "error", err)
			}
		case agent.StopSelf:
			stop = true
			stopReason = d.Reason
		case agent.SetState:
			next.Set(d.Path, d.Value)
		case agent.DeletePath:
			next.Delete(d.Path)
		case agent.Cron:
			if err := r.cron.register(d); err != nil {
				slog.Error("cron registration failed",
					"runtime", r.id, "job", d.JobID, "error", err)
			}
		}
	}

	r.state = next
	r.publishStatus(next.Status)

	for _, out := range result.Outputs {
		if r.cfg.Output != nil {
			r.cfg.Output(out)
		} else {
			slog.Debug("output event discarded", "runtime", r.id, "kind", out.Kind)
		}
	}

	if stop {
		r.terminate(stopReason)
		return true, nil
	}
	return false, nil
}

// publishStatus mirrors the loop's status into the atomic and wakes
// terminal awaiters.
func (r *Runtime) publishStatus(s agent.Status) {
	r.state.Status = s
	r.status.Store(s)
	if !s.Terminal() {
		return
	}
	r.awaitMu.Lock()
	waiters := r.awaiters
	r.awaiters = nil
	r.awaitMu.Unlock()
	for _, ch := range waiters {
		ch <- s
	}
}
