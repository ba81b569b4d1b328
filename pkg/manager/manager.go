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

// Package manager implements the keyed-singleton lifecycle controller: a
// registry mapping opaque keys to supervised agent runtimes, with race-free
// get-or-start, attach-based idle tracking, hibernation and crash cleanup.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/warden-dev/warden/pkg/agent"
	"github.com/warden-dev/warden/pkg/journal"
	"github.com/warden-dev/warden/pkg/observability"
	"github.com/warden-dev/warden/pkg/registry"
	"github.com/warden-dev/warden/pkg/runtime"
	"github.com/warden-dev/warden/pkg/store"
	"github.com/warden-dev/warden/pkg/supervisor"
)

var (
	// ErrNotFound is returned for keys with no live entry.
	ErrNotFound = errors.New("manager: not found")

	// ErrClosed is returned once the manager has shut down.
	ErrClosed = errors.New("manager: closed")
)

const (
	DefaultMaxConcurrentStarts = 64
	DefaultStopTimeout         = 5 * time.Second
	DefaultTickInterval        = 500 * time.Millisecond

	// cleanupDelay is how long crashed entries linger so concurrent
	// Lookup callers observe the terminal status instead of a silent
	// miss.
	cleanupDelay = 50 * time.Millisecond
)

// Config is the immutable configuration of one manager.
type Config struct {
	// Name distinguishes this manager in logs and events.
	Name string

	// Agent is the module launched on a registry miss.
	Agent agent.Agent

	// IdleTimeout is how long an entry may sit with zero attachments
	// before hibernation. Zero or negative disables idle eviction.
	IdleTimeout time.Duration

	// Store enables persistence: thaw on Get, checkpoint on hibernate.
	Store store.Store

	// Journal receives dead letters from faulted steps. Built over Store
	// when nil and Store is set.
	Journal *journal.Journal

	// MaxConcurrentStarts bounds cold starts under a thundering herd.
	MaxConcurrentStarts int

	// StopTimeout bounds graceful shutdown before the force-kill
	// fallback.
	StopTimeout time.Duration

	// TickInterval is the idle scanner resolution, never below 500ms.
	TickInterval time.Duration

	// Runtime is the template for every runtime this manager starts.
	// Module, Key, Store and Journal are filled in by the manager.
	Runtime runtime.Config

	// MaxRestarts and RestartWindow configure each key's supervisor.
	MaxRestarts   int
	RestartWindow time.Duration
}

func (c *Config) SetDefaults() {
	if c.MaxConcurrentStarts <= 0 {
		c.MaxConcurrentStarts = DefaultMaxConcurrentStarts
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.TickInterval < DefaultTickInterval {
		c.TickInterval = DefaultTickInterval
	}
	if c.Journal == nil && c.Store != nil {
		c.Journal = journal.New(c.Store)
	}
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("manager name is required")
	}
	if c.Agent == nil {
		return fmt.Errorf("agent module is required")
	}
	return nil
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Count int
	Keys  []string
}

// Manager owns the registry and every lifecycle decision.
type Manager struct {
	cfg Config

	reg      *registry.BaseRegistry[*entry]
	flight   singleflight.Group
	startSem chan struct{}

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool

	tickerStop chan struct{}
}

// New validates the config and starts the manager's idle scanner.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	m := &Manager{
		cfg:        cfg,
		reg:        registry.NewBaseRegistry[*entry](),
		startSem:   make(chan struct{}, cfg.MaxConcurrentStarts),
		subs:       make(map[int]chan Event),
		tickerStop: make(chan struct{}),
	}
	if cfg.IdleTimeout > 0 {
		go m.runIdleScanner()
	}
	slog.Info("manager started",
		"manager", cfg.Name, "agent", cfg.Agent.Name(), "idle_timeout", cfg.IdleTimeout)
	return m, nil
}

// Get returns the live handle for key, starting the agent on a miss. Two
// racing callers get the same handle; the loser of the insert race adopts
// the winner's entry.
func (m *Manager) Get(ctx context.Context, key string, opts ...GetOption) (*Handle, error) {
	ctx, span := observability.GetTracer("warden/manager").Start(ctx, observability.SpanManagerGet)
	defer span.End()

	// Fast path: one lock-free registry read.
	if e, ok := m.reg.Get(key); ok && !e.dying() {
		return &Handle{m: m, e: e}, nil
	}

	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}

	v, err, _ := m.flight.Do(key, func() (any, error) {
		return m.getOrStart(ctx, key, &o)
	})
	if err != nil {
		return nil, err
	}
	return &Handle{m: m, e: v.(*entry)}, nil
}

// getOrStart is the miss path, serialized per key by the singleflight
// group.
func (m *Manager) getOrStart(ctx context.Context, key string, o *getOptions) (*entry, error) {
	// Double-check under the per-key flight to cover lost races.
	if e, ok := m.reg.Get(key); ok {
		if !e.dying() {
			return e, nil
		}
		// A dying entry blocks the key until its tree is down.
		select {
		case <-e.sup.Done():
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for %s to terminate", runtime.ErrTimeout, key)
		}
		cause := e.sup.ExitErr()
		m.removeEntry(e)
		if errors.Is(cause, supervisor.ErrMaxRestartsExceeded) {
			return nil, cause
		}
	}

	// Cold-start backpressure.
	select {
	case m.startSem <- struct{}{}:
		defer func() { <-m.startSem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: start slot for %s", runtime.ErrTimeout, key)
	}

	initial, cold, err := m.buildInitialState(ctx, key, o)
	if err != nil {
		return nil, err
	}

	rcfg := m.cfg.Runtime
	rcfg.Module = m.cfg.Agent.Name()
	rcfg.Store = m.cfg.Store
	rcfg.Journal = m.cfg.Journal

	sup := supervisor.New(supervisor.Config{
		Key:           key,
		Agent:         m.cfg.Agent,
		InitialState:  initial,
		Runtime:       rcfg,
		MaxRestarts:   m.cfg.MaxRestarts,
		RestartWindow: m.cfg.RestartWindow,
	})
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}

	e := newEntry(key, sup, uuid.NewString(), o.metadata)
	if m.cfg.IdleTimeout > 0 {
		e.idleDeadline.Store(time.Now().Add(m.cfg.IdleTimeout).UnixMilli())
	}
	if err := m.reg.Register(key, e); err != nil {
		// Lost the insert in spite of the flight. Adopt the winner.
		sup.Kill()
		if winner, ok := m.reg.Get(key); ok {
			return winner, nil
		}
		return nil, err
	}

	go m.monitor(e)
	if mtr := observability.GetGlobalMetrics(); mtr != nil {
		mtr.RecordStart(ctx, m.cfg.Agent.Name(), cold)
	}
	m.broadcast(Event{Kind: EventStarted, Key: key, At: time.Now()})
	slog.Debug("agent started", "manager", m.cfg.Name, "key", key, "cold", cold)
	return e, nil
}

// buildInitialState thaws the checkpoint when persistence is on, otherwise
// seeds a fresh state. cold reports whether no checkpoint was found.
func (m *Manager) buildInitialState(ctx context.Context, key string, o *getOptions) (*agent.State, bool, error) {
	if m.cfg.Store != nil {
		ckKey := store.Key{Module: m.cfg.Agent.Name(), Logical: key}
		data, found, err := m.cfg.Store.GetCheckpoint(ctx, ckKey)
		if err != nil {
			return nil, false, fmt.Errorf("thaw %s: %w", key, err)
		}
		if found {
			state, err := agent.DecodeState(data)
			if err != nil {
				return nil, false, fmt.Errorf("thaw %s: %w", key, err)
			}
			// A checkpoint wins outright, initial-state seeds are ignored.
			return state, false, nil
		}
	}
	return agent.NewState(o.initialState), true, nil
}

// Lookup is a pure registry read. Dying entries are still visible so
// callers observe the transition instead of a silent miss.
func (m *Manager) Lookup(key string) (*Handle, bool) {
	e, ok := m.reg.Get(key)
	if !ok {
		return nil, false
	}
	return &Handle{m: m, e: e}, true
}

// Stop gracefully shuts down one key: hibernate when persistence is on,
// then stop the tree, falling back to force-kill at StopTimeout.
func (m *Manager) Stop(ctx context.Context, key string) error {
	ctx, span := observability.GetTracer("warden/manager").Start(ctx, observability.SpanManagerStop)
	defer span.End()

	e, ok := m.reg.Get(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !e.stopRequested.CompareAndSwap(false, true) {
		// Someone else is already taking it down; wait for the tree.
		select {
		case <-e.sup.Done():
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: stop %s", runtime.ErrTimeout, key)
		}
	}
	m.shutdown(e, "stop", true)
	m.broadcast(Event{Kind: EventStopped, Key: key, At: time.Now()})
	return nil
}

// shutdown takes one entry's tree down: optional hibernate, graceful stop,
// kill fallback, entry removal. Returns only after the tree has exited.
func (m *Manager) shutdown(e *entry, reason string, hibernate bool) {
	e.setStatus(agent.StatusTerminating)

	if hibernate && m.cfg.Store != nil {
		hctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
		err := e.sup.Runtime().Hibernate(hctx)
		cancel()
		if err != nil {
			// Proceed with termination, the in-flight state is lost.
			slog.Warn("hibernate failed, state lost",
				"manager", m.cfg.Name, "key", e.key, "error", err)
			m.broadcast(Event{Kind: EventHibernateFailed, Key: e.key, Reason: err.Error(), At: time.Now()})
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeout)
	defer cancel()
	if err := e.sup.Stop(sctx, reason); err != nil {
		slog.Warn("graceful stop failed, killing",
			"manager", m.cfg.Name, "key", e.key, "error", err)
		e.sup.Kill()
	}
	<-e.sup.Done()
	e.setStatus(agent.StatusTerminated)
	m.removeEntry(e)
}

// attach increments the entry's attach count and disarms the idle clock.
func (m *Manager) attach(e *entry) {
	if e.attachCount.Add(1) > 0 {
		e.idleDeadline.Store(0)
		e.touch()
	}
}

// detach decrements the attach count; at zero the idle clock starts.
func (m *Manager) detach(e *entry) {
	if e.attachCount.Add(-1) <= 0 && m.cfg.IdleTimeout > 0 {
		e.idleDeadline.Store(time.Now().Add(m.cfg.IdleTimeout).UnixMilli())
		e.touch()
	}
}

// Stats snapshots the registry.
func (m *Manager) Stats() Stats {
	return Stats{Count: m.reg.Count(), Keys: m.reg.Keys()}
}

// Subscribe registers a lifecycle event channel. Slow subscribers drop
// events rather than block the manager. The returned func cancels the
// subscription.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()
	return ch, func() {
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *Manager) broadcast(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the whole manager down: scanner first, then every live tree.
func (m *Manager) Close(ctx context.Context) error {
	m.subsMu.Lock()
	if m.closed {
		m.subsMu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.subsMu.Unlock()

	close(m.tickerStop)
	for _, e := range m.reg.List() {
		if e.stopRequested.CompareAndSwap(false, true) {
			m.shutdown(e, "manager_shutdown", true)
		}
	}

	m.subsMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subsMu.Unlock()
	slog.Info("manager closed", "manager", m.cfg.Name)
	return nil
}

// runIdleScanner is the single manager-wide ticker evicting idle entries.
func (m *Manager) runIdleScanner() {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.tickerStop:
			return
		case <-ticker.C:
			m.scanIdle()
		}
	}
}

func (m *Manager) scanIdle() {
	now := time.Now().UnixMilli()
	for _, e := range m.reg.List() {
		deadline := e.idleDeadline.Load()
		if deadline == 0 || now < deadline {
			continue
		}
		if e.attachCount.Load() > 0 {
			continue
		}
		if !e.stopRequested.CompareAndSwap(false, true) {
			continue
		}
		go m.evict(e)
	}
}

// evict hibernates and stops one idle entry.
func (m *Manager) evict(e *entry) {
	slog.Debug("evicting idle agent", "manager", m.cfg.Name, "key", e.key)
	m.shutdown(e, "idle_eviction", true)
	if mtr := observability.GetGlobalMetrics(); mtr != nil {
		mtr.RecordEviction(context.Background(), m.cfg.Agent.Name())
	}
	m.broadcast(Event{Kind: EventHibernated, Key: e.key, Reason: "idle", At: time.Now()})
}

// monitor watches one entry's supervisor and handles crashes. Manager
// initiated shutdowns are acknowledged elsewhere and skipped here.
func (m *Manager) monitor(e *entry) {
	<-e.sup.Done()
	if e.stopRequested.Load() {
		return
	}
	cause := e.sup.ExitErr()
	reason := "normal"
	if cause != nil {
		reason = crashReason(cause)
	}

	e.setStatus(agent.StatusTerminated)
	if cause != nil {
		e.failure.Store(cause.Error())
		if mtr := observability.GetGlobalMetrics(); mtr != nil {
			mtr.RecordCrash(context.Background(), m.cfg.Agent.Name())
		}
		slog.Warn("agent crashed", "manager", m.cfg.Name, "key", e.key, "reason", reason)
		m.broadcast(Event{Kind: EventCrashed, Key: e.key, Reason: reason, At: time.Now()})
	}

	// Delayed cleanup: keep the terminal entry visible briefly, then
	// delete once the tree is verifiably dead.
	m.scheduleCleanup(e)
}

func (m *Manager) scheduleCleanup(e *entry) {
	time.AfterFunc(cleanupDelay, func() {
		select {
		case <-e.sup.Done():
			m.removeEntry(e)
		default:
			// Tree still winding down, look again later.
			m.scheduleCleanup(e)
		}
	})
}

// removeEntry deletes e from the registry iff it is still the current
// entry for its key.
func (m *Manager) removeEntry(e *entry) {
	if cur, ok := m.reg.Get(e.key); ok && cur == e {
		if err := m.reg.Remove(e.key); err == nil {
			if mtr := observability.GetGlobalMetrics(); mtr != nil {
				mtr.RecordStop(context.Background(), m.cfg.Agent.Name())
			}
		}
	}
}

func crashReason(err error) string {
	switch {
	case errors.Is(err, runtime.ErrKilled):
		return "killed"
	case errors.Is(err, supervisor.ErrMaxRestartsExceeded):
		return "max_restarts_exceeded"
	case errors.Is(err, runtime.ErrRepeatedFailure):
		return "repeated_failure"
	default:
		return err.Error()
	}
}
