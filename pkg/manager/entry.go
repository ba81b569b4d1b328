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

package manager

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/warden-dev/warden/pkg/agent"
	"github.com/warden-dev/warden/pkg/runtime"
	"github.com/warden-dev/warden/pkg/supervisor"
)

// entry is the in-memory record of one live key. The fields read on hot
// paths live in atomics so Lookup and the idle scanner never contend with
// lifecycle writes.
type entry struct {
	key       string
	sup       *supervisor.Supervisor
	monitorID string
	createdAt time.Time
	metadata  map[string]any

	status       atomic.Value // agent.Status
	updatedAt    atomic.Int64 // unix millis
	idleDeadline atomic.Int64 // unix millis, 0 means disarmed
	failure      atomic.Value // string

	// attachCount lives on the entry, not the runtime, so it survives a
	// supervised restart replacing the runtime underneath.
	attachCount atomic.Int64

	// stopRequested marks manager-initiated shutdown so the monitor does
	// not report it as a crash. It also guards double eviction.
	stopRequested atomic.Bool
}

func newEntry(key string, sup *supervisor.Supervisor, monitorID string, metadata map[string]any) *entry {
	e := &entry{
		key:       key,
		sup:       sup,
		monitorID: monitorID,
		createdAt: time.Now(),
		metadata:  metadata,
	}
	e.status.Store(agent.StatusIdle)
	e.touch()
	return e
}

func (e *entry) touch() {
	e.updatedAt.Store(time.Now().UnixMilli())
}

func (e *entry) setStatus(s agent.Status) {
	e.status.Store(s)
	e.touch()
}

func (e *entry) getStatus() agent.Status {
	return e.status.Load().(agent.Status)
}

// dying reports whether the entry is on its way out and must not be handed
// to Get callers.
func (e *entry) dying() bool {
	switch e.getStatus() {
	case agent.StatusTerminating, agent.StatusTerminated:
		return true
	}
	return false
}

func (e *entry) failureReason() string {
	if v := e.failure.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Handle is the caller-facing reference to one live agent.
type Handle struct {
	m *Manager
	e *entry
}

// Key returns the opaque key this handle serves.
func (h *Handle) Key() string { return h.e.key }

// Runtime returns the current root runtime. The pointer changes across a
// supervised restart, so callers should not cache it.
func (h *Handle) Runtime() *runtime.Runtime { return h.e.sup.Runtime() }

// Status returns the entry's lifecycle status as the manager sees it.
func (h *Handle) Status() agent.Status { return h.e.getStatus() }

// Send enqueues a fire-and-forget event.
func (h *Handle) Send(ev *agent.Event) error { return h.Runtime().Send(ev) }

// Call delivers an event and waits for the step result.
func (h *Handle) Call(ctx context.Context, ev *agent.Event, timeout time.Duration) (*agent.StepResult, error) {
	return h.Runtime().Call(ctx, ev, timeout)
}

// State snapshots the agent state.
func (h *Handle) State(ctx context.Context) (*agent.State, error) {
	return h.Runtime().State(ctx)
}

// AwaitTerminal blocks until the agent reaches completed or failed.
func (h *Handle) AwaitTerminal(ctx context.Context) (agent.Status, error) {
	return h.Runtime().AwaitTerminal(ctx)
}

// Attach signals caller interest, keeping the agent out of idle eviction.
func (h *Handle) Attach() { h.m.attach(h.e) }

// Detach drops one unit of interest. When the count reaches zero the idle
// clock starts.
func (h *Handle) Detach() { h.m.detach(h.e) }

// AttachCount returns the current number of attached callers.
func (h *Handle) AttachCount() int64 { return h.e.attachCount.Load() }

// Metadata returns the opaque metadata supplied at Get time.
func (h *Handle) Metadata() map[string]any { return h.e.metadata }

// GetOption customizes a Get call.
type GetOption func(*getOptions)

type getOptions struct {
	initialState map[string]any
	metadata     map[string]any
}

// WithInitialState seeds the agent state with fields on a cold start. A
// thawed checkpoint takes precedence and the seed is ignored.
func WithInitialState(fields map[string]any) GetOption {
	return func(o *getOptions) { o.initialState = fields }
}

// WithMetadata stores opaque metadata on the registry entry.
func WithMetadata(md map[string]any) GetOption {
	return func(o *getOptions) { o.metadata = md }
}

// Event kinds broadcast to subscribers.
const (
	EventStarted         = "session_started"
	EventStopped         = "session_stopped"
	EventHibernated      = "session_hibernated"
	EventHibernateFailed = "hibernate_failed"
	EventCrashed         = "session_crashed"
)

// Event is one lifecycle notification.
type Event struct {
	Kind   string
	Key    string
	Reason string
	At     time.Time
}
