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

// Package agent defines the contract between user agents and the runtime:
// the durable state with its status state machine, the event shape processed
// by the event loop, and the directives a Step may emit.
package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one unit of work delivered to an agent's inbox.
type Event struct {
	ID      string            `json:"id"`
	Kind    string            `json:"kind"`
	Payload map[string]any    `json:"payload,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
	At      time.Time         `json:"at"`
}

// NewEvent builds an event with a generated ID and the current timestamp.
func NewEvent(kind string, payload map[string]any) *Event {
	return &Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Payload: payload,
		At:      time.Now(),
	}
}

// Sender is the minimal send surface a directive can target. Runtime handles
// implement it.
type Sender interface {
	Send(ev *Event) error
}

// StepResult is what a Step invocation hands back to the loop: the next
// state, outbound events for subscribers, and directives to apply in order.
type StepResult struct {
	State      *State
	Outputs    []*Event
	Directives []Directive
}

// Agent is the user-supplied module run by a runtime. Init is the creation
// hook: it receives either a freshly built state or one thawed from the
// store and may adjust it before the loop starts. Step is the work hook.
type Agent interface {
	Name() string
	Init(ctx context.Context, key string, state *State) (*State, error)
	Step(ctx context.Context, state *State, ev *Event) (*StepResult, error)
}

// Terminator is the optional termination hook, invoked on graceful stop.
type Terminator interface {
	Terminate(ctx context.Context, state *State, reason string) error
}

// Directive instructs the runtime to perform a side effect after a Step.
// Directives are applied in the order they appear in the StepResult.
type Directive interface {
	directive()
}

// EmitToParent forwards an event to the parent runtime. Logged and dropped
// on a root runtime.
type EmitToParent struct {
	Event *Event
}

// EmitTo sends an event to an arbitrary runtime handle.
type EmitTo struct {
	To    Sender
	Event *Event
}

// SpawnChild asks the owning supervisor to start a child runtime under the
// same tree. The child receives a handle back to its parent in its config.
type SpawnChild struct {
	ID           string
	Agent        Agent
	InitialState *State
}

// StopSelf shuts the runtime down gracefully after the current event.
type StopSelf struct {
	Reason string
}

// StopChild stops a previously spawned child. Unknown IDs are logged and
// ignored.
type StopChild struct {
	ID string
}

// SetState writes a value at a dotted path of the agent state.
type SetState struct {
	Path  string
	Value any
}

// DeletePath removes a dotted path from the agent state.
type DeletePath struct {
	Path string
}

// Cron registers or replaces a recurring job owned by this runtime. At each
// fire time the embedded message is sent to the runtime's own inbox.
// Re-registering a JobID cancels the prior schedule first.
type Cron struct {
	JobID    string
	Expr     string
	Message  *Event
	Timezone string
}

func (EmitToParent) directive() {}
func (EmitTo) directive()       {}
func (SpawnChild) directive()   {}
func (StopSelf) directive()     {}
func (StopChild) directive()    {}
func (SetState) directive()     {}
func (DeletePath) directive()   {}
func (Cron) directive()         {}
