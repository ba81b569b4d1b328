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

package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/warden-dev/warden/pkg/codec"
)

// Status is the lifecycle phase carried in every agent state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusWorking     Status = "working"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// statusKey is the reserved field name inside the serialized state map.
const statusKey = "status"

// ErrIllegalTransition is returned when a status change does not follow a
// legal edge of the lifecycle state machine.
var ErrIllegalTransition = errors.New("agent: illegal status transition")

// legalEdges enumerates the allowed status transitions. Terminated is
// absorbing.
var legalEdges = map[Status][]Status{
	StatusIdle:        {StatusWorking, StatusTerminating},
	StatusWorking:     {StatusCompleted, StatusFailed, StatusIdle, StatusTerminating},
	StatusCompleted:   {StatusIdle, StatusTerminating},
	StatusFailed:      {StatusIdle, StatusTerminating},
	StatusTerminating: {StatusTerminated},
	StatusTerminated:  {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := legalEdges[s]
	return ok
}

// Terminal reports whether s is completed or failed, the statuses awaiters
// unblock on.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal edge. A no-op
// transition (from == to) is always permitted.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanReach reports whether to is reachable from from through any chain of
// legal edges. A Step may walk several edges internally; the loop observes
// only the endpoints, so it validates reachability rather than adjacency.
func CanReach(from, to Status) bool {
	if from == to {
		return true
	}
	seen := map[Status]bool{from: true}
	frontier := []Status{from}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, next := range legalEdges[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

// State is the durable payload of one agent: a status plus user-defined
// fields. The framework treats fields as opaque; only Status participates in
// lifecycle decisions.
type State struct {
	Status Status
	Fields map[string]any
}

// NewState builds a fresh state in StatusIdle with a copy of fields.
func NewState(fields map[string]any) *State {
	s := &State{Status: StatusIdle, Fields: make(map[string]any, len(fields))}
	for k, v := range fields {
		if k == statusKey {
			continue
		}
		s.Fields[k] = v
	}
	return s
}

// Clone returns a shallow copy of the state with its own field map. Nested
// values are shared; Step implementations must not mutate them in place.
func (s *State) Clone() *State {
	out := &State{Status: s.Status, Fields: make(map[string]any, len(s.Fields))}
	for k, v := range s.Fields {
		out.Fields[k] = v
	}
	return out
}

// Transition moves the state to the given status, enforcing the lifecycle
// state machine.
func (s *State) Transition(to Status) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, to)
	}
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Status, to)
	}
	s.Status = to
	return nil
}

// Get returns the value at a dotted path ("a.b.c") into nested field maps.
func (s *State) Get(path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = s.Fields
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes a value at a dotted path, creating intermediate maps as needed.
func (s *State) Set(path string, value any) {
	parts := strings.Split(path, ".")
	m := s.Fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Delete removes the value at a dotted path. Missing paths are a no-op.
func (s *State) Delete(path string) {
	parts := strings.Split(path, ".")
	m := s.Fields
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

// Decode maps the state fields onto a user struct using mapstructure tags.
func (s *State) Decode(v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		TagName:          "state",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(s.Fields)
}

// Encode serializes the state as a single self-describing map, with the
// status stored under the reserved "status" key.
func (s *State) Encode() ([]byte, error) {
	m := make(map[string]any, len(s.Fields)+1)
	for k, v := range s.Fields {
		m[k] = v
	}
	m[statusKey] = string(s.Status)
	return codec.Marshal(m)
}

// DecodeState rebuilds a State from its serialized form. A missing or
// unknown status is rejected.
func DecodeState(data []byte) (*State, error) {
	var m map[string]any
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	raw, ok := m[statusKey].(string)
	if !ok {
		return nil, fmt.Errorf("%w: state missing status field", codec.ErrMalformed)
	}
	st := Status(raw)
	if !st.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", codec.ErrMalformed, raw)
	}
	delete(m, statusKey)
	return &State{Status: st, Fields: m}, nil
}
