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

// Package warden maps opaque keys to supervised, stateful agent instances.
//
// A Manager guarantees at most one live instance per key: concurrent Gets
// for the same key share a single cold start, and later Gets return the
// running instance. Each instance is an Agent module driven by a
// single-goroutine runtime under a supervisor that restarts crashes within
// a bounded window. Instances that sit idle with no attachments are
// hibernated: their state is checkpointed to the configured store and the
// goroutines exit, and the next Get thaws them transparently.
//
// # Quick Start
//
// Implement the agent contract:
//
//	type Counter struct{}
//
//	func (Counter) Name() string { return "Counter" }
//
//	func (Counter) Init(ctx context.Context, key string, s *agent.State) (*agent.State, error) {
//		return s, nil
//	}
//
//	func (Counter) Step(ctx context.Context, s *agent.State, ev *agent.Event) (*agent.StepResult, error) {
//		next := s.Clone()
//		n, _ := next.Get("n")
//		next.Set("n", toInt(n)+1)
//		return &agent.StepResult{State: next}, nil
//	}
//
// Run it behind a manager:
//
//	m, err := manager.New(manager.Config{
//		Name:        "counters",
//		Agent:       Counter{},
//		Store:       store.NewMemory(),
//		IdleTimeout: 5 * time.Minute,
//	})
//	h, err := m.Get(ctx, "user-42")
//	res, err := h.Call(ctx, agent.NewEvent("tick", nil), time.Second)
//
// The packages compose bottom-up: pkg/codec and pkg/store provide durable
// checkpoints and thread journals, pkg/journal adds cursors and the dead
// letter queue, pkg/runtime runs one agent, pkg/supervisor restarts it,
// and pkg/manager owns the keyed registry and lifecycle policy.
package warden
