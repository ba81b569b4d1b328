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

// Package supervisor implements the one-per-key supervision tree: a single
// root runtime plus the child runtimes it spawns, restarted one-for-one
// within a bounded budget.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/warden-dev/warden/pkg/agent"
	"github.com/warden-dev/warden/pkg/runtime"
)

// ErrMaxRestartsExceeded is the exit cause when the root runtime keeps
// crashing past the restart budget.
var ErrMaxRestartsExceeded = errors.New("supervisor: max restarts exceeded")

const (
	DefaultMaxRestarts   = 1
	DefaultRestartWindow = 5 * time.Second
)

// Config wires one supervision tree.
type Config struct {
	// Key is the opaque instance key the tree serves.
	Key string

	// Agent is the module started as the root runtime.
	Agent agent.Agent

	// InitialState seeds the root runtime, fresh or thawed. Restarts after
	// a crash reuse it; in-flight state is lost by design of the crash
	// path.
	InitialState *agent.State

	// Runtime is the template config for every runtime in the tree.
	Runtime runtime.Config

	// MaxRestarts crashes are tolerated within RestartWindow before the
	// supervisor gives up.
	MaxRestarts   int
	RestartWindow time.Duration
}

func (c *Config) SetDefaults() {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = DefaultMaxRestarts
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
}

// Supervisor owns one root runtime and its children.
type Supervisor struct {
	cfg Config

	mu       sync.Mutex
	root     *runtime.Runtime
	children map[string]*runtime.Runtime
	restarts []time.Time
	killed   bool
	stopping bool

	done     chan struct{}
	doneOnce sync.Once
	exitErr  error
}

// New constructs a supervisor without starting it.
func New(cfg Config) *Supervisor {
	cfg.SetDefaults()
	return &Supervisor{
		cfg:      cfg,
		children: make(map[string]*runtime.Runtime),
		done:     make(chan struct{}),
	}
}

// Start launches the root runtime and the watchdog.
func (s *Supervisor) Start(ctx context.Context) error {
	root, err := s.startRoot(ctx, s.cfg.InitialState)
	if err != nil {
		s.exit(err)
		return err
	}
	s.mu.Lock()
	s.root = root
	s.mu.Unlock()
	go s.watch(root)
	return nil
}

func (s *Supervisor) startRoot(ctx context.Context, initial *agent.State) (*runtime.Runtime, error) {
	rcfg := s.cfg.Runtime
	rcfg.Key = s.cfg.Key
	rcfg.Spawner = s
	r := runtime.New(s.cfg.Key, s.cfg.Agent, initial, rcfg)
	if err := r.Start(ctx); err != nil {
		return nil, fmt.Errorf("supervisor %s: %w", s.cfg.Key, err)
	}
	return r, nil
}

// Runtime returns the current root runtime handle. It changes across a
// restart, so callers re-fetch rather than cache it.
func (s *Supervisor) Runtime() *runtime.Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

// Done is closed when the whole tree has shut down.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// ExitErr reports why the tree exited: nil for a clean shutdown,
// ErrMaxRestartsExceeded when the restart budget ran out, the kill cause
// after Kill. Only valid after Done is closed.
func (s *Supervisor) ExitErr() error {
	select {
	case <-s.done:
		return s.exitErr
	default:
		return nil
	}
}

// watch supervises one incarnation of the root runtime.
func (s *Supervisor) watch(root *runtime.Runtime) {
	<-root.Done()
	cause := root.ExitErr()

	s.mu.Lock()
	if s.killed || s.stopping {
		s.mu.Unlock()
		return
	}
	if cause == nil {
		// Clean root exit shuts the whole tree down.
		s.mu.Unlock()
		s.stopChildren()
		s.exit(nil)
		return
	}

	now := time.Now()
	recent := s.restarts[:0]
	for _, at := range s.restarts {
		if now.Sub(at) < s.cfg.RestartWindow {
			recent = append(recent, at)
		}
	}
	s.restarts = recent
	if len(s.restarts) >= s.cfg.MaxRestarts {
		s.mu.Unlock()
		slog.Error("supervisor giving up",
			"key", s.cfg.Key, "restarts", len(recent), "cause", cause)
		s.stopChildren()
		s.exit(fmt.Errorf("%w: %s", ErrMaxRestartsExceeded, s.cfg.Key))
		return
	}
	s.restarts = append(s.restarts, now)
	s.mu.Unlock()

	slog.Warn("restarting crashed runtime", "key", s.cfg.Key, "cause", cause)
	next, err := s.startRoot(context.Background(), s.cfg.InitialState)
	if err != nil {
		s.stopChildren()
		s.exit(err)
		return
	}
	s.mu.Lock()
	s.root = next
	s.mu.Unlock()
	go s.watch(next)
}

// SpawnChild starts a child runtime under this tree. One-for-one: a child
// crash never touches its siblings, the child is simply dropped after its
// own crash (children carry no restart budget of their own).
func (s *Supervisor) SpawnChild(id string, ag agent.Agent, initial *agent.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.killed {
		return fmt.Errorf("supervisor %s: shutting down", s.cfg.Key)
	}
	if _, exists := s.children[id]; exists {
		return fmt.Errorf("supervisor %s: child %s already running", s.cfg.Key, id)
	}

	rcfg := s.cfg.Runtime
	rcfg.Key = s.cfg.Key + "/" + id
	rcfg.Parent = s.root
	rcfg.Spawner = s
	child := runtime.New(id, ag, initial, rcfg)
	if err := child.Start(context.Background()); err != nil {
		return err
	}
	s.children[id] = child
	go func() {
		<-child.Done()
		s.mu.Lock()
		if s.children[id] == child {
			delete(s.children, id)
		}
		s.mu.Unlock()
		if cause := child.ExitErr(); cause != nil {
			slog.Warn("child runtime crashed", "key", s.cfg.Key, "child", id, "cause", cause)
		}
	}()
	return nil
}

// StopChild gracefully stops one child. Unknown IDs are a no-op.
func (s *Supervisor) StopChild(id string) error {
	s.mu.Lock()
	child, ok := s.children[id]
	delete(s.children, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return child.Stop(ctx, "stopped_by_parent")
}

// Stop shuts the tree down gracefully: children first, then the root with
// its terminate hook. Waits until the tree is fully down or ctx expires.
func (s *Supervisor) Stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.stopping = true
	root := s.root
	s.mu.Unlock()

	s.stopChildren()
	if root != nil {
		if err := root.Stop(ctx, reason); err != nil {
			return err
		}
		select {
		case <-root.Done():
		case <-ctx.Done():
			return fmt.Errorf("%w: stop %s", runtime.ErrTimeout, s.cfg.Key)
		}
	}
	s.exit(nil)
	return nil
}

// Kill force-terminates the whole tree without hooks and without restart.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	s.killed = true
	root := s.root
	children := make([]*runtime.Runtime, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.children = make(map[string]*runtime.Runtime)
	s.mu.Unlock()

	for _, c := range children {
		c.Kill()
	}
	if root != nil {
		root.Kill()
		<-root.Done()
	}
	s.exit(runtime.ErrKilled)
}

func (s *Supervisor) stopChildren() {
	s.mu.Lock()
	children := make([]*runtime.Runtime, 0, len(s.children))
	for _, c := range s.children {
		children = append(children, c)
	}
	s.children = make(map[string]*runtime.Runtime)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, c := range children {
		if err := c.Stop(ctx, "supervisor_shutdown"); err != nil {
			slog.Warn("child stop failed, killing", "key", s.cfg.Key, "child", c.ID(), "error", err)
			c.Kill()
		}
	}
}

func (s *Supervisor) exit(cause error) {
	s.doneOnce.Do(func() {
		s.exitErr = cause
		close(s.done)
	})
}

// ChildCount reports how many children are currently running.
func (s *Supervisor) ChildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}
