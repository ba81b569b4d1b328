package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/pkg/agent"
	"github.com/warden-dev/warden/pkg/runtime"
)

type stubAgent struct {
	name string
	step func(ctx context.Context, state *agent.State, ev *agent.Event) (*agent.StepResult, error)
}

func (a *stubAgent) Name() string { return a.name }

func (a *stubAgent) Init(_ context.Context, _ string, state *agent.State) (*agent.State, error) {
	return state, nil
}

func (a *stubAgent) Step(ctx context.Context, state *agent.State, ev *agent.Event) (*agent.StepResult, error) {
	if a.step != nil {
		return a.step(ctx, state, ev)
	}
	return &agent.StepResult{State: state}, nil
}

func startSupervisor(t *testing.T, cfg Config) *Supervisor {
	t.Helper()
	s := New(cfg)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Kill)
	return s
}

func TestCleanRootExitShutsTreeDown(t *testing.T) {
	ag := &stubAgent{
		name: "quitter",
		step: func(_ context.Context, state *agent.State, _ *agent.Event) (*agent.StepResult, error) {
			return &agent.StepResult{
				State:      state,
				Directives: []agent.Directive{agent.StopSelf{Reason: "done"}},
			}, nil
		},
	}
	s := startSupervisor(t, Config{Key: "u1", Agent: ag, Runtime: runtime.Config{Module: "quitter"}})

	require.NoError(t, s.Runtime().Send(agent.NewEvent("finish", nil)))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not shut down after clean root exit")
	}
	assert.NoError(t, s.ExitErr())
}

func TestCrashRestartsOnceThenGivesUp(t *testing.T) {
	ag := &stubAgent{name: "crashy"}
	s := startSupervisor(t, Config{
		Key:           "u2",
		Agent:         ag,
		Runtime:       runtime.Config{Module: "crashy"},
		MaxRestarts:   1,
		RestartWindow: 5 * time.Second,
	})

	first := s.Runtime()
	first.Kill()

	// One restart is allowed, so a fresh runtime appears.
	require.Eventually(t, func() bool {
		r := s.Runtime()
		return r != first && r.Status() == agent.StatusIdle
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-s.Done():
		t.Fatal("supervisor must survive the first crash")
	default:
	}

	// A second crash inside the window exhausts the budget.
	s.Runtime().Kill()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not give up")
	}
	require.ErrorIs(t, s.ExitErr(), ErrMaxRestartsExceeded)
}

func TestSpawnAndStopChild(t *testing.T) {
	var parentMu sync.Mutex
	var fromChild []string
	childAgent := &stubAgent{
		name: "child",
		step: func(_ context.Context, state *agent.State, ev *agent.Event) (*agent.StepResult, error) {
			return &agent.StepResult{
				State: state,
				Directives: []agent.Directive{
					agent.EmitToParent{Event: agent.NewEvent("child_report", ev.Payload)},
				},
			}, nil
		},
	}
	rootAgent := &stubAgent{
		name: "parent",
		step: func(_ context.Context, state *agent.State, ev *agent.Event) (*agent.StepResult, error) {
			switch ev.Kind {
			case "spawn":
				return &agent.StepResult{
					State: state,
					Directives: []agent.Directive{
						agent.SpawnChild{ID: "c1", Agent: childAgent},
					},
				}, nil
			case "child_report":
				parentMu.Lock()
				fromChild = append(fromChild, ev.ID)
				parentMu.Unlock()
			}
			return &agent.StepResult{State: state}, nil
		},
	}
	s := startSupervisor(t, Config{Key: "u3", Agent: rootAgent, Runtime: runtime.Config{Module: "tree"}})

	_, err := s.Runtime().Call(context.Background(), agent.NewEvent("spawn", nil), time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ChildCount() == 1 }, time.Second, 10*time.Millisecond)

	// Drive the child through the parent's spawner bookkeeping.
	s.mu.Lock()
	child := s.children["c1"]
	s.mu.Unlock()
	require.NotNil(t, child)
	_, err = child.Call(context.Background(), agent.NewEvent("work", nil), time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		parentMu.Lock()
		defer parentMu.Unlock()
		return len(fromChild) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.StopChild("c1"))
	require.NoError(t, s.StopChild("c1"))
	assert.Equal(t, 0, s.ChildCount())
}

func TestChildCrashLeavesSiblingsAlone(t *testing.T) {
	childAgent := &stubAgent{name: "child"}
	rootAgent := &stubAgent{
		name: "parent",
		step: func(_ context.Context, state *agent.State, ev *agent.Event) (*agent.StepResult, error) {
			return &agent.StepResult{
				State: state,
				Directives: []agent.Directive{
					agent.SpawnChild{ID: "a", Agent: childAgent},
					agent.SpawnChild{ID: "b", Agent: childAgent},
				},
			}, nil
		},
	}
	s := startSupervisor(t, Config{Key: "u4", Agent: rootAgent, Runtime: runtime.Config{Module: "tree"}})

	_, err := s.Runtime().Call(context.Background(), agent.NewEvent("spawn", nil), time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ChildCount() == 2 }, time.Second, 10*time.Millisecond)

	s.mu.Lock()
	a := s.children["a"]
	s.mu.Unlock()
	a.Kill()

	require.Eventually(t, func() bool { return s.ChildCount() == 1 }, time.Second, 10*time.Millisecond)
	s.mu.Lock()
	b := s.children["b"]
	s.mu.Unlock()
	require.NotNil(t, b)
	_, err = b.Call(context.Background(), agent.NewEvent("ping", nil), time.Second)
	assert.NoError(t, err)
}

func TestGracefulStop(t *testing.T) {
	ag := &stubAgent{name: "stoppable"}
	s := startSupervisor(t, Config{Key: "u5", Agent: ag, Runtime: runtime.Config{Module: "stoppable"}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx, "shutdown"))
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("stop did not close the tree")
	}
	assert.NoError(t, s.ExitErr())
}

func TestKillReportsCause(t *testing.T) {
	ag := &stubAgent{name: "victim"}
	s := startSupervisor(t, Config{Key: "u6", Agent: ag, Runtime: runtime.Config{Module: "victim"}})

	s.Kill()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("kill did not close the tree")
	}
	require.ErrorIs(t, s.ExitErr(), runtime.ErrKilled)
}
