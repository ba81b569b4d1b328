package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warden-dev/warden/pkg/agent"
	"github.com/warden-dev/warden/pkg/store"
)

// counterAgent bumps a counter field on "set" events.
type counterAgent struct{}

func (counterAgent) Name() string { return "Agent" }

func (counterAgent) Init(_ context.Context, _ string, state *agent.State) (*agent.State, error) {
	return state, nil
}

func (counterAgent) Step(_ context.Context, state *agent.State, ev *agent.Event) (*agent.StepResult, error) {
	next := state.Clone()
	if ev.Kind == "set" {
		next.Set("counter", ev.Payload["n"])
	}
	return &agent.StepResult{State: next}, nil
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	if cfg.Agent == nil {
		cfg.Agent = counterAgent{}
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func TestColdStartAndHotLookup(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{})

	h1, err := m.Get(ctx, "u1")
	require.NoError(t, err)
	h2, err := m.Get(ctx, "u1")
	require.NoError(t, err)

	assert.Same(t, h1.e, h2.e)
	stats := m.Stats()
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, []string{"u1"}, stats.Keys)
}

func TestLookupWithoutSideEffects(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{})

	_, found := m.Lookup("nope")
	assert.False(t, found)
	assert.Equal(t, 0, m.Stats().Count)

	_, err := m.Get(ctx, "u1")
	require.NoError(t, err)
	h, found := m.Lookup("u1")
	require.True(t, found)
	assert.Equal(t, "u1", h.Key())
}

func TestThawFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	frozen := agent.NewState(map[string]any{"counter": int64(7)})
	data, err := frozen.Encode()
	require.NoError(t, err)
	require.NoError(t, mem.PutCheckpoint(ctx, store.Key{Module: "Agent", Logical: "u2"}, data))

	m := newManager(t, Config{Store: mem})
	h, err := m.Get(ctx, "u2", WithInitialState(map[string]any{"counter": int64(999)}))
	require.NoError(t, err)

	state, err := h.State(ctx)
	require.NoError(t, err)
	counter, ok := state.Get("counter")
	require.True(t, ok)
	// The checkpoint wins, the initial-state seed is ignored.
	assert.EqualValues(t, 7, counter)
}

func TestInitialStateSeedOnColdStart(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{})

	h, err := m.Get(ctx, "u1", WithInitialState(map[string]any{"greeting": "hello"}))
	require.NoError(t, err)
	state, err := h.State(ctx)
	require.NoError(t, err)
	v, ok := state.Get("greeting")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
}

func TestConcurrentGetsShareOneInstance(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{})

	const callers = 20
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Get(ctx, "shared")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, handles[0].e, handles[i].e, "caller %d got a different instance", i)
	}
	assert.Equal(t, 1, m.Stats().Count)
}

func TestIdleHibernation(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	m := newManager(t, Config{Store: mem, IdleTimeout: 100 * time.Millisecond})

	h, err := m.Get(ctx, "u3")
	require.NoError(t, err)
	_, err = h.Call(ctx, agent.NewEvent("set", map[string]any{"n": int64(42)}), time.Second)
	require.NoError(t, err)

	// Never attached, so the idle scanner hibernates and removes it.
	require.Eventually(t, func() bool {
		_, found := m.Lookup("u3")
		return !found
	}, 5*time.Second, 50*time.Millisecond)

	data, found, err := mem.GetCheckpoint(ctx, store.Key{Module: "Agent", Logical: "u3"})
	require.NoError(t, err)
	require.True(t, found)
	frozen, err := agent.DecodeState(data)
	require.NoError(t, err)
	counter, ok := frozen.Get("counter")
	require.True(t, ok)
	assert.EqualValues(t, 42, counter)

	// A fresh Get thaws the hibernated counter.
	h2, err := m.Get(ctx, "u3")
	require.NoError(t, err)
	state, err := h2.State(ctx)
	require.NoError(t, err)
	counter, ok = state.Get("counter")
	require.True(t, ok)
	assert.EqualValues(t, 42, counter)
}

func TestAttachBlocksEviction(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{IdleTimeout: 100 * time.Millisecond})

	h, err := m.Get(ctx, "pinned")
	require.NoError(t, err)
	h.Attach()

	// Well past idle_timeout plus a scanner tick, still alive.
	time.Sleep(1200 * time.Millisecond)
	_, found := m.Lookup("pinned")
	require.True(t, found)

	h.Detach()
	require.Eventually(t, func() bool {
		_, found := m.Lookup("pinned")
		return !found
	}, 5*time.Second, 50*time.Millisecond)
}

func TestAttachCountSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{IdleTimeout: 100 * time.Millisecond})

	h, err := m.Get(ctx, "durable")
	require.NoError(t, err)
	h.Attach()
	h.Attach()
	require.EqualValues(t, 2, h.AttachCount())

	// Kill the root runtime so the supervisor replaces it underneath the
	// handle. The attachments belong to the entry and must survive.
	first := h.Runtime()
	first.Kill()
	require.Eventually(t, func() bool {
		return h.Runtime() != first
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.Call(ctx, agent.NewEvent("set", map[string]any{"n": int64(1)}), time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 2, h.AttachCount())

	// One detach leaves the entry pinned across the idle window.
	h.Detach()
	time.Sleep(1200 * time.Millisecond)
	_, found := m.Lookup("durable")
	require.True(t, found)

	h.Detach()
	require.Eventually(t, func() bool {
		_, found := m.Lookup("durable")
		return !found
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStopHibernatesAndRemoves(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	m := newManager(t, Config{Store: mem})

	h, err := m.Get(ctx, "u5")
	require.NoError(t, err)
	_, err = h.Call(ctx, agent.NewEvent("set", map[string]any{"n": int64(5)}), time.Second)
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx, "u5"))
	_, found := m.Lookup("u5")
	assert.False(t, found)

	_, found, err = mem.GetCheckpoint(ctx, store.Key{Module: "Agent", Logical: "u5"})
	require.NoError(t, err)
	assert.True(t, found)

	require.ErrorIs(t, m.Stop(ctx, "u5"), ErrNotFound)
}

func TestSupervisorCrashBroadcastsAndCleansUp(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{})

	events, cancel := m.Subscribe(16)
	defer cancel()

	h, err := m.Get(ctx, "u4")
	require.NoError(t, err)

	// Drain the start event first.
	ev := <-events
	require.Equal(t, EventStarted, ev.Kind)

	h.e.sup.Kill()

	select {
	case ev := <-events:
		assert.Equal(t, EventCrashed, ev.Kind)
		assert.Equal(t, "u4", ev.Key)
		assert.Equal(t, "killed", ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("no crash event observed")
	}

	require.Eventually(t, func() bool {
		_, found := m.Lookup("u4")
		return !found
	}, time.Second, 10*time.Millisecond)
}

func TestGetAfterCrashStartsFresh(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, Config{})

	h1, err := m.Get(ctx, "phoenix")
	require.NoError(t, err)
	h1.e.sup.Kill()
	require.Eventually(t, func() bool {
		_, found := m.Lookup("phoenix")
		return !found
	}, time.Second, 10*time.Millisecond)

	h2, err := m.Get(ctx, "phoenix")
	require.NoError(t, err)
	assert.NotSame(t, h1.e, h2.e)
	_, err = h2.Call(ctx, agent.NewEvent("set", map[string]any{"n": int64(1)}), time.Second)
	assert.NoError(t, err)
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	m := newManager(t, Config{})

	events, cancel := m.Subscribe(1)
	cancel()
	_, open := <-events
	assert.False(t, open)
	// Cancelling twice is safe.
	cancel()
}

func TestCloseStopsEverything(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	m, err := New(Config{Name: "closing", Agent: counterAgent{}, Store: mem})
	require.NoError(t, err)

	_, err = m.Get(ctx, "a")
	require.NoError(t, err)
	_, err = m.Get(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, 0, m.Stats().Count)
	require.ErrorIs(t, m.Close(ctx), ErrClosed)

	// Both keys were hibernated on the way down.
	for _, key := range []string{"a", "b"} {
		_, found, err := mem.GetCheckpoint(ctx, store.Key{Module: "Agent", Logical: key})
		require.NoError(t, err)
		assert.True(t, found, "missing checkpoint for %s", key)
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{Agent: counterAgent{}})
	require.Error(t, err)
	_, err = New(Config{Name: "n"})
	require.Error(t, err)
}
