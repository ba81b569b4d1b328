package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  Status
		to    Status
		legal bool
	}{
		{"idle to working", StatusIdle, StatusWorking, true},
		{"working to completed", StatusWorking, StatusCompleted, true},
		{"working to failed", StatusWorking, StatusFailed, true},
		{"working back to idle", StatusWorking, StatusIdle, true},
		{"completed resets to idle", StatusCompleted, StatusIdle, true},
		{"failed resets to idle", StatusFailed, StatusIdle, true},
		{"idle to terminating", StatusIdle, StatusTerminating, true},
		{"terminating to terminated", StatusTerminating, StatusTerminated, true},
		{"no-op transition", StatusWorking, StatusWorking, true},
		{"idle cannot complete directly", StatusIdle, StatusCompleted, false},
		{"terminated is absorbing", StatusTerminated, StatusIdle, false},
		{"terminating cannot resume", StatusTerminating, StatusWorking, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.legal, CanTransition(tt.from, tt.to))

			s := &State{Status: tt.from, Fields: map[string]any{}}
			err := s.Transition(tt.to)
			if tt.legal {
				require.NoError(t, err)
				assert.Equal(t, tt.to, s.Status)
			} else {
				require.ErrorIs(t, err, ErrIllegalTransition)
				assert.Equal(t, tt.from, s.Status)
			}
		})
	}
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	s := NewState(nil)
	require.ErrorIs(t, s.Transition(Status("bogus")), ErrIllegalTransition)
}

func TestCanReach(t *testing.T) {
	tests := []struct {
		name      string
		from      Status
		to        Status
		reachable bool
	}{
		{"idle reaches completed through working", StatusIdle, StatusCompleted, true},
		{"idle reaches terminated", StatusIdle, StatusTerminated, true},
		{"completed reaches working via reset", StatusCompleted, StatusWorking, true},
		{"same status", StatusFailed, StatusFailed, true},
		{"terminated reaches nothing", StatusTerminated, StatusIdle, false},
		{"terminating only reaches terminated", StatusTerminating, StatusWorking, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.reachable, CanReach(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusIdle.Terminal())
	assert.False(t, StatusTerminated.Terminal())
}

func TestNewStateStripsReservedKey(t *testing.T) {
	s := NewState(map[string]any{"status": "working", "n": 1})
	assert.Equal(t, StatusIdle, s.Status)
	_, found := s.Get("status")
	assert.False(t, found)
	v, found := s.Get("n")
	require.True(t, found)
	assert.Equal(t, 1, v)
}

func TestDottedPaths(t *testing.T) {
	s := NewState(nil)

	s.Set("user.profile.name", "ada")
	v, found := s.Get("user.profile.name")
	require.True(t, found)
	assert.Equal(t, "ada", v)

	// Intermediate maps were created.
	_, found = s.Get("user.profile")
	assert.True(t, found)

	// A non-map segment stops traversal.
	s.Set("flat", 1)
	_, found = s.Get("flat.deeper")
	assert.False(t, found)

	s.Delete("user.profile.name")
	_, found = s.Get("user.profile.name")
	assert.False(t, found)

	// Deleting through a missing branch is a no-op.
	s.Delete("ghost.path")
}

func TestCloneIsolatesFieldMap(t *testing.T) {
	s := NewState(map[string]any{"a": 1})
	c := s.Clone()
	c.Set("a", 2)
	c.Set("b", 3)

	v, _ := s.Get("a")
	assert.Equal(t, 1, v)
	_, found := s.Get("b")
	assert.False(t, found)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := NewState(map[string]any{
		"counter": int64(7),
		"nested":  map[string]any{"deep": "value"},
	})
	require.NoError(t, s.Transition(StatusWorking))

	data, err := s.Encode()
	require.NoError(t, err)

	out, err := DecodeState(data)
	require.NoError(t, err)
	assert.Equal(t, StatusWorking, out.Status)
	counter, found := out.Get("counter")
	require.True(t, found)
	assert.EqualValues(t, 7, counter)
	deep, found := out.Get("nested.deep")
	require.True(t, found)
	assert.Equal(t, "value", deep)
}

func TestDecodeStateRejectsBadPayloads(t *testing.T) {
	// Missing status field.
	s := &State{Status: Status(""), Fields: map[string]any{}}
	data, err := s.Encode()
	require.NoError(t, err)
	_, err = DecodeState(data)
	require.Error(t, err)

	// Not a map at all.
	_, err = DecodeState([]byte{0x01})
	require.Error(t, err)
}

func TestDecodeOntoStruct(t *testing.T) {
	type profile struct {
		Name  string `state:"name"`
		Count int    `state:"count"`
	}
	s := NewState(map[string]any{"name": "ada", "count": int64(3)})

	var p profile
	require.NoError(t, s.Decode(&p))
	assert.Equal(t, "ada", p.Name)
	assert.Equal(t, 3, p.Count)
}
