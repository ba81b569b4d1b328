package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConformance exercises the full Store contract against one backend.
// Every backend must pass the identical suite.
func runConformance(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("checkpoint missing", func(t *testing.T) {
		s := open(t)
		_, found, err := s.GetCheckpoint(ctx, Key{Module: "Agent", Logical: "nope"})
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("checkpoint roundtrip and overwrite", func(t *testing.T) {
		s := open(t)
		key := Key{Module: "Agent", Logical: "u1"}
		require.NoError(t, s.PutCheckpoint(ctx, key, []byte("v1")))
		data, found, err := s.GetCheckpoint(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("v1"), data)

		require.NoError(t, s.PutCheckpoint(ctx, key, []byte("v2")))
		data, found, err = s.GetCheckpoint(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte("v2"), data)
	})

	t.Run("checkpoint delete is idempotent", func(t *testing.T) {
		s := open(t)
		key := Key{Module: "Agent", Logical: "gone"}
		require.NoError(t, s.PutCheckpoint(ctx, key, []byte("x")))
		require.NoError(t, s.DeleteCheckpoint(ctx, key))
		require.NoError(t, s.DeleteCheckpoint(ctx, key))
		_, found, err := s.GetCheckpoint(ctx, key)
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("distinct keys do not collide", func(t *testing.T) {
		s := open(t)
		a := Key{Module: "Agent", Logical: "k"}
		b := Key{Module: "Other", Logical: "k"}
		require.NoError(t, s.PutCheckpoint(ctx, a, []byte("a")))
		require.NoError(t, s.PutCheckpoint(ctx, b, []byte("b")))
		data, _, err := s.GetCheckpoint(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, []byte("a"), data)
	})

	t.Run("thread missing", func(t *testing.T) {
		s := open(t)
		_, found, err := s.LoadThread(ctx, "absent")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("append assigns seq, id and at", func(t *testing.T) {
		s := open(t)
		thread, err := s.AppendThread(ctx, "t1", []*Entry{
			{Kind: "note", Payload: map[string]any{"text": "hello"}},
			{Kind: "tool_call", ID: "fixed-id"},
		}, RevAny)
		require.NoError(t, err)
		require.EqualValues(t, 2, thread.Rev)
		require.Len(t, thread.Entries, 2)
		assert.EqualValues(t, 0, thread.Entries[0].Seq)
		assert.EqualValues(t, 1, thread.Entries[1].Seq)
		assert.NotEmpty(t, thread.Entries[0].ID)
		assert.Equal(t, "fixed-id", thread.Entries[1].ID)
		assert.NotZero(t, thread.Entries[0].At)
	})

	t.Run("revision check", func(t *testing.T) {
		s := open(t)
		_, err := s.AppendThread(ctx, "t2", []*Entry{{Kind: "note"}}, RevAny)
		require.NoError(t, err)

		_, err = s.AppendThread(ctx, "t2", []*Entry{{Kind: "note"}}, 0)
		require.ErrorIs(t, err, ErrConflict)

		thread, err := s.AppendThread(ctx, "t2", []*Entry{{Kind: "note"}}, 1)
		require.NoError(t, err)
		assert.EqualValues(t, 2, thread.Rev)

		loaded, found, err := s.LoadThread(ctx, "t2")
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, loaded.Entries, 2)
		assert.EqualValues(t, 0, loaded.Entries[0].Seq)
		assert.EqualValues(t, 1, loaded.Entries[1].Seq)
	})

	t.Run("rev equals entry count", func(t *testing.T) {
		s := open(t)
		for i := 0; i < 5; i++ {
			_, err := s.AppendThread(ctx, "t3", []*Entry{{Kind: "note"}}, int64(i))
			require.NoError(t, err)
		}
		thread, found, err := s.LoadThread(ctx, "t3")
		require.NoError(t, err)
		require.True(t, found)
		assert.EqualValues(t, 5, thread.Rev)
		assert.Len(t, thread.Entries, 5)
		for i, e := range thread.Entries {
			assert.EqualValues(t, i, e.Seq)
		}
	})

	t.Run("payload shapes roundtrip", func(t *testing.T) {
		s := open(t)
		payload := map[string]any{
			"str":    "value",
			"int":    int64(42),
			"neg":    int64(-7),
			"float":  3.5,
			"bool":   true,
			"null":   nil,
			"nested": map[string]any{"list": []any{int64(1), "two", false}},
		}
		_, err := s.AppendThread(ctx, "t4", []*Entry{
			{Kind: "note", Payload: payload, Refs: map[string]string{"parent": "e0"}},
		}, RevAny)
		require.NoError(t, err)

		thread, found, err := s.LoadThread(ctx, "t4")
		require.NoError(t, err)
		require.True(t, found)
		got := thread.Entries[0].Payload
		assert.Equal(t, "value", got["str"])
		assert.EqualValues(t, 42, got["int"])
		assert.EqualValues(t, -7, got["neg"])
		assert.Equal(t, 3.5, got["float"])
		assert.Equal(t, true, got["bool"])
		assert.Nil(t, got["null"])
		nested, ok := got["nested"].(map[string]any)
		require.True(t, ok)
		assert.Len(t, nested["list"], 3)
		assert.Equal(t, map[string]string{"parent": "e0"}, thread.Entries[0].Refs)
	})

	t.Run("delete thread is idempotent", func(t *testing.T) {
		s := open(t)
		_, err := s.AppendThread(ctx, "t5", []*Entry{{Kind: "note"}}, RevAny)
		require.NoError(t, err)
		require.NoError(t, s.DeleteThread(ctx, "t5"))
		require.NoError(t, s.DeleteThread(ctx, "t5"))
		_, found, err := s.LoadThread(ctx, "t5")
		require.NoError(t, err)
		assert.False(t, found)

		// A deleted thread starts over at rev 0.
		thread, err := s.AppendThread(ctx, "t5", []*Entry{{Kind: "note"}}, 0)
		require.NoError(t, err)
		assert.EqualValues(t, 1, thread.Rev)
	})

	t.Run("concurrent appends are serialized", func(t *testing.T) {
		s := open(t)
		const writers = 8
		const perWriter = 10
		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := s.AppendThread(ctx, "t6", []*Entry{
						{Kind: "note", Payload: map[string]any{"writer": w}},
					}, RevAny)
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		thread, found, err := s.LoadThread(ctx, "t6")
		require.NoError(t, err)
		require.True(t, found)
		assert.EqualValues(t, writers*perWriter, thread.Rev)
		for i, e := range thread.Entries {
			assert.EqualValues(t, i, e.Seq)
		}
	})

	t.Run("invalid thread ids rejected", func(t *testing.T) {
		s := open(t)
		for _, id := range []string{"", "..", "a/b", `a\b`} {
			_, err := s.AppendThread(ctx, id, []*Entry{{Kind: "note"}}, RevAny)
			assert.ErrorIs(t, err, ErrInvalidThreadID, "id %q", id)
		}
	})
}

func TestMemoryConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Store {
		return NewMemory()
	})
}

func TestFileConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Store {
		s, err := NewFile(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestBoltConformance(t *testing.T) {
	runConformance(t, func(t *testing.T) Store {
		s, err := NewBolt(filepath.Join(t.TempDir(), "warden.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestKeyHash(t *testing.T) {
	k := Key{Module: "Agent", Logical: "user/../../etc/passwd"}
	h := k.Hash()
	assert.NotContains(t, h, "/")
	assert.NotContains(t, h, "=")
	assert.Equal(t, h, Key{Module: "Agent", Logical: "user/../../etc/passwd"}.Hash())
	assert.NotEqual(t, h, Key{Module: "Agent", Logical: "other"}.Hash())
}

func TestFileRestartPreservesThread(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFile(dir)
	require.NoError(t, err)

	var batch []*Entry
	for i := 0; i < 1000; i++ {
		batch = append(batch, &Entry{
			Kind: fmt.Sprintf("kind-%d", i%7),
			Payload: map[string]any{
				"i":    int64(i),
				"text": strings.Repeat("x", i%50),
				"deep": map[string]any{"ok": i%2 == 0},
			},
			Refs: map[string]string{"prev": fmt.Sprintf("e%d", i-1)},
		})
	}
	before, err := s.AppendThread(ctx, "big", batch, 0)
	require.NoError(t, err)

	// Simulate a process restart by reopening the same base path.
	reopened, err := NewFile(dir)
	require.NoError(t, err)
	after, found, err := reopened.LoadThread(ctx, "big")
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, before.Rev, after.Rev)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	require.Len(t, after.Entries, len(before.Entries))
	for i := range before.Entries {
		assert.Equal(t, before.Entries[i], after.Entries[i])
	}
}

func TestFileMalformedEntryLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFile(dir)
	require.NoError(t, err)
	_, err = s.AppendThread(ctx, "bad", []*Entry{{Kind: "note"}}, RevAny)
	require.NoError(t, err)

	// Truncate the log mid-frame.
	logPath := filepath.Join(dir, "threads", "bad", "entries.log")
	writeGarbage(t, logPath)

	_, _, err = s.LoadThread(ctx, "bad")
	require.Error(t, err)
}

// writeGarbage appends a frame header that promises more bytes than exist.
func writeGarbage(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write([]byte{0x00, 0x00, 0xff, 0xff, 0x01})
	require.NoError(t, err)
}
