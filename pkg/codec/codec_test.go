package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIsCanonical(t *testing.T) {
	a, err := Marshal(map[string]any{"b": 1, "a": 2, "c": 3})
	require.NoError(t, err)
	b, err := Marshal(map[string]any{"c": 3, "a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b, "same map must encode to identical bytes")
}

func TestRoundTripNestedValues(t *testing.T) {
	in := map[string]any{
		"str":    "hello",
		"int":    int64(-42),
		"float":  3.5,
		"bool":   true,
		"null":   nil,
		"list":   []any{int64(1), "two", false},
		"nested": map[string]any{"deep": map[string]any{"leaf": "v"}},
	}
	data, err := Marshal(in)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, "hello", out["str"])
	assert.EqualValues(t, -42, out["int"])
	assert.Equal(t, 3.5, out["float"])
	assert.Equal(t, true, out["bool"])
	assert.Nil(t, out["null"])
	nested, ok := out["nested"].(map[string]any)
	require.True(t, ok)
	deep, ok := nested["deep"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v", deep["leaf"])
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated map header", []byte{0xa5}},
		{"garbage bytes", []byte{0xff, 0xfe, 0x00}},
		// 0x9f opens an indefinite-length array, which the decode
		// options forbid.
		{"indefinite length", []byte{0x9f, 0x01, 0x02, 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out any
			require.ErrorIs(t, Unmarshal(tt.data, &out), ErrMalformed)
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("first"), {}, []byte("third")}
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}

	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrameRejectsTruncation(t *testing.T) {
	// Header promises 10 bytes but only 3 follow.
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 10)
	buf.Write(hdr[:])
	buf.Write([]byte("abc"))

	_, err := ReadFrame(&buf)
	require.ErrorIs(t, err, ErrMalformed)

	// A torn header is malformed too, not EOF.
	_, err = ReadFrame(bytes.NewReader([]byte{0x00, 0x01}))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestReadFrameRejectsOversizedClaim(t *testing.T) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	_, err := ReadFrame(bytes.NewReader(hdr[:]))
	require.ErrorIs(t, err, ErrMalformed)
}
