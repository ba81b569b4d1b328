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

// Package store provides durable, pluggable persistence for two kinds of
// data: keyed checkpoints (one blob per logical name) and ordered thread
// journals. Three backends are shipped (in-memory, file, and bolt), all
// satisfying the same contract and the same conformance suite.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warden-dev/warden/pkg/codec"
)

var (
	// ErrConflict is returned by AppendThread when the thread's current
	// revision does not match the caller's expectation.
	ErrConflict = errors.New("store: revision conflict")

	// ErrIO wraps backend input/output failures.
	ErrIO = errors.New("store: io failure")

	// ErrInvalidThreadID rejects thread identifiers that are empty or not
	// filesystem-safe.
	ErrInvalidThreadID = errors.New("store: invalid thread id")
)

// RevAny disables the revision precondition on AppendThread.
const RevAny int64 = -1

// Key names one checkpoint: the agent module plus the caller-supplied
// logical key.
type Key struct {
	Module  string
	Logical string
}

// Hash returns the stable identifier for the key: url-safe unpadded base64
// of the sha256 of the serialized (module, logical) tuple. Only the hash
// ever reaches the filesystem, so no traversal is possible.
func (k Key) Hash() string {
	data, err := codec.Marshal([2]string{k.Module, k.Logical})
	if err != nil {
		// Two strings always encode.
		panic(fmt.Sprintf("store: key encode: %v", err))
	}
	sum := sha256.Sum256(data)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (k Key) String() string {
	return k.Module + "/" + k.Logical
}

// Entry is one immutable record in a thread. Seq and At are assigned on
// append and never rewritten.
type Entry struct {
	ID      string            `cbor:"id"`
	Seq     int64             `cbor:"seq"`
	At      int64             `cbor:"at"` // milliseconds since epoch
	Kind    string            `cbor:"kind"`
	Payload map[string]any    `cbor:"payload,omitempty"`
	Refs    map[string]string `cbor:"refs,omitempty"`
}

// Thread is an ordered, append-only sequence of entries. Rev always equals
// the entry count, and entry i carries Seq == i.
type Thread struct {
	ID        string
	Rev       int64
	Entries   []*Entry
	CreatedAt int64 // milliseconds since epoch
	UpdatedAt int64
	Metadata  map[string]any
}

// Store is the persistence contract every backend implements.
//
// Missing resources come back as found=false, never as an error. Malformed
// stored bytes surface as codec.ErrMalformed; transport failures as ErrIO.
type Store interface {
	// GetCheckpoint looks up the blob stored under key.
	GetCheckpoint(ctx context.Context, key Key) (data []byte, found bool, err error)

	// PutCheckpoint atomically replaces the blob under key. On failure the
	// prior value (or absence) stays intact.
	PutCheckpoint(ctx context.Context, key Key, data []byte) error

	// DeleteCheckpoint removes the blob under key. Absence is success.
	DeleteCheckpoint(ctx context.Context, key Key) error

	// LoadThread reads a full thread including all entries.
	LoadThread(ctx context.Context, id string) (t *Thread, found bool, err error)

	// AppendThread atomically appends entries, creating the thread on first
	// use. When expectedRev != RevAny and the current revision differs, it
	// fails with ErrConflict. Missing entry IDs and timestamps are filled
	// in, and Seq is assigned from the pre-append revision. Appends to the
	// same thread are serialized across concurrent callers.
	AppendThread(ctx context.Context, id string, entries []*Entry, expectedRev int64) (*Thread, error)

	// DeleteThread removes a thread and its entries. Absence is success.
	DeleteThread(ctx context.Context, id string) error
}

// isSentinel reports whether err is one of the contract's recognizable
// error kinds rather than a backend IO failure.
func isSentinel(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidThreadID) ||
		errors.Is(err, codec.ErrMalformed)
}

func conflictErr(id string, have, want int64) error {
	return fmt.Errorf("%w: thread %s is at rev %d, caller expected %d", ErrConflict, id, have, want)
}

// nowMillis is the single clock used for assigned timestamps.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// validateThreadID enforces filesystem-safe thread identifiers.
func validateThreadID(id string) error {
	if id == "" || id == "." || id == ".." ||
		strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidThreadID, id)
	}
	return nil
}

// prepareEntries validates and completes a batch before it is appended.
// Each entry gets its Seq from the running revision, a generated ID when
// absent, and the append time when At is unset.
func prepareEntries(entries []*Entry, startRev int64) []*Entry {
	now := nowMillis()
	out := make([]*Entry, len(entries))
	for i, e := range entries {
		c := *e
		c.Seq = startRev + int64(i)
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		if c.At == 0 {
			c.At = now
		}
		out[i] = &c
	}
	return out
}

// threadMeta is the encoded tuple persisted next to the entry log:
// (rev, created_at, updated_at, metadata).
type threadMeta struct {
	_         struct{} `cbor:",toarray"`
	Rev       int64
	CreatedAt int64
	UpdatedAt int64
	Metadata  map[string]any
}

func encodeMeta(m *threadMeta) ([]byte, error) {
	return codec.Marshal(m)
}

func decodeMeta(data []byte) (*threadMeta, error) {
	var m threadMeta
	if err := codec.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func encodeEntry(e *Entry) ([]byte, error) {
	return codec.Marshal(e)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
