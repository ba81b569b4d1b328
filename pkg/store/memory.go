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

package store

import (
	"context"
	"sync"
)

// Memory is the restart-unsafe in-memory backend, intended for tests and
// short-lived workloads. All operations are atomic under a single RWMutex;
// concurrent readers do not block each other.
type Memory struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
	meta        map[string]*threadMeta
	entries     map[string][]*Entry // thread id -> entries ordered by seq
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		checkpoints: make(map[string][]byte),
		meta:        make(map[string]*threadMeta),
		entries:     make(map[string][]*Entry),
	}
}

func (m *Memory) GetCheckpoint(_ context.Context, key Key) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.checkpoints[key.Hash()]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (m *Memory) PutCheckpoint(_ context.Context, key Key, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[key.Hash()] = cp
	return nil
}

func (m *Memory) DeleteCheckpoint(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, key.Hash())
	return nil
}

func (m *Memory) LoadThread(_ context.Context, id string) (*Thread, bool, error) {
	if err := validateThreadID(id); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[id]
	if !ok {
		return nil, false, nil
	}
	src := m.entries[id]
	entries := make([]*Entry, len(src))
	copy(entries, src)
	return &Thread{
		ID:        id,
		Rev:       meta.Rev,
		Entries:   entries,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Metadata:  meta.Metadata,
	}, true, nil
}

func (m *Memory) AppendThread(_ context.Context, id string, entries []*Entry, expectedRev int64) (*Thread, error) {
	if err := validateThreadID(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.meta[id]
	if !ok {
		now := nowMillis()
		meta = &threadMeta{CreatedAt: now, UpdatedAt: now}
	}
	if expectedRev != RevAny && meta.Rev != expectedRev {
		return nil, conflictErr(id, meta.Rev, expectedRev)
	}

	batch := prepareEntries(entries, meta.Rev)
	m.entries[id] = append(m.entries[id], batch...)
	meta.Rev += int64(len(batch))
	meta.UpdatedAt = nowMillis()
	m.meta[id] = meta

	src := m.entries[id]
	out := make([]*Entry, len(src))
	copy(out, src)
	return &Thread{
		ID:        id,
		Rev:       meta.Rev,
		Entries:   out,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Metadata:  meta.Metadata,
	}, nil
}

func (m *Memory) DeleteThread(_ context.Context, id string) error {
	if err := validateThreadID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meta, id)
	delete(m.entries, id)
	return nil
}

// Compile-time interface check
var _ Store = (*Memory)(nil)
