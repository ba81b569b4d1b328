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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/warden-dev/warden/pkg/codec"
)

// File is the directory-backed store:
//
//	<base>/checkpoints/<sha256-urlsafe-b64-of-key>.bin
//	<base>/threads/<thread_id>/meta.bin
//	<base>/threads/<thread_id>/entries.log
//
// Checkpoint and meta writes go through a .tmp sibling followed by rename,
// so a crash never leaves a half-written file in place. Appends to the same
// thread are serialized by a mutex keyed on the thread id.
type File struct {
	base  string
	locks keyedLocks
}

// NewFile creates the directory layout under base.
func NewFile(base string) (*File, error) {
	for _, dir := range []string{
		filepath.Join(base, "checkpoints"),
		filepath.Join(base, "threads"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	return &File{base: base}, nil
}

func (f *File) checkpointPath(key Key) string {
	return filepath.Join(f.base, "checkpoints", key.Hash()+".bin")
}

func (f *File) threadDir(id string) string {
	return filepath.Join(f.base, "threads", id)
}

func (f *File) GetCheckpoint(_ context.Context, key Key) ([]byte, bool, error) {
	data, err := os.ReadFile(f.checkpointPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return data, true, nil
}

func (f *File) PutCheckpoint(_ context.Context, key Key, data []byte) error {
	return writeAtomic(f.checkpointPath(key), data)
}

func (f *File) DeleteCheckpoint(_ context.Context, key Key) error {
	err := os.Remove(f.checkpointPath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (f *File) LoadThread(_ context.Context, id string) (*Thread, bool, error) {
	if err := validateThreadID(id); err != nil {
		return nil, false, err
	}
	unlock := f.locks.lock(id)
	defer unlock()
	return f.loadLocked(id)
}

func (f *File) loadLocked(id string) (*Thread, bool, error) {
	dir := f.threadDir(id)
	metaBytes, err := os.ReadFile(filepath.Join(dir, "meta.bin"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	meta, err := decodeMeta(metaBytes)
	if err != nil {
		return nil, false, err
	}

	entries, err := readEntryLog(filepath.Join(dir, "entries.log"))
	if err != nil {
		return nil, false, err
	}
	return &Thread{
		ID:        id,
		Rev:       meta.Rev,
		Entries:   entries,
		CreatedAt: meta.CreatedAt,
		UpdatedAt: meta.UpdatedAt,
		Metadata:  meta.Metadata,
	}, true, nil
}

func (f *File) AppendThread(_ context.Context, id string, entries []*Entry, expectedRev int64) (*Thread, error) {
	if err := validateThreadID(id); err != nil {
		return nil, err
	}
	unlock := f.locks.lock(id)
	defer unlock()

	dir := f.threadDir(id)
	meta := &threadMeta{}
	metaBytes, err := os.ReadFile(filepath.Join(dir, "meta.bin"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		now := nowMillis()
		meta.CreatedAt, meta.UpdatedAt = now, now
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	default:
		if meta, err = decodeMeta(metaBytes); err != nil {
			return nil, err
		}
	}
	if expectedRev != RevAny && meta.Rev != expectedRev {
		return nil, conflictErr(id, meta.Rev, expectedRev)
	}

	batch := prepareEntries(entries, meta.Rev)
	var buf bytes.Buffer
	for _, e := range batch {
		data, err := encodeEntry(e)
		if err != nil {
			return nil, err
		}
		if err := codec.WriteFrame(&buf, data); err != nil {
			return nil, err
		}
	}

	log, err := os.OpenFile(filepath.Join(dir, "entries.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if _, err := log.Write(buf.Bytes()); err != nil {
		log.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := log.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	meta.Rev += int64(len(batch))
	meta.UpdatedAt = nowMillis()
	encoded, err := encodeMeta(meta)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(filepath.Join(dir, "meta.bin"), encoded); err != nil {
		return nil, err
	}

	t, found, err := f.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: thread %s vanished after append", ErrIO, id)
	}
	return t, nil
}

func (f *File) DeleteThread(_ context.Context, id string) error {
	if err := validateThreadID(id); err != nil {
		return err
	}
	unlock := f.locks.lock(id)
	defer unlock()
	if err := os.RemoveAll(f.threadDir(id)); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// readEntryLog decodes the concatenated frames of an entries.log. A missing
// file means an empty thread.
func readEntryLog(path string) ([]*Entry, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer file.Close()

	var entries []*Entry
	for {
		frame, err := codec.ReadFrame(file)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		e, err := decodeEntry(frame)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

// writeAtomic writes data to a .tmp sibling and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// keyedLocks hands out one mutex per thread id.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(id string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[id]
	if !ok {
		l = &sync.Mutex{}
		k.locks[id] = l
	}
	k.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Compile-time interface check
var _ Store = (*File)(nil)
