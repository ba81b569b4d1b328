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
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCheckpoints = []byte("checkpoints")
	bucketThreadMeta  = []byte("thread_meta")
	bucketEntries     = []byte("entries")
)

// Bolt is a single-file transactional backend on bbolt. Write transactions
// are serialized by bbolt itself, which also satisfies the per-thread append
// serialization requirement.
type Bolt struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the database file at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketCheckpoints, bucketThreadMeta, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return &Bolt{db: db}, nil
}

// Close releases the underlying database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// entryKey orders entries within a thread: <id> 0x00 <seq:u64-be>.
func entryKey(id string, seq int64) []byte {
	key := make([]byte, 0, len(id)+9)
	key = append(key, id...)
	key = append(key, 0)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], uint64(seq))
	return append(key, seqBytes[:]...)
}

func (b *Bolt) GetCheckpoint(_ context.Context, key Key) ([]byte, bool, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCheckpoints).Get([]byte(key.Hash()))
		if v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return data, data != nil, nil
}

func (b *Bolt) PutCheckpoint(_ context.Context, key Key, data []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Put([]byte(key.Hash()), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (b *Bolt) DeleteCheckpoint(_ context.Context, key Key) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).Delete([]byte(key.Hash()))
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

func (b *Bolt) LoadThread(_ context.Context, id string) (*Thread, bool, error) {
	if err := validateThreadID(id); err != nil {
		return nil, false, err
	}
	var t *Thread
	err := b.db.View(func(tx *bolt.Tx) error {
		metaBytes := tx.Bucket(bucketThreadMeta).Get([]byte(id))
		if metaBytes == nil {
			return nil
		}
		meta, err := decodeMeta(metaBytes)
		if err != nil {
			return err
		}
		var entries []*Entry
		prefix := append([]byte(id), 0)
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		t = &Thread{
			ID:        id,
			Rev:       meta.Rev,
			Entries:   entries,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
			Metadata:  meta.Metadata,
		}
		return nil
	})
	if err != nil {
		return nil, false, wrapBoltErr(err)
	}
	return t, t != nil, nil
}

func (b *Bolt) AppendThread(_ context.Context, id string, entries []*Entry, expectedRev int64) (*Thread, error) {
	if err := validateThreadID(id); err != nil {
		return nil, err
	}
	var out *Thread
	err := b.db.Update(func(tx *bolt.Tx) error {
		metaBucket := tx.Bucket(bucketThreadMeta)
		meta := &threadMeta{}
		if metaBytes := metaBucket.Get([]byte(id)); metaBytes != nil {
			var err error
			if meta, err = decodeMeta(metaBytes); err != nil {
				return err
			}
		} else {
			now := nowMillis()
			meta.CreatedAt, meta.UpdatedAt = now, now
		}
		if expectedRev != RevAny && meta.Rev != expectedRev {
			return conflictErr(id, meta.Rev, expectedRev)
		}

		entryBucket := tx.Bucket(bucketEntries)
		batch := prepareEntries(entries, meta.Rev)
		for _, e := range batch {
			data, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if err := entryBucket.Put(entryKey(id, e.Seq), data); err != nil {
				return err
			}
		}
		meta.Rev += int64(len(batch))
		meta.UpdatedAt = nowMillis()
		encoded, err := encodeMeta(meta)
		if err != nil {
			return err
		}
		if err := metaBucket.Put([]byte(id), encoded); err != nil {
			return err
		}

		// Re-read inside the transaction so the caller sees the post-append
		// thread.
		var all []*Entry
		prefix := append([]byte(id), 0)
		c := entryBucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			all = append(all, e)
		}
		out = &Thread{
			ID:        id,
			Rev:       meta.Rev,
			Entries:   all,
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
			Metadata:  meta.Metadata,
		}
		return nil
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}
	return out, nil
}

func (b *Bolt) DeleteThread(_ context.Context, id string) error {
	if err := validateThreadID(id); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketThreadMeta).Delete([]byte(id)); err != nil {
			return err
		}
		entryBucket := tx.Bucket(bucketEntries)
		prefix := append([]byte(id), 0)
		c := entryBucket.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			cp := make([]byte, len(k))
			copy(cp, k)
			keys = append(keys, cp)
		}
		for _, k := range keys {
			if err := entryBucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// wrapBoltErr keeps sentinel errors (conflict, malformed) recognizable and
// tags everything else as backend IO.
func wrapBoltErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isSentinel(err):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// Compile-time interface check
var _ Store = (*Bolt)(nil)
