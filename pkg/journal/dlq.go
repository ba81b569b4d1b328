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

package journal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warden-dev/warden/pkg/codec"
	"github.com/warden-dev/warden/pkg/observability"
	"github.com/warden-dev/warden/pkg/store"
)

// Well-known dead letter reasons.
const (
	ReasonStepPanic       = "step_panic"
	ReasonInvalidPayload  = "invalid_payload"
	ReasonDeliveryFailure = "delivery_failure"
)

// DeadLetter is one parked entry. Letters are keyed by (subscription,
// entry id); putting the same id again replaces the letter in place.
type DeadLetter struct {
	EntryID string       `cbor:"entry_id"`
	Reason  string       `cbor:"reason"`
	At      int64        `cbor:"at"` // milliseconds since epoch
	Entry   *store.Entry `cbor:"entry"`
}

// dlqState serializes mutations of each subscription's letter list. The
// list itself lives in the store, encoded as one checkpoint blob, so a
// read-modify-write cycle needs the per-subscription lock.
type dlqState struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (d *dlqState) lock(subscription string) func() {
	d.mu.Lock()
	if d.locks == nil {
		d.locks = make(map[string]*sync.Mutex)
	}
	l, ok := d.locks[subscription]
	if !ok {
		l = &sync.Mutex{}
		d.locks[subscription] = l
	}
	d.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// DLQPut parks an entry for a subscription. Letters keep insertion order;
// re-putting an existing entry id updates the letter without reordering.
func (j *Journal) DLQPut(ctx context.Context, subscription string, entry *store.Entry, reason string) error {
	unlock := j.dlq.lock(subscription)
	defer unlock()

	letters, err := j.readLetters(ctx, subscription)
	if err != nil {
		return err
	}
	letter := &DeadLetter{
		EntryID: entry.ID,
		Reason:  reason,
		At:      time.Now().UnixMilli(),
		Entry:   entry,
	}
	replaced := false
	for i, l := range letters {
		if l.EntryID == entry.ID {
			letters[i] = letter
			replaced = true
			break
		}
	}
	if !replaced {
		letters = append(letters, letter)
	}
	if err := j.writeLetters(ctx, subscription, letters); err != nil {
		return err
	}
	if !replaced {
		if m := observability.GetGlobalMetrics(); m != nil {
			m.RecordDLQ(ctx, subscription, 1)
		}
	}
	slog.Warn("entry dead-lettered",
		"subscription", subscription, "entry", entry.ID, "reason", reason)
	return nil
}

// DLQList returns the subscription's letters in insertion-time order.
func (j *Journal) DLQList(ctx context.Context, subscription string) ([]*DeadLetter, error) {
	unlock := j.dlq.lock(subscription)
	defer unlock()
	return j.readLetters(ctx, subscription)
}

// DLQDelete removes one letter by entry id. Absence is success.
func (j *Journal) DLQDelete(ctx context.Context, subscription, entryID string) error {
	unlock := j.dlq.lock(subscription)
	defer unlock()

	letters, err := j.readLetters(ctx, subscription)
	if err != nil {
		return err
	}
	kept := letters[:0]
	for _, l := range letters {
		if l.EntryID != entryID {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(letters) {
		return nil
	}
	if len(kept) == 0 {
		if err := j.store.DeleteCheckpoint(ctx, dlqKey(subscription)); err != nil {
			return err
		}
	} else if err := j.writeLetters(ctx, subscription, kept); err != nil {
		return err
	}
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordDLQ(ctx, subscription, -1)
	}
	return nil
}

// DLQClear drops all letters for a subscription.
func (j *Journal) DLQClear(ctx context.Context, subscription string) error {
	unlock := j.dlq.lock(subscription)
	defer unlock()

	letters, err := j.readLetters(ctx, subscription)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		return nil
	}
	if err := j.store.DeleteCheckpoint(ctx, dlqKey(subscription)); err != nil {
		return err
	}
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordDLQ(ctx, subscription, -len(letters))
	}
	return nil
}

func (j *Journal) readLetters(ctx context.Context, subscription string) ([]*DeadLetter, error) {
	data, found, err := j.store.GetCheckpoint(ctx, dlqKey(subscription))
	if err != nil || !found {
		return nil, err
	}
	var letters []*DeadLetter
	if err := codec.Unmarshal(data, &letters); err != nil {
		return nil, err
	}
	return letters, nil
}

func (j *Journal) writeLetters(ctx context.Context, subscription string, letters []*DeadLetter) error {
	data, err := codec.Marshal(letters)
	if err != nil {
		return err
	}
	return j.store.PutCheckpoint(ctx, dlqKey(subscription), data)
}

func dlqKey(subscription string) store.Key {
	return store.Key{Module: dlqModule, Logical: subscription}
}
