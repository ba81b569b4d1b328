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

// Package journal layers three concerns on top of the store: optimistic
// concurrency on thread appends, per-subscription delivery checkpoints, and
// a dead letter queue for entries that could not be routed.
package journal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/warden-dev/warden/pkg/codec"
	"github.com/warden-dev/warden/pkg/observability"
	"github.com/warden-dev/warden/pkg/store"
)

// Reserved checkpoint namespaces. Agent checkpoints use their own module
// name and never collide with these.
const (
	cursorModule = "journal.cursor"
	dlqModule    = "journal.dlq"
)

// Journal wraps a Store with append bookkeeping, subscription cursors and
// the DLQ. Safe for concurrent use.
type Journal struct {
	store store.Store
	dlq   dlqState
}

// New builds a Journal over the given backend.
func New(s store.Store) *Journal {
	return &Journal{store: s}
}

// Append atomically appends entries to a thread, creating it on first use.
// expectedRev carries the caller's optimistic concurrency expectation;
// store.RevAny disables the check. A mismatch fails with store.ErrConflict
// and the caller retries after a fresh Load.
func (j *Journal) Append(ctx context.Context, threadID string, entries []*store.Entry, expectedRev int64) (*store.Thread, error) {
	ctx, span := observability.GetTracer("warden/journal").Start(ctx, observability.SpanAppend)
	defer span.End()

	t, err := j.store.AppendThread(ctx, threadID, entries, expectedRev)
	conflict := errors.Is(err, store.ErrConflict)
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordAppend(ctx, conflict)
	}
	if err != nil {
		if conflict {
			slog.Debug("journal append conflict", "thread", threadID, "expected_rev", expectedRev)
		}
		return nil, err
	}
	return t, nil
}

// Load reads a full thread.
func (j *Journal) Load(ctx context.Context, threadID string) (*store.Thread, bool, error) {
	return j.store.LoadThread(ctx, threadID)
}

// Delete removes a thread. Absence is success.
func (j *Journal) Delete(ctx context.Context, threadID string) error {
	return j.store.DeleteThread(ctx, threadID)
}

// RecordCheckpoint persists the last-delivered seq for a subscription.
func (j *Journal) RecordCheckpoint(ctx context.Context, subscription string, seq int64) error {
	data, err := codec.Marshal(seq)
	if err != nil {
		return err
	}
	return j.store.PutCheckpoint(ctx, cursorKey(subscription), data)
}

// ReadCheckpoint returns the last-delivered seq for a subscription, or
// found=false when the subscription has never checkpointed.
func (j *Journal) ReadCheckpoint(ctx context.Context, subscription string) (int64, bool, error) {
	data, found, err := j.store.GetCheckpoint(ctx, cursorKey(subscription))
	if err != nil || !found {
		return 0, false, err
	}
	var seq int64
	if err := codec.Unmarshal(data, &seq); err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// DeleteCheckpoint forgets a subscription's cursor. Absence is success.
func (j *Journal) DeleteCheckpoint(ctx context.Context, subscription string) error {
	return j.store.DeleteCheckpoint(ctx, cursorKey(subscription))
}

func cursorKey(subscription string) store.Key {
	return store.Key{Module: cursorModule, Logical: subscription}
}
