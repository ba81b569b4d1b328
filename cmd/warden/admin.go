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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/warden-dev/warden/pkg/agent"
	"github.com/warden-dev/warden/pkg/store"
)

// ThreadCmd groups the thread journal subcommands.
type ThreadCmd struct {
	Show   ThreadShowCmd   `cmd:"" help:"Print a thread and its entries."`
	Append ThreadAppendCmd `cmd:"" help:"Append one entry to a thread."`
	Delete ThreadDeleteCmd `cmd:"" help:"Delete a thread and its entries."`
}

// ThreadShowCmd prints a thread.
type ThreadShowCmd struct {
	ID   string `arg:"" help:"Thread identifier."`
	JSON bool   `help:"Emit the thread as JSON."`
}

func (c *ThreadShowCmd) Run(cli *CLI) error {
	ctx := context.Background()
	_, _, j, err := cli.openJournal()
	if err != nil {
		return err
	}

	t, found, err := j.Load(ctx, c.ID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("thread %q not found", c.ID)
	}

	if c.JSON {
		return printJSON(t)
	}

	fmt.Printf("Thread:  %s\n", t.ID)
	fmt.Printf("Rev:     %d\n", t.Rev)
	fmt.Printf("Created: %s\n", millis(t.CreatedAt))
	fmt.Printf("Updated: %s\n", millis(t.UpdatedAt))
	for _, e := range t.Entries {
		fmt.Printf("  [%d] %s %s", e.Seq, millis(e.At), e.Kind)
		if len(e.Payload) > 0 {
			data, err := json.Marshal(e.Payload)
			if err != nil {
				return err
			}
			fmt.Printf(" %s", data)
		}
		fmt.Println()
	}
	return nil
}

// ThreadAppendCmd appends one entry to a thread.
type ThreadAppendCmd struct {
	ID      string `arg:"" help:"Thread identifier."`
	Kind    string `arg:"" help:"Entry kind."`
	Payload string `help:"Entry payload as a JSON object." placeholder:"JSON"`
	Rev     int64  `help:"Expected revision. -1 skips the check." default:"-1"`
}

func (c *ThreadAppendCmd) Run(cli *CLI) error {
	ctx := context.Background()
	_, _, j, err := cli.openJournal()
	if err != nil {
		return err
	}

	entry := &store.Entry{Kind: c.Kind}
	if c.Payload != "" {
		if err := json.Unmarshal([]byte(c.Payload), &entry.Payload); err != nil {
			return fmt.Errorf("invalid --payload: %w", err)
		}
	}

	t, err := j.Append(ctx, c.ID, []*store.Entry{entry}, c.Rev)
	if err != nil {
		return err
	}
	fmt.Printf("appended to %s, now at rev %d\n", t.ID, t.Rev)
	return nil
}

// ThreadDeleteCmd deletes a thread.
type ThreadDeleteCmd struct {
	ID string `arg:"" help:"Thread identifier."`
}

func (c *ThreadDeleteCmd) Run(cli *CLI) error {
	_, _, j, err := cli.openJournal()
	if err != nil {
		return err
	}
	if err := j.Delete(context.Background(), c.ID); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", c.ID)
	return nil
}

// CheckpointCmd groups the checkpoint subcommands.
type CheckpointCmd struct {
	Show   CheckpointShowCmd   `cmd:"" help:"Print a hibernated agent state."`
	Delete CheckpointDeleteCmd `cmd:"" help:"Delete a checkpoint so the next start is cold."`
}

// CheckpointShowCmd prints a hibernated agent state.
type CheckpointShowCmd struct {
	Module string `arg:"" help:"Agent module name."`
	Key    string `arg:"" help:"Logical instance key."`
}

func (c *CheckpointShowCmd) Run(cli *CLI) error {
	ctx := context.Background()
	_, st, _, err := cli.openJournal()
	if err != nil {
		return err
	}

	key := store.Key{Module: c.Module, Logical: c.Key}
	data, found, err := st.GetCheckpoint(ctx, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no checkpoint for %s", key)
	}

	state, err := agent.DecodeState(data)
	if err != nil {
		return err
	}
	fmt.Printf("Checkpoint: %s\n", key)
	fmt.Printf("Status:     %s\n", state.Status)
	return printJSON(state.Fields)
}

// CheckpointDeleteCmd deletes a checkpoint.
type CheckpointDeleteCmd struct {
	Module string `arg:"" help:"Agent module name."`
	Key    string `arg:"" help:"Logical instance key."`
}

func (c *CheckpointDeleteCmd) Run(cli *CLI) error {
	_, st, _, err := cli.openJournal()
	if err != nil {
		return err
	}
	key := store.Key{Module: c.Module, Logical: c.Key}
	if err := st.DeleteCheckpoint(context.Background(), key); err != nil {
		return err
	}
	fmt.Printf("deleted checkpoint %s\n", key)
	return nil
}

// CursorCmd groups the subscription cursor subcommands.
type CursorCmd struct {
	Show   CursorShowCmd   `cmd:"" help:"Print a subscription's delivery cursor."`
	Delete CursorDeleteCmd `cmd:"" help:"Reset a subscription's delivery cursor."`
}

// CursorShowCmd prints a subscription cursor.
type CursorShowCmd struct {
	Subscription string `arg:"" help:"Subscription name."`
}

func (c *CursorShowCmd) Run(cli *CLI) error {
	_, _, j, err := cli.openJournal()
	if err != nil {
		return err
	}
	seq, found, err := j.ReadCheckpoint(context.Background(), c.Subscription)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("subscription %q has never checkpointed", c.Subscription)
	}
	fmt.Printf("%s delivered through seq %d\n", c.Subscription, seq)
	return nil
}

// CursorDeleteCmd resets a subscription cursor.
type CursorDeleteCmd struct {
	Subscription string `arg:"" help:"Subscription name."`
}

func (c *CursorDeleteCmd) Run(cli *CLI) error {
	_, _, j, err := cli.openJournal()
	if err != nil {
		return err
	}
	if err := j.DeleteCheckpoint(context.Background(), c.Subscription); err != nil {
		return err
	}
	fmt.Printf("reset cursor for %s\n", c.Subscription)
	return nil
}

// DLQCmd groups the dead letter queue subcommands.
type DLQCmd struct {
	List   DLQListCmd   `cmd:"" help:"List dead letters for a subscription."`
	Delete DLQDeleteCmd `cmd:"" help:"Remove one dead letter after reprocessing."`
	Clear  DLQClearCmd  `cmd:"" help:"Drop every dead letter for a subscription."`
}

// DLQListCmd lists dead letters.
type DLQListCmd struct {
	Subscription string `arg:"" help:"Subscription name, e.g. Echo/order-123."`
	JSON         bool   `help:"Emit the letters as JSON."`
}

func (c *DLQListCmd) Run(cli *CLI) error {
	_, _, j, err := cli.openJournal()
	if err != nil {
		return err
	}
	letters, err := j.DLQList(context.Background(), c.Subscription)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(letters)
	}
	if len(letters) == 0 {
		fmt.Printf("no dead letters for %s\n", c.Subscription)
		return nil
	}
	for _, l := range letters {
		fmt.Printf("%s  %s  %s", l.EntryID, millis(l.At), l.Reason)
		if l.Entry != nil {
			fmt.Printf("  kind=%s", l.Entry.Kind)
		}
		fmt.Println()
	}
	return nil
}

// DLQDeleteCmd removes one dead letter.
type DLQDeleteCmd struct {
	Subscription string `arg:"" help:"Subscription name."`
	EntryID      string `arg:"" help:"Dead letter entry id."`
}

func (c *DLQDeleteCmd) Run(cli *CLI) error {
	_, _, j, err := cli.openJournal()
	if err != nil {
		return err
	}
	if err := j.DLQDelete(context.Background(), c.Subscription, c.EntryID); err != nil {
		return err
	}
	fmt.Printf("removed %s from %s\n", c.EntryID, c.Subscription)
	return nil
}

// DLQClearCmd drops every dead letter for a subscription.
type DLQClearCmd struct {
	Subscription string `arg:"" help:"Subscription name."`
}

func (c *DLQClearCmd) Run(cli *CLI) error {
	_, _, j, err := cli.openJournal()
	if err != nil {
		return err
	}
	if err := j.DLQClear(context.Background(), c.Subscription); err != nil {
		return err
	}
	fmt.Printf("cleared %s\n", c.Subscription)
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func millis(ms int64) string {
	return time.UnixMilli(ms).Format(time.RFC3339)
}
