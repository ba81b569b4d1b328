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

package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/warden-dev/warden/pkg/agent"
)

// cronJobs owns the recurring jobs of one runtime. All mutation happens on
// the loop goroutine; the cron scheduler fires on its own goroutine and
// only touches the runtime through Send.
type cronJobs struct {
	r       *Runtime
	c       *cron.Cron
	jobs    map[string]cron.EntryID
	started bool
}

func newCronJobs(r *Runtime) *cronJobs {
	return &cronJobs{
		r:    r,
		c:    cron.New(),
		jobs: make(map[string]cron.EntryID),
	}
}

// register installs or replaces a job. Re-registering a JobID cancels the
// prior schedule before the new one starts.
func (j *cronJobs) register(d agent.Cron) error {
	expr := d.Expr
	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return fmt.Errorf("cron job %s: invalid timezone %q: %w", d.JobID, d.Timezone, err)
		}
		expr = "CRON_TZ=" + d.Timezone + " " + expr
	}

	if prev, ok := j.jobs[d.JobID]; ok {
		j.c.Remove(prev)
	}

	msg := d.Message
	id, err := j.c.AddFunc(expr, func() {
		// Each fire delivers a fresh event carrying the template payload.
		ev := &agent.Event{
			ID:      uuid.NewString(),
			Kind:    msg.Kind,
			Payload: msg.Payload,
			Meta:    msg.Meta,
			At:      time.Now(),
		}
		if err := j.r.Send(ev); err != nil {
			slog.Warn("cron delivery failed", "runtime", j.r.id, "job", d.JobID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("cron job %s: %w", d.JobID, err)
	}
	j.jobs[d.JobID] = id

	if !j.started {
		j.c.Start()
		j.started = true
	}
	slog.Debug("cron job registered", "runtime", j.r.id, "job", d.JobID, "expr", d.Expr)
	return nil
}

// cancel removes one job.
func (j *cronJobs) cancel(jobID string) {
	if id, ok := j.jobs[jobID]; ok {
		j.c.Remove(id)
		delete(j.jobs, jobID)
	}
}

// stopAll cancels every job. Called once when the loop exits.
func (j *cronJobs) stopAll() {
	if j.started {
		j.c.Stop()
	}
	j.jobs = nil
}
