// Copyright 2022 Chainguard, Inc.
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

// Package runner submits hardware test jobs for a build, polls them to
// completion, and aggregates their results. It's transport-agnostic: a
// Client implementation speaks whatever wire protocol the lab scheduler
// actually expects, and Runner supplies the polling loop, the
// most-failing-host/arch heuristic, and the single-host baseline rerun
// policy on top.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

// Status is the terminal or in-flight state of a submitted job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusPassed || s == StatusFailed
}

// Job is one submitted test job.
type Job struct {
	ID     string
	Arch   string
	Host   string
	Status Status
}

// TemplateData is the data made available to a job body template.
type TemplateData struct {
	BuildURL string
	KRelease string
	UID      string
	Arch     string
	Params   map[string]string
}

// Client speaks the lab scheduler's actual wire protocol. Submit returns
// the scheduler's job ID; Poll returns the job's status and the host it
// landed on once known (may be "" until the job starts running).
type Client interface {
	Submit(ctx context.Context, body []byte) (jobID string, err error)
	Poll(ctx context.Context, jobID string) (status Status, host string, err error)
}

// Runner renders job bodies from a template, submits them through a
// Client, and tracks them to completion.
type Runner struct {
	client       Client
	tmpl         *template.Template
	pollInterval time.Duration

	mu   sync.Mutex
	jobs []Job
}

// New parses tmplText as the job body template and returns a Runner bound
// to client. An empty pollInterval defaults to 10 seconds.
func New(client Client, tmplText string, pollInterval time.Duration) (*Runner, error) {
	tmpl, err := template.New("job").Parse(tmplText)
	if err != nil {
		return nil, fmt.Errorf("parsing job template: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Runner{client: client, tmpl: tmpl, pollInterval: pollInterval}, nil
}

// Submit renders the job template for data and submits it, recording the
// job for WatchLoop/Results.
func (r *Runner) Submit(ctx context.Context, data TemplateData) (Job, error) {
	if data.UID == "" {
		data.UID = uuid.NewString()
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return Job{}, fmt.Errorf("rendering job template: %w", err)
	}

	id, err := r.client.Submit(ctx, buf.Bytes())
	if err != nil {
		return Job{}, fmt.Errorf("submitting job for arch %s: %w", data.Arch, err)
	}

	job := Job{ID: id, Arch: data.Arch, Status: StatusPending}
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	return job, nil
}

// Jobs returns a snapshot of every tracked job.
func (r *Runner) Jobs() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

// WatchLoop polls every tracked job until all have reached a terminal
// state or ctx is cancelled.
func (r *Runner) WatchLoop(ctx context.Context) error {
	log := clog.FromContext(ctx)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if r.allTerminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.pollOnce(ctx); err != nil {
				log.Warnf("polling jobs: %v", err)
			}
		}
	}
}

func (r *Runner) allTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if !j.Status.terminal() {
			return false
		}
	}
	return len(r.jobs) > 0
}

func (r *Runner) pollOnce(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]int, 0, len(r.jobs))
	for i, j := range r.jobs {
		if !j.Status.terminal() {
			ids = append(ids, i)
		}
	}
	r.mu.Unlock()

	for _, i := range ids {
		r.mu.Lock()
		job := r.jobs[i]
		r.mu.Unlock()

		status, host, err := r.client.Poll(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("polling job %s: %w", job.ID, err)
		}

		r.mu.Lock()
		r.jobs[i].Status = status
		if host != "" {
			r.jobs[i].Host = host
		}
		r.mu.Unlock()
	}
	return nil
}

// Results returns 0 if every job passed, 1 otherwise.
func (r *Runner) Results() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.Status != StatusPassed {
			return 1
		}
	}
	return 0
}

// MostFailingHostArch returns the host (and that host's arch) with the
// most failed jobs, the "mfhost"/"mfarch" the original tool used to pick
// where to run the baseline retest.
func (r *Runner) MostFailingHostArch() (host, arch string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := map[string]int{}
	hostArch := map[string]string{}
	for _, j := range r.jobs {
		if j.Status != StatusFailed || j.Host == "" {
			continue
		}
		counts[j.Host]++
		hostArch[j.Host] = j.Arch
	}

	best, bestCount := "", -1
	for h, c := range counts {
		if c > bestCount {
			best, bestCount = h, c
		}
	}
	return best, hostArch[best]
}

// Run submits a single synchronous job pinned to host, watches it to
// completion, and returns 0/1 the way Results does. It does not
// reschedule on failure: it's used for the one-shot baseline retest.
func (r *Runner) Run(ctx context.Context, data TemplateData, host string) (int, error) {
	if data.Params == nil {
		data.Params = map[string]string{}
	}
	data.Params["host"] = host

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return 1, fmt.Errorf("rendering baseline job template: %w", err)
	}

	id, err := r.client.Submit(ctx, buf.Bytes())
	if err != nil {
		return 1, fmt.Errorf("submitting baseline job: %w", err)
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		status, _, err := r.client.Poll(ctx, id)
		if err != nil {
			return 1, fmt.Errorf("polling baseline job %s: %w", id, err)
		}
		if status.terminal() {
			if status == StatusPassed {
				return 0, nil
			}
			return 1, nil
		}

		select {
		case <-ctx.Done():
			return 1, ctx.Err()
		case <-ticker.C:
		}
	}
}
