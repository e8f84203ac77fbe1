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

package runner

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient simulates a lab scheduler: jobs pass or fail after a fixed
// number of polls, optionally landing on a preassigned host.
type fakeClient struct {
	mu        sync.Mutex
	nextID    int
	passAfter int
	polls     map[string]int
	hosts     map[string]string
	failIDs   map[string]bool
}

func newFakeClient(passAfter int) *fakeClient {
	return &fakeClient{
		passAfter: passAfter,
		polls:     map[string]int{},
		hosts:     map[string]string{},
		failIDs:   map[string]bool{},
	}
}

func (f *fakeClient) Submit(ctx context.Context, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("job-%d", f.nextID)
	f.polls[id] = 0
	return id, nil
}

func (f *fakeClient) Poll(ctx context.Context, jobID string) (Status, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[jobID]++
	host := f.hosts[jobID]
	if host == "" {
		host = "hw-" + jobID
		f.hosts[jobID] = host
	}
	if f.polls[jobID] < f.passAfter {
		return StatusRunning, host, nil
	}
	if f.failIDs[jobID] {
		return StatusFailed, host, nil
	}
	return StatusPassed, host, nil
}

func TestSubmitAndWatchLoopAllPass(t *testing.T) {
	client := newFakeClient(2)
	r, err := New(client, DefaultJobTemplate, 5*time.Millisecond)
	require.NoError(t, err)

	for _, arch := range []string{"x86_64", "aarch64"} {
		_, err := r.Submit(context.Background(), TemplateData{BuildURL: "https://x/linux.tar.gz", KRelease: "6.1.0", Arch: arch})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.WatchLoop(ctx))

	assert.Equal(t, 0, r.Results())
	for _, j := range r.Jobs() {
		assert.Equal(t, StatusPassed, j.Status)
	}
}

func TestMostFailingHostArch(t *testing.T) {
	client := newFakeClient(1)
	client.hosts["job-1"] = "hw-a"
	client.hosts["job-2"] = "hw-a"
	client.hosts["job-3"] = "hw-b"
	client.failIDs["job-1"] = true
	client.failIDs["job-2"] = true
	client.failIDs["job-3"] = true

	r, err := New(client, DefaultJobTemplate, time.Millisecond)
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), TemplateData{Arch: "x86_64"})
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), TemplateData{Arch: "x86_64"})
	require.NoError(t, err)
	_, err = r.Submit(context.Background(), TemplateData{Arch: "aarch64"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.WatchLoop(ctx))

	host, arch := r.MostFailingHostArch()
	assert.Equal(t, "hw-a", host)
	assert.Equal(t, "x86_64", arch)
}

func TestRunBaselineRetest(t *testing.T) {
	client := newFakeClient(1)
	r, err := New(client, DefaultJobTemplate, time.Millisecond)
	require.NoError(t, err)

	retcode, err := r.Run(context.Background(), TemplateData{Arch: "x86_64"}, "hw-a")
	require.NoError(t, err)
	assert.Equal(t, 0, retcode)
}

func TestRunBaselineRetestFails(t *testing.T) {
	client := newFakeClient(1)
	client.failIDs["job-1"] = true
	r, err := New(client, DefaultJobTemplate, time.Millisecond)
	require.NoError(t, err)

	retcode, err := r.Run(context.Background(), TemplateData{Arch: "x86_64"}, "hw-a")
	require.NoError(t, err)
	assert.Equal(t, 1, retcode)
}
