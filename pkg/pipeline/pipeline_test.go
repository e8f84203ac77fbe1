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

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redhatci/skt/pkg/state"
)

func writeRC(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sktrc")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestReportClassifiesPassedRun(t *testing.T) {
	rc := writeRC(t, `
[state]
baserepo = git://git.example.com/kernel.git
basehead = 1234abcdef
krelease = 6.1.0
retcode = 0
tarpkg_x86_64 = /tmp/build_x86_64.tar.gz
`)
	store, err := state.Load(rc, true)
	require.NoError(t, err)

	c := New(store, nil, nil)
	report, err := c.Report(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Subject, "PASS: Test report for kernel 6.1.0 (kernel)")
	assert.Contains(t, report.Body, "Overall result: PASSED")
	assert.False(t, c.Recorder.HasFailures())
}

func TestReportClassifiesFailedRun(t *testing.T) {
	rc := writeRC(t, `
[state]
baserepo = git://git.example.com/kernel.git
basehead = 1234abcdef
krelease = 6.1.0
retcode = 1
tarpkg_x86_64 = /tmp/build_x86_64.tar.gz
`)
	store, err := state.Load(rc, true)
	require.NoError(t, err)

	c := New(store, nil, nil)
	report, err := c.Report(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report.Subject, "FAIL: Test report for kernel 6.1.0 (kernel)")
	assert.Contains(t, report.Body, "Overall result: FAILED")
}

func TestCleanupClearsStateAndArtifacts(t *testing.T) {
	rc := writeRC(t, `
[config]
rc = placeholder

[state]
mergerepo_00 = https://example.com/a.git
`)
	store, err := state.Load(rc, true)
	require.NoError(t, err)

	artifact := filepath.Join(t.TempDir(), "buildinfo.csv")
	require.NoError(t, os.WriteFile(artifact, []byte("x"), 0o644))
	require.NoError(t, store.Save(map[string]string{"buildinfo": artifact}))

	c := New(store, nil, nil)
	require.NoError(t, c.Cleanup(context.Background()))

	assert.NoFileExists(t, artifact)

	reloaded, err := state.Load(rc, true)
	require.NoError(t, err)
	assert.Equal(t, "", reloaded.Resolve("mergerepo_00", ""))
}

func TestRenameBuildInfoToCanonicalName(t *testing.T) {
	dir := t.TempDir()
	info := filepath.Join(dir, "buildinfo.csv")
	require.NoError(t, os.WriteFile(info, []byte("base,git://example.com,abc123\n"), 0o644))

	rc := writeRC(t, "")
	store, err := state.Load(rc, true)
	require.NoError(t, err)
	require.NoError(t, store.Save(map[string]string{"buildinfo": info}))

	c := New(store, nil, nil)
	require.NoError(t, c.renameBuildInfo("deadbeef"))

	want := filepath.Join(dir, "deadbeef.csv")
	assert.FileExists(t, want)
	assert.NoFileExists(t, info)
	assert.Equal(t, want, store.Resolve("buildinfo", ""))
}

func TestRenameBuildInfoIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	info := filepath.Join(dir, "deadbeef.csv")
	require.NoError(t, os.WriteFile(info, []byte("base,git://example.com,abc123\n"), 0o644))

	rc := writeRC(t, "")
	store, err := state.Load(rc, true)
	require.NoError(t, err)
	require.NoError(t, store.Save(map[string]string{"buildinfo": info}))

	c := New(store, nil, nil)
	require.NoError(t, c.renameBuildInfo("deadbeef"))
	assert.FileExists(t, info)
}

func TestAtoiOr0(t *testing.T) {
	assert.Equal(t, 0, atoiOr0(""))
	assert.Equal(t, 0, atoiOr0("not-a-number"))
	assert.Equal(t, 42, atoiOr0("42"))
}

func TestSortedArches(t *testing.T) {
	archData := map[string]map[string]string{
		"x86_64":  {},
		"aarch64": {},
		"s390x":   {},
	}
	assert.Equal(t, []string{"aarch64", "s390x", "x86_64"}, sortedArches(archData))
}
