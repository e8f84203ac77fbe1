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

package sourcetree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewInitializesWorkTree(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(filepath.Join(dir, "src"), "https://example.com/linux.git", "")
	require.NoError(t, err)

	assert.Equal(t, "master", tr.ref)
	assert.DirExists(t, filepath.Join(tr.Dir(), ".git"))
}

func TestDumpInfoWritesCSV(t *testing.T) {
	dir := t.TempDir()
	tr, err := New(filepath.Join(dir, "src"), "https://example.com/linux.git", "main")
	require.NoError(t, err)

	tr.info = append(tr.info,
		Provenance{Kind: "base", Source: "https://example.com/linux.git", Detail: "deadbeef"},
		Provenance{Kind: "patch", Source: "/tmp/fix.patch"},
	)

	path, err := tr.DumpInfo("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tr.Dir(), "buildinfo.csv"), path)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "base,https://example.com/linux.git,deadbeef\npatch,/tmp/fix.patch\n", string(contents))
}

func TestParseBisectRange(t *testing.T) {
	out := "Bisecting: 12 revisions left to test after this (roughly 4 steps)\n[deadbeef] some commit\n"
	assert.Equal(t, "12 revisions left to test after this (roughly 4 steps)", parseBisectRange(out))
	assert.Equal(t, "", parseBisectRange("nothing interesting here\n"))
}

func TestCutMatchFirstBadCommit(t *testing.T) {
	line := "deadbeefcafe is the first bad commit"
	rest, ok := cutMatch(line, "is the first bad commit")
	assert.True(t, ok)
	assert.Equal(t, "deadbeefcafe", rest)

	_, ok = cutMatch("unrelated output", "is the first bad commit")
	assert.False(t, ok)
}

func TestLastPathElement(t *testing.T) {
	assert.Equal(t, "master", lastPathElement("refs/heads/master"))
	assert.Equal(t, "net-next", lastPathElement("net-next"))
}
