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

package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRC(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sktrc")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadExpandsIndexedStateKeys(t *testing.T) {
	rc := writeRC(t, `
[state]
mergerepo_00 = https://example.com/a.git
mergehead_00 = deadbeef
jobid_00 = 101
jobid_01 = 102
tarpkg_x86_64 = /tmp/x86_64.tar.gz
buildurl_x86_64 = https://example.com/x86_64.tar.gz
`)

	s, err := Load(rc, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/a.git"}, s.MergeRepos)
	assert.Equal(t, []string{"deadbeef"}, s.MergeHeads)
	assert.Equal(t, []string{"101", "102"}, s.Jobs)
	require.Contains(t, s.ArchData, "x86_64")
	assert.Equal(t, "/tmp/x86_64.tar.gz", s.ArchData["x86_64"]["tarpkg"])
	assert.Equal(t, "https://example.com/x86_64.tar.gz", s.ArchData["x86_64"]["buildurl"])
}

func TestLoadIgnoresStateWhenDisabled(t *testing.T) {
	rc := writeRC(t, `
[state]
jobid_00 = 101
`)

	s, err := Load(rc, false)
	require.NoError(t, err)
	assert.Empty(t, s.Jobs)
}

func TestResolvePrecedence(t *testing.T) {
	rc := writeRC(t, `
[config]
baserepo = https://config.example.com/repo.git

[state]
baserepo = https://state.example.com/repo.git
`)

	s, err := Load(rc, true)
	require.NoError(t, err)

	assert.Equal(t, "https://cli.example.com/repo.git", s.Resolve("baserepo", "https://cli.example.com/repo.git"))
	assert.Equal(t, "https://state.example.com/repo.git", s.Resolve("baserepo", ""))

	s2, err := Load(rc, false)
	require.NoError(t, err)
	assert.Equal(t, "https://config.example.com/repo.git", s2.Resolve("baserepo", ""))
}

func TestSavePersistsAndRoundtrips(t *testing.T) {
	rc := writeRC(t, "")

	s, err := Load(rc, true)
	require.NoError(t, err)

	require.NoError(t, s.Save(map[string]string{
		IndexedKey("mergerepo", 0): "https://example.com/a.git",
		IndexedKey("mergehead", 0): "", // skipped: empty values are never persisted
	}))

	reloaded, err := Load(rc, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a.git"}, reloaded.MergeRepos)
	assert.Empty(t, reloaded.MergeHeads)
}

func TestSaveUpdatesAggregatesWithoutReload(t *testing.T) {
	rc := writeRC(t, "")

	s, err := Load(rc, true)
	require.NoError(t, err)

	require.NoError(t, s.Save(map[string]string{
		IndexedKey("localpatch", 0): "/tmp/a.patch",
		ArchKey("tarpkg", "x86_64"): "/tmp/x86_64.tar.gz",
	}))
	assert.Equal(t, []string{"/tmp/a.patch"}, s.LocalPatches)
	assert.Equal(t, "/tmp/x86_64.tar.gz", s.ArchData["x86_64"]["tarpkg"])

	require.NoError(t, s.Save(map[string]string{
		ArchKey("tarpkg", "x86_64"): "/tmp/x86_64_v2.tar.gz",
	}))
	assert.Equal(t, "/tmp/x86_64_v2.tar.gz", s.ArchData["x86_64"]["tarpkg"], "re-saving an arch key must refresh ArchData in place")
	assert.Equal(t, []string{"/tmp/a.patch"}, s.LocalPatches, "re-saving a different key must not duplicate existing list entries")
}

func TestCleanupRemovesStateSection(t *testing.T) {
	rc := writeRC(t, `
[config]
baserepo = https://config.example.com/repo.git

[state]
jobid_00 = 101
`)

	s, err := Load(rc, true)
	require.NoError(t, err)
	require.NoError(t, s.Cleanup())

	reloaded, err := Load(rc, true)
	require.NoError(t, err)
	assert.Empty(t, reloaded.Jobs)
	assert.Equal(t, "https://config.example.com/repo.git", reloaded.Resolve("baserepo", ""))
}

func TestLoadPublisherRunnerReporterArchesAndMergeRefs(t *testing.T) {
	rc := writeRC(t, `
[publisher]
type = gcs
destination = my-bucket
baseurl = https://storage.googleapis.com/my-bucket

[runner]
type = beaker
jobtemplate = test_template.xml

[reporter]
type = mail
mailfrom = ci@example.com

[arches]
x86_64_config = /configs/x86_64.config
x86_64_makeopts = -j8

[merge-net-next]
url = https://example.com/net-next.git
ref = main
`)

	s, err := Load(rc, true)
	require.NoError(t, err)

	require.NotNil(t, s.Publisher)
	assert.Equal(t, "gcs", s.Publisher.Type)
	assert.Equal(t, []string{"my-bucket", "https://storage.googleapis.com/my-bucket"}, s.Publisher.Args)

	require.NotNil(t, s.Runner)
	assert.Equal(t, "beaker", s.Runner.Type)
	assert.Equal(t, "test_template.xml", s.Runner.Params["jobtemplate"])

	require.NotNil(t, s.Reporter)
	assert.Equal(t, "mail", s.Reporter.Type)

	require.Contains(t, s.Arches, "x86_64")
	assert.Equal(t, "/configs/x86_64.config", s.Arches["x86_64"]["config"])

	require.Len(t, s.MergeRefs, 1)
	assert.Equal(t, "https://example.com/net-next.git", s.MergeRefs[0].URL)
	assert.Equal(t, "main", s.MergeRefs[0].Ref)
}

func TestApplyDefaultsDoesNotOverrideConfig(t *testing.T) {
	rc := writeRC(t, `
[config]
baserepo = https://example.com/real.git
`)
	s, err := Load(rc, true)
	require.NoError(t, err)

	s.ApplyDefaults(map[string]string{"baserepo": "https://example.com/fallback.git", "ref": "master"})

	assert.Equal(t, "https://example.com/real.git", s.Resolve("baserepo", ""))
	assert.Equal(t, "master", s.Resolve("ref", ""))
}

func TestLoadDefaultsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ref: master\ncfgtype: olddefconfig\n"), 0o644))

	defaults, err := LoadDefaultsFile(path)
	require.NoError(t, err)
	assert.Equal(t, "master", defaults["ref"])

	empty, err := LoadDefaultsFile("")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestSnapshotLayersStateOverConfig(t *testing.T) {
	rc := writeRC(t, `
[config]
baserepo = https://example.com/a.git
ref = master

[state]
ref = feature-branch
`)
	s, err := Load(rc, true)
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, "https://example.com/a.git", snap["baserepo"])
	assert.Equal(t, "feature-branch", snap["ref"])
}

func TestArchKey(t *testing.T) {
	assert.Equal(t, "tarpkg_x86_64", ArchKey("tarpkg", "x86_64"))
}
