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

package kbuild

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMake installs a shell script named "make" and a scripts/config stub
// ahead of the real ones on PATH, so Builder's make invocations can be
// observed without an actual kernel tree.
func fakeMake(t *testing.T, sourceDir, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake make harness requires a POSIX shell")
	}

	binDir := t.TempDir()
	makePath := filepath.Join(binDir, "make")
	require.NoError(t, os.WriteFile(makePath, []byte("#!/bin/sh\n"+script), 0o755))

	require.NoError(t, os.MkdirAll(filepath.Join(sourceDir, "scripts"), 0o755))
	cfgScript := filepath.Join(sourceDir, "scripts", "config")
	require.NoError(t, os.WriteFile(cfgScript, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestGetReleaseParsesKernelRelease(t *testing.T) {
	dir := t.TempDir()
	basecfg := filepath.Join(dir, "base.config")
	require.NoError(t, os.WriteFile(basecfg, []byte("# config\n"), 0o644))

	fakeMake(t, dir, `
case "$*" in
  *kernelrelease*) echo "5.14.0-kbuild.x86_64" ;;
  *) exit 0 ;;
esac
`)

	b := New(Config{SourceDir: dir, BaseConfig: basecfg, CfgType: "olddefconfig"})
	rel, err := b.GetRelease(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "5.14.0-kbuild.x86_64", rel)
}

func TestMktgzParsesTarballPath(t *testing.T) {
	dir := t.TempDir()
	basecfg := filepath.Join(dir, "base.config")
	require.NoError(t, os.WriteFile(basecfg, []byte("# config\n"), 0o644))

	tgzPath := filepath.Join(dir, "linux.tar.gz")
	writeValidGzip(t, tgzPath)

	fakeMake(t, dir, `
case "$*" in
  *targz-pkg*) echo "Tarball successfully created in linux.tar.gz" ;;
  *) exit 0 ;;
esac
`)

	b := New(Config{SourceDir: dir, BaseConfig: basecfg, CfgType: "olddefconfig"})
	path, err := b.Mktgz(context.Background(), time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, tgzPath, path)
}

func TestMktgzReturnsParsingErrorWhenTarballLineMissing(t *testing.T) {
	dir := t.TempDir()
	basecfg := filepath.Join(dir, "base.config")
	require.NoError(t, os.WriteFile(basecfg, []byte("# config\n"), 0o644))

	fakeMake(t, dir, `exit 0`)

	b := New(Config{SourceDir: dir, BaseConfig: basecfg, CfgType: "olddefconfig"})
	_, err := b.Mktgz(context.Background(), time.Minute, nil)
	require.Error(t, err)
	var perr *ParsingError
	assert.ErrorAs(t, err, &perr)
}

func TestMktgzTimesOut(t *testing.T) {
	dir := t.TempDir()
	basecfg := filepath.Join(dir, "base.config")
	require.NoError(t, os.WriteFile(basecfg, []byte("# config\n"), 0o644))

	fakeMake(t, dir, `
case "$*" in
  *targz-pkg*) sleep 5 ;;
  *) exit 0 ;;
esac
`)

	b := New(Config{SourceDir: dir, BaseConfig: basecfg, CfgType: "olddefconfig"})
	_, err := b.Mktgz(context.Background(), 50*time.Millisecond, nil)
	require.Error(t, err)
	var terr *CommandTimeoutError
	assert.ErrorAs(t, err, &terr)
}

func TestNewLoadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	basecfg := filepath.Join(dir, "base.config")
	require.NoError(t, os.WriteFile(basecfg, []byte("# config\n"), 0o644))

	envFile := filepath.Join(dir, "extra.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CROSS_COMPILE=aarch64-linux-gnu-\n"), 0o644))

	tgzPath := filepath.Join(dir, "linux.tar.gz")
	writeValidGzip(t, tgzPath)

	fakeMake(t, dir, `
case "$*" in
  *targz-pkg*) echo "CROSS_COMPILE=$CROSS_COMPILE" >"$SKT_TEST_OUT"; echo "Tarball successfully created in linux.tar.gz" ;;
  *) exit 0 ;;
esac
`)
	out := filepath.Join(dir, "observed")
	t.Setenv("SKT_TEST_OUT", out)

	b := New(Config{SourceDir: dir, BaseConfig: basecfg, CfgType: "olddefconfig", EnvFile: envFile})
	_, err := b.Mktgz(context.Background(), time.Minute, nil)
	require.NoError(t, err)

	observed, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "CROSS_COMPILE=aarch64-linux-gnu-\n", string(observed))
}

func TestNewIgnoresMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	b := New(Config{SourceDir: dir, EnvFile: filepath.Join(dir, "missing.env")})
	assert.Nil(t, b.env)
}

func TestGetBuildLogReturnsWrittenPath(t *testing.T) {
	dir := t.TempDir()
	basecfg := filepath.Join(dir, "base.config")
	require.NoError(t, os.WriteFile(basecfg, []byte("# config\n"), 0o644))

	fakeMake(t, dir, `exit 0`)

	b := New(Config{SourceDir: dir, BaseConfig: basecfg, CfgType: "olddefconfig"})
	assert.Equal(t, filepath.Join(dir, "build.log"), b.GetBuildLog())

	_, err := b.Mktgz(context.Background(), time.Minute, nil)
	require.Error(t, err) // no tarball line, but the log must still exist
	_, statErr := os.Stat(b.GetBuildLog())
	require.NoError(t, statErr)
}

func TestMergeEnvLaterLayersWin(t *testing.T) {
	env := mergeEnv(map[string]string{"A": "1", "B": "1"}, map[string]string{"B": "2"})
	assert.Contains(t, env, "A=1")
	assert.Contains(t, env, "B=2")
	assert.NotContains(t, env, "B=1")
}

func TestGlobEscape(t *testing.T) {
	assert.Equal(t, `/src/foo[*]bar`, globEscape("/src/foo*bar"))
	assert.Equal(t, "/src/plain", globEscape("/src/plain"))
}

func writeValidGzip(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	gw := pgzip.NewWriter(&buf)
	_, err := gw.Write([]byte("fake tarball contents"))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}
