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

package publisher

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redhatci/skt/pkg/state"
)

func TestLocalPublishAndGetURL(t *testing.T) {
	src := t.TempDir()
	artifact := filepath.Join(src, "linux.tar.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("fake tarball"), 0o644))

	destDir := t.TempDir()
	l, err := NewLocal(destDir, "https://artifacts.example.com")
	require.NoError(t, err)

	url, err := l.Publish(context.Background(), artifact)
	require.NoError(t, err)
	assert.Equal(t, "https://artifacts.example.com/linux.tar.gz", url)
	assert.FileExists(t, filepath.Join(destDir, "linux.tar.gz"))

	url, err = l.GetURL(context.Background(), "linux.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "https://artifacts.example.com/linux.tar.gz", url)
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(context.Background(), &state.ListConfig{Type: "ftp", Args: []string{"dest", "https://example.com"}})
	assert.Error(t, err)
}

func TestNewRequiresArgs(t *testing.T) {
	_, err := New(context.Background(), &state.ListConfig{Type: "local", Args: []string{"dest"}})
	assert.Error(t, err)

	_, err = New(context.Background(), nil)
	assert.Error(t, err)
}

func TestSCPGetURL(t *testing.T) {
	s := NewSCP("user@host:/srv/artifacts", "https://artifacts.example.com/")
	url, err := s.GetURL(context.Background(), "linux.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "https://artifacts.example.com/linux.tar.gz", url)
}
