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

package results

import (
	"encoding/xml"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderWriteDirRoundtrip(t *testing.T) {
	r := NewRecorder("build")
	r.Record("merge", 2*time.Second, map[string]string{"mergerepo_00": "https://example.com/repo"}, nil)
	r.Record("build", 90*time.Second, map[string]string{"krelease": "6.1.0"}, errors.New("make targz-pkg failed"))

	assert.True(t, r.HasFailures())

	dir := t.TempDir()
	require.NoError(t, r.WriteDir(dir))

	data, err := os.ReadFile(filepath.Join(dir, "build.xml"))
	require.NoError(t, err)

	var suite Suite
	require.NoError(t, xml.Unmarshal(data, &suite))
	assert.Equal(t, "build", suite.Name)
	assert.Equal(t, 2, suite.Tests)
	assert.Equal(t, 1, suite.Failures)
	assert.Equal(t, "merge", suite.Cases[0].Name)
	assert.Nil(t, suite.Cases[0].Failure)
	require.NotNil(t, suite.Cases[1].Failure)
	assert.Equal(t, "make targz-pkg failed", suite.Cases[1].Failure.Message)
}

func TestWriteDirNoopWithoutDir(t *testing.T) {
	r := NewRecorder("merge")
	r.Record("merge", time.Second, nil, nil)
	require.NoError(t, r.WriteDir(""))
}
