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

package reporter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPrecedence(t *testing.T) {
	assert.Equal(t, OutcomeMergeFailed, Classify(ArchResult{MergeLog: "merge failed", BuildLog: "build failed", RetCode: 1}))
	assert.Equal(t, OutcomeBuildFailed, Classify(ArchResult{BuildLog: "build failed", RetCode: 1}))
	assert.Equal(t, OutcomeTestFailed, Classify(ArchResult{RetCode: 1}))
	assert.Equal(t, OutcomePassed, Classify(ArchResult{}))
}

func TestAggregatePromotesWorst(t *testing.T) {
	results := []ArchResult{
		{Arch: "x86_64"},
		{Arch: "s390x", RetCode: 1},
	}
	assert.Equal(t, OutcomeTestFailed, Aggregate(results))
}

func TestRenderMergeFailure(t *testing.T) {
	results := []ArchResult{
		{Arch: "x86_64", BaseRepo: "git://git.example.com/kernel.git", BaseHead: "1234abcdef", MergeLog: "merge failed\nThe copy of the patch"},
	}
	report, err := Render(results, nil)
	require.NoError(t, err)
	assert.Contains(t, report.Subject, "FAIL: Patch application failed")
	assert.Contains(t, report.Body, "Overall result: FAILED")
	assert.Contains(t, report.Body, "Patch merge: FAILED")
}

func TestRenderSuccess(t *testing.T) {
	results := []ArchResult{
		{Arch: "x86_64", KRelease: "3.10.0", BaseRepo: "git://git.example.com/kernel.git", BaseHead: "1234abcdef"},
	}
	report, err := Render(results, nil)
	require.NoError(t, err)
	assert.Contains(t, report.Subject, "PASS: Test report for kernel 3.10.0 (kernel)")
	assert.Contains(t, report.Body, "Overall result: PASSED")
}

func TestRenderIncludesAppliedPatchesAndKrelease(t *testing.T) {
	results := []ArchResult{
		{Arch: "x86_64", KRelease: "3.10.0", BaseRepo: "git://git.example.com/kernel.git", BaseHead: "1234abcdef"},
	}
	report, err := Render(results, []string{"git://git.kernel.org/extra.git", "/tmp/local.patch"})
	require.NoError(t, err)
	assert.Contains(t, report.Body, "Kernel release: 3.10.0")
	assert.Contains(t, report.Body, "Applied patches:")
	assert.Contains(t, report.Body, "git://git.kernel.org/extra.git")
	assert.Contains(t, report.Body, "/tmp/local.patch")
}

func TestRenderAttachesMergeLogContent(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "merge.log")
	require.NoError(t, os.WriteFile(logPath, []byte("merge failed\nThe copy of the patch"), 0o644))

	results := []ArchResult{
		{Arch: "x86_64", BaseRepo: "git://git.example.com/kernel.git", BaseHead: "1234abcdef", MergeLog: logPath},
	}
	report, err := Render(results, nil)
	require.NoError(t, err)
	assert.Contains(t, report.Body, "--- merge.log ---")
	assert.Contains(t, report.Body, "The copy of the patch")
}

func TestRenderMultiArchPartialFailure(t *testing.T) {
	results := []ArchResult{
		{Arch: "s390x", KRelease: "3.10.0", BaseRepo: "git://git.example.com/kernel.git", BaseHead: "1234abcdef", RetCode: 1},
		{Arch: "x86_64", KRelease: "3.10.0", BaseRepo: "git://git.example.com/kernel.git", BaseHead: "1234abcdef"},
	}
	report, err := Render(results, nil)
	require.NoError(t, err)
	assert.Contains(t, report.Subject, "FAIL: Test report for kernel 3.10.0 (kernel)")
	assert.Contains(t, report.Body, "Overall result: FAILED")
	assert.Contains(t, report.Body, "Hardware test: FAILED")
}
