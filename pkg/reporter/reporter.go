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

// Package reporter classifies a finished pipeline run and renders a
// narrative report from it. Classification runs the same staged checks
// for every architecture result and the aggregate promotes the worst
// outcome across them.
package reporter

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// Outcome is the classification of a single architecture's run.
type Outcome string

const (
	OutcomeMergeFailed Outcome = "merge_failed"
	OutcomeBuildFailed Outcome = "build_failed"
	OutcomeTestFailed  Outcome = "test_failed"
	OutcomePassed      Outcome = "passed"
)

// severity orders outcomes worst-first so Aggregate can pick the worst
// across architectures.
var severity = map[Outcome]int{
	OutcomeMergeFailed: 0,
	OutcomeBuildFailed: 1,
	OutcomeTestFailed:  2,
	OutcomePassed:      3,
}

// ArchResult is one architecture's worth of pipeline state, the fields
// reporter needs to classify and describe the run.
type ArchResult struct {
	Arch       string
	KRelease   string
	BaseRepo   string
	BaseHead   string
	MergeLog   string // non-empty means the merge stage failed
	BuildLog   string // non-empty means the build stage failed (and merge didn't)
	RetCode    int    // hardware test exit code; only consulted if merge/build didn't fail
	PublishURL string
}

// Classify determines which stage failed first for a single architecture,
// matching the original's precedence: a populated mergelog beats a
// populated buildlog beats a non-zero retcode.
func Classify(r ArchResult) Outcome {
	if r.MergeLog != "" {
		return OutcomeMergeFailed
	}
	if r.BuildLog != "" {
		return OutcomeBuildFailed
	}
	if r.RetCode != 0 {
		return OutcomeTestFailed
	}
	return OutcomePassed
}

// Aggregate classifies every result and returns the worst outcome across
// them, the report-wide pass/fail determination for a multi-arch run.
func Aggregate(results []ArchResult) Outcome {
	worst := OutcomePassed
	for _, r := range results {
		o := Classify(r)
		if severity[o] < severity[worst] {
			worst = o
		}
	}
	return worst
}

// Report is the rendered, human-readable summary of a pipeline run.
type Report struct {
	Subject string
	Body    string
}

var subjectTemplates = map[Outcome]string{
	OutcomeMergeFailed: "FAIL: Patch application failed",
	OutcomeBuildFailed: "FAIL: Build failed",
	OutcomeTestFailed:  "FAIL: Test report for kernel {{.KRelease}} (kernel)",
	OutcomePassed:      "PASS: Test report for kernel {{.KRelease}} (kernel)",
}

const bodyTemplateText = `Overall result: {{.ResultWord}}

Base repo: {{.BaseRepo}}
Base head: {{.BaseHead}}
Kernel release: {{if .KRelease}}{{.KRelease}}{{else}}unknown{{end}}
{{if .Patches}}
Applied patches:
{{range .Patches}}  {{.}}
{{end}}{{end}}
{{range .Archs}}
Architecture: {{.Arch}}
Patch merge: {{if eq .Outcome "merge_failed"}}FAILED{{else}}PASSED{{end}}
Compile: {{if eq .Outcome "build_failed"}}FAILED{{else if eq .Outcome "merge_failed"}}SKIPPED{{else}}PASSED{{end}}
Hardware test: {{if eq .Outcome "test_failed"}}FAILED{{else if eq .Outcome "passed"}}PASSED{{else}}SKIPPED{{end}}
{{end}}
{{range .Attachments}}--- {{.Name}} ---
{{.Content}}

{{end}}`

var bodyTemplate = template.Must(template.New("report-body").Parse(bodyTemplateText))

type archView struct {
	Arch    string
	Outcome Outcome
}

// Attachment is a named chunk of log content pulled in alongside the report
// body, the Go equivalent of the original StdioReporter's attach list of
// (filename, content) pairs.
type Attachment struct {
	Name    string
	Content string
}

type bodyView struct {
	ResultWord  string
	BaseRepo    string
	BaseHead    string
	KRelease    string
	Patches     []string
	Archs       []archView
	Attachments []Attachment
}

// readLogSnippet returns the content of path, or a placeholder noting the
// read failure - a report should still render even if a log file has
// since been cleaned up.
func readLogSnippet(path string) string {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from our own state store
	if err != nil {
		return fmt.Sprintf("(could not read %s: %v)", path, err)
	}
	return strings.TrimRight(string(data), "\n")
}

// Render produces the Report for results and appliedPatches (the
// mergerepo/localpatch/patchwork entries Merge recorded, in application
// order). subject is derived from the worst architecture's outcome (kernel
// release comes from the first result that has one); body lists every
// architecture's per-stage status, the applied patches, the kernel release,
// and a log-snippet attachment for any merge or build failure.
func Render(results []ArchResult, appliedPatches []string) (Report, error) {
	if len(results) == 0 {
		return Report{}, fmt.Errorf("rendering report: no architecture results")
	}

	worst := Aggregate(results)
	krelease := results[0].KRelease
	for _, r := range results {
		if r.KRelease != "" {
			krelease = r.KRelease
			break
		}
	}

	subjTmpl, err := template.New("report-subject").Parse(subjectTemplates[worst])
	if err != nil {
		return Report{}, fmt.Errorf("parsing subject template: %w", err)
	}
	var subjBuf bytes.Buffer
	if err := subjTmpl.Execute(&subjBuf, struct{ KRelease string }{krelease}); err != nil {
		return Report{}, fmt.Errorf("rendering subject: %w", err)
	}

	resultWord := "PASSED"
	if worst != OutcomePassed {
		resultWord = "FAILED"
	}

	view := bodyView{
		ResultWord: resultWord,
		BaseRepo:   results[0].BaseRepo,
		BaseHead:   results[0].BaseHead,
		KRelease:   krelease,
		Patches:    appliedPatches,
	}

	seenLog := map[string]bool{}
	for _, r := range results {
		view.Archs = append(view.Archs, archView{Arch: r.Arch, Outcome: Classify(r)})

		if r.MergeLog != "" && !seenLog[r.MergeLog] {
			seenLog[r.MergeLog] = true
			view.Attachments = append(view.Attachments, Attachment{Name: "merge.log", Content: readLogSnippet(r.MergeLog)})
		}
		if r.BuildLog != "" && !seenLog[r.BuildLog] {
			seenLog[r.BuildLog] = true
			view.Attachments = append(view.Attachments, Attachment{Name: fmt.Sprintf("build_%s.log", r.Arch), Content: readLogSnippet(r.BuildLog)})
		}
	}

	var bodyBuf bytes.Buffer
	if err := bodyTemplate.Execute(&bodyBuf, view); err != nil {
		return Report{}, fmt.Errorf("rendering report body: %w", err)
	}

	return Report{
		Subject: strings.TrimSpace(subjBuf.String()),
		Body:    strings.TrimSpace(bodyBuf.String()),
	}, nil
}
