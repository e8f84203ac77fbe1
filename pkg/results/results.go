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

// Package results accumulates per-stage outcomes for a pipeline run and
// writes them out as a JUnit XML document, the durable record a CI system
// polls instead of scraping stdout.
package results

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Failure is the <failure> element of a failed test case.
type Failure struct {
	Message string `xml:"message,attr"`
	Text    string `xml:",chardata"`
}

// Case is one stage's outcome, matching junit_xml.TestCase's shape.
type Case struct {
	XMLName   xml.Name `xml:"testcase"`
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      float64  `xml:"time,attr"`
	Stdout    string   `xml:"system-out,omitempty"`
	Failure   *Failure `xml:"failure,omitempty"`
}

// Suite is a collection of Cases for a single pipeline invocation.
type Suite struct {
	XMLName xml.Name `xml:"testsuite"`
	Name    string   `xml:"name,attr"`
	Tests   int      `xml:"tests,attr"`
	Failures int     `xml:"failures,attr"`
	Cases   []Case   `xml:"testcase"`
}

// Recorder accumulates Cases across a pipeline run's stages.
type Recorder struct {
	name  string
	cases []Case
}

// NewRecorder returns a Recorder whose eventual Suite is named name (the
// subcommand: "merge", "build", "all", ...).
func NewRecorder(name string) *Recorder {
	return &Recorder{name: name}
}

// Record appends a stage result. state is JSON-marshalled into the case's
// stdout field the way the original dumped the whole config dict; a nil
// stageErr produces a passing case, a non-nil one a failing case.
func (r *Recorder) Record(stage string, elapsed time.Duration, state any, stageErr error) {
	c := Case{
		Name:      stage,
		ClassName: "skt",
		Time:      elapsed.Seconds(),
	}

	if data, err := json.Marshal(state); err == nil {
		c.Stdout = string(data)
	}

	if stageErr != nil {
		c.Failure = &Failure{Message: stageErr.Error(), Text: stageErr.Error()}
	}

	r.cases = append(r.cases, c)
}

// HasFailures reports whether any recorded case failed.
func (r *Recorder) HasFailures() bool {
	for _, c := range r.cases {
		if c.Failure != nil {
			return true
		}
	}
	return false
}

// WriteDir marshals the accumulated Suite to dir/{name}.xml. A zero-value
// dir is a no-op, matching the original's "--junit not set" behavior.
func (r *Recorder) WriteDir(dir string) error {
	if dir == "" {
		return nil
	}

	failures := 0
	for _, c := range r.cases {
		if c.Failure != nil {
			failures++
		}
	}

	suite := Suite{Name: r.name, Tests: len(r.cases), Failures: failures, Cases: r.cases}
	out, err := xml.MarshalIndent(suite, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling junit results: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating junit output dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, r.name+".xml")
	if err := os.WriteFile(path, out, 0o640); err != nil {
		return fmt.Errorf("writing junit results to %s: %w", path, err)
	}
	return nil
}
