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

// Package state is the durable store behind a pipeline run. It is backed by
// a sectioned INI document: a [config] section carries operator-supplied
// defaults, a [state] section carries values a previous invocation
// persisted, and [publisher]/[runner]/[reporter]/[arches]/[merge-*] carry
// structured sub-configuration. Resolve layers these with CLI flags on top,
// so a value already supplied on the command line is never clobbered by a
// stale state entry.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// ListConfig is a positional [type, args...] descriptor, the shape the
// publisher section and the CLI --publisher flag both produce.
type ListConfig struct {
	Type string
	Args []string
}

// MapConfig is a [type, {key: value, ...}] descriptor, the shape the
// runner and reporter sections produce.
type MapConfig struct {
	Type   string
	Params map[string]string
}

// MergeRef is one additional tree to merge into the base checkout, either a
// git ref (Ref may be empty, defaulting to "master") sourced from a
// [merge-*] section or a -m/--merge-ref flag.
type MergeRef struct {
	URL string
	Ref string
}

// Store is a loaded, mutable view over an rc file's [config]/[state]
// sections plus the structured sections it indexes.
type Store struct {
	rcPath   string
	file     *ini.File
	useState bool

	config map[string]string
	state  map[string]string

	Jobs         []string
	MergeRepos   []string
	MergeHeads   []string
	LocalPatches []string
	Patchworks   []string
	ArchData     map[string]map[string]string

	Arches    map[string]map[string]string
	Publisher *ListConfig
	Runner    *MapConfig
	Reporter  *MapConfig
	MergeRefs []MergeRef
}

// indexed key prefixes recognized when expanding the [state] section into
// the aggregate slices/maps above.
const (
	prefixJob        = "jobid_"
	prefixMergeRepo  = "mergerepo_"
	prefixMergeHead  = "mergehead_"
	prefixLocalPatch = "localpatch_"
	prefixPatchwork  = "patchwork_"
	prefixTarpkg     = "tarpkg_"
	prefixBuildConf  = "buildconf_"
	prefixBuildURL   = "buildurl_"
	prefixCfgURL     = "cfgurl_"
	prefixBuildLog   = "buildlog_"
)

var archDataPrefixes = []string{prefixTarpkg, prefixBuildConf, prefixBuildURL, prefixCfgURL, prefixBuildLog}

// IndexedKey formats the NN-suffixed key a sequential merge/job/patch
// operation persists under, e.g. IndexedKey("mergerepo", 2) == "mergerepo_02".
func IndexedKey(prefix string, idx int) string {
	return fmt.Sprintf("%s_%02d", prefix, idx)
}

// ArchKey formats the arch-suffixed key a per-architecture build/publish
// field persists under, e.g. ArchKey("tarpkg", "x86_64") == "tarpkg_x86_64".
func ArchKey(prefix, arch string) string {
	return prefix + "_" + arch
}

// Load reads rcPath (creating an empty document if it does not exist yet)
// and expands its [state] section into the Store's aggregate fields. When
// useState is false the [state] section is ignored entirely, matching the
// original tool's --state opt-in.
func Load(rcPath string, useState bool) (*Store, error) {
	expanded := expandHome(rcPath)

	var f *ini.File
	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		f = ini.Empty()
	} else {
		loaded, err := ini.Load(expanded)
		if err != nil {
			return nil, fmt.Errorf("loading state store %s: %w", expanded, err)
		}
		f = loaded
	}

	s := &Store{
		rcPath:   expanded,
		file:     f,
		useState: useState,
		config:   sectionMap(f, "config"),
		state:    map[string]string{},
		ArchData: map[string]map[string]string{},
		Arches:   map[string]map[string]string{},
	}

	if useState {
		s.state = sectionMap(f, "state")
		s.expandState()
	}

	if err := s.loadPublisher(); err != nil {
		return nil, err
	}
	if err := s.loadRunner(); err != nil {
		return nil, err
	}
	if err := s.loadReporter(); err != nil {
		return nil, err
	}
	s.loadArches()
	s.loadMergeRefs()

	return s, nil
}

func sectionMap(f *ini.File, name string) map[string]string {
	out := map[string]string{}
	if !f.HasSection(name) {
		return out
	}
	for _, key := range f.Section(name).Keys() {
		out[key.Name()] = key.Value()
	}
	return out
}

func (s *Store) expandState() {
	keys := make([]string, 0, len(s.state))
	for k := range s.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		s.classifyStateKey(name, s.state[name])
	}
}

// classifyStateKey folds one [state] key/value pair into the matching
// aggregate field. It's called both while expanding a freshly loaded rc
// file and from Save, so a key a stage persists mid-run is immediately
// visible to later stages in the same process (e.g. Report reading the
// patches Merge just applied), not only after a reload from disk.
func (s *Store) classifyStateKey(name, value string) {
	switch {
	case strings.HasPrefix(name, prefixJob):
		s.Jobs = append(s.Jobs, value)
	case strings.HasPrefix(name, prefixMergeRepo):
		s.MergeRepos = append(s.MergeRepos, value)
	case strings.HasPrefix(name, prefixMergeHead):
		s.MergeHeads = append(s.MergeHeads, value)
	case strings.HasPrefix(name, prefixLocalPatch):
		s.LocalPatches = append(s.LocalPatches, value)
	case strings.HasPrefix(name, prefixPatchwork):
		s.Patchworks = append(s.Patchworks, value)
	default:
		for _, p := range archDataPrefixes {
			if strings.HasPrefix(name, p) {
				arch := strings.TrimPrefix(name, p)
				field := strings.TrimSuffix(p, "_")
				if s.ArchData[arch] == nil {
					s.ArchData[arch] = map[string]string{}
				}
				s.ArchData[arch][field] = value
				break
			}
		}
	}
}

func (s *Store) loadPublisher() error {
	if !s.file.HasSection("publisher") {
		return nil
	}
	sec := s.file.Section("publisher")
	typ := sec.Key("type").String()
	if typ == "" {
		return nil
	}
	s.Publisher = &ListConfig{
		Type: typ,
		Args: []string{sec.Key("destination").String(), sec.Key("baseurl").String()},
	}
	return nil
}

func (s *Store) loadRunner() error {
	s.Runner = loadMapConfig(s.file, "runner")
	return nil
}

func (s *Store) loadReporter() error {
	s.Reporter = loadMapConfig(s.file, "reporter")
	return nil
}

func loadMapConfig(f *ini.File, section string) *MapConfig {
	if !f.HasSection(section) {
		return nil
	}
	sec := f.Section(section)
	typ := sec.Key("type").String()
	if typ == "" {
		return nil
	}
	params := map[string]string{}
	for _, key := range sec.Keys() {
		if key.Name() == "type" {
			continue
		}
		params[key.Name()] = key.Value()
	}
	return &MapConfig{Type: typ, Params: params}
}

func (s *Store) loadArches() {
	if !s.file.HasSection("arches") {
		return
	}
	multiWordFields := []string{"container_image", "env_file"}
	for _, key := range s.file.Section("arches").Keys() {
		arch, field := "", ""
		for _, f := range multiWordFields {
			if a, ok := strings.CutSuffix(key.Name(), "_"+f); ok && a != "" {
				arch, field = a, f
				break
			}
		}
		if arch == "" {
			idx := strings.LastIndex(key.Name(), "_")
			if idx < 0 {
				continue
			}
			arch, field = key.Name()[:idx], key.Name()[idx+1:]
		}
		if s.Arches[arch] == nil {
			s.Arches[arch] = map[string]string{}
		}
		s.Arches[arch][field] = key.Value()
	}
}

func (s *Store) loadMergeRefs() {
	for _, sec := range s.file.Sections() {
		if !strings.HasPrefix(sec.Name(), "merge-") {
			continue
		}
		mr := MergeRef{URL: sec.Key("url").String()}
		if sec.HasKey("ref") {
			mr.Ref = sec.Key("ref").String()
		}
		s.MergeRefs = append(s.MergeRefs, mr)
	}
}

// Resolve returns cliValue if non-empty, otherwise the state value for key,
// otherwise the config value for key, otherwise "". This is the CLI > state
// > config precedence the original tool's argparse-Namespace overlay
// implemented implicitly by only filling keys that were still None.
func (s *Store) Resolve(key, cliValue string) string {
	if cliValue != "" {
		return cliValue
	}
	if v, ok := s.state[key]; ok {
		return v
	}
	if v, ok := s.config[key]; ok {
		return v
	}
	return ""
}

// Snapshot returns a flattened view of every config and state key, config
// values first so a state value for the same key takes precedence -
// the same layering Resolve applies, for callers (like the JUnit result
// recorder) that want the whole picture rather than one key at a time.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string, len(s.config)+len(s.state))
	for k, v := range s.config {
		out[k] = v
	}
	for k, v := range s.state {
		out[k] = v
	}
	return out
}

// ApplyDefaults fills any config key not already set from an rc file
// section, without overwriting anything Load already populated. It
// backs --config-defaults, a YAML file of fleet-wide defaults an
// operator's own rc file can still override.
func (s *Store) ApplyDefaults(defaults map[string]string) {
	for k, v := range defaults {
		if _, ok := s.config[k]; !ok {
			s.config[k] = v
		}
	}
}

// LoadDefaultsFile reads a YAML file of string key/value pairs for
// ApplyDefaults. An empty path returns a nil map and no error.
func LoadDefaultsFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(expandHome(path)) // #nosec G304 - operator-specified defaults file
	if err != nil {
		return nil, fmt.Errorf("reading config defaults %s: %w", path, err)
	}
	var defaults map[string]string
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("parsing config defaults %s: %w", path, err)
	}
	return defaults, nil
}

// ResolveBool parses Resolve's result as a boolean, defaulting to
// cliValue when unset or unparsable.
func (s *Store) ResolveBool(key string, cliValue bool, cliProvided bool) bool {
	if cliProvided {
		return cliValue
	}
	raw := s.Resolve(key, "")
	if raw == "" {
		return cliValue
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return cliValue
	}
	return b
}

// isArchDataKey reports whether name carries one of the per-architecture
// build fields, which Save must re-fold into ArchData on every update (not
// just the first), since a key like buildlog_x86_64 can be rewritten once a
// build is retried.
func isArchDataKey(name string) bool {
	for _, p := range archDataPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Save persists updates into the [state] section, skipping empty values,
// and writes the rc file to disk. It also updates the Store's in-memory
// view so a subsequent Resolve within the same run sees the new value. Save
// is a no-op (besides the in-memory update) when the store was loaded with
// useState = false, matching the original tool's --state opt-in for
// persistence too.
func (s *Store) Save(updates map[string]string) error {
	for k, v := range updates {
		if v == "" {
			continue
		}
		_, existed := s.state[k]
		s.state[k] = v
		if !existed || isArchDataKey(k) {
			s.classifyStateKey(k, v)
		}
	}
	if !s.useState {
		return nil
	}

	sec, err := s.file.GetSection("state")
	if err != nil {
		sec, err = s.file.NewSection("state")
		if err != nil {
			return fmt.Errorf("creating state section: %w", err)
		}
	}
	for k, v := range updates {
		if v == "" {
			continue
		}
		sec.Key(k).SetValue(v)
	}
	return s.flush()
}

// Cleanup removes the [state] section entirely and rewrites the rc file,
// the equivalent of the original tool's cleanup subcommand wiping
// persisted run state between pipeline invocations.
func (s *Store) Cleanup() error {
	s.state = map[string]string{}
	if s.file.HasSection("state") {
		s.file.DeleteSection("state")
	}
	return s.flush()
}

func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.rcPath), 0o755); err != nil {
		return fmt.Errorf("creating rc directory: %w", err)
	}
	if err := s.file.SaveTo(s.rcPath); err != nil {
		return fmt.Errorf("writing state store %s: %w", s.rcPath, err)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
