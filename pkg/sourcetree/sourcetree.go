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

// Package sourcetree owns a single working tree used to assemble one build
// input: a base checkout plus zero or more merged git refs, local patch
// files, and patch-tracker patches. go-git only handles remote bookkeeping
// (PlainInit/PlainOpen and the origin remote's create/replace); checkout,
// hard reset, commit/commit-date inspection, fetch, merge, and mailbox-apply
// all shell out to the system git binary. Merge and mailbox-apply have to,
// since go-git v5 implements neither; checkout/reset/inspection shell out
// too, to keep every operation on one code path against the same
// --work-tree/--git-dir invocation rather than splitting it across two
// git implementations.
package sourcetree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
)

// Provenance is one entry in the tree's merge history, dumped to a
// buildinfo CSV so a build can be traced back to exactly what went into it.
type Provenance struct {
	Kind   string // "base", "git", "patchwork", or "patch"
	Source string
	Detail string // commit hash, patch subject, or empty for file patches
}

// Tree is a single working directory tracking one base repository plus
// whatever has been merged or applied into it since checkout.
type Tree struct {
	dir  string
	uri  string
	ref  string
	info []Provenance

	MergeLog string // path to the last failed merge/apply transcript, if any
}

// New prepares (but does not yet populate) a working tree at dir for uri at
// ref. dir is created if it does not exist. An empty ref defaults to
// "master", matching the original tool's ktree default.
func New(dir, uri, ref string) (*Tree, error) {
	if ref == "" {
		ref = "master"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work dir %s: %w", dir, err)
	}
	mergeLog := filepath.Join(dir, "merge.log")
	os.Remove(mergeLog) //nolint:errcheck // best-effort, matches original's unlink-ignore

	if _, err := git.PlainInit(dir, false); err != nil && err != git.ErrRepositoryAlreadyExists {
		return nil, fmt.Errorf("initializing %s: %w", dir, err)
	}
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dir, err)
	}
	if err := setRemoteURL(repo, "origin", uri); err != nil {
		return nil, fmt.Errorf("configuring origin remote: %w", err)
	}

	return &Tree{dir: dir, uri: uri, ref: ref, MergeLog: mergeLog}, nil
}

// Open reopens an already-populated working tree at dir without touching
// its remote configuration, for operations like bisect that act on a
// tree merge already checked out rather than starting a fresh one.
func Open(dir string) (*Tree, error) {
	if _, err := git.PlainOpen(dir); err != nil {
		return nil, fmt.Errorf("opening %s: %w", dir, err)
	}
	return &Tree{dir: dir, ref: "HEAD", MergeLog: filepath.Join(dir, "merge.log")}, nil
}

func setRemoteURL(repo *git.Repository, name, uri string) error {
	if _, err := repo.Remote(name); err == nil {
		if err := repo.DeleteRemote(name); err != nil {
			return err
		}
	} else if err != git.ErrRemoteNotFound {
		return err
	}
	_, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: name, URLs: []string{uri}})
	return err
}

// Dir returns the tree's working directory.
func (t *Tree) Dir() string { return t.dir }

// Provenance returns a copy of the recorded merge history.
func (t *Tree) Provenance() []Provenance {
	out := make([]Provenance, len(t.info))
	copy(out, t.info)
	return out
}

// DumpInfo writes the tree's provenance as a comma-joined CSV, one row per
// merge/apply operation, and returns the file's path.
func (t *Tree) DumpInfo(name string) (string, error) {
	if name == "" {
		name = "buildinfo.csv"
	}
	path := filepath.Join(t.dir, name)
	var buf bytes.Buffer
	for _, p := range t.info {
		fields := []string{p.Kind, p.Source}
		if p.Detail != "" {
			fields = append(fields, p.Detail)
		}
		buf.WriteString(strings.Join(fields, ","))
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func (t *Tree) runGit(ctx context.Context, stdin []byte, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"--work-tree", t.dir, "--git-dir", filepath.Join(t.dir, ".git")}, args...)...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	clog.FromContext(ctx).Debugf("executing: git %s", strings.Join(args, " "))
	err = cmd.Run()
	return out.Bytes(), errBuf.Bytes(), err
}

// GetCommit returns the full hash of ref (HEAD if ref is empty).
func (t *Tree) GetCommit(ctx context.Context, ref string) (string, error) {
	args := []string{"show", "--format=%H", "-s"}
	if ref != "" {
		args = append(args, ref)
	}
	out, _, err := t.runGit(ctx, nil, args...)
	if err != nil {
		return "", fmt.Errorf("git show %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// GetCommitDate returns ref's (HEAD if ref is empty) committer timestamp
// as a Unix epoch second count.
func (t *Tree) GetCommitDate(ctx context.Context, ref string) (int64, error) {
	args := []string{"show", "--format=%ct", "-s"}
	if ref != "" {
		args = append(args, ref)
	}
	out, _, err := t.runGit(ctx, nil, args...)
	if err != nil {
		return 0, fmt.Errorf("git show %s: %w", ref, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing commit date: %w", err)
	}
	return n, nil
}

// Checkout fetches the base ref, detaches HEAD onto it and hard-resets,
// recording it as the tree's base provenance entry. Returns the checked
// out commit hash.
func (t *Tree) Checkout(ctx context.Context) (string, error) {
	dstref := fmt.Sprintf("refs/remotes/origin/%s", lastPathElement(t.ref))

	if _, _, err := t.runGit(ctx, nil, "fetch", "-n", "origin", fmt.Sprintf("+%s:%s", t.ref, dstref)); err != nil {
		return "", fmt.Errorf("fetching base repo: %w", err)
	}
	if _, _, err := t.runGit(ctx, nil, "checkout", "-q", "--detach", dstref); err != nil {
		return "", fmt.Errorf("checking out %s: %w", t.ref, err)
	}
	if _, _, err := t.runGit(ctx, nil, "reset", "--hard", dstref); err != nil {
		return "", fmt.Errorf("resetting to %s: %w", dstref, err)
	}

	head, err := t.GetCommit(ctx, "")
	if err != nil {
		return "", err
	}
	t.info = append(t.info, Provenance{Kind: "base", Source: t.uri, Detail: head})
	return head, nil
}

// getRemoteURL returns the fetch URL configured for remote, or "" if it
// cannot be determined.
func (t *Tree) getRemoteURL(ctx context.Context, remote string) string {
	out, _, err := t.runGit(ctx, nil, "remote", "show", remote)
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "Fetch URL: "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

// remoteName derives a remote name from uri's final path segment, bumping
// it with a trailing underscore until it no longer collides with a
// different remote of the same name.
func (t *Tree) remoteName(ctx context.Context, uri string) string {
	trimmed := strings.TrimSuffix(uri, "/")
	base := trimmed
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		base = trimmed[idx+1:]
	}
	name := strings.TrimSuffix(base, ".git")
	for {
		existing := t.getRemoteURL(ctx, name)
		if existing == "" || existing == uri {
			return name
		}
		clog.FromContext(ctx).Warnf("remote %q already exists with a different uri, adding '_'", name)
		name += "_"
	}
}

// MergeGitRef adds uri as a remote (if not already present), fetches ref,
// and attempts a `git merge --no-edit`. A merge failure is non-fatal: the
// tree is reset hard and (1, "") is returned so the caller can record the
// failure and move on, matching the original tool's merge_git_ref.
func (t *Tree) MergeGitRef(ctx context.Context, uri, ref string) (int, string, error) {
	if ref == "" {
		ref = "master"
	}
	rname := t.remoteName(ctx, uri)

	// Adding a remote that already exists under this name is not fatal.
	_, _, _ = t.runGit(ctx, nil, "remote", "add", rname, uri)

	dstref := fmt.Sprintf("refs/remotes/%s/%s", rname, lastPathElement(ref))
	if _, _, err := t.runGit(ctx, nil, "fetch", "-n", rname, fmt.Sprintf("+%s:%s", ref, dstref)); err != nil {
		return 1, "", fmt.Errorf("fetching %s from %s: %w", ref, rname, err)
	}

	if out, stderr, err := t.runGit(ctx, nil, "merge", "--no-edit", dstref); err != nil {
		clog.FromContext(ctx).Warnf("failed to merge %q from %s, skipping", ref, rname)
		if werr := os.WriteFile(t.MergeLog, append(out, stderr...), 0o644); werr != nil {
			clog.FromContext(ctx).Errorf("writing merge log: %v", werr)
		}
		_, _, _ = t.runGit(ctx, nil, "reset", "--hard")
		return 1, "", nil
	}

	head, err := t.GetCommit(ctx, dstref)
	if err != nil {
		return 1, "", err
	}
	t.info = append(t.info, Provenance{Kind: "git", Source: uri, Detail: head})
	return 0, head, nil
}

// MergePatchFile applies a patch file with `git am`, aborting the partial
// apply on failure.
func (t *Tree) MergePatchFile(ctx context.Context, path string) error {
	if out, stderr, err := t.runGit(ctx, nil, "am", path); err != nil {
		_, _, _ = t.runGit(ctx, nil, "am", "--abort")
		if werr := os.WriteFile(t.MergeLog, append(out, stderr...), 0o644); werr != nil {
			clog.FromContext(ctx).Errorf("writing merge log: %v", werr)
		}
		return fmt.Errorf("applying patch %s: %w (%s)", path, err, strings.TrimSpace(string(stderr)))
	}
	t.info = append(t.info, Provenance{Kind: "patch", Source: path})
	return nil
}

// PatchSource supplies mbox-formatted patch content for ApplyMailboxPatch,
// decoupling sourcetree from the patch-tracker client.
type PatchSource interface {
	// FetchMbox returns the mbox content for a patch, and a display name
	// used for the provenance entry.
	FetchMbox(ctx context.Context) (mbox []byte, name string, err error)
}

// ApplyMailboxPatch pipes mbox content from src into `git am -`, aborting
// the partial apply and saving the transcript to MergeLog on failure.
func (t *Tree) ApplyMailboxPatch(ctx context.Context, uri string, src PatchSource) error {
	mbox, name, err := src.FetchMbox(ctx)
	if err != nil {
		return fmt.Errorf("fetching patch %s: %w", uri, err)
	}

	out, stderr, err := t.runGit(ctx, mbox, "am", "-")
	if err != nil {
		_, _, _ = t.runGit(ctx, nil, "am", "--abort")
		transcript := append(out, stderr...)
		if werr := os.WriteFile(t.MergeLog, transcript, 0o644); werr != nil {
			clog.FromContext(ctx).Errorf("writing merge log: %v", werr)
		}
		return fmt.Errorf("applying patch %s: %w", uri, err)
	}

	t.info = append(t.info, Provenance{Kind: "patchwork", Source: uri, Detail: strings.ReplaceAll(name, ",", ";")})
	return nil
}

// BisectStart begins a bisect session between the current HEAD (bad) and
// good, returning the range description git reports.
func (t *Tree) BisectStart(ctx context.Context, good string) (string, error) {
	out, _, err := t.runGit(ctx, nil, "bisect", "start", "HEAD", good)
	if err != nil {
		return "", fmt.Errorf("starting bisect: %w", err)
	}
	return parseBisectRange(string(out)), nil
}

// BisectIter marks the current commit good or bad and returns (1, commit)
// once git identifies the first bad commit, or (0, range) while bisection
// continues.
func (t *Tree) BisectIter(ctx context.Context, bad bool) (int, string, error) {
	status := "good"
	if bad {
		status = "bad"
	}
	out, _, err := t.runGit(ctx, nil, "bisect", status)
	if err != nil {
		return 0, "", fmt.Errorf("git bisect %s: %w", status, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := cutMatch(line, "is the first bad commit"); ok {
			return 1, rest, nil
		}
	}
	return 0, parseBisectRange(string(out)), nil
}

func parseBisectRange(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if rest, ok := strings.CutPrefix(line, "Bisecting: "); ok {
			return rest
		}
	}
	return ""
}

// cutMatch reports whether line ends with suffix and, if so, returns the
// leading text it was cut from, mirroring the original's
// "^(.*) is the first bad commit$" regex match.
func cutMatch(line, suffix string) (string, bool) {
	full := " " + suffix
	if strings.HasSuffix(line, full) {
		return strings.TrimSuffix(line, full), true
	}
	return "", false
}

func lastPathElement(ref string) string {
	parts := strings.Split(ref, "/")
	return parts[len(parts)-1]
}
