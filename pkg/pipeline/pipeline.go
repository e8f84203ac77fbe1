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

// Package pipeline sequences the merge/build/publish/run/report/cleanup
// stages of a kernel CI run against the durable state store, fanning
// out per-architecture builds within BUILD (PUBLISH and RUN walk the
// architectures one at a time) while preserving the ordering guarantees
// each stage's state writes depend on.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/redhatci/skt/internal/tracing"
	"github.com/redhatci/skt/pkg/kbuild"
	"github.com/redhatci/skt/pkg/patchwork"
	"github.com/redhatci/skt/pkg/publisher"
	"github.com/redhatci/skt/pkg/reporter"
	"github.com/redhatci/skt/pkg/results"
	"github.com/redhatci/skt/pkg/runner"
	"github.com/redhatci/skt/pkg/sourcetree"
	"github.com/redhatci/skt/pkg/state"
)

// Controller wires the State Store to each component and records a
// results.Case for every stage it runs.
type Controller struct {
	Store    *state.Store
	Tracer   *tracing.Provider
	Recorder *results.Recorder

	Workdir string
	Wipe    bool

	Wait bool
}

// New returns a Controller driving store, with results recorded under
// recorder and spans reported through tracer (either may be nil).
func New(store *state.Store, tracer *tracing.Provider, recorder *results.Recorder) *Controller {
	if recorder == nil {
		recorder = results.NewRecorder("skt")
	}
	return &Controller{Store: store, Tracer: tracer, Recorder: recorder}
}

func (c *Controller) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	spanCtx, span := tracing.Start(ctx, name)

	start := time.Now()
	err := fn(spanCtx)
	elapsed := time.Since(start)

	if err != nil {
		_ = span.RecordError(err)
	}
	span.End()

	c.Recorder.Record(name, elapsed, c.Store.Snapshot(), err)
	return err
}

// Merge checks out baseRepo at ref, applies every configured merge
// source in order (git refs, then local patch files, then patchwork
// patches), and records provenance for each at the point of attempt so
// a failed merge still leaves an accurate trail.
func (c *Controller) Merge(ctx context.Context, baseRepo, ref string, mergeRefs []state.MergeRef, patchList, pwPatches []string) error {
	return c.stage(ctx, "merge", func(ctx context.Context) error {
		log := clog.FromContext(ctx)

		tree, err := sourcetree.New(c.Workdir, baseRepo, ref)
		if err != nil {
			return fmt.Errorf("initializing source tree: %w", err)
		}

		head, err := tree.Checkout(ctx)
		if err != nil {
			return fmt.Errorf("checking out %s: %w", baseRepo, err)
		}
		commitDate, err := tree.GetCommitDate(ctx, head)
		if err != nil {
			return fmt.Errorf("reading commit date for %s: %w", head, err)
		}
		if err := c.Store.Save(map[string]string{
			"baserepo":   baseRepo,
			"basehead":   head,
			"commitdate": fmt.Sprintf("%d", commitDate),
		}); err != nil {
			return err
		}

		var utypes []string
		var mergeErr error

		if len(mergeRefs) > 0 {
			utypes = append(utypes, "[git]")
		}

	mergeLoop:
		for idx, mb := range mergeRefs {
			if err := c.Store.Save(map[string]string{
				state.IndexedKey("mergerepo", idx): mb.URL,
			}); err != nil {
				return err
			}

			retcode, newHead, err := tree.MergeGitRef(ctx, mb.URL, mb.Ref)
			if err != nil {
				return fmt.Errorf("merging %s %s: %w", mb.URL, mb.Ref, err)
			}
			if retcode != 0 {
				if err := c.Store.Save(map[string]string{"mergelog": tree.MergeLog}); err != nil {
					return err
				}
				mergeErr = fmt.Errorf("merging %s %s: non-zero result", mb.URL, mb.Ref)
				break mergeLoop
			}

			if err := c.Store.Save(map[string]string{
				state.IndexedKey("mergehead", idx): newHead,
			}); err != nil {
				return err
			}
		}

		// A failed merge_git_ref stops further merges and every later
		// apply step, but the run still falls through to bookkeeping
		// below so provenance and uid reflect exactly what was attempted.
		if mergeErr == nil {
			if len(patchList) > 0 {
				utypes = append(utypes, "[local patch]")
			}
			for idx, path := range patchList {
				if err := c.Store.Save(map[string]string{
					state.IndexedKey("localpatch", idx): path,
				}); err != nil {
					return err
				}
				if err := tree.MergePatchFile(ctx, path); err != nil {
					if err := c.Store.Save(map[string]string{"mergelog": tree.MergeLog}); err != nil {
						return err
					}
					return fmt.Errorf("applying local patch %s: %w", path, err)
				}
			}

			if len(pwPatches) > 0 {
				utypes = append(utypes, "[patchwork]")
			}
			for idx, pwURL := range pwPatches {
				if err := c.Store.Save(map[string]string{
					state.IndexedKey("patchwork", idx): pwURL,
				}); err != nil {
					return err
				}
				patch, err := patchwork.NewPatch(ctx, pwURL)
				if err != nil {
					return fmt.Errorf("resolving patchwork patch %s: %w", pwURL, err)
				}
				if err := tree.ApplyMailboxPatch(ctx, pwURL, patch); err != nil {
					if err := c.Store.Save(map[string]string{"mergelog": tree.MergeLog}); err != nil {
						return err
					}
					return fmt.Errorf("applying patchwork patch %s: %w", pwURL, err)
				}
			}
		}

		uid := "[baseline]"
		if len(utypes) > 0 {
			uid = strings.Join(utypes, " ")
		}

		info, err := tree.DumpInfo("buildinfo.csv")
		if err != nil {
			return fmt.Errorf("dumping merge provenance: %w", err)
		}
		buildHead, err := tree.GetCommit(ctx, "HEAD")
		if err != nil {
			return fmt.Errorf("reading build head: %w", err)
		}

		if err := c.Store.Save(map[string]string{
			"workdir":   tree.Dir(),
			"buildinfo": info,
			"buildhead": buildHead,
			"uid":       uid,
		}); err != nil {
			return err
		}

		if mergeErr != nil {
			return mergeErr
		}
		log.Infof("merge complete, build head %s", buildHead)
		return nil
	})
}

// ArchBuildConfig is one architecture's build parameters, the Go
// equivalent of the original's per-arch dict in cfg['arches'].
type ArchBuildConfig struct {
	Arch           string
	Config         string
	CfgType        string
	MakeOpts       map[string]string
	ContainerImage string
	EnvFile        string
}

// Build runs the kernel builder for every entry in arches, bounded to
// maxParallel concurrent builds (0 or negative means runtime.NumCPU()).
func (c *Controller) Build(ctx context.Context, arches []ArchBuildConfig, maxParallel int) error {
	return c.stage(ctx, "build", func(ctx context.Context) error {
		if maxParallel <= 0 {
			maxParallel = runtime.NumCPU()
		}

		buildHead := c.Store.Resolve("buildhead", "")
		if err := c.renameBuildInfo(buildHead); err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		sem := make(chan struct{}, maxParallel)

		for _, a := range arches {
			a := a
			sem <- struct{}{}
			g.Go(func() error {
				defer func() { <-sem }()
				return c.buildOne(gctx, a, buildHead)
			})
		}

		return g.Wait()
	})
}

// renameBuildInfo renames the provenance CSV Merge wrote as buildinfo.csv to
// its canonical {buildhead}.csv name, done once before the per-arch fan-out
// since every goroutine would otherwise race to rename the same file.
func (c *Controller) renameBuildInfo(buildHead string) error {
	info := c.Store.Resolve("buildinfo", "")
	if info == "" || buildHead == "" {
		return nil
	}
	if filepath.Base(info) == buildHead+".csv" {
		return nil
	}

	dst := filepath.Join(filepath.Dir(info), buildHead+".csv")
	if err := os.Rename(info, dst); err != nil {
		return fmt.Errorf("renaming buildinfo to %s: %w", dst, err)
	}
	return c.Store.Save(map[string]string{"buildinfo": dst})
}

func (c *Controller) buildOne(ctx context.Context, a ArchBuildConfig, buildHead string) error {
	log := clog.FromContext(ctx)

	cfg := kbuild.Config{
		SourceDir:     c.Store.Resolve("workdir", c.Workdir),
		BaseConfig:    a.Config,
		CfgType:       a.CfgType,
		ExtraMakeArgs: makeArgsFromOpts(a.MakeOpts),
		EnvFile:       a.EnvFile,
	}
	if a.ContainerImage != "" {
		cfg.ContainerImage = a.ContainerImage
		cfg.Backend = kbuild.DockerBackend{}
	}
	builder := kbuild.New(cfg)

	tgzPath, err := builder.Mktgz(ctx, kbuild.DefaultTimeout, os.Stderr)
	if err != nil {
		if saveErr := c.Store.Save(map[string]string{
			state.ArchKey("buildlog", a.Arch): builder.GetBuildLog(),
		}); saveErr != nil {
			return saveErr
		}
		return fmt.Errorf("building %s: %w", a.Arch, err)
	}

	var finalTgz string
	if buildHead != "" {
		finalTgz = filepath.Join(filepath.Dir(tgzPath), fmt.Sprintf("%s_%s.tar.gz", buildHead, a.Arch))
	} else {
		finalTgz = filepath.Join(filepath.Dir(tgzPath), fmt.Sprintf("%s_%s", a.Arch, filepath.Base(tgzPath)))
	}
	if err := os.Rename(tgzPath, finalTgz); err != nil {
		return fmt.Errorf("renaming tarball for %s: %w", a.Arch, err)
	}
	log.Infof("%s tarball: %s", a.Arch, finalTgz)

	cfgPath := strings.TrimSuffix(finalTgz, ".tar.gz") + ".config"
	if err := copyBuildConfig(builder.GetCfgPath(), cfgPath); err != nil {
		return fmt.Errorf("copying build config for %s: %w", a.Arch, err)
	}

	krelease, err := builder.GetRelease(ctx)
	if err != nil {
		return fmt.Errorf("resolving kernel release for %s: %w", a.Arch, err)
	}

	return c.Store.Save(map[string]string{
		state.ArchKey("tarpkg", a.Arch):    finalTgz,
		state.ArchKey("buildconf", a.Arch): cfgPath,
		"krelease":                            krelease,
	})
}

// makeArgsFromOpts renders an arch's makeopts map as KEY=VALUE make(1)
// arguments, sorted for deterministic command lines.
func makeArgsFromOpts(opts map[string]string) []string {
	if len(opts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("%s=%s", k, opts[k]))
	}
	return args
}

func copyBuildConfig(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// Publish uploads every architecture's build artifact (and the shared
// buildinfo, if present) through pub.
func (c *Controller) Publish(ctx context.Context, pubCfg *state.ListConfig) error {
	return c.stage(ctx, "publish", func(ctx context.Context) error {
		pub, err := publisher.New(ctx, pubCfg)
		if err != nil {
			return fmt.Errorf("creating publisher: %w", err)
		}

		for arch, data := range c.Store.ArchData {
			if tarpkg := data["tarpkg"]; tarpkg != "" {
				url, err := pub.Publish(ctx, tarpkg)
				if err != nil {
					return fmt.Errorf("publishing %s tarball: %w", arch, err)
				}
				if err := c.Store.Save(map[string]string{
					state.ArchKey("buildurl", arch): url,
				}); err != nil {
					return err
				}
			}
			if cfgFile := data["buildconf"]; cfgFile != "" {
				url, err := pub.Publish(ctx, cfgFile)
				if err != nil {
					return fmt.Errorf("publishing %s build config: %w", arch, err)
				}
				if err := c.Store.Save(map[string]string{
					state.ArchKey("cfgurl", arch): url,
				}); err != nil {
					return err
				}
			}
		}

		if info := c.Store.Resolve("buildinfo", ""); info != "" {
			url, err := pub.Publish(ctx, info)
			if err != nil {
				return fmt.Errorf("publishing buildinfo: %w", err)
			}
			if err := c.Store.Save(map[string]string{"infourl": url}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Run submits a hardware test job per architecture, watches them to
// completion, and if any failed, reruns the baseline build on the
// most-failing host to decide whether the failure predates this
// change (in which case the pipeline result is coerced back to pass).
func (c *Controller) Run(ctx context.Context, jobTemplate string, pollInterval time.Duration, client runner.Client, pubCfg *state.ListConfig) (int, error) {
	var retcode int
	err := c.stage(ctx, "run", func(ctx context.Context) error {
		r, err := runner.New(client, jobTemplate, pollInterval)
		if err != nil {
			return fmt.Errorf("creating test runner: %w", err)
		}

		krelease := c.Store.Resolve("krelease", "")
		archs := sortedArches(c.Store.ArchData)
		for _, arch := range archs {
			data := c.Store.ArchData[arch]
			job, err := r.Submit(ctx, runner.TemplateData{
				BuildURL: data["buildurl"],
				KRelease: krelease,
				Arch:     arch,
			})
			if err != nil {
				return fmt.Errorf("submitting job for %s: %w", arch, err)
			}
			if err := c.Store.Save(map[string]string{
				state.IndexedKey("jobid", len(c.Store.Jobs)): job.ID,
			}); err != nil {
				return err
			}
		}

		if err := r.WatchLoop(ctx); err != nil {
			return fmt.Errorf("watching jobs: %w", err)
		}

		retcode = r.Results()
		if retcode == 0 {
			return c.Store.Save(map[string]string{"retcode": "0"})
		}

		mfhost, mfarch := r.MostFailingHostArch()
		if err := c.Store.Save(map[string]string{"mfhost": mfhost, "mfarch": mfarch}); err != nil {
			return err
		}

		basehead := c.Store.Resolve("basehead", "")
		buildhead := c.Store.Resolve("buildhead", "")
		if basehead != "" && pubCfg != nil && basehead != buildhead {
			pub, err := publisher.New(ctx, pubCfg)
			if err != nil {
				return fmt.Errorf("creating publisher for baseline retest: %w", err)
			}
			baseURL, err := pub.GetURL(ctx, fmt.Sprintf("%s_%s.tar.gz", basehead, mfarch))
			if err != nil {
				return fmt.Errorf("resolving baseline artifact URL: %w", err)
			}

			baseRes, err := r.Run(ctx, runner.TemplateData{BuildURL: baseURL, KRelease: krelease, Arch: mfarch}, mfhost)
			if err != nil {
				return fmt.Errorf("running baseline retest: %w", err)
			}
			if err := c.Store.Save(map[string]string{"baseretcode": fmt.Sprintf("%d", baseRes)}); err != nil {
				return err
			}

			if baseRes != 0 {
				retcode = 0
			}
		}

		return c.Store.Save(map[string]string{"retcode": fmt.Sprintf("%d", retcode)})
	})
	return retcode, err
}

func sortedArches(archData map[string]map[string]string) []string {
	out := make([]string, 0, len(archData))
	for arch := range archData {
		out = append(out, arch)
	}
	sort.Strings(out)
	return out
}

// appliedPatches lists every merge source Merge recorded, in application
// order: git refs first, then local patch files, then patchwork URLs,
// matching the order cmd_merge itself applies them in.
func (c *Controller) appliedPatches() []string {
	var patches []string
	patches = append(patches, c.Store.MergeRepos...)
	patches = append(patches, c.Store.LocalPatches...)
	patches = append(patches, c.Store.Patchworks...)
	return patches
}

// Report classifies the finished run across every architecture and
// returns the narrative reporter.Report for callers to print or mail.
func (c *Controller) Report(ctx context.Context) (reporter.Report, error) {
	var report reporter.Report
	err := c.stage(ctx, "report", func(ctx context.Context) error {
		archs := sortedArches(c.Store.ArchData)
		if len(archs) == 0 {
			archs = []string{"unknown"}
		}

		results := make([]reporter.ArchResult, 0, len(archs))
		for _, arch := range archs {
			data := c.Store.ArchData[arch]
			results = append(results, reporter.ArchResult{
				Arch:       arch,
				KRelease:   c.Store.Resolve("krelease", ""),
				BaseRepo:   c.Store.Resolve("baserepo", ""),
				BaseHead:   c.Store.Resolve("basehead", ""),
				MergeLog:   c.Store.Resolve("mergelog", ""),
				BuildLog:   data["buildlog"],
				RetCode:    atoiOr0(c.Store.Resolve("retcode", "0")),
				PublishURL: data["buildurl"],
			})
		}

		rendered, err := reporter.Render(results, c.appliedPatches())
		if err != nil {
			return err
		}
		report = rendered
		return nil
	})
	return report, err
}

func atoiOr0(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// Cleanup removes the state overlay, any build artifacts recorded in
// the store, and optionally wipes the workdir.
func (c *Controller) Cleanup(ctx context.Context, keep ...func(string) bool) error {
	skip := func(string) bool { return false }
	if len(keep) > 0 && keep[0] != nil {
		skip = keep[0]
	}
	return c.stage(ctx, "cleanup", func(ctx context.Context) error {
		info := c.Store.Resolve("buildinfo", "")
		if err := c.Store.Cleanup(); err != nil {
			return fmt.Errorf("clearing state section: %w", err)
		}

		if info != "" && !skip(info) {
			_ = os.Remove(info)
		}
		for _, data := range c.Store.ArchData {
			if tarpkg := data["tarpkg"]; tarpkg != "" && !skip(tarpkg) {
				_ = os.Remove(tarpkg)
			}
		}

		if c.Wipe && c.Workdir != "" {
			if err := os.RemoveAll(c.Workdir); err != nil {
				return fmt.Errorf("wiping workdir %s: %w", c.Workdir, err)
			}
		}
		return nil
	})
}

// All runs merge, build, publish, and run in sequence, reports if wait
// is set, and cleans up afterward, mirroring cmd_all's ordering. A stage
// that returns an error ends All at once, so cleanup does not run.
// deliver receives the rendered report when c.Wait is set; a nil deliver
// still renders and classifies the run through Report, it just drops the
// result, matching a caller that only wants the exit code.
func (c *Controller) All(ctx context.Context, baseRepo, ref string, mergeRefs []state.MergeRef, patchList, pwPatches []string, arches []ArchBuildConfig, maxParallel int, pubCfg *state.ListConfig, jobTemplate string, pollInterval time.Duration, client runner.Client, deliver func(reporter.Report) error) (int, error) {
	if err := c.Merge(ctx, baseRepo, ref, mergeRefs, patchList, pwPatches); err != nil {
		return 1, err
	}
	if err := c.Build(ctx, arches, maxParallel); err != nil {
		return 1, err
	}
	if err := c.Publish(ctx, pubCfg); err != nil {
		return 1, err
	}
	retcode, err := c.Run(ctx, jobTemplate, pollInterval, client, pubCfg)
	if err != nil {
		return 1, err
	}
	if c.Wait {
		report, err := c.Report(ctx)
		if err != nil {
			return retcode, err
		}
		if deliver != nil {
			if err := deliver(report); err != nil {
				return retcode, fmt.Errorf("delivering report: %w", err)
			}
		}
	}
	if err := c.Cleanup(ctx); err != nil {
		return retcode, err
	}
	return retcode, nil
}
