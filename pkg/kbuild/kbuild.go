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

// Package kbuild builds a kernel and packages it as a tarball. It prepares
// a .config from one of several strategies, adjusts a handful of config
// options, invokes `make targz-pkg` under a watchdog timeout, and verifies
// the resulting archive before handing its path back to the caller.
package kbuild

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/joho/godotenv"
	"github.com/klauspost/pgzip"

	"github.com/redhatci/skt/internal/contextreader"
)

// DefaultTimeout is the watchdog ceiling the original tool hard-coded for
// a kernel build: twelve hours.
const DefaultTimeout = 12 * time.Hour

// Config describes one arch's kernel build.
type Config struct {
	SourceDir       string
	BaseConfig      string
	CfgType         string // "", "olddefconfig", "rh-configs", "tinyconfig", "allyesconfig", "allmodconfig"
	ExtraMakeArgs   []string
	EnableDebugInfo bool
	RHConfigsGlob   string
	LocalVersion    string

	// ContainerImage, if set, routes every make invocation through
	// Backend instead of the host's own toolchain.
	ContainerImage string
	Backend        ContainerBackend

	// EnvFile, if set, is a dotenv file of extra make-time environment
	// variables for this arch (e.g. CROSS_COMPILE, ARCH overrides).
	EnvFile string
}

// Builder drives one Config's build to a tarball.
type Builder struct {
	cfg      Config
	buildLog string
	env      map[string]string
	ready    bool
}

// New prepares a Builder for cfg. cfg.CfgType defaults to "olddefconfig"
// when unset, matching the original KernelBuilder. A malformed or missing
// EnvFile is silently ignored rather than failing construction.
func New(cfg Config) *Builder {
	if cfg.CfgType == "" {
		cfg.CfgType = "olddefconfig"
	}
	b := &Builder{
		cfg:      cfg,
		buildLog: filepath.Join(cfg.SourceDir, "build.log"),
	}
	if cfg.EnvFile != "" {
		if env, err := godotenv.Read(cfg.EnvFile); err == nil {
			b.env = env
		}
	}
	return b
}

// GetCfgPath returns the path to the tree's .config.
func (b *Builder) GetCfgPath() string {
	return filepath.Join(b.cfg.SourceDir, ".config")
}

// GetBuildLog returns the path Mktgz wrote its make(1) output to.
func (b *Builder) GetBuildLog() string {
	return b.buildLog
}

func (b *Builder) makeArgvBase() []string {
	return []string{"make", "-C", b.cfg.SourceDir}
}

// runMake runs `make -C sourceDir <args>`, either on the host or, when a
// ContainerImage is configured, inside that image via Backend.
func (b *Builder) runMake(ctx context.Context, w io.Writer, env map[string]string, args ...string) error {
	full := append(b.makeArgvBase(), args...)
	clog.FromContext(ctx).Infof("running: %s", strings.Join(full, " "))

	if b.cfg.ContainerImage != "" {
		if b.cfg.Backend == nil {
			return fmt.Errorf("container image %q configured without a ContainerBackend", b.cfg.ContainerImage)
		}
		merged := map[string]string{}
		for k, v := range b.env {
			merged[k] = v
		}
		for k, v := range env {
			merged[k] = v
		}
		return b.cfg.Backend.Run(ctx, b.cfg.ContainerImage, b.cfg.SourceDir, merged, w, full...)
	}

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Dir = b.cfg.SourceDir
	cmd.Env = mergeEnv(b.env, env)
	cmd.Stdout = w
	cmd.Stderr = w
	return cmd.Run()
}

// mergeEnv layers the process environment, then the builder's EnvFile
// defaults, then per-call overrides, in ascending priority.
func mergeEnv(layers ...map[string]string) []string {
	merged := map[string]string{}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	env := make([]string, 0, len(merged))
	for _, kv := range os.Environ() {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := merged[k]; !ok {
			env = append(env, kv)
		}
	}
	for k, v := range merged {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// adjustConfigOption invokes scripts/config --file <cfgpath> --<action> <options...>.
func (b *Builder) adjustConfigOption(ctx context.Context, action string, options ...string) error {
	args := append([]string{"--file", b.GetCfgPath(), "--" + action}, options...)
	path := filepath.Join(b.cfg.SourceDir, "scripts", "config")
	clog.FromContext(ctx).Infof("%s config option %v: %s %v", action, options, path, args)

	cmd := exec.CommandContext(ctx, path, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("adjusting config option %v: %w (%s)", options, err, out.String())
	}
	return nil
}

// prepareConfig materializes .config according to cfg.CfgType and applies
// the DEBUG_INFO/LOCALVERSION adjustments every build needs.
func (b *Builder) prepareConfig(ctx context.Context, w io.Writer) error {
	switch b.cfg.CfgType {
	case "rh-configs":
		if err := b.makeRedhatConfig(ctx, w); err != nil {
			return err
		}
	case "tinyconfig", "allyesconfig", "allmodconfig":
		if err := b.runMake(ctx, w, nil, b.cfg.CfgType); err != nil {
			return fmt.Errorf("building %s: %w", b.cfg.CfgType, err)
		}
	default:
		if err := copyFile(b.cfg.BaseConfig, b.GetCfgPath()); err != nil {
			return fmt.Errorf("copying base config: %w", err)
		}
		if err := b.runMake(ctx, w, nil, b.cfg.CfgType); err != nil {
			return fmt.Errorf("preparing config (%s): %w", b.cfg.CfgType, err)
		}
	}

	if !b.cfg.EnableDebugInfo {
		if err := b.adjustConfigOption(ctx, "disable", "debug_info"); err != nil {
			return err
		}
	}
	if err := b.adjustConfigOption(ctx, "set-str", "LOCALVERSION", "."+b.cfg.LocalVersion); err != nil {
		return err
	}

	b.ready = true
	return nil
}

// makeRedhatConfig builds the full set of Red Hat per-flavor configs and
// copies the one matching RHConfigsGlob into place. CROSS_COMPILE is
// unset for this step because rh-configs mishandles cross-compile
// arguments in some trees.
func (b *Builder) makeRedhatConfig(ctx context.Context, w io.Writer) error {
	env := map[string]string{"CROSS_COMPILE": ""}
	if err := b.runMake(ctx, w, env, "rh-configs"); err != nil {
		return fmt.Errorf("building Red Hat configs: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(globEscape(b.cfg.SourceDir), b.cfg.RHConfigsGlob))
	if err != nil {
		return fmt.Errorf("globbing rh-configs output: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("--rh-configs-glob %q matched no kernel configuration files built by `make rh-configs`", b.cfg.RHConfigsGlob)
	}
	return copyFile(matches[0], b.GetCfgPath())
}

func globEscape(path string) string {
	return regexp.MustCompile(`[][*?]`).ReplaceAllString(path, "[$0]")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

var krelRE = regexp.MustCompile(`^\d+\.\d+\.\d+.*$`)

// GetRelease returns `make kernelrelease`'s output, preparing .config
// first if it has not been prepared yet.
func (b *Builder) GetRelease(ctx context.Context) (string, error) {
	if !b.ready {
		if err := b.prepareConfig(ctx, io.Discard); err != nil {
			return "", err
		}
	}

	var out bytes.Buffer
	if err := b.runMake(ctx, &out, nil, "kernelrelease"); err != nil {
		return "", fmt.Errorf("running make kernelrelease: %w", err)
	}

	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	for scanner.Scan() {
		if line := scanner.Text(); krelRE.MatchString(line) {
			return line, nil
		}
	}
	return "", fmt.Errorf("failed to find kernel release in stdout")
}

// CommandTimeoutError is returned when the build watchdog terminates the
// make invocation before it finished.
type CommandTimeoutError struct {
	Command string
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("%q was taking too long", e.Command)
}

// ParsingError is returned when the expected "Tarball successfully created
// in ..." line never appears in the build output.
type ParsingError struct {
	Reason string
}

func (e *ParsingError) Error() string { return e.Reason }

var tarballRE = regexp.MustCompile(`(?m)^Tarball successfully created in (.*)$`)

// Mktgz builds the kernel and packages it as a tarball via `make
// targz-pkg`, bounding the whole build with timeout (DefaultTimeout when
// zero). The build log is tailed to tail (if non-nil) as it's produced, the
// same teeing behavior the original tool's append_and_log2stdout gave.
func (b *Builder) Mktgz(ctx context.Context, timeout time.Duration, tail io.Writer) (string, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logFile, err := os.Create(b.buildLog)
	if err != nil {
		return "", fmt.Errorf("creating build log %s: %w", b.buildLog, err)
	}
	defer logFile.Close()

	var captured bytes.Buffer
	writer := io.Writer(io.MultiWriter(&captured, logFile))
	if tail != nil {
		writer = io.MultiWriter(&captured, logFile, contextWriter{ctx: ctx, w: tail})
	}

	if err := b.prepareConfig(ctx, writer); err != nil {
		return "", err
	}

	args := append([]string{"INSTALL_MOD_STRIP=1", fmt.Sprintf("-j%d", runtime.NumCPU()), "targz-pkg"}, b.cfg.ExtraMakeArgs...)
	runErr := b.runMake(ctx, writer, nil, args...)

	if ctx.Err() == context.DeadlineExceeded {
		return "", &CommandTimeoutError{Command: strings.Join(append(b.makeArgvBase(), args...), " ")}
	}
	if runErr != nil {
		return "", fmt.Errorf("building kernel: %w", runErr)
	}

	m := tarballRE.FindStringSubmatch(captured.String())
	if m == nil {
		return "", &ParsingError{Reason: "failed to find tgz path in stdout"}
	}

	fpath, err := filepath.Abs(filepath.Join(b.cfg.SourceDir, m[1]))
	if err != nil {
		return "", fmt.Errorf("resolving tarball path: %w", err)
	}
	if _, err := os.Stat(fpath); err != nil {
		return "", fmt.Errorf("built kernel tarball %s not found: %w", fpath, err)
	}
	if err := verifyGzip(fpath); err != nil {
		return "", fmt.Errorf("verifying tarball %s: %w", fpath, err)
	}

	return fpath, nil
}

// verifyGzip opens fpath and reads through its gzip member once, catching
// a truncated or corrupt archive before it's renamed into its canonical
// name and published.
func verifyGzip(fpath string) error {
	f, err := os.Open(fpath)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := pgzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip member: %w", err)
	}
	defer gr.Close()

	if _, err := io.Copy(io.Discard, gr); err != nil {
		return fmt.Errorf("reading gzip member: %w", err)
	}
	return nil
}

// contextWriter stops forwarding writes to w once ctx is done, so a
// timed-out build doesn't keep blocking on a slow tail consumer. It pairs
// with contextreader for the read side of the same log file.
type contextWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c contextWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return len(p), nil
	}
	return c.w.Write(p)
}

// TailLog opens the build log for a build in progress and streams new
// content to w until ctx is cancelled, using contextreader so the read
// loop observes the same timeout Mktgz's caller is waiting on.
func TailLog(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := contextreader.New(ctx, bufio.NewReader(f))
	_, err = io.Copy(w, r)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
