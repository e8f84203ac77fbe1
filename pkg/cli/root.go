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

// Package cli assembles the skt cobra command tree: a root command
// carrying the persistent flags every stage shares (workdir, rc file,
// state opt-in, tracing, metrics) and one subcommand per pipeline stage.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/redhatci/skt/internal/tracing"
	"github.com/redhatci/skt/pkg/pipeline"
	"github.com/redhatci/skt/pkg/results"
	"github.com/redhatci/skt/pkg/state"
)

// RootFlags holds the persistent flags every subcommand resolves through
// the State Store, mirroring the original tool's top-level argparse
// options in setup_parser().
type RootFlags struct {
	Workdir        string
	Wipe           bool
	Junit          string
	Verbose        int
	RC             string
	State          bool
	TraceFile      string
	MetricsAddr    string
	ConfigDefaults string
}

func addRootFlags(fs *pflag.FlagSet, flags *RootFlags) {
	fs.StringVarP(&flags.Workdir, "workdir", "d", "", "working directory for the source checkout")
	fs.BoolVarP(&flags.Wipe, "wipe", "w", false, "remove the working directory during cleanup")
	fs.StringVar(&flags.Junit, "junit", "", "directory to write a JUnit-style result document to")
	fs.CountVarP(&flags.Verbose, "verbose", "v", "increase logging verbosity (repeatable)")
	fs.StringVar(&flags.RC, "rc", "~/.sktrc", "path to the state/config rc file")
	fs.BoolVar(&flags.State, "state", false, "persist and resume from the rc file's [state] section")
	fs.StringVar(&flags.TraceFile, "trace-file", "", "write OpenTelemetry spans to this file")
	fs.StringVar(&flags.MetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (empty disables)")
	fs.StringVar(&flags.ConfigDefaults, "config-defaults", "", "YAML file of fleet-wide config defaults, lowest priority behind the rc file and flags")
}

// runtimeCtx is everything a subcommand's RunE needs, assembled once by
// the root command's PersistentPreRunE and handed down via the command's
// context.
type runtimeCtx struct {
	flags    *RootFlags
	store    *state.Store
	tracer   *tracing.Provider
	recorder *results.Recorder
	ctrl     *pipeline.Controller
}

type runtimeCtxKey struct{}

func withRuntime(ctx context.Context, rt *runtimeCtx) context.Context {
	return context.WithValue(ctx, runtimeCtxKey{}, rt)
}

func runtimeFrom(ctx context.Context) *runtimeCtx {
	rt, _ := ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
	return rt
}

// Execute builds the root command and runs it against args.
func Execute(ctx context.Context, args []string) error {
	root, err := NewRootCmd()
	if err != nil {
		return err
	}
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCmd assembles the skt command tree.
func NewRootCmd() (*cobra.Command, error) {
	flags := &RootFlags{}

	cmd := &cobra.Command{
		Use:           "skt",
		Short:         "skt drives a kernel CI pipeline: merge, build, publish, run, report",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := slog.LevelWarn
			switch {
			case flags.Verbose >= 2:
				level = slog.LevelDebug
			case flags.Verbose == 1:
				level = slog.LevelInfo
			}
			logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			ctx := clog.WithLogger(cmd.Context(), logger)

			store, err := state.Load(flags.RC, flags.State)
			if err != nil {
				return fmt.Errorf("loading state store: %w", err)
			}
			defaults, err := state.LoadDefaultsFile(flags.ConfigDefaults)
			if err != nil {
				return err
			}
			store.ApplyDefaults(defaults)

			tracer, err := tracing.NewProvider(flags.TraceFile)
			if err != nil {
				return fmt.Errorf("setting up tracing: %w", err)
			}

			recorder := results.NewRecorder("skt")
			ctrl := pipeline.New(store, tracer, recorder)
			ctrl.Workdir = store.Resolve("workdir", flags.Workdir)
			ctrl.Wipe = flags.Wipe

			if flags.MetricsAddr != "" {
				go serveMetrics(ctx, flags.MetricsAddr)
			}

			rt := &runtimeCtx{flags: flags, store: store, tracer: tracer, recorder: recorder, ctrl: ctrl}
			cmd.SetContext(withRuntime(ctx, rt))
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			rt := runtimeFrom(cmd.Context())
			if rt == nil {
				return nil
			}
			if err := rt.recorder.WriteDir(rt.flags.Junit); err != nil {
				return fmt.Errorf("writing junit results: %w", err)
			}
			if err := rt.tracer.Shutdown(context.Background()); err != nil {
				return fmt.Errorf("shutting down tracing: %w", err)
			}
			return nil
		},
	}

	addRootFlags(cmd.PersistentFlags(), flags)

	cmd.AddCommand(
		mergeCmd(),
		buildCmd(),
		publishCmd(),
		runCmd(),
		reportCmd(),
		cleanupCmd(),
		allCmd(),
		bisectCmd(),
	)

	return cmd, nil
}

// serveMetrics runs the Prometheus /metrics endpoint until ctx is
// cancelled, logging (not failing the pipeline) if the listener dies.
func serveMetrics(ctx context.Context, addr string) {
	log := clog.FromContext(ctx)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Infof("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("metrics server: %v", err)
	}
}
