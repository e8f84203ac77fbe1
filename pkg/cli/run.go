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

package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/redhatci/skt/pkg/runner"
	"github.com/redhatci/skt/pkg/state"
)

// RunFlags mirrors cmd_run's -r/--runner "type {params}" pair, reshaped
// as type plus a comma-separated key=value list since Go flags don't
// parse embedded Python dict literals.
type RunFlags struct {
	Runner   []string
	BuildURL string
	KRelease string
	Wait     bool
}

func addRunFlags(fs *pflag.FlagSet, flags *RunFlags) {
	fs.StringArrayVarP(&flags.Runner, "runner", "r", nil, "runner type and key=value,key2=value2 params, e.g. http baseurl=http://lab:8080")
	fs.StringVar(&flags.BuildURL, "buildurl", "", "override the published build URL to submit for testing")
	fs.StringVar(&flags.KRelease, "krelease", "", "override the kernel release string reported to the runner")
	fs.BoolVar(&flags.Wait, "wait", false, "wait for results and report before returning")
}

func parseParams(raw string) map[string]string {
	out := map[string]string{}
	for _, tok := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func resolveRunnerConfig(rt *runtimeCtx, flags *RunFlags) (*state.MapConfig, error) {
	if len(flags.Runner) > 0 {
		if len(flags.Runner) != 2 {
			return nil, fmt.Errorf("--runner requires exactly 2 values: type and key=value params")
		}
		return &state.MapConfig{Type: flags.Runner[0], Params: parseParams(flags.Runner[1])}, nil
	}
	if rt.store.Runner != nil {
		return rt.store.Runner, nil
	}
	return nil, fmt.Errorf("run requires --runner or a [runner] rc section")
}

// buildRunnerClient constructs the Client named by cfg.Type. "http" is
// the only backend this stack wires an external scheduler for; other
// type names are rejected rather than silently no-opped.
func buildRunnerClient(cfg *state.MapConfig) (runner.Client, string, time.Duration, error) {
	if cfg.Type != "http" {
		return nil, "", 0, fmt.Errorf("unknown runner type %q", cfg.Type)
	}
	baseURL := cfg.Params["baseurl"]
	if baseURL == "" {
		return nil, "", 0, fmt.Errorf("runner type http requires a baseurl param")
	}

	tmpl := runner.DefaultJobTemplate
	if path := cfg.Params["template-file"]; path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - operator-specified template file
		if err != nil {
			return nil, "", 0, fmt.Errorf("reading runner template file %s: %w", path, err)
		}
		tmpl = string(data)
	}

	pollInterval := 30 * time.Second
	if raw := cfg.Params["poll-interval"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, "", 0, fmt.Errorf("parsing poll-interval %q: %w", raw, err)
		}
		pollInterval = d
	}

	return runner.NewHTTPClient(baseURL), tmpl, pollInterval, nil
}

func runCmd() *cobra.Command {
	flags := &RunFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "submit a hardware test job per architecture and optionally wait for results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)
			rt.ctrl.Wait = flags.Wait

			runnerCfg, err := resolveRunnerConfig(rt, flags)
			if err != nil {
				return err
			}
			client, tmpl, pollInterval, err := buildRunnerClient(runnerCfg)
			if err != nil {
				return err
			}

			if flags.BuildURL != "" {
				urls := map[string]string{}
				for arch := range rt.store.ArchData {
					urls[state.ArchKey("buildurl", arch)] = flags.BuildURL
				}
				if len(urls) == 0 {
					urls[state.ArchKey("buildurl", hostArch())] = flags.BuildURL
				}
				if err := rt.store.Save(urls); err != nil {
					return err
				}
			}
			if flags.KRelease != "" {
				if err := rt.store.Save(map[string]string{"krelease": flags.KRelease}); err != nil {
					return err
				}
			}

			retcode, err := rt.ctrl.Run(ctx, tmpl, pollInterval, client, rt.store.Publisher)
			if err != nil {
				return err
			}
			if retcode != 0 {
				return fmt.Errorf("test run failed (retcode %d)", retcode)
			}
			return nil
		},
	}

	addRunFlags(cmd.Flags(), flags)
	return cmd
}
