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
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/redhatci/skt/pkg/pipeline"
)

// BuildFlags mirrors cmd_build's argparse group. When the rc file has no
// [arches] section, build targets a single architecture assembled from
// these flags and the host's machine type.
type BuildFlags struct {
	BaseConfig     string
	CfgType        string
	MakeOpts       string
	ContainerImage string
	MaxParallel    int
	EnvFile        string
}

func addBuildFlags(fs *pflag.FlagSet, flags *BuildFlags) {
	fs.StringVarP(&flags.BaseConfig, "baseconfig", "c", "", "path to kernel config to use")
	fs.StringVar(&flags.CfgType, "cfgtype", "", "how to process the default config (default: olddefconfig)")
	fs.StringVar(&flags.MakeOpts, "makeopts", "", "additional KEY=VALUE options to pass to make, space-separated")
	fs.StringVar(&flags.ContainerImage, "container-image", "", "build inside this container image instead of on the host")
	fs.IntVar(&flags.MaxParallel, "max-parallel", 0, "maximum concurrent per-architecture builds (0 = number of CPUs)")
	fs.StringVar(&flags.EnvFile, "env-file", "", "dotenv file of extra make-time environment variables")
}

// parseMakeOpts renders "KEY=VALUE KEY2=VALUE2" into a map, the Go
// equivalent of the original tool passing --makeopts straight through to
// make(1) as a single string.
func parseMakeOpts(raw string) map[string]string {
	out := map[string]string{}
	for _, tok := range strings.Fields(raw) {
		k, v, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}

// hostArch returns the uname -m style machine name for runtime.GOARCH,
// matching what the original tool's platform.machine() default reports.
func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i386"
	default:
		return runtime.GOARCH
	}
}

// buildArches resolves the [arches] section of the rc file into build
// configs, falling back to a single host-arch entry built from flags
// when no [arches] section is configured (mirroring cmd_build's default).
func buildArches(rt *runtimeCtx, flags *BuildFlags) []pipeline.ArchBuildConfig {
	if len(rt.store.Arches) == 0 {
		return []pipeline.ArchBuildConfig{{
			Arch:           hostArch(),
			Config:         flags.BaseConfig,
			CfgType:        flags.CfgType,
			MakeOpts:       parseMakeOpts(flags.MakeOpts),
			ContainerImage: flags.ContainerImage,
			EnvFile:        flags.EnvFile,
		}}
	}

	arches := make([]pipeline.ArchBuildConfig, 0, len(rt.store.Arches))
	for arch, opts := range rt.store.Arches {
		cfgType := opts["cfgtype"]
		if cfgType == "" {
			cfgType = flags.CfgType
		}
		image := opts["container_image"]
		if image == "" {
			image = flags.ContainerImage
		}
		envFile := opts["env_file"]
		if envFile == "" {
			envFile = flags.EnvFile
		}
		arches = append(arches, pipeline.ArchBuildConfig{
			Arch:           arch,
			Config:         opts["config"],
			CfgType:        cfgType,
			MakeOpts:       parseMakeOpts(opts["makeopts"]),
			ContainerImage: image,
			EnvFile:        envFile,
		})
	}
	return arches
}

func buildCmd() *cobra.Command {
	flags := &BuildFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "build the merged kernel tree for one or more architectures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)

			arches := buildArches(rt, flags)
			if len(arches) == 0 {
				return fmt.Errorf("build requires --baseconfig or an [arches] section in the rc file")
			}

			return rt.ctrl.Build(ctx, arches, flags.MaxParallel)
		},
	}

	addBuildFlags(cmd.Flags(), flags)
	return cmd
}
