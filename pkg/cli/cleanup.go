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
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zealic/xignore"
)

// CleanupFlags adds an --ignore-file beyond the original bare cleanup
// subcommand, letting an operator keep specific artifact paths across a
// cleanup (e.g. a shared base tarball reused by the next run). The file
// uses gitignore-style glob patterns, one per line.
type CleanupFlags struct {
	IgnoreFile string
}

func addCleanupFlags(fs *pflag.FlagSet, flags *CleanupFlags) {
	fs.StringVar(&flags.IgnoreFile, "ignore-file", "", "gitignore-style glob patterns of artifacts to keep")
}

// readIgnoreFile parses an .ignore-style file of patterns (blank lines and
// "#" comments already skipped by xignore.Ignorefile) into a matcher
// callback over artifact paths.
func readIgnoreFile(path string) (func(string) bool, error) {
	if path == "" {
		return func(string) bool { return false }, nil
	}
	f, err := os.Open(path) // #nosec G304 - operator-specified ignore file
	if err != nil {
		return nil, fmt.Errorf("opening ignore file %s: %w", path, err)
	}
	defer f.Close()

	ignF := xignore.Ignorefile{}
	if err := ignF.FromReader(f); err != nil {
		return nil, fmt.Errorf("parsing ignore file %s: %w", path, err)
	}

	patterns := ignF.Patterns
	return func(artifact string) bool {
		base := filepath.Base(artifact)
		for _, p := range patterns {
			if ok, _ := filepath.Match(p, base); ok {
				return true
			}
			if ok, _ := filepath.Match(p, artifact); ok {
				return true
			}
		}
		return false
	}, nil
}

func cleanupCmd() *cobra.Command {
	flags := &CleanupFlags{}

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "clear persisted run state and remove build artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)

			keep, err := readIgnoreFile(flags.IgnoreFile)
			if err != nil {
				return err
			}
			return rt.ctrl.Cleanup(ctx, keep)
		},
	}

	addCleanupFlags(cmd.Flags(), flags)
	return cmd
}
