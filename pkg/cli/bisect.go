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

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/redhatci/skt/pkg/sourcetree"
)

// BisectFlags backs both bisect subcommands: start takes the known-good
// ref, step takes exactly one of --good/--bad for the current commit.
type BisectFlags struct {
	Good string
	Bad  bool
}

func bisectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bisect",
		Short: "bisect a regression within the checked-out tree (§4.2 bisect_start/bisect_iter)",
	}
	cmd.AddCommand(bisectStartCmd(), bisectStepCmd())
	return cmd
}

func openBisectTree(rt *runtimeCtx) (*sourcetree.Tree, error) {
	workdir := rt.store.Resolve("workdir", rt.flags.Workdir)
	if workdir == "" {
		return nil, fmt.Errorf("bisect requires a checked-out tree: run merge first or pass --workdir")
	}
	return sourcetree.Open(workdir)
}

func bisectStartCmd() *cobra.Command {
	flags := &BisectFlags{}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a bisect session between HEAD (bad) and --good",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)

			if flags.Good == "" {
				return fmt.Errorf("bisect start requires --good")
			}
			tree, err := openBisectTree(rt)
			if err != nil {
				return err
			}

			rng, err := tree.BisectStart(ctx, flags.Good)
			if err != nil {
				return err
			}
			clog.FromContext(ctx).Infof("bisecting: %s", rng)
			fmt.Println(rng)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.Good, "good", "", "known-good ref to bisect against HEAD")
	return cmd
}

func bisectStepCmd() *cobra.Command {
	flags := &BisectFlags{}

	cmd := &cobra.Command{
		Use:   "step",
		Short: "mark the current commit good or bad and advance the bisect",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)

			if cmd.Flags().Changed("good") == cmd.Flags().Changed("bad") {
				return fmt.Errorf("bisect step requires exactly one of --good or --bad")
			}
			tree, err := openBisectTree(rt)
			if err != nil {
				return err
			}

			done, result, err := tree.BisectIter(ctx, flags.Bad)
			if err != nil {
				return err
			}
			if done == 1 {
				fmt.Printf("first bad commit: %s\n", result)
				return nil
			}
			clog.FromContext(ctx).Infof("bisecting: %s", result)
			fmt.Println(result)
			return nil
		},
	}
	cmd.Flags().Bool("good", false, "mark the current commit good")
	cmd.Flags().BoolVar(&flags.Bad, "bad", false, "mark the current commit bad")
	return cmd
}
