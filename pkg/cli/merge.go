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
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/redhatci/skt/pkg/state"
)

// MergeFlags mirrors cmd_merge's argparse group: one base repo/ref, any
// number of -m/--merge-ref git sources, local patch files, and patchwork
// patch URLs.
type MergeFlags struct {
	BaseRepo     string
	Ref          string
	PatchList    []string
	PW           []string
	MergeRefs    []string
	MergeRefFile string
}

func addMergeFlags(fs *pflag.FlagSet, flags *MergeFlags) {
	fs.StringVarP(&flags.BaseRepo, "baserepo", "b", "", "base kernel git repository to merge into")
	fs.StringVar(&flags.Ref, "ref", "master", "base repository ref to check out")
	fs.StringSliceVar(&flags.PatchList, "patchlist", nil, "local patch files to apply, in order")
	fs.StringSliceVar(&flags.PW, "pw", nil, "patchwork patch URLs to apply, in order")
	fs.StringArrayVarP(&flags.MergeRefs, "merge-ref", "m", nil, "additional \"url[ ref]\" git source to merge, repeatable")
	fs.StringVar(&flags.MergeRefFile, "merge-ref-file", "", "file of \"url[ ref]\" lines, one merge-ref per line")
}

// parseMergeRefs renders the -m flag's free-form "url ref" pairs (the
// original's nargs='+' collected into a 2-tuple) into state.MergeRef,
// defaulting a missing ref to "master".
func parseMergeRefs(raw []string) []state.MergeRef {
	out := make([]state.MergeRef, 0, len(raw))
	for _, r := range raw {
		fields := strings.Fields(r)
		if len(fields) == 0 {
			continue
		}
		mr := state.MergeRef{URL: fields[0], Ref: "master"}
		if len(fields) > 1 {
			mr.Ref = fields[1]
		}
		out = append(out, mr)
	}
	return out
}

func readMergeRefFile(path string) ([]state.MergeRef, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path) // #nosec G304 - operator-specified merge-ref file
	if err != nil {
		return nil, fmt.Errorf("opening merge-ref file %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading merge-ref file %s: %w", path, err)
	}
	return parseMergeRefs(lines), nil
}

func mergeCmd() *cobra.Command {
	flags := &MergeFlags{}

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "merge a base kernel tree with patches and additional git refs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)

			baseRepo := rt.store.Resolve("baserepo", flags.BaseRepo)
			if baseRepo == "" {
				return fmt.Errorf("merge requires --baserepo or a [config] baserepo")
			}
			ref := rt.store.Resolve("ref", flags.Ref)

			mergeRefs := append([]state.MergeRef{}, rt.store.MergeRefs...)
			mergeRefs = append(mergeRefs, parseMergeRefs(flags.MergeRefs)...)
			fileRefs, err := readMergeRefFile(flags.MergeRefFile)
			if err != nil {
				return err
			}
			mergeRefs = append(mergeRefs, fileRefs...)

			return rt.ctrl.Merge(ctx, baseRepo, ref, mergeRefs, flags.PatchList, flags.PW)
		},
	}

	addMergeFlags(cmd.Flags(), flags)
	return cmd
}
