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

	"github.com/spf13/cobra"

	"github.com/redhatci/skt/pkg/reporter"
	"github.com/redhatci/skt/pkg/state"
)

// AllFlags is the union of merge, build, publish, run, and report's flags -
// cmd_all takes no flags of its own, it just runs every stage back to back.
type AllFlags struct {
	Merge    MergeFlags
	Build    BuildFlags
	Publish  PublishFlags
	Run      RunFlags
	Reporter ReportFlags
}

func allCmd() *cobra.Command {
	flags := &AllFlags{}

	cmd := &cobra.Command{
		Use:   "all",
		Short: "run merge, build, publish, run, and (with --wait) report, then cleanup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)
			rt.ctrl.Wait = flags.Run.Wait

			baseRepo := rt.store.Resolve("baserepo", flags.Merge.BaseRepo)
			if baseRepo == "" {
				return fmt.Errorf("all requires --baserepo or a [config] baserepo")
			}
			ref := rt.store.Resolve("ref", flags.Merge.Ref)

			mergeRefs := append([]state.MergeRef{}, rt.store.MergeRefs...)
			mergeRefs = append(mergeRefs, parseMergeRefs(flags.Merge.MergeRefs)...)
			fileRefs, err := readMergeRefFile(flags.Merge.MergeRefFile)
			if err != nil {
				return err
			}
			mergeRefs = append(mergeRefs, fileRefs...)

			arches := buildArches(rt, &flags.Build)

			pubCfg, err := resolvePublisher(rt, &flags.Publish)
			if err != nil {
				return err
			}

			runnerCfg, err := resolveRunnerConfig(rt, &flags.Run)
			if err != nil {
				return err
			}
			client, tmpl, pollInterval, err := buildRunnerClient(runnerCfg)
			if err != nil {
				return err
			}

			reporterCfg := resolveReporterConfig(rt, &flags.Reporter)
			deliver := func(report reporter.Report) error {
				return deliverReport(reporterCfg, report)
			}

			retcode, err := rt.ctrl.All(ctx, baseRepo, ref, mergeRefs, flags.Merge.PatchList, flags.Merge.PW,
				arches, flags.Build.MaxParallel, pubCfg, tmpl, pollInterval, client, deliver)
			if err != nil {
				return err
			}
			if retcode != 0 {
				return fmt.Errorf("pipeline failed (retcode %d)", retcode)
			}
			return nil
		},
	}

	addMergeFlags(cmd.Flags(), &flags.Merge)
	addBuildFlags(cmd.Flags(), &flags.Build)
	addPublishFlags(cmd.Flags(), &flags.Publish)
	addRunFlags(cmd.Flags(), &flags.Run)
	addReportFlags(cmd.Flags(), &flags.Reporter)

	return cmd
}
