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
	"net/smtp"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/redhatci/skt/pkg/reporter"
	"github.com/redhatci/skt/pkg/state"
)

// ReportFlags mirrors cmd_report's --reporter "type {params}" pair.
type ReportFlags struct {
	Reporter []string
}

func addReportFlags(fs *pflag.FlagSet, flags *ReportFlags) {
	fs.StringArrayVar(&flags.Reporter, "reporter", nil, "reporter type and key=value,key2=value2 params, e.g. mail smarthost=localhost:25,from=ci@example.com,to=dev@example.com")
}

func resolveReporterConfig(rt *runtimeCtx, flags *ReportFlags) *state.MapConfig {
	if len(flags.Reporter) == 2 {
		return &state.MapConfig{Type: flags.Reporter[0], Params: parseParams(flags.Reporter[1])}
	}
	if rt.store.Reporter != nil {
		return rt.store.Reporter
	}
	return &state.MapConfig{Type: "stdout"}
}

// deliverReport renders report to cfg.Type's destination: "stdout" prints
// it, "mail" sends it as a plaintext email via net/smtp (the only SMTP
// client available - nothing in the example corpus wires mail delivery,
// so this one ambient concern falls back to the standard library).
func deliverReport(cfg *state.MapConfig, report reporter.Report) error {
	switch cfg.Type {
	case "", "stdout":
		fmt.Printf("Subject: %s\n\n%s\n", report.Subject, report.Body)
		return nil
	case "mail":
		smarthost := cfg.Params["smarthost"]
		from := cfg.Params["from"]
		to := cfg.Params["to"]
		if smarthost == "" || from == "" || to == "" {
			return fmt.Errorf("mail reporter requires smarthost, from, and to params")
		}
		msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", from, to, report.Subject, report.Body)
		return smtp.SendMail(smarthost, nil, from, []string{to}, []byte(msg))
	default:
		return fmt.Errorf("unknown reporter type %q", cfg.Type)
	}
}

func reportCmd() *cobra.Command {
	flags := &ReportFlags{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "classify the finished run and deliver a report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)

			report, err := rt.ctrl.Report(ctx)
			if err != nil {
				return err
			}
			return deliverReport(resolveReporterConfig(rt, flags), report)
		},
	}

	addReportFlags(cmd.Flags(), flags)
	return cmd
}
