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
	"github.com/spf13/pflag"

	"github.com/redhatci/skt/pkg/state"
)

// PublishFlags mirrors cmd_publish's -p/--publisher 3-tuple (type,
// destination, baseurl), the shape the [publisher] rc section also
// produces.
type PublishFlags struct {
	Publisher []string
}

func addPublishFlags(fs *pflag.FlagSet, flags *PublishFlags) {
	fs.StringSliceVarP(&flags.Publisher, "publisher", "p", nil, "type,destination,baseurl publisher descriptor")
}

func resolvePublisher(rt *runtimeCtx, flags *PublishFlags) (*state.ListConfig, error) {
	if len(flags.Publisher) > 0 {
		if len(flags.Publisher) != 3 {
			return nil, fmt.Errorf("--publisher requires exactly 3 values: type,destination,baseurl")
		}
		return &state.ListConfig{Type: flags.Publisher[0], Args: flags.Publisher[1:]}, nil
	}
	if rt.store.Publisher != nil {
		return rt.store.Publisher, nil
	}
	return nil, fmt.Errorf("publish requires --publisher or a [publisher] rc section")
}

func publishCmd() *cobra.Command {
	flags := &PublishFlags{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "publish build artifacts to the configured destination",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt := runtimeFrom(ctx)

			pubCfg, err := resolvePublisher(rt, flags)
			if err != nil {
				return err
			}
			return rt.ctrl.Publish(ctx, pubCfg)
		},
	}

	addPublishFlags(cmd.Flags(), flags)
	return cmd
}
