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

package kbuild

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// ContainerBackend runs a command against a source tree inside a named
// container image, for cross-architecture builds that can't run on the
// host's own architecture. It is the kernel-build analogue of melange2's
// pkg/container.Runner, stripped of OCI image-loading plumbing this domain
// has no use for: the image is assumed already pullable by name.
type ContainerBackend interface {
	Run(ctx context.Context, image, workdir string, env map[string]string, stdout io.Writer, cmd ...string) error
}

// DockerBackend shells out to the system `docker` binary, matching the
// Source Tree Manager and Publisher's convention of driving external tools
// via os/exec rather than a registry/runtime client library no example in
// the corpus needs for this domain.
type DockerBackend struct{}

// Run implements ContainerBackend.
func (DockerBackend) Run(ctx context.Context, image, workdir string, env map[string]string, stdout io.Writer, cmd ...string) error {
	args := []string{"run", "--rm", "-v", fmt.Sprintf("%s:%s", workdir, workdir), "-w", workdir}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, image)
	args = append(args, cmd...)

	c := exec.CommandContext(ctx, "docker", args...)
	c.Stdout = stdout
	c.Stderr = stdout
	return c.Run()
}
