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

package publisher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// SCP publishes artifacts by copying them to a remote host:path with the
// system `scp` binary, the same "pin the interface, let an external tool
// do the work" idiom the source tree manager uses for git merge/am.
type SCP struct {
	destination string // "user@host:/path"
	baseURL     string
}

// NewSCP returns an SCP publisher copying to destination and served at
// baseURL.
func NewSCP(destination, baseURL string) *SCP {
	return &SCP{destination: destination, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Publish scp's localPath to the configured destination and returns its
// URL under baseURL.
func (s *SCP) Publish(ctx context.Context, localPath string) (string, error) {
	dest := strings.TrimSuffix(s.destination, "/") + "/" + filepath.Base(localPath)

	cmd := exec.CommandContext(ctx, "scp", localPath, dest)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("scp %s to %s: %w (%s)", localPath, dest, err, strings.TrimSpace(stderr.String()))
	}

	return s.baseURL + "/" + filepath.Base(localPath), nil
}

// GetURL resolves name's URL under baseURL.
func (s *SCP) GetURL(ctx context.Context, name string) (string, error) {
	return s.baseURL + "/" + name, nil
}
