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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local copies artifacts into a flat destination directory and serves
// their URLs relative to baseURL, the simplest of the three backends and
// the one every test exercises without external services.
type Local struct {
	destDir string
	baseURL string
}

// NewLocal prepares destDir (creating it if necessary) as a local
// publishing destination, reachable at baseURL.
func NewLocal(destDir, baseURL string) (*Local, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating publish destination %s: %w", destDir, err)
	}
	return &Local{destDir: destDir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Publish copies localPath into the destination directory under its own
// base name and returns its URL.
func (l *Local) Publish(ctx context.Context, localPath string) (string, error) {
	name := filepath.Base(localPath)
	dst := filepath.Join(l.destDir, name)

	src, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", fmt.Errorf("copying %s to %s: %w", localPath, dst, err)
	}

	return l.baseURL + "/" + name, nil
}

// GetURL resolves name's URL under baseURL without touching the
// filesystem, matching the original publisher.geturl contract.
func (l *Local) GetURL(ctx context.Context, name string) (string, error) {
	return l.baseURL + "/" + name, nil
}
