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

// Package publisher uploads build artifacts to wherever the test runner
// will fetch them from, behind one small interface with local, Google
// Cloud Storage, and SCP-to-a-host backends.
package publisher

import (
	"context"
	"fmt"

	"github.com/redhatci/skt/pkg/state"
)

// Publisher uploads a local artifact path and reports back its
// fetchable URL, or resolves the URL an already-published artifact would
// have without re-uploading it.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
	GetURL(ctx context.Context, name string) (string, error)
}

// New constructs the backend named by cfg.Type ("local", "gcs", or "scp"),
// with cfg.Args interpreted the way the original tool's 3-tuple
// `type destination baseurl` publisher descriptor did.
func New(ctx context.Context, cfg *state.ListConfig) (Publisher, error) {
	if cfg == nil {
		return nil, fmt.Errorf("no publisher configured")
	}
	if len(cfg.Args) < 2 {
		return nil, fmt.Errorf("publisher %q requires destination and baseurl arguments", cfg.Type)
	}
	destination, baseURL := cfg.Args[0], cfg.Args[1]

	switch cfg.Type {
	case "local":
		return NewLocal(destination, baseURL)
	case "gcs":
		return NewGCS(ctx, destination, baseURL)
	case "scp":
		return NewSCP(destination, baseURL), nil
	default:
		return nil, fmt.Errorf("unknown publisher type %q", cfg.Type)
	}
}
