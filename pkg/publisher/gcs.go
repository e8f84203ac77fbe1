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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

const (
	defaultMaxRetries     = 5
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

// GCS publishes artifacts as objects in a Google Cloud Storage bucket,
// with bounded-retry exponential backoff on transient upload failures.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string

	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewGCS opens a GCS client for destination ("bucket" or "bucket/prefix").
// baseURL is not used: Publish and GetURL always return gs://bucket/object
// URLs.
func NewGCS(ctx context.Context, destination, baseURL string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	bucket, prefix, _ := strings.Cut(destination, "/")
	return &GCS{
		client:         client,
		bucket:         bucket,
		prefix:         strings.Trim(prefix, "/"),
		maxRetries:     defaultMaxRetries,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}, nil
}

func (g *GCS) objectPath(name string) string {
	if g.prefix == "" {
		return name
	}
	return g.prefix + "/" + name
}

// Publish uploads localPath as an object named after its base name and
// returns its gs:// URL.
func (g *GCS) Publish(ctx context.Context, localPath string) (string, error) {
	name := filepath.Base(localPath)
	objectPath := g.objectPath(name)

	err := g.uploadWithRetry(ctx, objectPath, func() (io.ReadCloser, error) {
		return os.Open(localPath)
	})
	if err != nil {
		return "", fmt.Errorf("publishing %s: %w", localPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, objectPath), nil
}

// GetURL resolves name's gs:// URL without checking whether the object
// exists, matching the original publisher.geturl contract.
func (g *GCS) GetURL(ctx context.Context, name string) (string, error) {
	return fmt.Sprintf("gs://%s/%s", g.bucket, g.objectPath(name)), nil
}

func (g *GCS) uploadWithRetry(ctx context.Context, objectPath string, open func() (io.ReadCloser, error)) error {
	backoff := g.initialBackoff

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > g.maxBackoff {
				backoff = g.maxBackoff
			}
		}

		r, err := open()
		if err != nil {
			return fmt.Errorf("opening upload source: %w", err)
		}
		err = g.doUpload(ctx, objectPath, r)
		r.Close()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("max retries (%d) exceeded uploading %s", g.maxRetries, objectPath)
}

func (g *GCS) doUpload(ctx context.Context, objectPath string, r io.Reader) error {
	wc := g.client.Bucket(g.bucket).Object(objectPath).NewWriter(ctx)
	if strings.HasSuffix(objectPath, ".tar.gz") {
		wc.ContentType = "application/gzip"
	}

	if _, err := io.Copy(wc, r); err != nil {
		wc.Close()
		return fmt.Errorf("writing to GCS: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing GCS writer: %w", err)
	}
	return nil
}

// isRetryableError reports whether err is a transient GCS/network failure
// worth retrying.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 429, 500, 502, 503, 504:
			return true
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporary failure")
}
