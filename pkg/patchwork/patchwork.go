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

// Package patchwork is a client for the legacy Patchwork XML-RPC API used
// to pull a single tracked patch's mbox content by its "/patch/<id>/" URL.
// No library in the reference corpus speaks XML-RPC, so this client is a
// small hand-rolled codec over encoding/xml and net/http rather than a
// vendored third-party implementation; see DESIGN.md for the full
// justification.
//
// Patchwork's public API answers pw_rpc_version with [1, 3, 0] or 1. Some
// internal deployments instead run a private dialect that raises a fault
// (code 1, "index out of range") on the unversioned call and expects every
// subsequent call to be prefixed with a magic API version argument (1010)
// and every response to be a [version, realValue] pair. Negotiate detects
// which dialect a server speaks and returns a Client that hides the
// difference from callers.
package patchwork

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const wrapperVersion = 1010

var patchURLRE = regexp.MustCompile(`^(.*)/patch/(\d+)/?$`)

// Client talks to one Patchwork XML-RPC endpoint, transparently applying
// the magic-version wrapper when the server requires it.
type Client struct {
	endpoint   string
	httpClient *http.Client
	wrapped    bool
}

// ParseURL splits a Patchwork "/patch/<id>/" URL into its XML-RPC endpoint
// and patch ID, matching the original tool's parse_patchwork_url.
func ParseURL(uri string) (endpoint, patchID string, err error) {
	m := patchURLRE.FindStringSubmatch(uri)
	if m == nil {
		return "", "", fmt.Errorf("can't parse patchwork url: %q", uri)
	}
	return m[1] + "/xmlrpc/", m[2], nil
}

// Negotiate probes endpoint's dialect and returns a ready-to-use Client.
func Negotiate(ctx context.Context, endpoint string) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	c := &Client{endpoint: endpoint, httpClient: httpClient}

	v, err := rpcCall(ctx, httpClient, endpoint, "pw_rpc_version")
	if err == nil {
		if ok, verr := isPublicVersion(v); verr == nil && ok {
			return c, nil
		} else if verr != nil {
			return nil, verr
		}
		return nil, fmt.Errorf("unknown patchwork xmlrpc version %v", v)
	}

	fault, ok := err.(*Fault)
	if !ok || fault.Code != 1 || !strings.Contains(fault.String, "index out of range") {
		return nil, fmt.Errorf("unknown xmlrpc fault: %w", err)
	}

	// Private dialect: every call, including the version probe itself,
	// must be wrapped with the magic version argument.
	c.wrapped = true
	wv, werr := c.call(ctx, "pw_rpc_version")
	if werr != nil {
		return nil, fmt.Errorf("probing wrapped xmlrpc version: %w", werr)
	}
	n, ok := toInt(wv)
	if !ok || n < wrapperVersion {
		return nil, fmt.Errorf("unsupported patchwork xmlrpc version %v", wv)
	}
	return c, nil
}

func isPublicVersion(v value) (bool, error) {
	switch t := v.(type) {
	case int:
		return t == 1, nil
	case []value:
		if len(t) != 3 {
			return false, nil
		}
		a, _ := toInt(t[0])
		b, _ := toInt(t[1])
		d, _ := toInt(t[2])
		return a == 1 && b == 3 && d == 0, nil
	default:
		return false, nil
	}
}

// call performs one RPC, prepending and stripping the magic version
// argument when the server requires the private dialect.
func (c *Client) call(ctx context.Context, method string, args ...value) (value, error) {
	if !c.wrapped {
		return rpcCall(ctx, c.httpClient, c.endpoint, method, args...)
	}

	wrappedArgs := append([]value{wrapperVersion}, args...)
	v, err := rpcCall(ctx, c.httpClient, c.endpoint, method, wrappedArgs...)
	if err != nil {
		return nil, err
	}
	pair, ok := v.([]value)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("malformed wrapped response from %s", method)
	}
	gotVersion, _ := toInt(pair[0])
	if gotVersion != wrapperVersion {
		return nil, fmt.Errorf("patchwork API mismatch (%d, expected %d)", gotVersion, wrapperVersion)
	}
	return pair[1], nil
}

// PatchInfo is the subset of patch_get's struct response used to produce a
// provenance entry.
type PatchInfo struct {
	Name string
}

// PatchGet fetches a patch's metadata.
func (c *Client) PatchGet(ctx context.Context, patchID string) (*PatchInfo, error) {
	v, err := c.call(ctx, "patch_get", patchID)
	if err != nil {
		return nil, fmt.Errorf("fetching patch info for patch %s: %w", patchID, err)
	}
	m, ok := v.(map[string]value)
	if !ok || len(m) == 0 {
		return nil, fmt.Errorf("failed to fetch patch info for patch %s", patchID)
	}
	name, _ := m["name"].(string)
	return &PatchInfo{Name: name}, nil
}

// PatchGetMbox fetches a patch's mbox content.
func (c *Client) PatchGetMbox(ctx context.Context, patchID string) (string, error) {
	v, err := c.call(ctx, "patch_get_mbox", patchID)
	if err != nil {
		return "", fmt.Errorf("fetching mbox for patch %s: %w", patchID, err)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("unexpected patch_get_mbox response type %T", v)
	}
	return s, nil
}

// Patch binds a Client to one patch ID and implements
// sourcetree.PatchSource so it can be merged directly into a working tree.
type Patch struct {
	client  *Client
	patchID string
}

// NewPatch negotiates a client for uri and returns a ready-to-apply Patch.
func NewPatch(ctx context.Context, uri string) (*Patch, error) {
	endpoint, patchID, err := ParseURL(uri)
	if err != nil {
		return nil, err
	}
	client, err := Negotiate(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("negotiating with %s: %w", endpoint, err)
	}
	return &Patch{client: client, patchID: patchID}, nil
}

// FetchMbox implements sourcetree.PatchSource.
func (p *Patch) FetchMbox(ctx context.Context) ([]byte, string, error) {
	info, err := p.client.PatchGet(ctx, p.patchID)
	if err != nil {
		return nil, "", err
	}
	mbox, err := p.client.PatchGetMbox(ctx, p.patchID)
	if err != nil {
		return nil, "", err
	}
	return []byte(mbox), info.Name, nil
}
