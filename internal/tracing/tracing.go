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

// Package tracing pairs an OpenTelemetry span with a wall-clock timer so
// pipeline stages and build phases can both emit spans (when a trace file is
// configured) and report an elapsed duration unconditionally. There is no
// collector in this stack: the only exporter is stdouttrace, enabled via
// --trace-file.
package tracing

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "skt"

// Provider owns the lifetime of a stdout trace exporter configured from
// --trace-file. A nil *Provider is valid and makes Start a no-op span.
type Provider struct {
	tp *trace.TracerProvider
}

// NewProvider creates a stdouttrace-backed provider writing spans to path.
// Passing an empty path returns a nil, no-op *Provider.
func NewProvider(path string) (*Provider, error) {
	if path == "" {
		return nil, nil
	}
	w, err := os.Create(path) // #nosec G304 - operator-specified trace output path
	if err != nil {
		return nil, fmt.Errorf("creating trace file: %w", err)
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes and closes the underlying exporter. Safe to call on a
// nil *Provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.tp.Shutdown(context.WithoutCancel(ctx))
}

// Stage is a timed, optionally-traced unit of pipeline or build work.
type Stage struct {
	Name    string
	started time.Time
	span    oteltrace.Span
}

// Start begins a stage span under the skt tracer and starts its timer.
// Call End (typically deferred) to close the span and read Elapsed.
func Start(ctx context.Context, name string) (context.Context, *Stage) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, &Stage{Name: name, started: time.Now(), span: span}
}

// End closes the stage's span. Safe to call on a nil *Stage.
func (s *Stage) End() {
	if s == nil {
		return
	}
	s.span.End()
}

// Elapsed returns the duration since Start was called.
func (s *Stage) Elapsed() time.Duration {
	if s == nil {
		return 0
	}
	return time.Since(s.started)
}

// RecordError attaches err to the stage's span, if any, and returns err
// unchanged so callers can wrap it inline: return stage.RecordError(err).
func (s *Stage) RecordError(err error) error {
	if s == nil || err == nil {
		return err
	}
	s.span.RecordError(err)
	return err
}
