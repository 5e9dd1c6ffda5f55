//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package trace provides the global tracer used across the runtime.
// It defaults to a noop tracer; deployments wire a real provider at startup.
package trace

import (
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider is the global tracer provider for telemetry.
var TracerProvider trace.TracerProvider = noop.NewTracerProvider()

// Tracer is the global tracer instance for telemetry.
var Tracer trace.Tracer = TracerProvider.Tracer("")

// SetTracerProvider replaces the global tracer provider and refreshes the
// global tracer.
func SetTracerProvider(tp trace.TracerProvider) {
	TracerProvider = tp
	Tracer = tp.Tracer("xpert")
}
