// Package otel provides OpenTelemetry metric bindings for engine counters
// and the validation latency histogram.
//
// [NewExporter] registers an Int64ObservableCounter per engine metric and an
// Int64ObservableGauge per histogram bucket. A single callback reads
// [authcore.Engine.MetricsSnapshot] on each collection cycle.
//
// # What this package must NOT do
//
//   - Own the OTel MeterProvider. Callers supply the Meter.
//   - Mutate engine state.
package otel
