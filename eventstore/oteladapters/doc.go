// Package oteladapters implements the eventstore observability ports with OpenTelemetry.
//
//   - SlogBridgeLogger: eventstore.Logger and eventstore.ContextualLogger on top of the otelslog bridge
//   - OTelLogger: eventstore.ContextualLogger on top of the OpenTelemetry logs API
//   - MetricsCollector: eventstore.ContextualMetricsCollector backed by histograms, counters and gauges
//   - TracingCollector: eventstore.TracingCollector backed by a trace.Tracer
//
// The harness, the scheduler and both engines accept these wherever they take the ports.
package oteladapters
