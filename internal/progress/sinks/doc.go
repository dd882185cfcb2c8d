// Package sinks implements the event bus consumers: structured logs,
// Prometheus collectors, the progress repository, the JSONL event archive and
// Pub/Sub fan-out. Each sink satisfies progress.Sink and is safe for repeated
// Consume/Close cycles.
package sinks
