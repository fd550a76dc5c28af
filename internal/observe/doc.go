// Package observe holds the OpenTelemetry plumbing: the tracer used around
// every utterance dispatch, the SDK provider installed by main, and a logger
// helper that stamps trace and span IDs onto log records.
package observe
