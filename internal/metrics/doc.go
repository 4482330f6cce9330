// Package metrics owns the Prometheus registry of a flostore process: the
// storage latency hook handed to the Pebble wrapper, the scavenge hook of
// the log, a collector over pebble.Metrics and the /metrics handler.
// Read index, chaser, writer and bus collectors register themselves on the
// same registry.
package metrics
