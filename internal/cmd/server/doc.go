// Package serverrun exposes the Run entrypoint used by the CLI to start a
// flostore node: the runtime, the chaser loop, the HTTP API and the
// Prometheus endpoint, with signal-driven shutdown.
//
// Example:
//
//	cfg := config.Default()
//	cfg.HTTPAddr = ":8080"
//	_ = serverrun.Run(ctx, serverrun.Options{Config: cfg})
package serverrun
