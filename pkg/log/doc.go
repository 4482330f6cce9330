// Package log provides flostore's structured logging facade and utilities.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. Internally it is backed by Go's
// standard library slog via a custom handler that feeds a formatter/outputs
// pipeline, so every component renders the same way.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("index-committer"))
//	l.Info("rebuild done", log.Int64("records", 1200))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config: text or JSON
// formatting, console/file/null outputs, key redaction and per-message
// sampling.
//
// # Interop
//
// Pebble and other libraries log through the standard library logger; call
// RedirectStdLog once at startup so their output shares the same pipeline.
package log
