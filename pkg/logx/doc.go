// Package logx provides the structured logger used across the daemon.
//
// It wraps zerolog behind a small Logger value so components don't depend on
// zerolog directly. Loggers created from a Service stay live across Apply()
// calls, which lets the config watcher change level and sinks at runtime
// without re-plumbing loggers through every component.
package logx
