// Package app assembles the daemon: config, logging, store, transport,
// session manager, dispatch engine, housekeeping, alerts, and the HTTP
// surface.
package app
