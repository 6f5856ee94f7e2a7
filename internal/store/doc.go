// Package store persists sessions, submissions and send items in sqlite.
//
// The store is the single source of truth between the session manager, the
// dispatch workers and progress readers: after a process restart every
// component rebuilds its view from here. Writes that matter for exclusivity
// (claiming a send item) are conditional updates guarded on the current
// status, so they behave as compare-and-swap even with concurrent workers.
package store
