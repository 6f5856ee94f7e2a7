// Package dispatch implements the bulk dispatch engine.
//
// A submission is validated and deduplicated, then persisted atomically as
// one submission row plus one send item per recipient. A bounded worker pool
// claims items whose session is PAIRED (exclusive compare-and-swap claim),
// performs the send through the session manager, and records the outcome.
//
// Delivery semantics
//
// Per-item outcomes are terminal: a failed send is recorded FAILED and never
// retried automatically, because bulk messaging must not risk duplicate
// delivery. Items whose session is unavailable simply stay PENDING and are
// dispatched when the session returns. Progress is read from the store only,
// so polling stays correct across process restarts.
package dispatch
