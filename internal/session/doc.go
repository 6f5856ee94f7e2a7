// Package session supervises protocol sessions.
//
// Each session is one logical identity on the messaging network with its own
// pairing lifecycle: NOT_AUTH -> QR_PAIRING -> PAIRED -> DISCONNECTED, with a
// bounded credential-resume loop from DISCONNECTED back to PAIRED. The
// manager guarantees at most one live connection object per session id and
// serializes all state transitions per session through the handle's event
// loop.
//
// The dispatch engine consumes exactly two things from here: PairedIDs (which
// sessions can send right now) and Send (the per-message integration point).
package session
