package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by SendText when the underlying client has no
// authenticated connection.
var ErrNotConnected = errors.New("transport: not connected")

type EventKind string

const (
	// EventQR carries a fresh pairing artifact. Emitted repeatedly while the
	// client waits for a scan; each emission supersedes the previous code.
	EventQR EventKind = "qr"
	// EventPaired fires when the connection is authenticated, either after a
	// scan or after a credential resume. Carries the resumable credentials.
	EventPaired EventKind = "paired"
	// EventDisconnected fires on connection loss. The client is dead after
	// this; resuming requires a new Dial.
	EventDisconnected EventKind = "disconnected"
	// EventLoggedOut fires when the remote side revoked the pairing. Stored
	// credentials are useless after this.
	EventLoggedOut EventKind = "logged_out"
)

type Event struct {
	Kind   EventKind
	QR     *QRCode
	Paired *PairedInfo
	Err    error
}

// QRCode is one pairing artifact. Codes expire and are replaced by the client.
type QRCode struct {
	Code      string
	ExpiresAt time.Time
}

type PairedInfo struct {
	Phone       string
	DisplayName string
	// Credentials is an opaque blob that a later Dial can use to resume the
	// session without re-pairing.
	Credentials []byte
}

// Client is one live connection to the messaging network.
//
// Events() delivers connection-state and pairing events until the channel is
// closed; the channel closes after Disconnect or Logout, or when the
// connection dies. Events may arrive after the caller started teardown;
// consumers must tolerate that.
type Client interface {
	// Connect starts the connection. For an unpaired client, QR events follow
	// on Events(); for a resumed client, EventPaired follows on success.
	Connect(ctx context.Context) error
	// SendText submits one text message. A nil error means the network
	// accepted the message for delivery, not that it was delivered.
	SendText(ctx context.Context, recipient, text string) (messageID string, err error)
	// Disconnect tears the connection down without revoking the pairing.
	Disconnect()
	// Logout revokes the pairing and tears the connection down.
	Logout(ctx context.Context) error
	Events() <-chan Event
}

// Dialer creates clients. credentials is the blob from a previous
// EventPaired, or nil to start fresh pairing.
type Dialer interface {
	Dial(ctx context.Context, credentials []byte) (Client, error)
}
