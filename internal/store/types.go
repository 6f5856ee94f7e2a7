package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateRecipient indicates a submission batch with two items for the
	// same recipient reached the store. The deduper should make this impossible.
	ErrDuplicateRecipient = errors.New("duplicate recipient in submission")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

type SessionStatus string

const (
	SessionNotAuth      SessionStatus = "NOT_AUTH"
	SessionQRPairing    SessionStatus = "QR_PAIRING"
	SessionPaired       SessionStatus = "PAIRED"
	SessionDisconnected SessionStatus = "DISCONNECTED"
)

// SessionRecord is the durable half of a session: identity, status, and the
// opaque credential blob the transport needs to resume without re-pairing.
type SessionRecord struct {
	ID          string
	Description string
	Status      SessionStatus
	Phone       string
	DisplayName string
	Credentials []byte
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

type ItemStatus string

const (
	ItemPending ItemStatus = "PENDING"
	// ItemInProgress is the transient claim state. It never leaves the store
	// layer: external reads report it as PENDING.
	ItemInProgress ItemStatus = "IN_PROGRESS"
	ItemSent       ItemStatus = "SENT"
	ItemFailed     ItemStatus = "FAILED"
)

// SendItem is one (recipient, content) unit of work within a submission.
type SendItem struct {
	ID           int64
	SubmissionID string
	// SessionID is the owning submission's session. Populated on claim (it
	// lives on the submission row), zero elsewhere.
	SessionID string

	Seq       int
	Recipient string
	Content   string
	Status    ItemStatus
	Error     string
	Attempts  int
	UpdatedAt time.Time
}

type SubmissionRecord struct {
	ID        string
	SessionID string
	CreatedAt time.Time
}

// ProgressCounts is the aggregate view over a submission's items.
type ProgressCounts struct {
	Total      int
	Pending    int
	InProgress int
	Sent       int
	Failed     int
}

// Done reports whether every item reached a terminal state.
func (p ProgressCounts) Done() bool {
	return p.Total > 0 && p.Pending == 0 && p.InProgress == 0
}
