package dispatch

import (
	"context"
	"time"

	"wablast/internal/session"
)

// Config controls the worker pool.
type Config struct {
	Workers       int
	RatePerSec    int
	ClaimTTL      time.Duration
	EmptyBackoff  time.Duration
	ShutdownGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	if c.EmptyBackoff <= 0 {
		c.EmptyBackoff = 2 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// Sessions is what the dispatch engine needs from the session manager.
type Sessions interface {
	// PairedIDs returns the sessions that can send right now.
	PairedIDs() []string
	// Send submits one message; only valid while the session is PAIRED.
	Send(ctx context.Context, sessionID, recipient, content string) (session.Receipt, error)
}

// Entry is one raw (recipient, content) pair of a submission request.
type Entry struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

// Rejection reports an entry excluded by the normalizer. Rejections never
// abort the batch and are never silently dropped.
type Rejection struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

// SubmissionEvent is published on the event bus when a submission is accepted
// or completes.
type SubmissionEvent struct {
	SubmissionID string
	SessionID    string
	Total        int
	Sent         int
	Failed       int
}
