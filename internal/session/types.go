package session

import (
	"time"

	"wablast/internal/store"
)

// Config controls the connection-resume policy.
//
// Defaults (applied by NewManager when fields are omitted/zero):
//   - ResumeMax: 5
//   - ResumeBase: 2s
//   - ResumeMaxDelay: 1m
type Config struct {
	ResumeMax      int
	ResumeBase     time.Duration
	ResumeMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ResumeMax <= 0 {
		c.ResumeMax = 5
	}
	if c.ResumeBase <= 0 {
		c.ResumeBase = 2 * time.Second
	}
	if c.ResumeMaxDelay <= 0 {
		c.ResumeMaxDelay = time.Minute
	}
	return c
}

// Info is the external view of a session.
type Info struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Status      store.SessionStatus `json:"status"`
	Phone       string              `json:"phone,omitempty"`
	DisplayName string              `json:"displayName,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	LastUsedAt  time.Time           `json:"lastUsedAt,omitempty"`
}

// Receipt confirms that the network accepted a message for delivery.
type Receipt struct {
	MessageID string
	At        time.Time
}

// StateEvent is published on the event bus for every status transition.
type StateEvent struct {
	ID     string
	From   store.SessionStatus
	To     store.SessionStatus
	Phone  string
	Reason string
}
