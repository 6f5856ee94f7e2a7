package store

import (
	"context"
	"time"
)

// Store is the persistence API shared by the session manager, the dispatch
// engine and the maintenance jobs. It is the single source of truth: the
// services never hand work to each other in memory.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	SetSessionStatus(ctx context.Context, id string, st SessionStatus) error
	SetSessionPaired(ctx context.Context, id, phone, displayName string, credentials []byte) error
	ClearSessionCredentials(ctx context.Context, id string) error
	TouchSession(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error

	// Submissions + items
	CreateSubmission(ctx context.Context, sub SubmissionRecord, items []SendItem) error
	GetSubmission(ctx context.Context, id string) (SubmissionRecord, error)
	ListSubmissions(ctx context.Context, sessionID string, limit int) ([]SubmissionRecord, error)
	// ClaimNextItem atomically moves the oldest PENDING item belonging to one
	// of the given sessions to IN_PROGRESS and returns it. Returns (nil, nil)
	// when nothing is claimable.
	ClaimNextItem(ctx context.Context, sessionIDs []string) (*SendItem, error)
	// RequeueItem undoes a claim (IN_PROGRESS -> PENDING) without an outcome.
	RequeueItem(ctx context.Context, id int64) error
	MarkItemSent(ctx context.Context, id int64) error
	MarkItemFailed(ctx context.Context, id int64, reason string) error
	// MarkSubmissionCompleted stamps completed_at once per submission and
	// reports whether this call won the stamp. Concurrent workers finishing
	// the last items race here; exactly one sees true.
	MarkSubmissionCompleted(ctx context.Context, id string, at time.Time) (bool, error)
	Progress(ctx context.Context, submissionID string) (ProgressCounts, error)
	ListItems(ctx context.Context, submissionID string) ([]SendItem, error)
	// RequeueStale returns IN_PROGRESS items claimed at or before the cutoff
	// to PENDING (crashed-worker recovery). The cutoff is inclusive: claim
	// timestamps have millisecond precision, so a claim recorded in the same
	// millisecond as the cutoff must still requeue.
	RequeueStale(ctx context.Context, claimedBefore time.Time) (int, error)
	// PruneCompleted deletes submissions older than the cutoff whose items
	// have all reached a terminal state.
	PruneCompleted(ctx context.Context, createdBefore time.Time) (int, error)

	Close() error
}
