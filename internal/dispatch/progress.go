package dispatch

import (
	"context"

	"wablast/internal/store"
)

type SubmissionStatus string

const (
	StatusRunning   SubmissionStatus = "RUNNING"
	StatusCompleted SubmissionStatus = "COMPLETED"
)

// Counts is the aggregate progress view. Pending folds in the transient
// claim state: externally an item is PENDING until it has an outcome.
type Counts struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
}

type ItemView struct {
	Recipient string           `json:"recipient"`
	Status    store.ItemStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
}

type Progress struct {
	SubmissionID string           `json:"submissionId"`
	Status       SubmissionStatus `json:"status"`
	Counts       Counts           `json:"counts"`
	Items        []ItemView       `json:"items,omitempty"`
}

// ProgressCache fronts the aggregate query for hot polling. Implementations
// must be invalidated on item writes so reads always reflect durable truth.
type ProgressCache interface {
	Get(ctx context.Context, submissionID string) (Progress, bool)
	Set(ctx context.Context, p Progress)
	Invalidate(ctx context.Context, submissionID string)
}

// GetProgress aggregates a submission's items. It reads only durably
// committed state, so polling is correct across worker restarts. With
// includeItems=false only the counts are returned (and may be served from
// the cache).
func (s *Service) GetProgress(ctx context.Context, submissionID string, includeItems bool) (Progress, error) {
	s.mu.Lock()
	cache := s.cache
	s.mu.Unlock()

	if !includeItems && cache != nil {
		if p, ok := cache.Get(ctx, submissionID); ok {
			return p, nil
		}
	}

	// Snapshot the invalidation counter before touching the store: if a
	// worker records an outcome while we read, the counter moves and the
	// cache write below is skipped.
	gen := s.cacheGen(submissionID)

	if _, err := s.store.GetSubmission(ctx, submissionID); err != nil {
		return Progress{}, err
	}
	raw, err := s.store.Progress(ctx, submissionID)
	if err != nil {
		return Progress{}, err
	}

	p := Progress{
		SubmissionID: submissionID,
		Status:       StatusRunning,
		Counts: Counts{
			Total:   raw.Total,
			Pending: raw.Pending + raw.InProgress,
			Sent:    raw.Sent,
			Failed:  raw.Failed,
		},
	}
	if raw.Done() {
		p.Status = StatusCompleted
	}

	if includeItems {
		items, err := s.store.ListItems(ctx, submissionID)
		if err != nil {
			return Progress{}, err
		}
		p.Items = make([]ItemView, len(items))
		for i, it := range items {
			st := it.Status
			if st == store.ItemInProgress {
				st = store.ItemPending
			}
			p.Items[i] = ItemView{Recipient: it.Recipient, Status: st, Error: it.Error}
		}
	} else if cache != nil && s.cacheGen(submissionID) == gen {
		cache.Set(ctx, p)
	}
	return p, nil
}

func (s *Service) cacheGen(submissionID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen[submissionID]
}

// ListSubmissions returns the recent submissions of one session with their
// aggregate counts.
func (s *Service) ListSubmissions(ctx context.Context, sessionID string, limit int) ([]Progress, error) {
	subs, err := s.store.ListSubmissions(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Progress, 0, len(subs))
	for _, sub := range subs {
		p, err := s.GetProgress(ctx, sub.ID, false)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
