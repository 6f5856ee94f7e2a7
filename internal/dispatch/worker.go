package dispatch

import (
	"context"
	"errors"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/session"
	"wablast/internal/store"
	"wablast/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		// Fast-exit check so a closed stopCh wins over claimable work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		paired := s.sessions.PairedIDs()
		var it *store.SendItem
		var err error
		if len(paired) > 0 {
			it, err = s.store.ClaimNextItem(ctx, paired)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Store failure is fatal to this cycle only: back off and retry.
			log.Warn("claim failed", logx.Err(err))
			if !s.sleep(ctx, stopCh, s.emptyBackoff()) {
				return
			}
			continue
		}
		if it == nil {
			// Nothing claimable (no paired session, or queue drained). Items
			// stay PENDING; we back off instead of busy-polling.
			if !s.sleep(ctx, stopCh, s.emptyBackoff()) {
				return
			}
			continue
		}

		s.execItem(ctx, log, it)
	}
}

func (s *Service) execItem(ctx context.Context, log logx.Logger, it *store.SendItem) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		// Shutdown while throttled: undo the claim so the item is not stuck
		// IN_PROGRESS until the reaper finds it.
		s.requeue(it)
		return
	}

	receipt, err := s.sessions.Send(ctx, it.SessionID, it.Recipient, it.Content)
	switch {
	case err == nil:
		s.markWithRetry(ctx, it, func(c context.Context) error {
			return s.store.MarkItemSent(c, it.ID)
		})
		s.invalidate(it.SubmissionID)
		log.Debug("item sent",
			logx.String("submission", it.SubmissionID),
			logx.String("recipient", it.Recipient),
			logx.String("message_id", receipt.MessageID))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeItemSent, Data: *it})
		s.finishIfDone(ctx, it.SubmissionID, it.SessionID)

	case isNotReady(err):
		// Session dropped between claim and send. Not a per-item failure:
		// the claim is undone and the item waits for the session to return.
		log.Debug("session not ready; requeueing item",
			logx.String("submission", it.SubmissionID),
			logx.String("session", it.SessionID))
		s.requeue(it)

	case ctx.Err() != nil:
		// Shutdown mid-send with an ambiguous outcome. Requeue: the protocol
		// has no idempotent send, so the operator-facing rule is that an
		// abandoned item is retried on restart rather than reported FAILED.
		s.requeue(it)

	default:
		s.markWithRetry(ctx, it, func(c context.Context) error {
			return s.store.MarkItemFailed(c, it.ID, err.Error())
		})
		s.invalidate(it.SubmissionID)
		log.Warn("item failed",
			logx.String("submission", it.SubmissionID),
			logx.String("recipient", it.Recipient),
			logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeItemFailed, Data: *it})
		s.finishIfDone(ctx, it.SubmissionID, it.SessionID)
	}
}

func isNotReady(err error) bool {
	var nr *session.NotReadyError
	return errors.As(err, &nr)
}

func (s *Service) requeue(it *store.SendItem) {
	// Use a fresh context: requeue must work even when the run context is
	// already cancelled during shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RequeueItem(ctx, it.ID); err != nil {
		// The reaper will recover the claim after its TTL.
		s.log.Warn("requeue failed; reaper will recover", logx.Int64("item", it.ID), logx.Err(err))
	}
	s.invalidate(it.SubmissionID)
}

// markWithRetry persists a terminal outcome. Losing an outcome is worse than
// a slow cycle, so it retries with backoff before giving up to the reaper.
func (s *Service) markWithRetry(ctx context.Context, it *store.SendItem, mark func(context.Context) error) {
	delay := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := mark(c)
		cancel()
		if err == nil {
			return
		}
		if attempt >= 2 {
			s.log.Error("failed recording item outcome", logx.Int64("item", it.ID), logx.Err(err))
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
}

func (s *Service) finishIfDone(ctx context.Context, submissionID, sessionID string) {
	p, err := s.store.Progress(ctx, submissionID)
	if err != nil {
		return
	}
	if !p.Done() {
		return
	}
	// Two workers finishing the last two items both observe Done; the
	// durable stamp picks the one that announces completion.
	won, err := s.store.MarkSubmissionCompleted(ctx, submissionID, time.Now())
	if err != nil || !won {
		return
	}
	s.mu.Lock()
	delete(s.gen, submissionID)
	s.mu.Unlock()
	s.log.Info("submission completed",
		logx.String("submission", submissionID),
		logx.Int("total", p.Total),
		logx.Int("sent", p.Sent),
		logx.Int("failed", p.Failed))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSubmissionCompleted, Data: SubmissionEvent{
		SubmissionID: submissionID,
		SessionID:    sessionID,
		Total:        p.Total,
		Sent:         p.Sent,
		Failed:       p.Failed,
	}})
}

func (s *Service) emptyBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.EmptyBackoff
}

func (s *Service) invalidate(submissionID string) {
	s.mu.Lock()
	s.gen[submissionID]++
	c := s.cache
	s.mu.Unlock()
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c.Invalidate(ctx, submissionID)
}

// sleep waits for d unless the context is cancelled or stop is requested.
// Returns false when the worker should exit.
func (s *Service) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}
