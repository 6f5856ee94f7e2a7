package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"wablast/internal/eventbus"
	"wablast/internal/store"
	"wablast/pkg/logx"
)

// Service is the bulk dispatch engine: it accepts submissions into the store
// and runs the worker pool that drives PENDING items through the session send
// path. Workers never talk to each other; the store is the only coordination
// point, so a restart resumes exactly where the durable state says.
type Service struct {
	mu sync.Mutex

	cfg      Config
	store    store.Store
	sessions Sessions
	cache    ProgressCache // may be nil
	log      logx.Logger
	bus      eventbus.Bus

	limiter *rate.Limiter
	// gen counts invalidations per submission. GetProgress snapshots it
	// before reading the store and writes to the cache only if it is
	// unchanged, so an outcome landing mid-read can never leave a stale
	// aggregate behind.
	gen map[string]uint64

	stopCh    chan struct{}
	stopDone  chan struct{} // non-nil while a Stop() is in progress
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, st store.Store, sessions Sessions, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		log:      log,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		gen:      map[string]uint64{},
	}
}

// SetCache installs an optional progress cache. Must be called before Start.
func (s *Service) SetCache(c ProgressCache) {
	s.mu.Lock()
	s.cache = c
	s.mu.Unlock()
}

// Apply updates the hot-swappable part of the config (rate). Live pool
// resizing is out of scope; a worker-count change takes effect on restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg.RatePerSec = cfg.RatePerSec
	s.cfg.EmptyBackoff = cfg.EmptyBackoff
	s.cfg.ClaimTTL = cfg.ClaimTTL
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double
	// worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	// Any item still claimed at startup belongs to a dead worker: requeue
	// before the pool starts so nothing is lost across restarts.
	if n, err := s.store.RequeueStale(ctx, time.Now()); err != nil {
		s.log.Warn("startup requeue failed", logx.Err(err))
	} else if n > 0 {
		s.log.Info("requeued items from previous run", logx.Int("count", n))
	}

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	runCtx := s.runCtx
	stopCh := s.stopCh

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatch worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, idx)
		}()
	}

	s.log.Info("service started", logx.Int("workers", workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop stops claiming and waits for in-flight sends, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If a stop is already in progress, just wait for it.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	// Closing stopCh stops new claims; in-flight sends get the grace period
	// before the run context is cancelled out from under them.
	close(stopCh)
	go func() {
		s.workerWG.Wait()
		if cancel != nil {
			cancel()
		}
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Grace expired: abandon in-flight sends.
		if cancel != nil {
			cancel()
		}
		s.log.Warn("dispatch stop grace expired; abandoning in-flight sends")
	}
}

// Submit validates, dedups and atomically persists one submission. It returns
// immediately; the worker pool picks the items up asynchronously.
func (s *Service) Submit(ctx context.Context, sessionID string, entries []Entry) (string, []Rejection, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return "", nil, err
	}

	accepted, rejected := Normalize(entries)
	if len(accepted) == 0 {
		return "", rejected, &ValidationError{Reason: "no valid recipients after dedup"}
	}

	sub := store.SubmissionRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	items := make([]store.SendItem, len(accepted))
	for i, e := range accepted {
		items[i] = store.SendItem{Recipient: e.Recipient, Content: e.Content}
	}
	if err := s.store.CreateSubmission(ctx, sub, items); err != nil {
		return "", nil, err
	}

	s.log.Info("submission accepted",
		logx.String("submission", sub.ID),
		logx.String("session", sessionID),
		logx.Int("items", len(items)),
		logx.Int("rejected", len(rejected)))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSubmissionAccepted, Data: SubmissionEvent{
		SubmissionID: sub.ID, SessionID: sessionID, Total: len(items),
	}})
	return sub.ID, rejected, nil
}
