package notify

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wablast/internal/dispatch"
	"wablast/internal/eventbus"
	"wablast/internal/session"
	"wablast/internal/store"
	"wablast/pkg/logx"
)

// Config controls operator alerts. Disabled by default.
type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int
}

// Service forwards the lifecycle events an operator must act on (pairing
// needed, session lost for good, batch finished) to a Telegram chat. Alerts
// are best-effort: a failed delivery is logged and dropped, never retried
// into the protocol's rate limits.
type Service struct {
	cfg     Config
	bot     *tele.Bot
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	mu     sync.Mutex
	unsub  func()
	doneWG sync.WaitGroup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	if !cfg.Enabled {
		return s, nil
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	s.bot = b
	return s, nil
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.bot != nil }

func (s *Service) Start(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	if s.unsub != nil {
		s.mu.Unlock()
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.mu.Unlock()

	s.doneWG.Add(1)
	go func() {
		defer s.doneWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if msg := s.format(ev); msg != "" {
					s.deliver(ctx, msg)
				}
			}
		}
	}()
	s.log.Info("operator alerts enabled", logx.Int64("chat_id", s.cfg.ChatID))
}

func (s *Service) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	s.doneWG.Wait()
}

// format maps an event to alert text; "" means not operator-relevant.
func (s *Service) format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeSessionState:
		st, ok := ev.Data.(session.StateEvent)
		if !ok {
			return ""
		}
		switch st.To {
		case store.SessionQRPairing:
			return fmt.Sprintf("session %s needs pairing: scan the QR code", st.ID)
		case store.SessionNotAuth:
			return fmt.Sprintf("session %s lost its pairing (%s); re-pair to continue", st.ID, st.Reason)
		case store.SessionDisconnected:
			return fmt.Sprintf("session %s disconnected; resuming", st.ID)
		}
		return ""
	case eventbus.TypeSubmissionCompleted:
		se, ok := ev.Data.(dispatch.SubmissionEvent)
		if !ok {
			return ""
		}
		if se.Failed > 0 {
			return fmt.Sprintf("submission %s finished: %d sent, %d FAILED of %d", se.SubmissionID, se.Sent, se.Failed, se.Total)
		}
		return fmt.Sprintf("submission %s finished: all %d sent", se.SubmissionID, se.Total)
	}
	return ""
}

func (s *Service) deliver(ctx context.Context, text string) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("alert delivery failed", logx.Err(err))
	}
}
