package session

import (
	"context"
	"sync"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/store"
	"wablast/internal/transport"
	"wablast/pkg/logx"
)

// handle is the in-memory side of one session. Status and the QR artifact are
// mutated only by the handle's event loop (plus connect/teardown, which are
// serialized against each other through the mutex), keeping the per-session
// single-writer discipline.
type handle struct {
	id string
	m  *Manager

	mu         sync.Mutex
	status     store.SessionStatus
	qr         *transport.QRCode
	client     transport.Client
	connecting bool
	resuming   bool
	resumeLeft int
	removed    bool
	// removedLogout records whether the teardown that set removed wanted a
	// logout, so a connect that raced it can finish the same way.
	removedLogout bool
}

func newHandle(m *Manager, id string, st store.SessionStatus) *handle {
	return &handle{id: id, m: m, status: st, resumeLeft: m.cfg.ResumeMax}
}

func (h *handle) currentStatus() store.SessionStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handle) currentQR() *transport.QRCode {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != store.SessionQRPairing {
		return nil
	}
	return h.qr
}

func (h *handle) clientForSend() (transport.Client, store.SessionStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client, h.status
}

// connect opens the underlying connection unless one is live or an attempt is
// already in flight (both cases return nil: the caller joins that attempt).
func (h *handle) connect(ctx context.Context, credentials []byte) error {
	h.mu.Lock()
	if h.removed {
		h.mu.Unlock()
		return ErrNotFound
	}
	if h.client != nil || h.connecting {
		h.mu.Unlock()
		return nil
	}
	h.connecting = true
	h.mu.Unlock()

	cli, err := h.m.dialer.Dial(ctx, credentials)
	if err == nil {
		err = cli.Connect(ctx)
		if err != nil {
			cli.Disconnect()
		}
	}
	if err != nil {
		h.mu.Lock()
		h.connecting = false
		h.mu.Unlock()
		return &ConnectionError{ID: h.id, Err: err}
	}

	h.mu.Lock()
	if h.removed {
		// Teardown won the race while the dial was in flight. The fresh
		// connection must not outlive the removed session: close it the way
		// teardown would have, instead of installing it.
		logout := h.removedLogout
		h.connecting = false
		h.mu.Unlock()
		h.closeClient(ctx, cli, logout)
		return ErrNotFound
	}
	h.client = cli
	h.connecting = false
	h.mu.Unlock()

	h.m.sup.Go("session:"+h.id, func(ctx context.Context) error {
		h.run(ctx, cli)
		return nil
	})
	return nil
}

// run is the session's event loop: the single writer for state transitions.
func (h *handle) run(ctx context.Context, cli transport.Client) {
	for {
		select {
		case <-ctx.Done():
			cli.Disconnect()
			return
		case ev, ok := <-cli.Events():
			if !ok {
				// Channel closed without a terminal event (or after one we
				// already processed). If we still think this client is live,
				// treat it as a disconnect.
				h.onEventsClosed(ctx, cli)
				return
			}
			h.apply(ctx, ev)
		}
	}
}

func (h *handle) apply(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventQR:
		h.mu.Lock()
		h.qr = ev.QR
		h.mu.Unlock()
		// A regenerated code while already QR_PAIRING replaces the artifact
		// without a transition.
		h.transition(ctx, store.SessionQRPairing, "pair requested")
		h.m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionQR, Data: StateEvent{ID: h.id, To: store.SessionQRPairing}})

	case transport.EventPaired:
		h.mu.Lock()
		h.qr = nil
		h.resumeLeft = h.m.cfg.ResumeMax
		h.mu.Unlock()
		if err := h.m.store.SetSessionPaired(ctx, h.id, ev.Paired.Phone, ev.Paired.DisplayName, ev.Paired.Credentials); err != nil {
			h.m.log.Error("failed persisting pairing", logx.String("session", h.id), logx.Err(err))
		}
		h.transition(ctx, store.SessionPaired, "paired")

	case transport.EventDisconnected:
		h.dropClient()
		h.transition(ctx, store.SessionDisconnected, "connection lost")
		h.scheduleResume()

	case transport.EventLoggedOut:
		h.dropClient()
		if err := h.m.store.ClearSessionCredentials(ctx, h.id); err != nil {
			h.m.log.Warn("failed clearing credentials", logx.String("session", h.id), logx.Err(err))
		}
		h.transition(ctx, store.SessionNotAuth, "logged out by remote")
	}
}

func (h *handle) onEventsClosed(ctx context.Context, cli transport.Client) {
	h.mu.Lock()
	stale := h.client != cli
	removed := h.removed
	h.mu.Unlock()
	if stale || removed {
		// Teardown already ran, or a newer connection took over. A late close
		// from the old client must not double-process.
		return
	}
	h.dropClient()
	h.transition(ctx, store.SessionDisconnected, "event stream closed")
	h.scheduleResume()
}

func (h *handle) dropClient() {
	h.mu.Lock()
	h.client = nil
	h.qr = nil
	h.mu.Unlock()
}

// transition persists and publishes a status change. No-op when the status is
// already current.
func (h *handle) transition(ctx context.Context, to store.SessionStatus, reason string) {
	h.mu.Lock()
	from := h.status
	if from == to {
		h.mu.Unlock()
		return
	}
	h.status = to
	h.mu.Unlock()

	if err := h.m.store.SetSessionStatus(ctx, h.id, to); err != nil {
		h.m.log.Error("failed persisting session status", logx.String("session", h.id), logx.String("to", string(to)), logx.Err(err))
	}
	h.m.log.Info("session state changed",
		logx.String("session", h.id),
		logx.String("from", string(from)),
		logx.String("to", string(to)),
		logx.String("reason", reason))
	h.m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionState, Data: StateEvent{ID: h.id, From: from, To: to, Reason: reason}})
}

// scheduleResume retries the connection with stored credentials, bounded by
// the resume budget. Exhausting the budget clears credentials and forces
// re-pairing.
func (h *handle) scheduleResume() {
	h.mu.Lock()
	if h.removed || h.resuming {
		h.mu.Unlock()
		return
	}
	h.resuming = true
	h.mu.Unlock()

	h.m.sup.Go("session-resume:"+h.id, func(ctx context.Context) error {
		defer func() {
			h.mu.Lock()
			h.resuming = false
			h.mu.Unlock()
		}()

		cfg := h.m.cfg
		delay := cfg.ResumeBase
		for {
			h.mu.Lock()
			left := h.resumeLeft
			removed := h.removed
			h.mu.Unlock()
			if removed || ctx.Err() != nil {
				return nil
			}
			if left <= 0 {
				break
			}

			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				return nil
			case <-tmr.C:
			}

			h.mu.Lock()
			h.resumeLeft--
			attempt := cfg.ResumeMax - h.resumeLeft
			h.mu.Unlock()

			rec, err := h.m.store.GetSession(ctx, h.id)
			if err != nil || len(rec.Credentials) == 0 {
				return nil
			}
			h.m.log.Info("resume attempt", logx.String("session", h.id), logx.Int("attempt", attempt))
			if err := h.connect(ctx, rec.Credentials); err == nil {
				return nil
			} else {
				h.m.log.Warn("resume attempt failed", logx.String("session", h.id), logx.Int("attempt", attempt), logx.Err(err))
			}

			delay *= 2
			if delay > cfg.ResumeMaxDelay {
				delay = cfg.ResumeMaxDelay
			}
		}

		// Budget exhausted: force re-pairing.
		if err := h.m.store.ClearSessionCredentials(ctx, h.id); err != nil {
			h.m.log.Warn("failed clearing credentials", logx.String("session", h.id), logx.Err(err))
		}
		h.transition(ctx, store.SessionNotAuth, "resume attempts exhausted")
		return nil
	})
}

// teardown closes the live connection. With logout=true the pairing is
// revoked as well. Errors are logged, never returned: teardown fails open so
// shutdown and removal always complete.
func (h *handle) teardown(ctx context.Context, logout bool) {
	h.mu.Lock()
	h.removed = true
	h.removedLogout = logout
	cli := h.client
	h.client = nil
	h.qr = nil
	h.mu.Unlock()

	if cli == nil {
		return
	}
	h.closeClient(ctx, cli, logout)
}

func (h *handle) closeClient(ctx context.Context, cli transport.Client, logout bool) {
	if logout {
		if err := cli.Logout(ctx); err != nil {
			h.m.log.Warn("logout failed during teardown", logx.String("session", h.id), logx.Err(err))
			cli.Disconnect()
		}
		return
	}
	cli.Disconnect()
}
