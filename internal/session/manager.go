package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"wablast/internal/eventbus"
	"wablast/internal/runtime/supervisor"
	"wablast/internal/store"
	"wablast/internal/transport"
	"wablast/pkg/logx"
)

// Manager owns the lifecycle of every protocol session: at most one live
// connection per session id, pairing, credential resume, and the send
// capability the dispatch workers use.
//
// All state transitions for one session are applied by that session's event
// loop (single writer); Connect calls for an id are coalesced into the
// in-flight attempt.
type Manager struct {
	cfg    Config
	store  store.Store
	dialer transport.Dialer
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	handles map[string]*handle
	sup     *supervisor.Supervisor
	started bool
}

func NewManager(cfg Config, st store.Store, dialer transport.Dialer, log logx.Logger, bus eventbus.Bus) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		store:   st,
		dialer:  dialer,
		log:     log,
		bus:     bus,
		handles: map[string]*handle{},
	}
}

// Start reconciles persisted sessions and resumes the ones that were paired
// before the last shutdown. Sessions stuck in QR_PAIRING are reset: a pairing
// artifact never survives a restart.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.mu.Unlock()

	recs, err := m.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		switch rec.Status {
		case store.SessionQRPairing:
			if err := m.store.SetSessionStatus(ctx, rec.ID, store.SessionNotAuth); err != nil {
				m.log.Warn("failed resetting stale pairing session", logx.String("session", rec.ID), logx.Err(err))
			}
		case store.SessionPaired, store.SessionDisconnected:
			if len(rec.Credentials) == 0 {
				_ = m.store.SetSessionStatus(ctx, rec.ID, store.SessionNotAuth)
				continue
			}
			if err := m.store.SetSessionStatus(ctx, rec.ID, store.SessionDisconnected); err != nil {
				m.log.Warn("failed marking session for resume", logx.String("session", rec.ID), logx.Err(err))
				continue
			}
			m.log.Info("resuming session", logx.String("session", rec.ID))
			if err := m.Connect(ctx, rec.ID); err != nil {
				m.log.Warn("session resume failed at startup", logx.String("session", rec.ID), logx.Err(err))
			}
		}
	}
	return nil
}

// Stop tears down all live connections and waits for session loops, bounded
// by grace. Teardown failures are logged, never returned: shutdown always
// completes.
func (m *Manager) Stop(ctx context.Context, grace time.Duration) {
	m.RemoveAllConnections(ctx)

	m.mu.Lock()
	sup := m.sup
	m.started = false
	m.mu.Unlock()
	if sup != nil {
		if err := sup.Stop(grace); err != nil {
			m.log.Warn("session loops did not stop in time", logx.Err(err))
		}
	}
}

// CreateSession allocates a new session record in NOT_AUTH. No connection is
// opened until Connect.
func (m *Manager) CreateSession(ctx context.Context, description string) (Info, error) {
	rec := store.SessionRecord{
		ID:          uuid.NewString(),
		Description: description,
		Status:      store.SessionNotAuth,
		CreatedAt:   time.Now(),
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		return Info{}, err
	}
	m.log.Info("session created", logx.String("session", rec.ID))
	return infoFromRecord(rec), nil
}

// Sessions lists all sessions, live status taking precedence over stored.
func (m *Manager) Sessions(ctx context.Context) ([]Info, error) {
	recs, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		info := infoFromRecord(rec)
		if h := m.lookup(rec.ID); h != nil {
			info.Status = h.currentStatus()
		}
		out = append(out, info)
	}
	return out, nil
}

// Connect is idempotent: if a live connection or an in-flight attempt exists
// for the id, it joins that instead of opening a duplicate.
func (m *Manager) Connect(ctx context.Context, id string) error {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return &ConnectionError{ID: id, Err: errManagerStopped}
	}
	h := m.handles[id]
	if h == nil {
		h = newHandle(m, id, rec.Status)
		m.handles[id] = h
	}
	m.mu.Unlock()

	return h.connect(ctx, rec.Credentials)
}

// Status returns the session's current status (live if connected).
func (m *Manager) Status(ctx context.Context, id string) (store.SessionStatus, error) {
	if h := m.lookup(id); h != nil {
		return h.currentStatus(), nil
	}
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

// Get returns the full external view of one session.
func (m *Manager) Get(ctx context.Context, id string) (Info, error) {
	rec, err := m.store.GetSession(ctx, id)
	if err != nil {
		return Info{}, err
	}
	info := infoFromRecord(rec)
	if h := m.lookup(id); h != nil {
		info.Status = h.currentStatus()
	}
	return info, nil
}

// QRCode returns the most recent pairing artifact, or nil outside QR_PAIRING.
func (m *Manager) QRCode(ctx context.Context, id string) (*transport.QRCode, error) {
	if h := m.lookup(id); h != nil {
		return h.currentQR(), nil
	}
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return nil, err
	}
	return nil, nil
}

// Send submits one message over the session's live connection. Valid only
// while the session is PAIRED. The handle lock is not held across the network
// round-trip, so a slow send never stalls other sessions or state updates.
func (m *Manager) Send(ctx context.Context, id, recipient, content string) (Receipt, error) {
	h := m.lookup(id)
	if h == nil {
		st, err := m.Status(ctx, id)
		if err != nil {
			return Receipt{}, err
		}
		return Receipt{}, &NotReadyError{ID: id, Status: st}
	}

	cli, st := h.clientForSend()
	if cli == nil || st != store.SessionPaired {
		return Receipt{}, &NotReadyError{ID: id, Status: st}
	}

	msgID, err := cli.SendText(ctx, recipient, content)
	if err != nil {
		return Receipt{}, err
	}
	now := time.Now()
	if terr := m.store.TouchSession(ctx, id, now); terr != nil {
		m.log.Debug("failed touching session", logx.String("session", id), logx.Err(terr))
	}
	return Receipt{MessageID: msgID, At: now}, nil
}

// PairedIDs returns the ids of sessions with a live PAIRED connection. Used
// by the dispatch workers to scope their claims.
func (m *Manager) PairedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, h := range m.handles {
		if h.currentStatus() == store.SessionPaired {
			out = append(out, id)
		}
	}
	return out
}

// RemoveSession logs the session out, tears down its connection and deletes
// the record. Teardown errors are logged and swallowed.
func (m *Manager) RemoveSession(ctx context.Context, id string) error {
	if _, err := m.store.GetSession(ctx, id); err != nil {
		return err
	}

	m.mu.Lock()
	h := m.handles[id]
	delete(m.handles, id)
	m.mu.Unlock()

	if h != nil {
		h.teardown(ctx, true)
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	m.log.Info("session removed", logx.String("session", id))
	return nil
}

// RemoveAllConnections tears down every live connection without deleting
// session records. Used on shutdown; fails open.
func (m *Manager) RemoveAllConnections(ctx context.Context) {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = map[string]*handle{}
	m.mu.Unlock()

	for _, h := range handles {
		h.teardown(ctx, false)
	}
	if len(handles) > 0 {
		m.log.Info("all connections closed", logx.Int("count", len(handles)))
	}
}

func (m *Manager) lookup(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[id]
}

func infoFromRecord(rec store.SessionRecord) Info {
	return Info{
		ID:          rec.ID,
		Description: rec.Description,
		Status:      rec.Status,
		Phone:       rec.Phone,
		DisplayName: rec.DisplayName,
		CreatedAt:   rec.CreatedAt,
		LastUsedAt:  rec.LastUsedAt,
	}
}
