package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wablast/internal/eventbus"
	"wablast/internal/store"
	"wablast/internal/transport"
	"wablast/pkg/logx"
)

// scriptDialer hands out clients whose events the test pushes by hand.
type scriptDialer struct {
	mu        sync.Mutex
	dials     int
	dialErr   error
	dialDelay time.Duration
	dialGate  chan struct{} // when non-nil, Dial parks until it is closed
	clients   []*scriptClient
}

func (d *scriptDialer) Dial(ctx context.Context, credentials []byte) (transport.Client, error) {
	d.mu.Lock()
	d.dials++
	delay := d.dialDelay
	gate := d.dialGate
	err := d.dialErr
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c := &scriptClient{creds: credentials, events: make(chan transport.Event, 16)}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *scriptDialer) client(i int) *scriptClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.clients) {
		return nil
	}
	return d.clients[i]
}

// waitClient blocks until the dialer has produced at least i+1 clients.
func (d *scriptDialer) waitClient(t *testing.T, i int) *scriptClient {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c := d.client(i); c != nil {
			return c
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("client %d was never dialed", i)
	return nil
}

type scriptClient struct {
	mu        sync.Mutex
	closed    bool
	loggedOut bool
	creds     []byte
	events    chan transport.Event
}

func (c *scriptClient) Connect(ctx context.Context) error { return nil }

func (c *scriptClient) SendText(ctx context.Context, recipient, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", transport.ErrNotConnected
	}
	return "msg-" + recipient, nil
}

func (c *scriptClient) Disconnect() { c.close() }

func (c *scriptClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	c.close()
	return nil
}

func (c *scriptClient) Events() <-chan transport.Event { return c.events }

func (c *scriptClient) push(e transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- e
}

func (c *scriptClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}

func (c *scriptClient) wasLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *scriptClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func startManager(t *testing.T, st store.Store, dialer transport.Dialer, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, st, dialer, logx.Nop(), eventbus.New())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Stop(context.Background(), time.Second) })
	return m
}

func waitStatus(t *testing.T, m *Manager, id string, want store.SessionStatus) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last store.SessionStatus
	for time.Now().Before(deadline) {
		st, err := m.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st == want {
			return
		}
		last = st
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status = %s, want %s", last, want)
}

func TestPairingFlow(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	dialer := &scriptDialer{}
	m := startManager(t, st, dialer, Config{})
	ctx := context.Background()

	info, err := m.CreateSession(ctx, "first device")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.Status != store.SessionNotAuth {
		t.Fatalf("new session status = %s, want NOT_AUTH", info.Status)
	}

	if err := m.Connect(ctx, info.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cli := dialer.waitClient(t, 0)

	cli.push(transport.Event{Kind: transport.EventQR, QR: &transport.QRCode{
		Code: "qr-1", ExpiresAt: time.Now().Add(time.Minute),
	}})
	waitStatus(t, m, info.ID, store.SessionQRPairing)

	qr, err := m.QRCode(ctx, info.ID)
	if err != nil {
		t.Fatalf("QRCode: %v", err)
	}
	if qr == nil || qr.Code != "qr-1" {
		t.Fatalf("QRCode = %+v, want qr-1", qr)
	}

	// a regenerated code replaces the artifact in place
	cli.push(transport.Event{Kind: transport.EventQR, QR: &transport.QRCode{
		Code: "qr-2", ExpiresAt: time.Now().Add(time.Minute),
	}})
	deadline := time.Now().Add(2 * time.Second)
	for {
		qr, _ = m.QRCode(ctx, info.ID)
		if qr != nil && qr.Code == "qr-2" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("QR artifact not replaced: %+v", qr)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cli.push(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
		Phone: "628123", DisplayName: "Alice", Credentials: []byte("creds-1"),
	}})
	waitStatus(t, m, info.ID, store.SessionPaired)

	// pairing persisted the identity and credentials
	rec, err := st.GetSession(ctx, info.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Phone != "628123" || string(rec.Credentials) != "creds-1" {
		t.Fatalf("persisted record = %+v", rec)
	}

	// QR artifact is gone once paired
	if qr, _ := m.QRCode(ctx, info.ID); qr != nil {
		t.Fatalf("QRCode after pairing = %+v, want nil", qr)
	}

	ids := m.PairedIDs()
	if len(ids) != 1 || ids[0] != info.ID {
		t.Fatalf("PairedIDs = %v", ids)
	}
}

func TestConnectCoalesced(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	dialer := &scriptDialer{dialDelay: 50 * time.Millisecond}
	m := startManager(t, st, dialer, Config{})
	ctx := context.Background()

	info, err := m.CreateSession(ctx, "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Connect(ctx, info.ID); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("dial count = %d, want 1 (concurrent connects must coalesce)", n)
	}

	// a connect after the connection is live is also a no-op
	if err := m.Connect(ctx, info.ID); err != nil {
		t.Fatalf("Connect (live): %v", err)
	}
	if n := dialer.dialCount(); n != 1 {
		t.Fatalf("dial count after repeat connect = %d, want 1", n)
	}
}

func TestSendRequiresPaired(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	dialer := &scriptDialer{}
	m := startManager(t, st, dialer, Config{})
	ctx := context.Background()

	info, _ := m.CreateSession(ctx, "")

	var nr *NotReadyError
	if _, err := m.Send(ctx, info.ID, "111", "hi"); !errors.As(err, &nr) {
		t.Fatalf("Send unpaired = %v, want NotReadyError", err)
	}
	if nr.Status != store.SessionNotAuth {
		t.Fatalf("NotReadyError.Status = %s, want NOT_AUTH", nr.Status)
	}

	if _, err := m.Send(ctx, "no-such-id", "111", "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Send unknown = %v, want ErrNotFound", err)
	}

	// pair and send for real
	if err := m.Connect(ctx, info.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cli := dialer.waitClient(t, 0)
	cli.push(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
		Phone: "628123", Credentials: []byte("c"),
	}})
	waitStatus(t, m, info.ID, store.SessionPaired)

	r, err := m.Send(ctx, info.ID, "111", "hi")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if r.MessageID != "msg-111" {
		t.Fatalf("MessageID = %s", r.MessageID)
	}

	rec, _ := st.GetSession(ctx, info.ID)
	if rec.LastUsedAt.IsZero() {
		t.Fatal("LastUsedAt not touched on send")
	}
}

func TestDisconnectResumesAndRepairs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	dialer := &scriptDialer{}
	m := startManager(t, st, dialer, Config{ResumeMax: 3, ResumeBase: 10 * time.Millisecond, ResumeMaxDelay: 20 * time.Millisecond})
	ctx := context.Background()

	info, _ := m.CreateSession(ctx, "")
	if err := m.Connect(ctx, info.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cli := dialer.waitClient(t, 0)
	cli.push(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
		Phone: "628123", Credentials: []byte("c"),
	}})
	waitStatus(t, m, info.ID, store.SessionPaired)

	// connection dies; the manager must redial with stored credentials
	cli.push(transport.Event{Kind: transport.EventDisconnected})
	cli2 := dialer.waitClient(t, 1)
	if string(cli2.creds) != "c" {
		t.Fatalf("resume dialed with creds %q, want stored ones", cli2.creds)
	}
	cli2.push(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
		Phone: "628123", Credentials: []byte("c"),
	}})
	waitStatus(t, m, info.ID, store.SessionPaired)
}

func TestResumeBudgetExhaustedForcesRepairing(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	dialer := &scriptDialer{}
	m := startManager(t, st, dialer, Config{ResumeMax: 2, ResumeBase: 5 * time.Millisecond, ResumeMaxDelay: 10 * time.Millisecond})
	ctx := context.Background()

	info, _ := m.CreateSession(ctx, "")
	if err := m.Connect(ctx, info.ID); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	cli := dialer.waitClient(t, 0)
	cli.push(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
		Phone: "628123", Credentials: []byte("c"),
	}})
	waitStatus(t, m, info.ID, store.SessionPaired)

	// every further dial fails: the resume budget must run out
	dialer.mu.Lock()
	dialer.dialErr = errors.New("network down")
	dialer.mu.Unlock()
	cli.push(transport.Event{Kind: transport.EventDisconnected})

	waitStatus(t, m, info.ID, store.SessionNotAuth)

	rec, _ := st.GetSession(ctx, info.ID)
	if len(rec.Credentials) != 0 {
		t.Fatal("credentials must be cleared after the resume budget is exhausted")
	}
}

func TestRemoteLogoutClearsCredentials(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	dialer := &scriptDialer{}
	m := startManager(t, st, dialer, Config{})
	ctx := context.Background()

	info, _ := m.CreateSession(ctx, "")
	_ = m.Connect(ctx, info.ID)
	cli := dialer.waitClient(t, 0)
	cli.push(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
		Phone: "628123", Credentials: []byte("c"),
	}})
	waitStatus(t, m, info.ID, store.SessionPaired)

	cli.push(transport.Event{Kind: transport.EventLoggedOut})
	waitStatus(t, m, info.ID, store.SessionNotAuth)

	rec, _ := st.GetSession(ctx, info.ID)
	if len(rec.Credentials) != 0 {
		t.Fatal("credentials must be cleared on remote logout")
	}
}

func TestStartReconciliation(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	// stale pairing artifact, resumable session, paired-without-credentials
	for _, rec := range []store.SessionRecord{
		{ID: "stale-qr", Status: store.SessionQRPairing, CreatedAt: time.Now()},
		{ID: "resume-me", Status: store.SessionPaired, Credentials: []byte("c"), CreatedAt: time.Now()},
		{ID: "no-creds", Status: store.SessionDisconnected, CreatedAt: time.Now()},
	} {
		if err := st.CreateSession(ctx, rec); err != nil {
			t.Fatalf("CreateSession(%s): %v", rec.ID, err)
		}
	}

	dialer := &scriptDialer{}
	m := startManager(t, st, dialer, Config{})

	if stat, _ := m.Status(ctx, "stale-qr"); stat != store.SessionNotAuth {
		t.Fatalf("stale-qr status = %s, want NOT_AUTH (artifacts never survive restart)", stat)
	}
	if stat, _ := m.Status(ctx, "no-creds"); stat != store.SessionNotAuth {
		t.Fatalf("no-creds status = %s, want NOT_AUTH", stat)
	}

	// the resumable one was redialed with its stored credentials
	cli := dialer.waitClient(t, 0)
	if string(cli.creds) != "c" {
		t.Fatalf("startup resume creds = %q, want c", cli.creds)
	}
	cli.push(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
		Phone: "628", Credentials: []byte("c"),
	}})
	waitStatus(t, m, "resume-me", store.SessionPaired)
}

func TestRemoveSessionDuringDial(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	gate := make(chan struct{})
	dialer := &scriptDialer{dialGate: gate}
	m := startManager(t, st, dialer, Config{})
	ctx := context.Background()

	info, _ := m.CreateSession(ctx, "")

	connErr := make(chan error, 1)
	go func() { connErr <- m.Connect(ctx, info.ID) }()

	// wait until the dial is parked behind the gate
	deadline := time.Now().Add(2 * time.Second)
	for dialer.dialCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("dial never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// removal completes while the dial is still in flight
	if err := m.RemoveSession(ctx, info.ID); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	close(gate)

	if err := <-connErr; !errors.Is(err, ErrNotFound) {
		t.Fatalf("Connect racing removal = %v, want ErrNotFound", err)
	}

	// the late connection must not survive the removed session
	cli := dialer.waitClient(t, 0)
	if !cli.isClosed() {
		t.Fatal("client dialed during removal was left open")
	}
	if !cli.wasLoggedOut() {
		t.Fatal("client dialed during removal must be logged out")
	}
}

func TestRemoveSessionLogsOut(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	dialer := &scriptDialer{}
	m := startManager(t, st, dialer, Config{})
	ctx := context.Background()

	info, _ := m.CreateSession(ctx, "")
	_ = m.Connect(ctx, info.ID)
	cli := dialer.waitClient(t, 0)
	cli.push(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
		Phone: "628", Credentials: []byte("c"),
	}})
	waitStatus(t, m, info.ID, store.SessionPaired)

	if err := m.RemoveSession(ctx, info.ID); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if !cli.wasLoggedOut() {
		t.Fatal("RemoveSession must log the device out")
	}
	if _, err := m.Get(ctx, info.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after remove = %v, want ErrNotFound", err)
	}
	if err := m.RemoveSession(ctx, info.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second remove = %v, want ErrNotFound", err)
	}
}
