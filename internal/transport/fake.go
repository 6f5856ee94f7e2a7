package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// FakeDialer produces in-memory clients that pair instantly. It exists for
// the "fake" transport driver (local development) and for tests.
type FakeDialer struct {
	seq atomic.Int64
}

func NewFakeDialer() *FakeDialer { return &FakeDialer{} }

func (d *FakeDialer) Dial(ctx context.Context, credentials []byte) (Client, error) {
	n := d.seq.Add(1)
	return &fakeClient{
		creds:  credentials,
		phone:  fmt.Sprintf("1000000%04d", n),
		events: make(chan Event, 16),
	}, nil
}

type fakeClient struct {
	mu     sync.Mutex
	closed bool
	creds  []byte
	phone  string
	events chan Event
}

func (c *fakeClient) Connect(ctx context.Context) error {
	creds := c.creds
	if len(creds) == 0 {
		c.emit(Event{Kind: EventQR, QR: &QRCode{Code: "fake-qr-" + c.phone, ExpiresAt: time.Now().Add(time.Minute)}})
		creds = []byte("fake:" + c.phone)
	}
	c.emit(Event{Kind: EventPaired, Paired: &PairedInfo{
		Phone:       c.phone,
		DisplayName: "fake device",
		Credentials: creds,
	}})
	return nil
}

func (c *fakeClient) SendText(ctx context.Context, recipient, text string) (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrNotConnected
	}
	return fmt.Sprintf("fake-%s-%d", recipient, time.Now().UnixNano()), nil
}

func (c *fakeClient) Disconnect() { c.close() }

func (c *fakeClient) Logout(ctx context.Context) error {
	c.close()
	return nil
}

func (c *fakeClient) Events() <-chan Event { return c.events }

func (c *fakeClient) emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- e:
	default:
	}
}

func (c *fakeClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
