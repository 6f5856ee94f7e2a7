package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wstore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"wablast/internal/transport"
	"wablast/pkg/logx"
)

type Config struct {
	// StorePath is the sqlite file whatsmeow uses for its own device state.
	StorePath string
}

// Dialer creates whatsmeow-backed transport clients. All clients share one
// device container; the credential blob is the device JID used to look the
// device up again on resume.
type Dialer struct {
	container *sqlstore.Container
	log       logx.Logger
}

func NewDialer(cfg Config, log logx.Logger) (*Dialer, error) {
	if strings.TrimSpace(cfg.StorePath) == "" {
		return nil, errors.New("whatsapp store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", cfg.StorePath)
	container, err := sqlstore.New(context.Background(), "sqlite", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	return &Dialer{container: container, log: log}, nil
}

func (d *Dialer) Dial(ctx context.Context, credentials []byte) (transport.Client, error) {
	device, err := d.device(ctx, credentials)
	if err != nil {
		return nil, err
	}
	c := &client{
		cli:    whatsmeow.NewClient(device, waLog.Noop),
		log:    d.log,
		events: make(chan transport.Event, 32),
	}
	c.cli.AddEventHandler(c.handleEvent)
	return c, nil
}

func (d *Dialer) device(ctx context.Context, credentials []byte) (*wstore.Device, error) {
	if len(credentials) > 0 {
		jid, err := types.ParseJID(string(credentials))
		if err == nil {
			dev, err := d.container.GetDevice(ctx, jid)
			if err == nil && dev != nil {
				return dev, nil
			}
			d.log.Warn("stored device not found; starting fresh pairing", logx.String("jid", jid.String()), logx.Err(err))
		}
	}
	return d.container.NewDevice(), nil
}

type client struct {
	cli *whatsmeow.Client
	log logx.Logger

	mu     sync.Mutex
	closed bool
	events chan transport.Event
}

func (c *client) Connect(ctx context.Context) error {
	if c.cli.Store.ID == nil {
		// Unpaired device: the QR channel must be requested before Connect.
		qrChan, err := c.cli.GetQRChannel(ctx)
		if err != nil {
			return err
		}
		go c.pumpQR(qrChan)
	}
	return c.cli.Connect()
}

func (c *client) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			c.emit(transport.Event{Kind: transport.EventQR, QR: &transport.QRCode{
				Code:      item.Code,
				ExpiresAt: time.Now().Add(item.Timeout),
			}})
		case whatsmeow.QRChannelSuccess.Event:
			// Paired; the events.Connected handler emits EventPaired.
		default:
			// timeout / error / unexpected state: the connection handler will
			// observe the resulting disconnect.
			c.log.Debug("qr channel closed", logx.String("event", item.Event), logx.Err(item.Error))
		}
	}
}

func (c *client) handleEvent(evt any) {
	switch evt.(type) {
	case *events.Connected:
		id := c.cli.Store.ID
		if id == nil {
			return
		}
		c.emit(transport.Event{Kind: transport.EventPaired, Paired: &transport.PairedInfo{
			Phone:       id.User,
			DisplayName: c.cli.Store.PushName,
			Credentials: []byte(id.String()),
		}})
	case *events.Disconnected:
		c.emit(transport.Event{Kind: transport.EventDisconnected})
		c.close()
	case *events.StreamReplaced:
		c.emit(transport.Event{Kind: transport.EventDisconnected, Err: errors.New("stream replaced by another connection")})
		c.close()
	case *events.LoggedOut:
		c.emit(transport.Event{Kind: transport.EventLoggedOut})
		c.close()
	}
}

func (c *client) SendText(ctx context.Context, recipient, text string) (string, error) {
	if !c.cli.IsConnected() {
		return "", transport.ErrNotConnected
	}
	jid := types.NewJID(recipient, types.DefaultUserServer)
	resp, err := c.cli.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", err
	}
	return string(resp.ID), nil
}

func (c *client) Disconnect() {
	c.cli.Disconnect()
	c.close()
}

func (c *client) Logout(ctx context.Context) error {
	err := c.cli.Logout(ctx)
	c.close()
	return err
}

func (c *client) Events() <-chan transport.Event { return c.events }

func (c *client) emit(e transport.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- e:
	default:
		c.log.Warn("transport event dropped (consumer slow)", logx.String("kind", string(e.Kind)))
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.events)
}
