// Package client is the peer side of the relay connection. Client
// implements event.Channel over a gobwas/ws WebSocket and reconnects with
// exponential backoff when the socket drops.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/duet/internal/event"
	"github.com/whisper/duet/internal/protocol"
)

// Config holds connection settings.
type Config struct {
	URL          string // relay WebSocket endpoint, e.g. ws://localhost:8080/ws
	UserID       string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration // application ping; 0 disables it
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig returns defaults for url and user.
func DefaultConfig(url, userID string) Config {
	return Config{
		URL:          url,
		UserID:       userID,
		DialTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PingInterval: 25 * time.Second,
		MinBackoff:   500 * time.Millisecond,
		MaxBackoff:   30 * time.Second,
	}
}

// Client is an event.Channel backed by a WebSocket to the relay. Events are
// dispatched from a single read goroutine in arrival order.
type Client struct {
	cfg Config
	mux *event.Mux

	mu        sync.Mutex // guards conn and serializes frame writes
	conn      net.Conn
	sessionID string
	onState   func(connected bool)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ event.Channel = (*Client)(nil)

// New creates a disconnected client.
func New(cfg Config) *Client {
	return &Client{
		cfg:  cfg,
		mux:  event.NewMux(),
		done: make(chan struct{}),
	}
}

// OnState registers a callback for connect and disconnect transitions. It
// runs on the client's goroutine.
func (c *Client) OnState(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// Start dials the relay once and, on success, keeps the connection alive in
// the background until ctx is done or Close is called.
func (c *Client) Start(ctx context.Context) error {
	conn, rd, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.wg.Add(1)
	go c.run(ctx, conn, rd)

	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(ctx)
	}
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("client: bad url %q: %w", c.cfg.URL, err)
	}
	q := u.Query()
	q.Set("user", c.cfg.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return nil, nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, br, _, err := ws.Dial(dctx, endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("client: dial %s: %w", c.cfg.URL, err)
	}
	var rd io.Reader = conn
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		rd = br
	}

	c.mu.Lock()
	c.conn = conn
	fn := c.onState
	c.mu.Unlock()
	log.Printf("[client] connected to %s as %s", c.cfg.URL, c.cfg.UserID)
	if fn != nil {
		fn(true)
	}
	return conn, rd, nil
}

// run reads until the connection fails, then redials with backoff.
func (c *Client) run(ctx context.Context, conn net.Conn, rd io.Reader) {
	defer c.wg.Done()
	backoff := c.cfg.MinBackoff

	for {
		err := c.readLoop(conn, rd)
		c.dropConn(conn)
		if c.stopped(ctx) {
			return
		}
		log.Printf("[client] connection lost: %v", err)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)

			conn, rd, err = c.dial(ctx)
			if err == nil {
				backoff = c.cfg.MinBackoff
				break
			}
			log.Printf("[client] reconnect failed: %v (retry in %s)", err, backoff)
		}
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Client) dropConn(conn net.Conn) {
	c.mu.Lock()
	wasCurrent := c.conn == conn
	if wasCurrent {
		c.conn = nil
		c.sessionID = ""
	}
	fn := c.onState
	c.mu.Unlock()

	conn.Close()
	if wasCurrent && fn != nil {
		fn(false)
	}
}

// lockedWriter serializes control replies with Emit.
type lockedWriter struct {
	c    *Client
	conn net.Conn
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.conn.Write(p)
}

func (c *Client) readLoop(conn net.Conn, src io.Reader) error {
	control := wsutil.ControlFrameHandler(lockedWriter{c: c, conn: conn}, ws.StateClientSide)
	rd := &wsutil.Reader{
		Source:          src,
		State:           ws.StateClientSide,
		CheckUTF8:       true,
		OnIntermediate:  control,
		SkipHeaderCheck: false,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}
		if hdr.OpCode&ws.OpText == 0 {
			if err := rd.Discard(); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	name, raw, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[client] dropping malformed frame: %v", err)
		return
	}
	switch name {
	case protocol.TypePong:
		return
	case protocol.TypeSessionCreated:
		var msg protocol.SessionCreatedMsg
		if json.Unmarshal(raw, &msg) == nil {
			c.mu.Lock()
			c.sessionID = msg.SessionID
			c.mu.Unlock()
		}
	case protocol.TypeError:
		var msg protocol.ErrorMsg
		if json.Unmarshal(raw, &msg) == nil {
			log.Printf("[client] relay error %s: %s", msg.Code, msg.Message)
		}
	}
	c.mux.Dispatch(name, raw)
}

func (c *Client) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Emit(protocol.TypePing, nil); err != nil && !errors.Is(err, event.ErrChannelUnavailable) {
				log.Printf("[client] ping: %v", err)
			}
		}
	}
}

// Emit sends one event. Nothing is queued while disconnected.
func (c *Client) Emit(name string, payload any) error {
	data, err := protocol.Encode(name, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return event.ErrChannelUnavailable
	}
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		// The read loop notices the broken socket and reconnects.
		return fmt.Errorf("client: emit %s: %w", name, errors.Join(event.ErrChannelUnavailable, err))
	}
	return nil
}

// On registers a handler for a relay event.
func (c *Client) On(name string, h event.Handler) func() {
	return c.mux.On(name, h)
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SessionID returns the relay-assigned id of the current connection.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close disconnects and stops reconnecting. It is safe to call twice but
// must not be called from an event handler.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	c.wg.Wait()
	return nil
}
