package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/duet/internal/event"
	"github.com/whisper/duet/internal/protocol"
)

// fakeRelay accepts sockets, greets with session_created and records every
// frame it receives.
type fakeRelay struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    []net.Conn
	users    []string
	received []string
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(req, w)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.users = append(r.users, req.URL.Query().Get("user"))
		r.mu.Unlock()

		greeting, _ := protocol.NewServerMessage(protocol.TypeSessionCreated,
			protocol.SessionCreatedMsg{UserID: req.URL.Query().Get("user"), SessionID: "s1"})
		wsutil.WriteServerMessage(conn, ws.OpText, greeting)

		go func() {
			defer conn.Close()
			for {
				data, err := wsutil.ReadClientText(conn)
				if err != nil {
					return
				}
				name, _, _ := protocol.Decode(data)
				r.mu.Lock()
				r.received = append(r.received, name)
				r.mu.Unlock()
			}
		}()
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

func (r *fakeRelay) push(t *testing.T, idx int, msgType string, payload any) {
	t.Helper()
	data, _ := protocol.NewServerMessage(msgType, payload)
	r.mu.Lock()
	conn := r.conns[idx]
	r.mu.Unlock()
	if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (r *fakeRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
}

func (r *fakeRelay) snapshot() (users, received []string, conns int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.users...), append([]string(nil), r.received...), len(r.conns)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url, "alice")
	cfg.PingInterval = 0
	cfg.MinBackoff = 20 * time.Millisecond
	cfg.MaxBackoff = 100 * time.Millisecond
	return cfg
}

func TestEmitWhileDisconnected(t *testing.T) {
	c := New(testConfig("ws://127.0.0.1:1/ws"))
	err := c.Emit(protocol.TypeTypingStart, protocol.TypingStartMsg{To: "bob"})
	if !errors.Is(err, event.ErrChannelUnavailable) {
		t.Fatalf("Emit = %v, want ErrChannelUnavailable", err)
	}
	if c.Connected() {
		t.Error("Connected() = true before Start")
	}
}

func TestStart_DialFailure(t *testing.T) {
	cfg := testConfig("ws://127.0.0.1:1/ws")
	cfg.DialTimeout = 200 * time.Millisecond
	if err := New(cfg).Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against a closed port")
	}
}

func TestEmitAndDispatch(t *testing.T) {
	relay := newFakeRelay(t)
	c := New(testConfig(relay.url()))

	var mu sync.Mutex
	var got []string
	c.On(protocol.TypeUserTyping, func(raw json.RawMessage) {
		var m protocol.UserTypingMsg
		json.Unmarshal(raw, &m)
		mu.Lock()
		got = append(got, "typing:"+m.UserID)
		mu.Unlock()
	})
	c.On(protocol.TypeUserStoppedTyping, func(raw json.RawMessage) {
		mu.Lock()
		got = append(got, "stopped")
		mu.Unlock()
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	waitFor(t, "session id", func() bool { return c.SessionID() == "s1" })
	if users, _, _ := relay.snapshot(); len(users) != 1 || users[0] != "alice" {
		t.Errorf("relay saw users %v", users)
	}

	if err := c.Emit(protocol.TypeTypingStart, protocol.TypingStartMsg{To: "bob"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, "relay receive", func() bool {
		_, rec, _ := relay.snapshot()
		return len(rec) == 1 && rec[0] == protocol.TypeTypingStart
	})

	relay.push(t, 0, protocol.TypeUserTyping, protocol.UserTypingMsg{UserID: "bob"})
	relay.push(t, 0, protocol.TypeUserStoppedTyping, protocol.UserTypingMsg{UserID: "bob"})
	waitFor(t, "dispatch", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if got[0] != "typing:bob" || got[1] != "stopped" {
		t.Errorf("dispatch order = %v", got)
	}
}

func TestReconnect(t *testing.T) {
	relay := newFakeRelay(t)
	c := New(testConfig(relay.url()))

	var mu sync.Mutex
	var states []bool
	c.OnState(func(up bool) {
		mu.Lock()
		states = append(states, up)
		mu.Unlock()
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	relay.dropAll()
	waitFor(t, "second connection", func() bool {
		_, _, n := relay.snapshot()
		return n == 2 && c.Connected()
	})

	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || !states[0] || states[1] || !states[2] {
		t.Errorf("state transitions = %v, want [true false true]", states)
	}
}

func TestCloseStopsReconnecting(t *testing.T) {
	relay := newFakeRelay(t)
	c := New(testConfig(relay.url()))
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Close()
	c.Close()

	time.Sleep(150 * time.Millisecond)
	if _, _, n := relay.snapshot(); n != 1 {
		t.Errorf("connections after Close = %d, want 1", n)
	}
	if err := c.Emit(protocol.TypePing, nil); !errors.Is(err, event.ErrChannelUnavailable) {
		t.Errorf("Emit after Close = %v", err)
	}
}
