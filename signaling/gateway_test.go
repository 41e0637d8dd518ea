package signaling

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// newTestServer starts an httptest server that upgrades to a WebSocket and
// hands the connection to handle on its own goroutine.
func newTestServer(t *testing.T, handle func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		go handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// wsEndpoint returns a full ws:// URL for srv, so Dial uses it verbatim
// instead of assuming TLS (srv is a plain-HTTP httptest server).
func wsEndpoint(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func writeFrame(t *testing.T, conn *websocket.Conn, op OpCode, v interface{}) {
	t.Helper()
	var data json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		data = b
	}
	if err := conn.WriteJSON(frame{Op: op, Data: data}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

// TestHandshakeDrivesHeartbeatAndReady covers the
// signalling portion: Hello triggers heartbeats at the given interval,
// Identify is sent on first connect, and Ready/SessionDescription callbacks
// fire on receipt.
func TestHandshakeDrivesHeartbeatAndReady(t *testing.T) {
	heartbeats := make(chan int64, 8)
	identified := make(chan IdentifyData, 1)

	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()

		writeFrame(t, conn, OpHello, HelloData{HeartbeatIntervalMillis: 20})

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		if f.Op != OpIdentify {
			t.Errorf("expected identify, got op %d", f.Op)
			return
		}
		var id IdentifyData
		json.Unmarshal(f.Data, &id)
		identified <- id

		writeFrame(t, conn, OpReady, ReadyData{SSRC: 123, IP: "1.2.3.4", Port: 50000, Modes: []string{"xsalsa20_poly1305_lite"}})

		for i := 0; i < 3; i++ {
			var hb frame
			if err := conn.ReadJSON(&hb); err != nil {
				return
			}
			if hb.Op != OpHeartbeat {
				continue
			}
			var nonce int64
			json.Unmarshal(hb.Data, &nonce)
			heartbeats <- nonce
			writeFrame(t, conn, OpHeartbeatACK, nonce)
		}
	})

	gw := New(Identity{GuildID: "g1", UserID: "u1", SessionID: "s1", Token: "tok"})

	ready := make(chan ReadyData, 1)
	gw.OnReady = func(r ReadyData) { ready <- r }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := gw.Dial(ctx, wsEndpoint(t, srv)); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer gw.Close()

	if err := gw.Identify(); err != nil {
		t.Fatalf("Identify: %v", err)
	}

	select {
	case id := <-identified:
		if id.GuildID != "g1" || id.UserID != "u1" {
			t.Fatalf("unexpected identify payload: %+v", id)
		}
	case <-time.After(time.Second):
		t.Fatal("server never received identify")
	}

	select {
	case r := <-ready:
		if r.SSRC != 123 || r.IP != "1.2.3.4" || r.Port != 50000 {
			t.Fatalf("unexpected ready payload: %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("OnReady never fired")
	}

	var last int64 = -1
	for i := 0; i < 2; i++ {
		select {
		case n := <-heartbeats:
			if n <= last {
				t.Fatalf("heartbeat nonce did not increase: last=%d got=%d", last, n)
			}
			last = n
		case <-time.After(time.Second):
			t.Fatal("expected periodic heartbeats driven by Hello's interval")
		}
	}

	time.Sleep(50 * time.Millisecond)
	if gw.Ping() <= 0 {
		t.Fatal("expected a positive Ping after at least one heartbeat/ack round trip")
	}
}

func TestSessionDescriptionCallback(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		writeFrame(t, conn, OpHello, HelloData{HeartbeatIntervalMillis: 5000})

		var secretKey [32]byte
		writeFrame(t, conn, OpSessionDescription, SessionDescriptionData{
			Mode: "xsalsa20_poly1305_lite", SecretKey: secretKey,
		})

		time.Sleep(200 * time.Millisecond)
	})

	gw := New(Identity{GuildID: "g1", UserID: "u1", SessionID: "s1", Token: "tok"})

	var mu sync.Mutex
	var got *SessionDescriptionData
	gw.OnSessionDescription = func(sd SessionDescriptionData) {
		mu.Lock()
		got = &sd
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gw.Dial(ctx, wsEndpoint(t, srv)); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer gw.Close()

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.Mode != "xsalsa20_poly1305_lite" {
		t.Fatalf("expected session description callback, got %+v", got)
	}
}

// TestResumableCloseReportsNilError checks that a close with
// code 4015 should surface through OnClose without an error, signalling
// "reconnect with Resume."
func TestResumableCloseReportsNilError(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		writeFrame(t, conn, OpHello, HelloData{HeartbeatIntervalMillis: 5000})
		time.Sleep(20 * time.Millisecond)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(ResumableCloseCode, "session invalidated"))
	})

	gw := New(Identity{GuildID: "g1", UserID: "u1", SessionID: "s1", Token: "tok"})

	closed := make(chan struct {
		code int
		err  error
	}, 1)
	gw.OnClose = func(code int, err error) {
		closed <- struct {
			code int
			err  error
		}{code, err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gw.Dial(ctx, wsEndpoint(t, srv)); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case c := <-closed:
		if c.code != ResumableCloseCode {
			t.Fatalf("expected close code %d, got %d", ResumableCloseCode, c.code)
		}
		if c.err != nil {
			t.Fatalf("expected nil error for a resumable close, got %v", c.err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnClose to fire")
	}
}

func TestNonResumableCloseReportsError(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		writeFrame(t, conn, OpHello, HelloData{HeartbeatIntervalMillis: 5000})
		time.Sleep(20 * time.Millisecond)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "boom"))
	})

	gw := New(Identity{GuildID: "g1", UserID: "u1", SessionID: "s1", Token: "tok"})

	closed := make(chan struct {
		code int
		err  error
	}, 1)
	gw.OnClose = func(code int, err error) {
		closed <- struct {
			code int
			err  error
		}{code, err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gw.Dial(ctx, wsEndpoint(t, srv)); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case c := <-closed:
		if c.code != websocket.CloseInternalServerErr {
			t.Fatalf("expected close code %d, got %d", websocket.CloseInternalServerErr, c.code)
		}
		if c.err == nil {
			t.Fatal("expected a non-nil error for a non-resumable close")
		}
	case <-time.After(time.Second):
		t.Fatal("expected OnClose to fire")
	}
}

func TestIdentifyRejectsIncompleteIdentity(t *testing.T) {
	gw := New(Identity{GuildID: "g1"})
	if err := gw.Identify(); err != ErrMissingForIdentify {
		t.Fatalf("expected ErrMissingForIdentify, got %v", err)
	}
}

func TestResumeRejectsIncompleteIdentity(t *testing.T) {
	gw := New(Identity{GuildID: "g1"})
	if err := gw.Resume(); err != ErrMissingForResume {
		t.Fatalf("expected ErrMissingForResume, got %v", err)
	}
}

func TestSendBeforeDialErrors(t *testing.T) {
	gw := New(Identity{GuildID: "g", UserID: "u", SessionID: "s", Token: "t"})
	if err := gw.Identify(); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// TestUnackedHeartbeatsSurfaceAsClose guards the pacemaker death wiring: if
// the server never ACKs a heartbeat, heart.Pacemaker gives up after two
// heartrates (heart.ErrDead) and that must reach OnClose as a non-nil error,
// not vanish with the heartbeat loop simply going quiet.
func TestUnackedHeartbeatsSurfaceAsClose(t *testing.T) {
	srv := newTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		writeFrame(t, conn, OpHello, HelloData{HeartbeatIntervalMillis: 15})

		// Keep reading so the connection stays open, but never answer a
		// heartbeat with an ACK.
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
		}
	})

	gw := New(Identity{GuildID: "g", UserID: "u", SessionID: "s", Token: "t"})

	type closeResult struct {
		code int
		err  error
	}
	closed := make(chan closeResult, 1)
	gw.OnClose = func(code int, err error) {
		closed <- closeResult{code, err}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := gw.Dial(ctx, wsEndpoint(t, srv)); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case res := <-closed:
		if res.err == nil {
			t.Fatal("expected a non-nil error once the pacemaker gives up on ACKs")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected OnClose to fire once the heartbeat pacemaker dies")
	}
}
