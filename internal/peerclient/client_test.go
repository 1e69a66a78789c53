package peerclient

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chinzzii/pg-logical-replicator/internal/clock"
	"github.com/Chinzzii/pg-logical-replicator/internal/protocol"
	"github.com/Chinzzii/pg-logical-replicator/internal/wsconn"
)

func connectedClient(t *testing.T, dialer *fakeDialer) (*Client, *fakeConn, *fakeDispatcher, *fakeCallbacks, *clock.Fake) {
	t.Helper()
	conn := dialer.conn
	disp := newFakeDispatcher()
	cb := &fakeCallbacks{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))

	cfg := Config{URI: "wss://peer/", Source: "nodeA", MaxInFlight: 8, HeartbeatInterval: 600 * time.Second}
	c := New(cfg, dialer, clk, disp, cb, zerolog.Nop())
	c.SetCredentials("sess-1", "secret-1")
	c.Activate()
	c.BeginConnect(context.Background())
	disp.Pump(1)

	if c.ConnState() != Connected {
		t.Fatalf("expected Connected after BeginConnect, got %v", c.ConnState())
	}
	return c, conn, disp, cb, clk
}

func nextOutgoing(t *testing.T, conn *fakeConn) protocol.Message {
	t.Helper()
	select {
	case data := <-conn.outgoing:
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode outgoing frame: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outgoing message")
		return protocol.Message{}
	}
}

func pushResult(t *testing.T, conn *fakeConn, uid protocol.UniqueID, payload any) {
	t.Helper()
	msg, err := protocol.NewResult(uid, payload)
	if err != nil {
		t.Fatalf("build CallResult: %v", err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal CallResult: %v", err)
	}
	conn.incoming <- data
}

func pushError(t *testing.T, conn *fakeConn, uid protocol.UniqueID, code int, message string) {
	t.Helper()
	msg := protocol.NewError(uid, code, message)
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal CallError: %v", err)
	}
	conn.incoming <- data
}

func TestAuthorizeSubscribeGetMaxRelayChain(t *testing.T) {
	dialer := &fakeDialer{conn: newFakeConn()}
	c, conn, disp, cb, clk := connectedClient(t, dialer)

	c.Heartbeat(clk.Now())
	authMsg := nextOutgoing(t, conn)
	if authMsg.Action != "Authorize" {
		t.Fatalf("expected Authorize, got %q", authMsg.Action)
	}

	pushResult(t, conn, authMsg.UniqueID, map[string]bool{"authorized": true})
	disp.Pump(1)

	subMsg := nextOutgoing(t, conn)
	if subMsg.Action != "/observer/subscribe" {
		t.Fatalf("expected /observer/subscribe, got %q", subMsg.Action)
	}

	pushResult(t, conn, subMsg.UniqueID, map[string]any{})
	disp.Pump(1)

	maxRelayMsg := nextOutgoing(t, conn)
	if maxRelayMsg.Action != "/replication/relay/max" {
		t.Fatalf("expected /replication/relay/max, got %q", maxRelayMsg.Action)
	}

	pushResult(t, conn, maxRelayMsg.UniqueID, map[string]uint64{"id": 7})
	disp.Pump(1)

	if !c.Authorized() {
		t.Fatal("expected client to be authorized after handshake")
	}
	if cb.maxRelay == nil || *cb.maxRelay != 7 {
		t.Fatalf("expected OnMaxRelay(7), got %v", cb.maxRelay)
	}
}

func TestRelayAdd401IsQueuedAndReplayedAfterReauth(t *testing.T) {
	dialer := &fakeDialer{conn: newFakeConn()}
	c, conn, disp, _, _ := connectedClient(t, dialer)
	c.authorized = true

	c.Publish(map[string]any{"id": float64(1)}, false)
	addMsg := nextOutgoing(t, conn)
	if addMsg.Action != "/replication/relay/add" {
		t.Fatalf("expected /replication/relay/add, got %q", addMsg.Action)
	}

	pushError(t, conn, addMsg.UniqueID, protocol.ErrUnauthorized, "session expired")
	disp.Pump(1)

	if c.Authorized() {
		t.Fatal("expected authorized to be cleared on 401")
	}
	if len(c.pendingMessages) != 1 {
		t.Fatalf("expected 1 queued message after 401, got %d", len(c.pendingMessages))
	}

	c.authorized = true
	c.flushPending()

	replayMsg := nextOutgoing(t, conn)
	if replayMsg.Action != "/replication/relay/add" {
		t.Fatalf("expected replayed /replication/relay/add, got %q", replayMsg.Action)
	}
	if len(c.pendingMessages) != 0 {
		t.Fatalf("expected pendingMessages drained on replay, got %d", len(c.pendingMessages))
	}

	pushResult(t, conn, replayMsg.UniqueID, map[string]any{})
	disp.Pump(1)

	if c.SendCount() != 0 {
		t.Fatalf("sendCount = %d, want 0 after replay succeeds", c.SendCount())
	}
}

func TestPongTimeoutTearsDownAndSchedulesReconnect(t *testing.T) {
	dialer := &fakeDialer{conn: newFakeConn()}
	c, _, _, cb, clk := connectedClient(t, dialer)

	c.Heartbeat(clk.Now().Add(91 * time.Second))

	if c.ConnState() != Disconnected {
		t.Fatalf("expected Disconnected after pong timeout, got %v", c.ConnState())
	}
	if cb.reconnects != 1 {
		t.Fatalf("expected ScheduleReconnect called once, got %d", cb.reconnects)
	}
	if c.Authorized() {
		t.Fatal("expected authorized cleared by Reload after timeout")
	}
}

func TestRedirectDuringUpgradeIsFollowedImmediately(t *testing.T) {
	dialer := &fakeDialer{
		conn:     newFakeConn(),
		redirect: &wsconn.Redirect{Location: "wss://peer2/"},
	}
	disp := newFakeDispatcher()
	cb := &fakeCallbacks{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	cfg := Config{URI: "wss://peer1/", Source: "nodeA"}
	c := New(cfg, dialer, clk, disp, cb, zerolog.Nop())
	c.Activate()

	c.BeginConnect(context.Background())
	disp.Pump(1) // redirect observed, re-dial kicked off
	disp.Pump(1) // second dial succeeds

	if c.URI() != "wss://peer2/" {
		t.Fatalf("expected uri updated to redirect location, got %q", c.URI())
	}
	if c.ConnState() != Connected {
		t.Fatalf("expected Connected after following redirect, got %v", c.ConnState())
	}
}

func TestInFlightCapRejectsExcessCalls(t *testing.T) {
	dialer := &fakeDialer{conn: newFakeConn()}
	c, _, _, _, _ := connectedClient(t, dialer)
	c.cfg.MaxInFlight = 1
	c.authorized = true

	c.Publish(map[string]any{"id": float64(1)}, false)
	if c.SendCount() != 1 {
		t.Fatalf("sendCount = %d, want 1 after first publish", c.SendCount())
	}

	// Second publish should find the inFlight cap full and buffer instead
	// of sending, since the first relay/add is still outstanding.
	c.Publish(map[string]any{"id": float64(2)}, false)
	if len(c.pendingData) != 1 {
		t.Fatalf("expected second row buffered under inFlight cap, got %d pending", len(c.pendingData))
	}
	if c.SendCount() != 1 {
		t.Fatalf("sendCount = %d, want 1 (rejected send must not leave a phantom count)", c.SendCount())
	}
}
