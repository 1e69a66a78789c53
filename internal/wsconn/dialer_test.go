package wsconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsURL(t *testing.T, httpURL string) string {
	t.Helper()
	u := strings.Replace(httpURL, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u
}

func TestDialSucceedsAndRoundTripsAgainstRealServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}))
	defer srv.Close()

	dialer := NewDialer(2 * time.Second)
	conn, redirect, err := dialer.Dial(context.Background(), wsURL(t, srv.URL), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if redirect != nil {
		t.Fatalf("expected no redirect, got %+v", redirect)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "ping" {
		t.Fatalf("expected echoed ping, got %q", data)
	}
}

func TestDialSurfacesRedirectLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://peer2.internal/ws", http.StatusFound)
	}))
	defer srv.Close()

	dialer := NewDialer(2 * time.Second)
	conn, redirect, err := dialer.Dial(context.Background(), wsURL(t, srv.URL), nil)
	if err != nil {
		t.Fatalf("expected redirect to be surfaced without an error, got: %v", err)
	}
	if conn != nil {
		t.Fatalf("expected no connection on redirect, got %v", conn)
	}
	if redirect == nil || redirect.Location != "http://peer2.internal/ws" {
		t.Fatalf("expected redirect location, got %+v", redirect)
	}
}

func TestIsRedirect(t *testing.T) {
	cases := map[int]bool{
		http.StatusMovedPermanently: true,
		http.StatusFound:            true,
		http.StatusOK:               false,
		http.StatusNotFound:         false,
	}
	for code, want := range cases {
		if got := isRedirect(code); got != want {
			t.Errorf("isRedirect(%d) = %v, want %v", code, got, want)
		}
	}
}
