// Package wsconn wraps gorilla/websocket's client dialer with the one bit
// of handshake behavior the spec cares about: surfacing a 301/302 redirect
// Location so the caller can update its peer URI and retry, instead of
// gorilla's default of treating any non-101 response as a bare error.
package wsconn

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is the subset of *websocket.Conn the Peer Client depends on, kept
// as a narrow interface so tests can substitute a fake socket.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Redirect carries the Location header of a 301/302 upgrade response.
type Redirect struct {
	Location string
}

// Dialer dials an upgradeable WebSocket endpoint.
type Dialer interface {
	Dial(ctx context.Context, uri string, header http.Header) (Conn, *Redirect, error)
}

type gorillaDialer struct {
	underlying websocket.Dialer
}

// NewDialer returns a production Dialer backed by gorilla/websocket.
func NewDialer(handshakeTimeout time.Duration) Dialer {
	return &gorillaDialer{underlying: websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

func (d *gorillaDialer) Dial(ctx context.Context, uri string, header http.Header) (Conn, *Redirect, error) {
	conn, resp, err := d.underlying.DialContext(ctx, uri, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil && isRedirect(resp.StatusCode) {
			loc := resp.Header.Get("Location")
			if loc != "" {
				return nil, &Redirect{Location: loc}, nil
			}
		}
		return nil, nil, errors.Wrapf(err, "dial %s", uri)
	}
	return conn, nil, nil
}

func isRedirect(code int) bool {
	return code == http.StatusMovedPermanently || code == http.StatusFound
}
