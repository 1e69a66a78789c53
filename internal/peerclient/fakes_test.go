package peerclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Chinzzii/pg-logical-replicator/internal/wsconn"
)

type fakeConn struct {
	incoming chan []byte
	outgoing chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		outgoing: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.outgoing <- data
	return nil
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.incoming:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, data, nil
	case <-f.closed:
		return 0, nil, io.ErrClosedPipe
	}
}

func (f *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error)         {}
func (f *fakeConn) SetReadDeadline(time.Time) error            { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	conn     *fakeConn
	redirect *wsconn.Redirect
	err      error
}

func (d *fakeDialer) Dial(ctx context.Context, uri string, header http.Header) (wsconn.Conn, *wsconn.Redirect, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.redirect != nil {
		r := d.redirect
		d.redirect = nil
		return nil, r, nil
	}
	if d.err != nil {
		return nil, nil, d.err
	}
	return d.conn, nil, nil
}

type fakeDispatcher struct {
	ch chan func()
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{ch: make(chan func(), 64)}
}

func (d *fakeDispatcher) Post(fn func()) { d.ch <- fn }

// Pump runs n queued closures on the calling goroutine, simulating the
// Controller's single event-loop goroutine draining its event channel.
func (d *fakeDispatcher) Pump(n int) {
	for i := 0; i < n; i++ {
		fn := <-d.ch
		fn()
	}
}

type fakeCallbacks struct {
	maxLog        *uint64
	maxRelay      *uint64
	replicationLog json.RawMessage
	heartbeats    int
	disconnects   int
	reconnects    int
	backoffs      int
}

func (f *fakeCallbacks) OnMaxLog(id uint64)             { v := id; f.maxLog = &v }
func (f *fakeCallbacks) OnMaxRelay(_ *Client, id uint64) { v := id; f.maxRelay = &v }
func (f *fakeCallbacks) OnReplicationLog(payload json.RawMessage) {
	f.replicationLog = payload
}
func (f *fakeCallbacks) OnHeartbeat()       { f.heartbeats++ }
func (f *fakeCallbacks) OnDisconnect()      { f.disconnects++ }
func (f *fakeCallbacks) ScheduleReconnect() { f.reconnects++ }
func (f *fakeCallbacks) ScheduleBackoff()   { f.backoffs++ }
