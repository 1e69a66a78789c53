package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Chinzzii/pg-logical-replicator/internal/dbgateway"
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
func (f *fakeConn) SetPongHandler(func(string) error)          {}
func (f *fakeConn) SetReadDeadline(time.Time) error            { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu   sync.Mutex
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, uri string, header http.Header) (wsconn.Conn, *wsconn.Redirect, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, nil, d.err
	}
	return d.conn, nil, nil
}

// fakeDB is a DBClient fake standing in for the external database: no real
// SQL runs, callbacks fire synchronously with canned results.
type fakeDB struct {
	getReplicationLogFn func(id uint64) (json.RawMessage, error)
	getMaxRelayIDFn     func() *uint64
	replicationLogFn    func(afterID uint64) ([]json.RawMessage, error)
	listenErr           error
}

func (f *fakeDB) Listen(ctx context.Context, channel string, handler dbgateway.NotifyHandler) error {
	return f.listenErr
}

func (f *fakeDB) GetReplicationLog(ctx context.Context, id uint64, binding dbgateway.Binding, onResult func(dbgateway.Binding, json.RawMessage), onError dbgateway.ErrorFunc) {
	if f.getReplicationLogFn == nil {
		onError(binding, errors.New("fakeDB: no GetReplicationLog configured"))
		return
	}
	raw, err := f.getReplicationLogFn(id)
	if err != nil {
		onError(binding, err)
		return
	}
	onResult(binding, raw)
}

func (f *fakeDB) GetMaxRelayID(ctx context.Context, source string, binding dbgateway.Binding, onResult func(dbgateway.Binding, *uint64), onError dbgateway.ErrorFunc) {
	var id *uint64
	if f.getMaxRelayIDFn != nil {
		id = f.getMaxRelayIDFn()
	}
	onResult(binding, id)
}

func (f *fakeDB) ReplicationLog(ctx context.Context, relayID uint64, source string, limit int, binding dbgateway.Binding, onResult func(dbgateway.Binding, []json.RawMessage), onError dbgateway.ErrorFunc) {
	if f.replicationLogFn == nil {
		onResult(binding, nil)
		return
	}
	rows, err := f.replicationLogFn(relayID)
	if err != nil {
		onError(binding, err)
		return
	}
	onResult(binding, rows)
}

func (f *fakeDB) AddToRelayLog(ctx context.Context, source string, id uint64, datetime time.Time, action, schema, name, key string, data json.RawMessage, proxy bool, binding dbgateway.Binding, onResult func(dbgateway.Binding, uint64), onError dbgateway.ErrorFunc) {
	onResult(binding, id)
}

func (f *fakeDB) ReplicationApplyRelay(ctx context.Context, source string, id uint64, binding dbgateway.Binding, onResult func(dbgateway.Binding, int), onError dbgateway.ErrorFunc) {
	onResult(binding, 1)
}
