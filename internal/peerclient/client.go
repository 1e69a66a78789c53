// Package peerclient implements the Peer Client of §4.2: one upgradeable
// WebSocket session per configured upstream, its own 1s heartbeat driving
// ping/pong, the Authorize handshake, and the catch-up trio, plus
// request/response correlation for every protocol RPC.
package peerclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Chinzzii/pg-logical-replicator/internal/clock"
	"github.com/Chinzzii/pg-logical-replicator/internal/protocol"
	"github.com/Chinzzii/pg-logical-replicator/internal/wsconn"
)

const (
	pongTimeout              = 90 * time.Second
	pingInterval             = 60 * time.Second
	registrationWait         = 30 * time.Second
	applyIntervalAfterNoRows = 60 * time.Minute
	defaultHeartbeatInterval = 600 * time.Second
	controlWriteWait         = 5 * time.Second
)

// ErrInFlightFull is returned when a Call would exceed the configured
// inFlight cap (§9's backpressure note).
var ErrInFlightFull = errors.New("peerclient: inFlight cap reached")

var errNotConnected = errors.New("peerclient: not connected")

// Client manages one peer's WebSocket session.
type Client struct {
	cfg    Config
	uri    string
	source string

	session, secret string
	authorized      bool
	sendCount       int

	connState ConnState
	conn      wsconn.Conn

	dialer    wsconn.Dialer
	clock     clock.Clock
	dispatch  Dispatcher
	callbacks Callbacks
	logger    zerolog.Logger

	pingTs, pongTs, heartbeatTs, registrationTs, applyTs time.Time
	heartbeatInterval                                    time.Duration

	pendingData     []pendingRow
	pendingMessages []protocol.Message
	inFlight        map[protocol.UniqueID]pendingCall
}

// New constructs a Client in the Inactive state; the Controller activates
// it once it has session credentials to hand over.
func New(cfg Config, dialer wsconn.Dialer, clk clock.Clock, dispatch Dispatcher, callbacks Callbacks, logger zerolog.Logger) *Client {
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = defaultHeartbeatInterval
	}
	return &Client{
		cfg:               cfg,
		uri:               cfg.URI,
		source:            cfg.Source,
		dialer:            dialer,
		clock:             clk,
		dispatch:          dispatch,
		callbacks:         callbacks,
		logger:            logger.With().Str("component", "peerclient").Str("uri", cfg.URI).Logger(),
		connState:         Inactive,
		heartbeatInterval: hb,
		inFlight:          make(map[protocol.UniqueID]pendingCall),
	}
}

// SetCredentials copies the Controller's current session/secret, as spec
// §3 requires ("copied from controller at creation").
func (c *Client) SetCredentials(session, secret string) {
	c.session = session
	c.secret = secret
}

// URI reports the current (possibly redirect-updated) peer endpoint.
func (c *Client) URI() string { return c.uri }

// ConnState reports the connection lifecycle position.
func (c *Client) ConnState() ConnState { return c.connState }

// Authorized reports whether the Authorize handshake has succeeded.
func (c *Client) Authorized() bool { return c.authorized }

// SendCount reports outstanding /replication/relay/add RPCs.
func (c *Client) SendCount() int { return c.sendCount }

// InFlightLen reports outstanding correlated RPCs of any kind.
func (c *Client) InFlightLen() int { return len(c.inFlight) }

// PongAge reports how long it has been since the last pong, or zero if
// none has been recorded yet.
func (c *Client) PongAge(now time.Time) time.Duration {
	if c.pongTs.IsZero() {
		return 0
	}
	return now.Sub(c.pongTs)
}

// Ready reports whether the client can accept an immediate relay/add send.
func (c *Client) Ready() bool {
	return c.connState == Connected && c.authorized
}

// Activate moves an Inactive client to Disconnected so the Controller's
// heartbeat will initiate a connection (§4.1 step 3).
func (c *Client) Activate() {
	if c.connState == Inactive {
		c.connState = Disconnected
	}
}

// Close tears down the connection and retires the client.
func (c *Client) Close() {
	c.teardownConn()
	c.connState = Inactive
}

// BeginConnect dials the peer asynchronously; the result is delivered back
// through the Dispatcher so state mutation stays on the Controller's
// single goroutine.
func (c *Client) BeginConnect(ctx context.Context) {
	if c.connState != Disconnected {
		return
	}
	c.connState = Connecting
	uri := c.uri
	go func() {
		conn, redirect, err := c.dialer.Dial(ctx, uri, nil)
		c.dispatch.Post(func() {
			c.finishConnect(ctx, conn, redirect, err)
		})
	}()
}

func (c *Client) finishConnect(ctx context.Context, conn wsconn.Conn, redirect *wsconn.Redirect, err error) {
	switch {
	case redirect != nil:
		c.uri = redirect.Location
		c.connState = Disconnected
		c.logger.Info().Str("location", redirect.Location).Msg("peer redirected during upgrade, retrying immediately")
		c.BeginConnect(ctx)
	case err != nil:
		c.connState = Disconnected
		c.logger.Warn().Err(err).Msg("upgrade failed, backing off")
		c.callbacks.ScheduleBackoff()
	default:
		now := c.clock.Now()
		c.conn = conn
		c.connState = Connected
		c.pongTs = now
		c.pingTs = now.Add(pingInterval)
		c.registrationTs = now
		c.applyTs = time.Time{}
		c.heartbeatTs = now.Add(c.heartbeatInterval)
		conn.SetPongHandler(func(string) error {
			c.dispatch.Post(func() { c.pongTs = c.clock.Now() })
			return nil
		})
		go c.readPump()
	}
}

// Heartbeat runs this client's own 1s-cadence state machine (§4.2 steps
// 1-5). It is a no-op while not Connected.
func (c *Client) Heartbeat(now time.Time) {
	if c.connState != Connected {
		return
	}

	switch {
	case !c.pongTs.IsZero() && now.Sub(c.pongTs) >= pongTimeout:
		c.fireTimeout()
	case !now.Before(c.pingTs):
		c.pingTs = now.Add(pingInterval)
		c.sendPing()
	case !c.authorized && !now.Before(c.registrationTs):
		c.registrationTs = now.Add(registrationWait)
		_ = c.SendAuthorize()
	case !now.Before(c.applyTs):
		c.applyTs = now.Add(applyIntervalAfterNoRows)
		c.sendCatchUpTrio()
	}

	if !now.Before(c.heartbeatTs) {
		c.heartbeatTs = now.Add(c.heartbeatInterval)
		c.callbacks.OnHeartbeat()
	}
}

func (c *Client) fireTimeout() {
	c.logger.Warn().Msg("pong timeout, closing connection")
	c.teardownConn()
	c.Reload()
	c.callbacks.ScheduleReconnect()
}

func (c *Client) sendPing() {
	if c.conn == nil {
		return
	}
	deadline := c.clock.Now().Add(controlWriteWait)
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		c.logger.Warn().Err(err).Msg("ping failed")
	}
}

// Reload clears authorization/session-scoped timers while preserving
// credentials, per §4.2's connection lifecycle.
func (c *Client) Reload() {
	c.authorized = false
	c.sendCount = 0
	c.pongTs = time.Time{}
	c.heartbeatTs = time.Time{}
	c.registrationTs = time.Time{}
}

func (c *Client) teardownConn() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	if c.connState == Connected {
		c.connState = Disconnected
	}
	for id := range c.inFlight {
		delete(c.inFlight, id)
	}
}

func (c *Client) readPump() {
	conn := c.conn
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.dispatch.Post(func() { c.handleReadError(conn, err) })
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("decode frame failed")
			continue
		}
		c.dispatch.Post(func() { c.handleMessage(msg) })
	}
}

func (c *Client) handleReadError(conn wsconn.Conn, err error) {
	if c.conn != conn {
		return // already torn down by a newer event (e.g. TimeOut)
	}
	c.logger.Warn().Err(err).Msg("peer connection lost")
	c.teardownConn()
	c.Reload()
	c.callbacks.OnDisconnect()
}

func (c *Client) handleMessage(msg protocol.Message) {
	switch msg.TypeID {
	case protocol.CallResult, protocol.CallError:
		pc, ok := c.inFlight[msg.UniqueID]
		if !ok {
			c.logger.Warn().Str("uniqueId", string(msg.UniqueID)).Msg("response for unknown or already-resolved request")
			return
		}
		delete(c.inFlight, msg.UniqueID)
		if msg.TypeID == protocol.CallError {
			pc.onError(msg.ErrorCode, msg.ErrorMessage, pc.original)
		} else {
			pc.onSuccess(msg.Payload)
		}
	default:
		c.logger.Debug().Str("type", msg.TypeID.String()).Msg("unhandled frame type")
	}
}

// call registers a correlated request and sends it, enforcing the inFlight
// cap from Config.MaxInFlight (§9's backpressure note).
func (c *Client) call(msg protocol.Message, onSuccess func(json.RawMessage), onError func(code int, message string, original protocol.Message)) error {
	if c.cfg.MaxInFlight > 0 && len(c.inFlight) >= c.cfg.MaxInFlight {
		return ErrInFlightFull
	}
	c.inFlight[msg.UniqueID] = pendingCall{onSuccess: onSuccess, onError: onError, original: msg}
	if err := c.send(msg); err != nil {
		delete(c.inFlight, msg.UniqueID)
		return err
	}
	return nil
}

func (c *Client) send(msg protocol.Message) error {
	if c.conn == nil {
		return errNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal outbound message")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, "write outbound message")
	}
	return nil
}

func (c *Client) logOnlyErrorHandler(code int, message string, original protocol.Message) {
	if code == protocol.ErrUnauthorized {
		c.authorized = false
		c.registrationTs = time.Time{}
		c.logger.Warn().Str("action", original.Action).Msg("unauthorized, will re-authorize on next heartbeat")
		return
	}
	c.logger.Error().Int("code", code).Str("message", message).Str("action", original.Action).Msg("call failed")
}
