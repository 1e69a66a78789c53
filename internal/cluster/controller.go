package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/Chinzzii/pg-logical-replicator/internal/auth"
	"github.com/Chinzzii/pg-logical-replicator/internal/clock"
	"github.com/Chinzzii/pg-logical-replicator/internal/dbgateway"
	"github.com/Chinzzii/pg-logical-replicator/internal/peerclient"
	"github.com/Chinzzii/pg-logical-replicator/internal/workqueue"
	"github.com/Chinzzii/pg-logical-replicator/internal/wsconn"
)

const (
	checkInterval           = 5 * time.Second
	fixedInterval           = 30 * time.Second
	applyDebounceInterval   = 5 * time.Minute
	reauthSafetyMargin      = 5 * time.Minute
	tokenTTL                = time.Hour
	listenReplicationRPCLim = 1
	relayBackfillLimit      = 100
)

// peer bundles one configured upstream's Peer Client with the fan-out
// bookkeeping the Controller needs but the client itself does not own.
type peer struct {
	client *peerclient.Client
}

// DBClient is the subset of dbgateway.Gateway the Controller depends on,
// kept as a narrow interface (like wsconn.Dialer and peerclient.Dispatcher)
// so tests can substitute a fake database instead of a live pgx pool.
type DBClient interface {
	Listen(ctx context.Context, channel string, handler dbgateway.NotifyHandler) error
	GetReplicationLog(ctx context.Context, id uint64, binding dbgateway.Binding, onResult func(dbgateway.Binding, json.RawMessage), onError dbgateway.ErrorFunc)
	GetMaxRelayID(ctx context.Context, source string, binding dbgateway.Binding, onResult func(dbgateway.Binding, *uint64), onError dbgateway.ErrorFunc)
	ReplicationLog(ctx context.Context, relayID uint64, source string, limit int, binding dbgateway.Binding, onResult func(dbgateway.Binding, []json.RawMessage), onError dbgateway.ErrorFunc)
	AddToRelayLog(ctx context.Context, source string, id uint64, datetime time.Time, action, schema, name, key string, data json.RawMessage, proxy bool, binding dbgateway.Binding, onResult func(dbgateway.Binding, uint64), onError dbgateway.ErrorFunc)
	ReplicationApplyRelay(ctx context.Context, source string, id uint64, binding dbgateway.Binding, onResult func(dbgateway.Binding, int), onError dbgateway.ErrorFunc)
}

// Controller is the top-level state machine of §4.1: a single-threaded
// event loop (§5's Go realization) driven by a 1-second heartbeat ticker,
// an inbound event channel fed by the DB Gateway and every Peer Client's
// read-pump goroutine, and process-shutdown cancellation.
type Controller struct {
	cfg Config

	status     Status
	session    string
	secret     string
	errorCount uint64
	applyCount int    // outstanding local applies expected; clamped >= 0 (§3)
	relayId    uint64 // highest relay log id observed locally during the current pull cycle (§3)

	checkDate, fixedDate, applyDate time.Time
	applyFirstTick                  bool

	peers     []*peer
	listening bool

	db     DBClient
	dialer wsconn.Dialer
	clk    clock.Clock
	authCl *http.Client
	queue  *workqueue.Queue
	logger zerolog.Logger

	eventCh chan func()
	done    chan struct{}
}

// New constructs a Controller in the Stopped state. Peer Clients are
// created lazily, on first entry to InProgress (§4.1 step 2).
func New(cfg Config, db DBClient, dialer wsconn.Dialer, clk clock.Clock, logger zerolog.Logger) *Controller {
	maxQueue := cfg.MaxQueue
	if maxQueue <= 0 {
		maxQueue = cfg.PoolMinConns
	}
	return &Controller{
		cfg:     cfg,
		status:  Stopped,
		db:      db,
		dialer:  dialer,
		clk:     clk,
		authCl:  &http.Client{Timeout: 10 * time.Second},
		queue:   workqueue.New(maxQueue),
		logger:  logger.With().Str("component", "controller").Str("source", cfg.Source).Logger(),
		eventCh: make(chan func(), 256),
		done:    make(chan struct{}),
	}
}

// Post serializes fn onto the Controller's single event-loop goroutine.
// Implements peerclient.Dispatcher.
func (c *Controller) Post(fn func()) {
	select {
	case c.eventCh <- fn:
	case <-c.done:
	}
}

// Status reports the current state-machine position.
func (c *Controller) Status() Status { return c.status }

// Run drives the event loop until ctx is cancelled: a 1-second heartbeat
// ticker interleaved with events posted by peer clients and the DB
// gateway, per §5.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("controller shutting down")
			return
		case now := <-ticker.C:
			c.heartbeat(ctx, now)
		case fn := <-c.eventCh:
			fn()
		}
	}
}

// heartbeat runs the five steps of §4.1 in order, then each active peer
// client's own 1s-cadence state machine (§4.2).
func (c *Controller) heartbeat(ctx context.Context, now time.Time) {
	c.stepAuthorization(ctx, now)
	c.stepInProgress(ctx, now)
	c.stepRunningPeers(ctx, now)
	c.stepApplySweep(now)
	if c.cfg.Mode == Master {
		c.queue.Drain()
	}
	for _, p := range c.peers {
		p.client.Heartbeat(now)
	}
}

// stepAuthorization is §4.1 step 1.
func (c *Controller) stepAuthorization(ctx context.Context, now time.Time) {
	if c.checkDate.IsZero() || !now.Before(c.checkDate) {
		c.checkDate = now.Add(checkInterval)
		c.status = Authorization
		c.beginAuthorize(ctx, now)
		if c.cfg.Mode == Master {
			c.ensureListening(ctx)
		}
	}
}

func (c *Controller) beginAuthorize(ctx context.Context, now time.Time) {
	authCfg := auth.Config{
		AuthURL:     c.cfg.AuthURL,
		Provider:    c.cfg.Provider,
		Application: c.cfg.Application,
	}
	secretBytes, err := auth.LoadProviderSecret(c.cfg.OAuth2Path)
	if err != nil {
		c.doError(errors.Wrap(err, "load oauth2 provider secret"))
		return
	}
	authCfg.ProviderSecret = secretBytes

	go func() {
		exchange, err := auth.Authorize(ctx, c.authCl, authCfg, now)
		c.Post(func() {
			if err != nil {
				c.doError(errors.Wrap(err, "authorize"))
				return
			}
			c.session = exchange.Session
			c.secret = exchange.Secret
			c.status = Authorized
			c.checkDate = now.Add(tokenTTL - reauthSafetyMargin)
			c.logger.Info().Msg("authorized")
		})
	}()
}

// stepInProgress is §4.1 step 2.
func (c *Controller) stepInProgress(ctx context.Context, now time.Time) {
	if c.status != Authorized || (!c.fixedDate.IsZero() && now.Before(c.fixedDate)) {
		return
	}
	c.fixedDate = now.Add(fixedInterval)
	c.status = InProgress

	if len(c.peers) == 0 {
		c.createPeerClients()
	}
	for _, p := range c.peers {
		p.client.SetCredentials(c.session, c.secret)
		_ = p.client.SendApply()
	}
	c.status = Running
	c.logger.Info().Msg("running")
}

func (c *Controller) createPeerClients() {
	for _, uri := range c.cfg.PeerURIs {
		cfg := peerclient.Config{
			URI:         uri,
			Source:      c.cfg.Source,
			MaxInFlight: c.cfg.MaxInFlight,
		}
		pc := peerclient.New(cfg, c.dialer, c.clk, c, c, c.logger)
		pc.SetCredentials(c.session, c.secret)
		c.peers = append(c.peers, &peer{client: pc})
	}
}

// stepRunningPeers is §4.1 step 3: activate/connect/catch-up-check each
// peer client.
func (c *Controller) stepRunningPeers(ctx context.Context, now time.Time) {
	if c.status != Running || (!c.fixedDate.IsZero() && now.Before(c.fixedDate)) {
		return
	}
	c.fixedDate = now.Add(fixedInterval)
	for _, p := range c.peers {
		switch p.client.ConnState() {
		case peerclient.Inactive:
			p.client.Activate()
		case peerclient.Disconnected:
			p.client.BeginConnect(ctx)
		case peerclient.Connected:
			if c.applyCount == 0 {
				c.refreshRelayID(ctx)
			}
		}
	}
}

// refreshRelayID issues the local get_max_relay_id DB RPC and advances the
// cached relayId cursor if the relay log has grown since it was last read.
// This is distinct from the peer's own /replication/relay/max WS call
// (peerclient.Client.SendGetMaxRelay, driven by the peer client's own
// heartbeat and catch-up trio): this one never touches the network.
func (c *Controller) refreshRelayID(ctx context.Context) {
	c.db.GetMaxRelayID(ctx, c.cfg.Source, nil,
		func(_ dbgateway.Binding, id *uint64) {
			if id == nil {
				return
			}
			c.Post(func() {
				if *id > c.relayId {
					c.relayId = *id
				}
			})
		},
		func(_ dbgateway.Binding, err error) {
			c.Post(func() {
				c.errorCount++
				c.logger.Error().Err(err).Msg("get_max_relay_id failed")
			})
		},
	)
}

// stepApplySweep is §4.1 step 4: a periodic replication_apply sweep that
// catches rows accumulated faster than individual-apply RPCs can drain.
func (c *Controller) stepApplySweep(now time.Time) {
	if c.status != Running || c.applyCount < 0 {
		return
	}
	if c.applyDate.IsZero() || !now.Before(c.applyDate) {
		if !c.applyFirstTick {
			c.applyDate = now
			c.applyFirstTick = true
		} else {
			c.applyDate = now.Add(applyDebounceInterval)
			for _, p := range c.peers {
				_ = p.client.SendApply()
			}
		}
	}
}

// ensureListening issues LISTEN replication on entering Authorization in
// master mode, per §4.4.
func (c *Controller) ensureListening(ctx context.Context) {
	if c.cfg.Mode != Master || c.listening {
		return
	}
	if err := c.db.Listen(ctx, dbgateway.ReplicationChannel, c.onNotify); err != nil {
		c.doError(errors.Wrap(err, "listen replication"))
		return
	}
	c.listening = true
}

// onNotify runs on the LISTEN goroutine; it only decodes and re-posts onto
// the Controller's event loop, per §5's rule that all state mutation
// happens on the single goroutine.
func (c *Controller) onNotify(payload string) {
	c.Post(func() { c.handleNotify(payload) })
}

func (c *Controller) handleNotify(payload string) {
	if c.status != Running {
		return
	}
	var extra struct {
		ID     uint64 `json:"id"`
		Source string `json:"source"`
	}
	if err := json.Unmarshal([]byte(payload), &extra); err != nil {
		c.logger.Error().Err(err).Msg("decode replication notify payload")
		return
	}
	for _, uri := range c.cfg.PeerURIs {
		if u, err := url.Parse(uri); err == nil && u.Hostname() == extra.Source {
			return // the change came from the peer we replicate with
		}
	}
	for _, p := range c.peers {
		if c.cfg.MaxInFlight > 0 && p.client.InFlightLen() >= c.cfg.MaxInFlight {
			c.logger.Warn().Str("peer", p.client.URI()).Msg("inFlight cap reached, dropping new work queue entry until a slot frees")
			return
		}
	}

	id := extra.ID
	c.queue.Enqueue(workqueue.ReplicationID(id), func() {
		c.db.GetReplicationLog(context.Background(), id, nil,
			func(_ dbgateway.Binding, raw json.RawMessage) {
				c.Post(func() { c.fanOutRow(id, raw) })
			},
			func(_ dbgateway.Binding, err error) {
				c.Post(func() {
					c.errorCount++
					c.logger.Error().Err(err).Uint64("id", id).Msg("get_replication_log failed")
					c.queue.Complete(workqueue.ReplicationID(id))
				})
			},
		)
	})
}

func (c *Controller) fanOutRow(id uint64, raw json.RawMessage) {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		c.errorCount++
		c.logger.Error().Err(err).Uint64("id", id).Msg("decode replication_log row")
		c.queue.Complete(workqueue.ReplicationID(id))
		return
	}
	proxy := c.cfg.Mode == Proxy
	for _, p := range c.peers {
		p.client.Publish(row, proxy)
	}
	c.queue.Complete(workqueue.ReplicationID(id))
}

// doError is §7's DoError fatal session error path.
func (c *Controller) doError(err error) {
	c.errorCount++
	c.session = ""
	c.secret = ""
	c.fixedDate = time.Time{}
	c.applyDate = time.Time{}
	c.applyFirstTick = false
	c.status = Stopped
	c.logger.Error().Err(err).Msg("fatal session error")
}

// --- peerclient.Callbacks ---

// OnMaxLog implements peerclient.Callbacks.
func (c *Controller) OnMaxLog(id uint64) {
	c.logger.Debug().Uint64("id", id).Msg("peer reports new originated rows")
}

// OnMaxRelay implements peerclient.Callbacks. The catch-up pull it issues
// is parameterized by our own relayId cursor, not the peer's reported id:
// per /replication/log's contract the id names how far we've already
// pulled, and the peer answers with rows after it. In Master mode this
// additionally drives the backfill-push side: rows we originated beyond
// the peer's reported max, pushed directly rather than waited on.
func (c *Controller) OnMaxRelay(client *peerclient.Client, id uint64) {
	c.logger.Debug().Uint64("id", id).Msg("peer relay high-water mark")
	_ = client.SendReplicationLog(c.relayId, listenReplicationRPCLim)

	if c.cfg.Mode != Master {
		return
	}
	c.db.ReplicationLog(context.Background(), id, c.cfg.Source, relayBackfillLimit, nil,
		func(_ dbgateway.Binding, rows []json.RawMessage) {
			c.Post(func() { c.pushBackfillRows(client, rows) })
		},
		func(_ dbgateway.Binding, err error) {
			c.Post(func() {
				c.errorCount++
				c.logger.Error().Err(err).Msg("replication_log backfill check failed")
			})
		},
	)
}

// pushBackfillRows sends rows this node originated, beyond a peer's
// reported relay high-water, straight back over that peer's connection
// (the original's master-only DoClientReplicationCheckRelay branch).
func (c *Controller) pushBackfillRows(client *peerclient.Client, rows []json.RawMessage) {
	for _, raw := range rows {
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err != nil {
			c.errorCount++
			c.logger.Error().Err(err).Msg("decode replication_log backfill row")
			continue
		}
		client.Publish(row, false)
	}
}

// OnReplicationLog implements peerclient.Callbacks: the slave-side apply
// path. Rows are inserted into the local relay log and then applied.
func (c *Controller) OnReplicationLog(payload json.RawMessage) {
	var rows []map[string]any
	if err := json.Unmarshal(payload, &rows); err != nil {
		var single map[string]any
		if err2 := json.Unmarshal(payload, &single); err2 != nil {
			c.errorCount++
			c.logger.Error().Err(err).Msg("decode /replication/log payload")
			return
		}
		rows = []map[string]any{single}
	}
	c.applyCount += len(rows)
	for _, row := range rows {
		c.applyRelayRow(row)
	}
}

// decrementApplyCount clamps applyCount at zero per §3's invariant.
func (c *Controller) decrementApplyCount() {
	if c.applyCount > 0 {
		c.applyCount--
	}
}

func (c *Controller) applyRelayRow(row map[string]any) {
	id, _ := row["id"].(float64)
	action, _ := row["action"].(string)
	schema, _ := row["schema"].(string)
	name, _ := row["name"].(string)
	key, _ := row["key"].(string)
	proxy := c.cfg.Mode == Proxy
	data, err := json.Marshal(row["data"])
	if err != nil {
		c.errorCount++
		c.logger.Error().Err(err).Msg("marshal relay row data")
		return
	}

	c.db.AddToRelayLog(context.Background(), c.cfg.Source, uint64(id), c.clk.Now(), action, schema, name, key, data, proxy,
		nil,
		func(dbgateway.Binding, uint64) {
			c.Post(func() {
				c.db.ReplicationApplyRelay(context.Background(), c.cfg.Source, uint64(id), nil,
					func(dbgateway.Binding, int) {
						c.Post(c.decrementApplyCount)
					},
					func(_ dbgateway.Binding, err error) {
						c.Post(func() {
							c.errorCount++
							c.decrementApplyCount()
							c.logger.Error().Err(err).Msg("replication_apply_relay failed")
						})
					},
				)
			})
		},
		func(_ dbgateway.Binding, err error) {
			c.Post(func() {
				c.errorCount++
				c.decrementApplyCount()
				c.logger.Error().Err(err).Msg("add_to_relay_log failed")
			})
		},
	)
}

// OnHeartbeat implements peerclient.Callbacks: periodic liveness notice.
func (c *Controller) OnHeartbeat() {
	c.logger.Debug().Msg("peer heartbeat")
}

// OnDisconnect implements peerclient.Callbacks, per §4.1's status table:
// falls back to Authorized if credentials are still held, otherwise all
// the way back to Authorization.
func (c *Controller) OnDisconnect() {
	if c.session != "" {
		c.status = Authorized
	} else {
		c.status = Authorization
	}
}

// ScheduleReconnect implements peerclient.Callbacks: resets fixedDate so
// the very next heartbeat tick retries the connection.
func (c *Controller) ScheduleReconnect() {
	c.fixedDate = time.Time{}
}

// ScheduleBackoff implements peerclient.Callbacks: pushes fixedDate a
// minute out after a non-redirect upgrade failure.
func (c *Controller) ScheduleBackoff() {
	c.fixedDate = c.clk.Now().Add(time.Minute)
}

// Snapshot is a point-in-time, read-only view of Controller state for the
// operator status endpoint (§4.6). It never exposes session/secret.
type Snapshot struct {
	Mode       string         `json:"mode"`
	Status     string         `json:"status"`
	Source     string         `json:"source"`
	ErrorCount uint64         `json:"errorCount"`
	Progress   int            `json:"progress"`
	MaxQueue   int            `json:"maxQueue"`
	Peers      []PeerSnapshot `json:"peers"`
}

// PeerSnapshot is one peer client's externally visible state.
type PeerSnapshot struct {
	URI        string `json:"uri"`
	ConnState  string `json:"connState"`
	Authorized bool   `json:"authorized"`
	SendCount  int    `json:"sendCount"`
}

// ReadStatus posts a closure onto the event loop to build a Snapshot and
// blocks until it completes, so a concurrent HTTP reader never touches
// Controller state directly (§4.6: "reading it never mutates Controller
// state", and §5: state mutation only happens on the single goroutine).
func (c *Controller) ReadStatus() Snapshot {
	result := make(chan Snapshot, 1)
	c.Post(func() {
		snap := Snapshot{
			Mode:       c.cfg.Mode.String(),
			Status:     c.status.String(),
			Source:     c.cfg.Source,
			ErrorCount: c.errorCount,
			Progress:   c.queue.Progress(),
			MaxQueue:   c.queue.MaxQueue(),
		}
		for _, p := range c.peers {
			snap.Peers = append(snap.Peers, PeerSnapshot{
				URI:        p.client.URI(),
				ConnState:  p.client.ConnState().String(),
				Authorized: p.client.Authorized(),
				SendCount:  p.client.SendCount(),
			})
		}
		result <- snap
	})
	select {
	case snap := <-result:
		return snap
	case <-c.done:
		return Snapshot{}
	}
}
