package peerclient

import (
	"encoding/json"
	"time"

	"github.com/Chinzzii/pg-logical-replicator/internal/protocol"
)

// ConnState is the Peer Client's connection lifecycle position, referenced
// by the Controller's heartbeat step 3 (§4.1).
type ConnState int

const (
	Inactive ConnState = iota
	Disconnected
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Dispatcher serializes a closure onto the Controller's single event loop
// goroutine (§5's Go realization of the cooperative scheduler). Every
// state mutation on a Client happens inside a closure run through this
// interface, never directly from the read-pump or dial goroutines.
type Dispatcher interface {
	Post(fn func())
}

// Callbacks is the Controller-side hook set a Client invokes as its
// protocol RPCs resolve (§4.2, §9's "callback graph" note).
type Callbacks interface {
	// OnMaxLog fires when /replication/log/max succeeds with a non-null
	// id (master-side hook to pull fresh rows).
	OnMaxLog(id uint64)
	// OnMaxRelay fires when /replication/relay/max succeeds with a
	// non-null id (drives the slave-side catch-up pull). c is the Client
	// the response came from, since the pull and any master-side backfill
	// push it triggers both go back out over that same connection.
	OnMaxRelay(c *Client, id uint64)
	// OnReplicationLog delivers the payload of a successful
	// /replication/log RPC (object or array) for slave-side apply.
	OnReplicationLog(payload json.RawMessage)
	// OnHeartbeat is the periodic controller notification (§4.2 step 5).
	OnHeartbeat()
	// OnDisconnect reports that the connection dropped; session/secret
	// are still held by the Controller at this point, it decides the
	// Authorized-vs-Authorization transition (§4.1).
	OnDisconnect()
	// ScheduleReconnect asks the Controller to reset fixedDate to now,
	// so reconnection is attempted on the very next heartbeat tick.
	ScheduleReconnect()
	// ScheduleBackoff asks the Controller to push fixedDate a minute out
	// after an upgrade failure that was not a redirect.
	ScheduleBackoff()
}

// Config is the static configuration of one upstream peer.
type Config struct {
	URI               string
	Source            string
	MaxInFlight       int
	HeartbeatInterval time.Duration
}

type pendingCall struct {
	onSuccess func(json.RawMessage)
	onError   func(code int, message string, original protocol.Message)
	original  protocol.Message
}

// pendingRow is a buffered outbound relay-add payload: opaque row data
// plus the proxy flag it must carry once finally sent (§3's pendingData).
type pendingRow struct {
	row   map[string]any
	proxy bool
}
