package dbgateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// The SQL call surface named in §4.4. Parameters are always passed as pgx
// bind parameters ($1, $2, ...), never string-concatenated, so the core's
// "proper literal quoting" contract holds regardless of payload content.
const (
	qAddToRelayLog         = `SELECT add_to_relay_log($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	qGetMaxRelayID         = `SELECT get_max_relay_id($1)`
	qReplicationApply      = `SELECT replication_apply($1)`
	qReplicationApplyRelay = `SELECT replication_apply_relay($1, $2)`
	qReplicationLog        = `SELECT replication_log($1, $2, $3)`
	qGetReplicationLog     = `SELECT get_replication_log($1)`
)

// AddToRelayLog inserts a change received from a peer into the local relay
// log. Idempotent on (source, id) server-side: a re-insert returns the
// existing row id rather than erroring (§6).
func (g *Gateway) AddToRelayLog(
	ctx context.Context,
	source string, id uint64, datetime time.Time, action, schema, name, key string, data json.RawMessage, proxy bool,
	binding Binding, onResult func(Binding, uint64), onError ErrorFunc,
) {
	go func() {
		var rowID uint64
		err := g.pool.QueryRow(ctx, qAddToRelayLog, source, id, datetime, action, schema, name, key, data, proxy).Scan(&rowID)
		if err != nil {
			onError(binding, errors.Wrap(err, "add_to_relay_log"))
			return
		}
		onResult(binding, rowID)
	}()
}

// GetMaxRelayID discovers the highest relay log id for source, or nil if
// the relay log has no rows for that source yet.
func (g *Gateway) GetMaxRelayID(ctx context.Context, source string, binding Binding, onResult func(Binding, *uint64), onError ErrorFunc) {
	go func() {
		var id *int64
		if err := g.pool.QueryRow(ctx, qGetMaxRelayID, source).Scan(&id); err != nil {
			onError(binding, errors.Wrap(err, "get_max_relay_id"))
			return
		}
		if id == nil {
			onResult(binding, nil)
			return
		}
		v := uint64(*id)
		onResult(binding, &v)
	}()
}

// ReplicationApply drains pending relay log rows for source, materializing
// them into the live tables, and returns the number applied.
func (g *Gateway) ReplicationApply(ctx context.Context, source string, binding Binding, onResult func(Binding, int), onError ErrorFunc) {
	go func() {
		var count int
		if err := g.pool.QueryRow(ctx, qReplicationApply, source).Scan(&count); err != nil {
			onError(binding, errors.Wrap(err, "replication_apply"))
			return
		}
		onResult(binding, count)
	}()
}

// ReplicationApplyRelay applies a single known relay log row (source, id).
func (g *Gateway) ReplicationApplyRelay(ctx context.Context, source string, id uint64, binding Binding, onResult func(Binding, int), onError ErrorFunc) {
	go func() {
		var count int
		if err := g.pool.QueryRow(ctx, qReplicationApplyRelay, source, id).Scan(&count); err != nil {
			onError(binding, errors.Wrap(err, "replication_apply_relay"))
			return
		}
		onResult(binding, count)
	}()
}

// ReplicationLog fetches up to limit rows after relayID for source. The
// Controller uses it for the master-side backfill check in OnMaxRelay,
// with the peer's reported relay id as relayID.
func (g *Gateway) ReplicationLog(ctx context.Context, relayID uint64, source string, limit int, binding Binding, onResult func(Binding, []json.RawMessage), onError ErrorFunc) {
	go func() {
		rows, err := g.pool.Query(ctx, qReplicationLog, relayID, source, limit)
		if err != nil {
			onError(binding, errors.Wrap(err, "replication_log"))
			return
		}
		defer rows.Close()

		var out []json.RawMessage
		for rows.Next() {
			var raw json.RawMessage
			if err := rows.Scan(&raw); err != nil {
				onError(binding, errors.Wrap(err, "scan replication_log row"))
				return
			}
			out = append(out, raw)
		}
		if err := rows.Err(); err != nil {
			onError(binding, errors.Wrap(err, "replication_log row iteration"))
			return
		}
		onResult(binding, out)
	}()
}

// GetReplicationLog fetches the single full row for a locally originated
// change, the master-side fan-out handler's query (§4.3).
func (g *Gateway) GetReplicationLog(ctx context.Context, id uint64, binding Binding, onResult func(Binding, json.RawMessage), onError ErrorFunc) {
	go func() {
		var raw json.RawMessage
		if err := g.pool.QueryRow(ctx, qGetReplicationLog, id).Scan(&raw); err != nil {
			onError(binding, errors.Wrap(err, "get_replication_log"))
			return
		}
		onResult(binding, raw)
	}()
}
