// Package dbgateway is the DB Gateway of §4.4: async query submission over
// a pooled pgx connection, and a pinned LISTEN connection for the
// "replication" notification channel. The server-side SQL functions
// (add_to_relay_log, get_max_relay_id, ...) are opaque RPCs; this package
// only owns parameter binding/quoting and result decoding.
package dbgateway

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Binding is an opaque value propagated from a query submission to its
// callbacks, letting callers correlate a completed query with a
// connection or Work Queue entry. Callbacks must tolerate the binding
// outliving the query (check liveness before acting on it).
type Binding any

// Row is one decoded result row, keyed by column name.
type Row map[string]any

// ResultFunc receives the rows a query produced.
type ResultFunc func(binding Binding, rows []Row)

// ErrorFunc receives a transient database error (§7 DoDataBaseError).
type ErrorFunc func(binding Binding, err error)

// Gateway owns the pooled connection used for all RPCs and the pinned
// connection used for LISTEN.
type Gateway struct {
	pool       *pgxpool.Pool
	connString string
	logger     zerolog.Logger

	listenConn *pgconn.PgConn
}

// New wraps an already-opened pool. connString is kept only to open the
// separate pinned LISTEN connection on demand.
func New(pool *pgxpool.Pool, connString string, logger zerolog.Logger) *Gateway {
	return &Gateway{
		pool:       pool,
		connString: connString,
		logger:     logger.With().Str("component", "dbgateway").Logger(),
	}
}

// ExecSQL runs query asynchronously against the pool and delivers rows (or
// an error) to the supplied callbacks. Per §5, the query runs on its own
// goroutine; callbacks are expected to hand their result back onto the
// Controller's single event loop (see cluster.Controller.Post) rather than
// mutate shared state directly.
func (g *Gateway) ExecSQL(ctx context.Context, query string, args []any, binding Binding, onResult ResultFunc, onError ErrorFunc) {
	go func() {
		rows, err := g.pool.Query(ctx, query, args...)
		if err != nil {
			onError(binding, errors.Wrap(err, "exec query"))
			return
		}
		defer rows.Close()

		fields := rows.FieldDescriptions()
		var result []Row
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				onError(binding, errors.Wrap(err, "scan row values"))
				return
			}
			row := make(Row, len(fields))
			for i, f := range fields {
				if i < len(values) {
					row[f.Name] = values[i]
				}
			}
			result = append(result, row)
		}
		if err := rows.Err(); err != nil {
			onError(binding, errors.Wrap(err, "row iteration"))
			return
		}
		onResult(binding, result)
	}()
}

// Close releases the pool and pinned LISTEN connection.
func (g *Gateway) Close(ctx context.Context) {
	if g.listenConn != nil {
		_ = g.listenConn.Close(ctx)
	}
	g.pool.Close()
}
