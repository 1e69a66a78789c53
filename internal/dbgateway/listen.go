package dbgateway

import (
	"context"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

// ReplicationChannel is the notification channel master mode subscribes
// to, per §4.4/§6.
const ReplicationChannel = "replication"

// NotifyHandler receives the raw JSON payload of a "replication"
// notification ("extra" in the spec's terminology).
type NotifyHandler func(payload string)

// Listen opens a dedicated (non-pooled) connection, issues LISTEN on
// channel, and dispatches every notification to handler on its own
// goroutine until ctx is cancelled or the connection errors. Only master
// mode calls this (§4.4).
func (g *Gateway) Listen(ctx context.Context, channel string, handler NotifyHandler) error {
	conn, err := pgconn.Connect(ctx, g.connString)
	if err != nil {
		return errors.Wrap(err, "open pinned LISTEN connection")
	}
	g.listenConn = conn

	if err := conn.Exec(ctx, "LISTEN "+quoteIdentifier(channel)).Close(); err != nil {
		_ = conn.Close(ctx)
		g.listenConn = nil
		return errors.Wrapf(err, "LISTEN %s", channel)
	}

	go func() {
		for {
			notification, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				g.logger.Error().Err(err).Msg("listen: wait for notification failed")
				return
			}
			handler(notification.Payload)
		}
	}()
	return nil
}

// quoteIdentifier defends the channel name against injection even though
// it is presently a compile-time constant (ReplicationChannel); LISTEN
// does not support bind parameters for the channel name.
func quoteIdentifier(name string) string {
	return `"` + stripQuotes(name) + `"`
}

func stripQuotes(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '"' {
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
