package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Listener exposes the store's realtime change feed. Each notification
// payload is the value passed to pg_notify by the originating trigger.
type Listener struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewListener(pool *pgxpool.Pool, log zerolog.Logger) *Listener {
	return &Listener{pool: pool, log: log}
}

// Listen blocks on the named channel and invokes fn for every notification
// until ctx is cancelled. The dedicated connection is released on return.
func (l *Listener) Listen(ctx context.Context, channel string, fn func(payload string)) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("db: acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("db: listen %s: %w", channel, err)
	}

	l.log.Debug().Str("channel", channel).Msg("change feed subscribed")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("db: wait for notification: %w", err)
		}
		fn(notification.Payload)
	}
}
