// Package notifybus carries user-facing notifications: a fire-and-forget
// publisher persisting to the remote store and an unread counter fed by the
// store's change feed.
package notifybus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"quoteflow/db"
)

type Kind string

const (
	KindQuoteAccepted   Kind = "quote_accepted"
	KindRatingReminder  Kind = "rating_reminder"
	KindConfirmation    Kind = "confirmation"
	KindOperationFailed Kind = "operation_failed"
)

// Notifier is the fire-and-forget notification capability. Implementations
// must never block the caller on delivery problems.
type Notifier interface {
	Notify(ctx context.Context, userID string, kind Kind, payload map[string]any)
}

// PGNotifier persists notifications to the remote store. The insert trigger
// feeds the change feed consumed by Counter.
type PGNotifier struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPGNotifier(pool *pgxpool.Pool, log zerolog.Logger) *PGNotifier {
	return &PGNotifier{pool: pool, log: log}
}

func (n *PGNotifier) Notify(ctx context.Context, userID string, kind Kind, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.Error().Err(err).Str("kind", string(kind)).Msg("marshal notification payload")
		return
	}
	_, err = n.pool.Exec(ctx,
		`INSERT INTO notifications (user_id, kind, payload) VALUES ($1, $2, $3::jsonb)`,
		userID, string(kind), body,
	)
	if err != nil {
		// Fire and forget: delivery failures are logged, never surfaced.
		n.log.Warn().Err(err).Str("kind", string(kind)).Str("user_id", userID).
			Msg("notification write failed")
	}
}

// Counter tracks per-user unread notification counts, bumped by the change
// feed and re-baselined from the store on demand.
type Counter struct {
	pool     *pgxpool.Pool
	listener *db.Listener
	log      zerolog.Logger

	mu     sync.Mutex
	counts map[string]int
}

func NewCounter(pool *pgxpool.Pool, listener *db.Listener, log zerolog.Logger) *Counter {
	return &Counter{
		pool:     pool,
		listener: listener,
		log:      log,
		counts:   make(map[string]int),
	}
}

// Run subscribes to the notifications channel until ctx is cancelled.
func (c *Counter) Run(ctx context.Context) error {
	return c.listener.Listen(ctx, "notifications", func(userID string) {
		c.mu.Lock()
		c.counts[userID]++
		c.mu.Unlock()
	})
}

// Unread returns the live in-memory count for a user.
func (c *Counter) Unread(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID]
}

// Sync re-baselines a user's count from the remote store.
func (c *Counter) Sync(ctx context.Context, userID string) (int, error) {
	var count int
	err := c.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT read`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.counts[userID] = count
	c.mu.Unlock()
	return count, nil
}
