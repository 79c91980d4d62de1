// Package ledger records committed quote acceptances. A record's presence for
// (requestID, quoteID) is the authoritative signal that acceptance has been
// committed, independent of the quote's own mutable status field.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record captures the committed acceptance of a quote.
type Record struct {
	ID               string
	UserID           string
	QuoteID          string
	RequestID        string
	ProfessionalID   string
	ProfessionalName string
	Price            float64
	Date             time.Time
	Status           string
	Description      string
	PaymentMethod    string
	CreatedAt        time.Time
}

var ErrDuplicate = errors.New("ledger: acceptance already recorded")

type Ledger interface {
	Exists(ctx context.Context, requestID, quoteID string) (bool, error)
	ForRequest(ctx context.Context, requestID string) (Record, bool, error)
	Save(ctx context.Context, rec Record) (Record, error)
	Delete(ctx context.Context, quoteID string) error
}

type PGLedger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

// Exists is the idempotency guard consulted before any commit write.
func (l *PGLedger) Exists(ctx context.Context, requestID, quoteID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accepted_quotes WHERE request_id = $1 AND quote_id = $2)`,
		requestID, quoteID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: check existing record: %w", err)
	}
	return exists, nil
}

// ForRequest returns the acceptance record for a request, if any. A request
// carries at most one; the unique index enforces it.
func (l *PGLedger) ForRequest(ctx context.Context, requestID string) (Record, bool, error) {
	const query = `
		SELECT id, user_id, quote_id, request_id, professional_id, professional_name,
		       price, date, status, description, payment_method, created_at
		FROM accepted_quotes
		WHERE request_id = $1
	`

	var rec Record
	err := l.pool.QueryRow(ctx, query, requestID).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.QuoteID,
		&rec.RequestID,
		&rec.ProfessionalID,
		&rec.ProfessionalName,
		&rec.Price,
		&rec.Date,
		&rec.Status,
		&rec.Description,
		&rec.PaymentMethod,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("ledger: get request record: %w", err)
	}
	return rec, true, nil
}

func (l *PGLedger) Save(ctx context.Context, rec Record) (Record, error) {
	if rec.RequestID == "" || rec.QuoteID == "" {
		return Record{}, fmt.Errorf("ledger: request and quote ids required")
	}
	if rec.Status == "" {
		rec.Status = "accepted"
	}

	const insertSQL = `
		INSERT INTO accepted_quotes
			(user_id, quote_id, request_id, professional_id, professional_name, price, date, status, description, payment_method)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()), $8, $9, $10)
		RETURNING id, date, created_at
	`

	var date any
	if !rec.Date.IsZero() {
		date = rec.Date
	}

	err := l.pool.QueryRow(ctx, insertSQL,
		rec.UserID,
		rec.QuoteID,
		rec.RequestID,
		rec.ProfessionalID,
		rec.ProfessionalName,
		rec.Price,
		date,
		rec.Status,
		rec.Description,
		rec.PaymentMethod,
	).Scan(&rec.ID, &rec.Date, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("ledger: save record: %w", err)
	}
	return rec, nil
}

// Delete removes the acceptance record for a quote; used when rolling back a
// previously-accepted quote. Deleting a missing record is not an error.
func (l *PGLedger) Delete(ctx context.Context, quoteID string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM accepted_quotes WHERE quote_id = $1`, quoteID); err != nil {
		return fmt.Errorf("ledger: delete record: %w", err)
	}
	return nil
}

// Get returns the acceptance record for a quote, if any.
func (l *PGLedger) Get(ctx context.Context, quoteID string) (Record, bool, error) {
	const query = `
		SELECT id, user_id, quote_id, request_id, professional_id, professional_name,
		       price, date, status, description, payment_method, created_at
		FROM accepted_quotes
		WHERE quote_id = $1
	`

	var rec Record
	err := l.pool.QueryRow(ctx, query, quoteID).Scan(
		&rec.ID,
		&rec.UserID,
		&rec.QuoteID,
		&rec.RequestID,
		&rec.ProfessionalID,
		&rec.ProfessionalName,
		&rec.Price,
		&rec.Date,
		&rec.Status,
		&rec.Description,
		&rec.PaymentMethod,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("ledger: get record: %w", err)
	}
	return rec, true, nil
}
