package request

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound = errors.New("request: not found")
	// ErrDeleteUnverified signals the cascade delete committed but the row is
	// still visible on the verification re-query.
	ErrDeleteUnverified = errors.New("request: delete not verified")
)

type Repository interface {
	Get(ctx context.Context, id string) (Request, error)
	Create(ctx context.Context, params CreateParams) (Request, error)
	UpdateStatus(ctx context.Context, id string, status Status) (Request, error)
	Delete(ctx context.Context, id string) error
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const requestColumns = `id, user_id, title, description, location, timing, status::text, date, created_at, updated_at`

func (r *PGRepository) Get(ctx context.Context, id string) (Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE id = $1`

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: get: %w", err)
	}
	return req, nil
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Request, error) {
	if params.UserID == "" {
		return Request{}, fmt.Errorf("request: missing user id")
	}
	if params.Title == "" {
		return Request{}, fmt.Errorf("request: title required")
	}

	query := `
		INSERT INTO requests (user_id, title, description, location, timing)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + requestColumns

	req, err := scanRequest(r.pool.QueryRow(ctx, query,
		params.UserID,
		params.Title,
		params.Description,
		params.Location,
		params.Timing,
	))
	if err != nil {
		return Request{}, fmt.Errorf("request: create: %w", err)
	}
	return req, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, id string, status Status) (Request, error) {
	query := `
		UPDATE requests
		SET status = $2::request_status,
		    updated_at = now()
		WHERE id = $1
		RETURNING ` + requestColumns

	req, err := scanRequest(r.pool.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("request: update status: %w", err)
	}
	return req, nil
}

// Delete removes a request and its dependents in order: accepted-quote
// records first, then quotes, then the request itself. After committing, the
// row's absence is verified with a fresh read.
func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("request: begin delete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM accepted_quotes WHERE request_id = $1`, id); err != nil {
		return fmt.Errorf("request: delete accepted-quote records: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM quotes WHERE request_id = $1`, id); err != nil {
		return fmt.Errorf("request: delete quotes: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM requests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("request: delete request: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("request: commit delete: %w", err)
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("request: verify delete: %w", err)
	}
	if exists {
		return ErrDeleteUnverified
	}
	return nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.UserID,
		&req.Title,
		&req.Description,
		&req.Location,
		&req.Timing,
		&req.Status,
		&req.Date,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}
