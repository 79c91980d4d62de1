package quote

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("quote: not found")
	ErrInvalidStatus = errors.New("quote: invalid status")
)

type Repository interface {
	ListByRequest(ctx context.Context, requestID string) ([]Quote, error)
	Get(ctx context.Context, id string) (Quote, error)
	Create(ctx context.Context, params CreateParams) (Quote, error)
	UpdateStatus(ctx context.Context, id string, status Status) (Quote, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const quoteColumns = `
	q.id, q.request_id, q.price, q.estimated_time, q.description, q.status::text,
	q.created_at, q.updated_at,
	p.id, p.name, p.phone, p.profession
`

func (r *PGRepository) ListByRequest(ctx context.Context, requestID string) ([]Quote, error) {
	query := `
		SELECT ` + quoteColumns + `
		FROM quotes q
		JOIN professionals p ON p.id = q.professional_id
		WHERE q.request_id = $1
		ORDER BY q.created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("quote: list by request: %w", err)
	}
	defer rows.Close()

	quotes := make([]Quote, 0, 8)
	for rows.Next() {
		q, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("quote: scan: %w", err)
		}
		quotes = append(quotes, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quote: iterate: %w", err)
	}
	return quotes, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Quote, error) {
	query := `
		SELECT ` + quoteColumns + `
		FROM quotes q
		JOIN professionals p ON p.id = q.professional_id
		WHERE q.id = $1
	`

	q, err := scanQuote(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, ErrNotFound
		}
		return Quote{}, fmt.Errorf("quote: get: %w", err)
	}
	return q, nil
}

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Quote, error) {
	if params.RequestID == "" || params.ProfessionalID == "" {
		return Quote{}, fmt.Errorf("quote: request and professional ids required")
	}
	if params.Price <= 0 {
		return Quote{}, fmt.Errorf("quote: invalid price")
	}

	const insertSQL = `
		INSERT INTO quotes (request_id, professional_id, price, estimated_time, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id string
	if err := r.pool.QueryRow(ctx, insertSQL,
		params.RequestID,
		params.ProfessionalID,
		params.Price,
		params.EstimatedTime,
		params.Description,
	).Scan(&id); err != nil {
		return Quote{}, fmt.Errorf("quote: create: %w", err)
	}

	return r.Get(ctx, id)
}

func (r *PGRepository) UpdateStatus(ctx context.Context, id string, status Status) (Quote, error) {
	switch status {
	case StatusPending, StatusAccepted, StatusRejected:
	default:
		return Quote{}, ErrInvalidStatus
	}

	query := `
		UPDATE quotes q
		SET status = $2::quote_status,
		    updated_at = now()
		FROM professionals p
		WHERE q.id = $1 AND p.id = q.professional_id
		RETURNING ` + quoteColumns

	q, err := scanQuote(r.pool.QueryRow(ctx, query, id, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Quote{}, ErrNotFound
		}
		return Quote{}, fmt.Errorf("quote: update status: %w", err)
	}
	return q, nil
}

func scanQuote(row pgx.Row) (Quote, error) {
	var q Quote
	err := row.Scan(
		&q.ID,
		&q.RequestID,
		&q.Price,
		&q.EstimatedTime,
		&q.Description,
		&q.Status,
		&q.CreatedAt,
		&q.UpdatedAt,
		&q.Professional.ID,
		&q.Professional.Name,
		&q.Professional.Phone,
		&q.Professional.Profession,
	)
	return q, err
}
