// Package actors seeds the database rows integration tests act on.
package actors

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func SeedUser(ctx context.Context, pool *pgxpool.Pool, verified bool) (string, error) {
	var id string
	err := pool.QueryRow(ctx,
		`INSERT INTO users (email, full_name, phone, phone_verified)
         VALUES ($1, 'Test Homeowner', '050-0000000', $2)
         RETURNING id`,
		uuid.NewString()+"@example.test", verified,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed user: %w", err)
	}
	return id, nil
}

func SeedProfessional(ctx context.Context, pool *pgxpool.Pool, name, profession string) (string, error) {
	var id string
	err := pool.QueryRow(ctx,
		`INSERT INTO professionals (name, phone, profession)
         VALUES ($1, '050-7654321', $2)
         RETURNING id`,
		name, profession,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed professional: %w", err)
	}
	return id, nil
}

func SeedRequest(ctx context.Context, pool *pgxpool.Pool, userID, title string) (string, error) {
	var id string
	err := pool.QueryRow(ctx,
		`INSERT INTO requests (user_id, title, description, location)
         VALUES ($1, $2, 'seeded by an integration test', 'Tel Aviv')
         RETURNING id`,
		userID, title,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed request: %w", err)
	}
	return id, nil
}

func SeedQuote(ctx context.Context, pool *pgxpool.Pool, requestID, professionalID string, price float64) (string, error) {
	var id string
	err := pool.QueryRow(ctx,
		`INSERT INTO quotes (request_id, professional_id, price, estimated_time, description)
         VALUES ($1, $2, $3, '2 days', 'seeded quote')
         RETURNING id`,
		requestID, professionalID, price,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("seed quote: %w", err)
	}
	return id, nil
}
