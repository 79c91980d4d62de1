// Package session exposes the externally-issued identity as two capabilities:
// the current user, decoded from a signed session token, and the user's
// phone-verification state, read from the remote store.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNoSession signals an anonymous caller: no token on the context.
	ErrNoSession = errors.New("session: not authenticated")
	// ErrInvalidToken signals a token that failed verification.
	ErrInvalidToken = errors.New("session: invalid token")
)

// User is the authenticated identity carried by a session token.
type User struct {
	ID       string
	Email    string
	Metadata map[string]any
}

type tokenKey struct{}

// WithToken attaches a raw session token to the context.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// Service verifies session tokens and answers phone-verification checks.
type Service struct {
	secret []byte
	pool   *pgxpool.Pool
}

func NewService(secret string, pool *pgxpool.Pool) *Service {
	return &Service{secret: []byte(secret), pool: pool}
}

// CurrentUser returns the identity bound to the context's session token, or
// ErrNoSession when the caller is anonymous.
func (s *Service) CurrentUser(ctx context.Context) (*User, error) {
	raw, _ := ctx.Value(tokenKey{}).(string)
	if raw == "" {
		return nil, ErrNoSession
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	userID, ok := claims["sub"].(string)
	if !ok || userID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	user := &User{ID: userID}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	if meta, ok := claims["user_metadata"].(map[string]any); ok {
		user.Metadata = meta
	}
	return user, nil
}

// IsPhoneVerified reads the user's phone-verification flag from the remote
// store. Unknown users report as unverified.
func (s *Service) IsPhoneVerified(ctx context.Context, userID string) (bool, error) {
	var verified bool
	err := s.pool.QueryRow(ctx, `SELECT phone_verified FROM users WHERE id = $1`, userID).Scan(&verified)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("session: phone verification lookup: %w", err)
	}
	return verified, nil
}
