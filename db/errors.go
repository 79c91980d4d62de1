package db

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsAccessControl reports whether err is a permission or policy rejection
// from the remote store. These occur transiently for newly-provisioned users,
// so callers fall back to local data without alerting.
func IsAccessControl(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code == "42501" { // insufficient_privilege, includes RLS denials
		return true
	}
	// Class 28: invalid authorization specification.
	return strings.HasPrefix(pgErr.Code, "28")
}

// IsUnavailable reports whether err indicates the remote store could not be
// reached at all, as opposed to rejecting the request.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "08") {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
