package provision

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"musive/internal/apperr"
	"musive/internal/storage"
)

const (
	pgInvalidPassword       = "28P01"
	pgInvalidAuthorization  = "28000"
	pgInsufficientPrivilege = "42501"
	pgInvalidCatalogName    = "3D000"
)

// isMissingDatabase reports whether err says the target database does not exist.
func isMissingDatabase(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgInvalidCatalogName
}

// classify turns a backend failure into a provisioning or timeout error.
// Already classified errors pass through.
func classify(err error, fallbackReason string) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return apperr.Timeout("database initialization timed out", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgInvalidPassword || pgErr.Code == pgInvalidAuthorization:
			return apperr.Provisioning(apperr.ReasonAuthentication, "database authentication failed", err)
		case pgErr.Code == pgInsufficientPrivilege:
			return apperr.Provisioning(apperr.ReasonPrivileges, "insufficient privileges to prepare the database", err)
		case pgErr.Code == pgInvalidCatalogName:
			return apperr.Provisioning(apperr.ReasonUnreachable, "database does not exist", err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return apperr.Provisioning(apperr.ReasonUnreachable, "database unreachable", err)
		}
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || errors.Is(err, storage.ErrPostgresUnavailable) {
		return apperr.Provisioning(apperr.ReasonUnreachable, "database unreachable", err)
	}

	switch fallbackReason {
	case apperr.ReasonSchema:
		return apperr.Provisioning(fallbackReason, "could not prepare the database schema", err)
	default:
		return apperr.Provisioning(fallbackReason, "database initialization failed", err)
	}
}
