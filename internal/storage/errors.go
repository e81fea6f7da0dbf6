package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"roomchat/backend/internal/chaterr"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// classify maps driver errors onto the chaterr taxonomy. Errors that already
// carry a chaterr kind pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if chaterr.IsDomain(err) ||
		errors.Is(err, chaterr.ErrStorageTransient) ||
		errors.Is(err, chaterr.ErrStorageFatal) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %w", chaterr.ErrDuplicate, err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return chaterr.ErrNotFound
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, driver.ErrBadConn):
		return chaterr.Transient(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23505" { // unique_violation
			return fmt.Errorf("%w: %w", chaterr.ErrDuplicate, err)
		}
		if transientSQLState(pgErr.Code) {
			return chaterr.Transient(err)
		}
		return chaterr.Fatal(err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return chaterr.Transient(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return chaterr.Transient(err)
	}

	return chaterr.Fatal(err)
}

// transientSQLState reports SQLSTATE classes worth retrying.
func transientSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"): // connection exception
		return true
	case strings.HasPrefix(code, "40"): // serialization failure, deadlock
		return true
	case strings.HasPrefix(code, "53"): // insufficient resources
		return true
	case code == "57P01", code == "57P02", code == "57P03": // shutdown, cannot connect now
		return true
	}
	return false
}
