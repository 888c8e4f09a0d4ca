package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"

	"pageinsight/api/models"
)

// PostgreSQL error classes that indicate the store, not the request, is at fault.
const (
	pqClassConnection    pq.ErrorClass = "08"
	pqClassResources     pq.ErrorClass = "53"
	pqClassOperatorState pq.ErrorClass = "57"
)

// wrapErr annotates err with op and marks transient failures with
// models.ErrStoreUnavailable so callers can decide to retry.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, models.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case pqClassConnection, pqClassResources, pqClassOperatorState:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
