package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"
)

const (
	pqInsufficientPrivilege = "42501"
	pqClassDataException    = "22"
	pqClassIntegrity        = "23"
	pqClassConnection       = "08"
	pqClassShutdown         = "57P"
)

// IsWriteRejected reports whether the server refused a write on validation
// or permission grounds. Retrying the same write will not succeed.
func IsWriteRejected(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	code := string(pqErr.Code)
	switch {
	case code == pqInsufficientPrivilege:
		return true
	case strings.HasPrefix(code, pqClassDataException), strings.HasPrefix(code, pqClassIntegrity):
		return true
	}
	return false
}

// IsUnavailable reports whether err means the database could not be reached
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		// 57P01..57P03: admin shutdown, crash shutdown, cannot connect now
		return strings.HasPrefix(code, pqClassConnection) || strings.HasPrefix(code, pqClassShutdown)
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
