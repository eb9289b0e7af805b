package driverfacade

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/shardstore/occworker/workererr"
)

// Classify maps a database/sql or driver-level error onto the worker's
// three-way error partition (spec §7). This closed set stands in for
// the fatal-cause enumeration named in the original worker's error
// code table (session killed, not-logged-on, end-of-file-on-
// communication channel, must-roll-back, unknown internal error).
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isConnectionFatal(err) {
		return &workererr.FatalError{Reason: "database connection lost", Cause: err}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		if isFatalMySQLCode(mysqlErr.Number) {
			return &workererr.FatalError{Reason: "database session unusable", Cause: err}
		}
		return &workererr.SQLError{Code: int(mysqlErr.Number), Message: mysqlErr.Message}
	}

	return &workererr.InternalError{Detail: err.Error()}
}

// isConnectionFatal recognizes the handful of sentinel strings
// go-sql-driver/mysql and the stdlib net package use for a severed
// connection that no retry at this level can repair.
func isConnectionFatal(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"invalid connection",
		"connection refused",
		"broken pipe",
		"use of closed network connection",
		"EOF",
	} {
		if contains(msg, s) {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n, m := len(haystack), len(needle)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if haystack[i:i+m] == needle {
			return i
		}
	}
	return -1
}

// isFatalMySQLCode reports whether a MySQL server error code leaves the
// session itself unusable rather than just failing one statement,
// standing in for the ORA-03113/ORA-01012/ORA-03135-class fatal set
// this worker's ancestor enumerates.
func isFatalMySQLCode(code uint16) bool {
	switch code {
	case 1927, // connection was killed
		2006, // server has gone away
		2013, // lost connection during query
		1053: // server shutdown in progress
		return true
	default:
		return false
	}
}
