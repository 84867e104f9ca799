package ledger

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Write failure classes reported to operators.
const (
	FailureConnection = "connection"
	FailureTimeout    = "timeout"
	FailureContention = "contention"
	FailureConstraint = "constraint"
	FailureUnknown    = "unknown"
)

// ClassifyWriteError maps a store error to a failure class. Driver errors
// often lose their type when wrapped, so messages are checked last.
func ClassifyWriteError(err error) string {
	if err == nil {
		return FailureUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return FailureConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return FailureConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "broken pipe", "no such host", "bad connection", "connection pool exhausted"):
		return FailureConnection
	case containsAny(msg, "timeout", "deadline exceeded"):
		return FailureTimeout
	case containsAny(msg, "sqlite_busy", "database is locked", "deadlock found", "lock wait"):
		return FailureContention
	case containsAny(msg, "violates unique constraint", "violates check constraint", "duplicate key", "duplicate entry", "unique constraint failed"):
		return FailureConstraint
	}
	return FailureUnknown
}

func containsAny(s string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
