package bucket

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

var (
	ErrEmptyKey         = errors.New("bucket key must not be empty")
	ErrStoreTimeout     = errors.New("bucket store call timed out")
	ErrStoreUnavailable = errors.New("bucket store unavailable")
	ErrScriptMissing    = errors.New("bucket script not resident in store")
	ErrBadReply         = errors.New("malformed bucket script reply")
)

func NewInvalidCheckError(key, reason string) error {
	return fmt.Errorf("invalid check for key '%s': %s", key, reason)
}

func NewLoadFailedError(err error) error {
	return fmt.Errorf("failed to load bucket scripts: %w", err)
}

func NewCheckFailedError(key string, err error) error {
	return fmt.Errorf("bucket check failed for key '%s': %w", key, err)
}

func NewBadReplyError(key string, reply any) error {
	return fmt.Errorf("%w for key '%s': %v", ErrBadReply, key, reply)
}

// connErrorStrings identifies connectivity failures in store errors so the
// caller can distinguish an unreachable store from script-level errors.
// Matched against the lowercase error text by containment.
var connErrorStrings = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"i/o timeout",
	"broken pipe",
	"connection pool exhausted",
}

func isConnError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range connErrorStrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// classify maps a raw store error onto the package taxonomy. Context
// cancellation passes through untouched so callers can tell an aborted
// request from a store fault.
func classify(key string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("bucket check for key '%s': %w", key, ErrStoreTimeout)
	case redis.HasErrorPrefix(err, "NOSCRIPT"):
		return fmt.Errorf("bucket check for key '%s': %w", key, ErrScriptMissing)
	case isConnError(err):
		return fmt.Errorf("bucket check for key '%s': %w: %v", key, ErrStoreUnavailable, err)
	default:
		return NewCheckFailedError(key, err)
	}
}
