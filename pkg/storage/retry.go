package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

// Writes are retried this many times in total before the error is handed back to the caller.
const maxWriteAttempts = 4

// IsTransient reports whether err is a SQLite contention error that a retry may clear.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy, sqliteErr.Code == sqlite3.ErrLocked:
		return true
	case sqliteErr.ExtendedCode == sqlite3.ErrIoErrShortRead:
		return true
	}
	return false
}

func newWriteBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	return b
}

// retryTransient runs op until it succeeds, fails with a non-transient error, or runs out of attempts.
func retryTransient(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(newWriteBackOff()), backoff.WithMaxTries(maxWriteAttempts))
	return err
}
