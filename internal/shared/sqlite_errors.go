// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"strings"
	"time"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError reports whether err is a busy or locked error that
// warrants a retry.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// RetryPolicy bounds RetryOnConflict.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy retries three times at 100ms, 200ms and 400ms.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond}

// RetryOnConflict runs op until it succeeds, fails with a non-conflict
// error, or the attempts run out. Delays double after each conflict.
// onRetry, when non-nil, is called before each wait.
func RetryOnConflict(ctx context.Context, p RetryPolicy, op func() error, onRetry func(attempt int, delay time.Duration, err error)) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	var err error
	for i := range p.Attempts {
		if err = op(); err == nil || !IsSQLiteConflictError(err) || i == p.Attempts-1 {
			return err
		}
		delay := p.BaseDelay * time.Duration(1<<i)
		if onRetry != nil {
			onRetry(i+1, delay, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
