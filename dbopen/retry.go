package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Retry is a busy-retry policy. A call that fails with a busy error is tried
// again up to Attempts times in total, pausing Wait(n) after failed attempt n.
type Retry struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// DefaultRetry backs Exec and RunTx: 3 attempts, 100 then 200 ms apart.
var DefaultRetry = Retry{Attempts: 3, Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}

// IsBusy reports whether err is an SQLite BUSY or locked condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Wait returns the pause after failed attempt n, counted from 1. It grows
// linearly and is capped at MaxBackoff when that is set.
func (r Retry) Wait(n int) time.Duration {
	d := time.Duration(n) * r.Backoff
	if r.MaxBackoff > 0 && d > r.MaxBackoff {
		d = r.MaxBackoff
	}
	return d
}

// Do runs fn until it succeeds, fails with a non-busy error, or the attempts
// run out. The last error is returned as is.
func (r Retry) Do(ctx context.Context, fn func() error) error {
	attempts := max(r.Attempts, 1)
	var err error
	for n := 1; ; n++ {
		if err = fn(); err == nil || !IsBusy(err) || n == attempts {
			return err
		}
		t := time.NewTimer(r.Wait(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: context cancelled during retry: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// Exec executes a statement under r.
func (r Retry) Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := r.Do(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RunTx executes fn inside a transaction under r. fn may run more than once
// and must not keep state between attempts.
func (r Retry) RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return r.Do(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec executes a statement under DefaultRetry.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return DefaultRetry.Exec(ctx, db, query, args...)
}

// RunTx executes fn inside a transaction under DefaultRetry.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return DefaultRetry.RunTx(ctx, db, fn)
}
