// Package trace registers a "sqlite-trace" database/sql driver that wraps
// modernc.org/sqlite and logs every statement through slog: Debug normally,
// Warn above SlowThreshold, Error on failure. The request ID from kit is
// attached when present.
//
//	import "github.com/hazyhaar/volkeeper/trace"
//
//	trace.SetLogger(logger)
//	db, err := dbopen.Open("volkeeper.db", dbopen.WithDriver(trace.DriverName))
package trace

import (
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the name the tracing driver is registered under.
const DriverName = "sqlite-trace"

// SlowThreshold is the duration above which a statement is logged at Warn.
const SlowThreshold = 100 * time.Millisecond

var logger atomic.Pointer[slog.Logger]

// SetLogger sets the logger statements are written to. nil restores
// slog.Default().
func SetLogger(l *slog.Logger) { logger.Store(l) }

func getLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func init() {
	sql.Register(DriverName, &TracingDriver{
		Driver: &sqlite.Driver{},
	})
}
