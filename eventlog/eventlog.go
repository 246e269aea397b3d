// Package eventlog journals what the session did: which identity was
// resolved, which volume was applied, saved or reset. Recording is
// best-effort; a failing journal never interrupts playback control.
//
// Record only queues the event. A single writer goroutine inserts queued
// events in order; Flush waits for it to catch up and Close drains it.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/volkeeper/dbopen"
	"github.com/hazyhaar/volkeeper/idgen"
)

// Type names a kind of event.
type Type string

const (
	IdentityResolved   Type = "identity_resolved"
	IdentityUnresolved Type = "identity_unresolved"
	BindingTimeout     Type = "binding_timeout"
	VolumeApplied      Type = "volume_applied"
	VolumeSaved        Type = "volume_saved"
	VolumeReset        Type = "volume_reset"
)

// Schema is the DDL for the journal.
const Schema = `
CREATE TABLE IF NOT EXISTS volume_events (
    event_id   TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    identity   TEXT NOT NULL DEFAULT '',
    level      REAL,
    url        TEXT NOT NULL DEFAULT '',
    strategy   TEXT NOT NULL DEFAULT '',
    success    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_volume_events_created
    ON volume_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_volume_events_identity
    ON volume_events(identity, created_at DESC);`

// Init applies Schema to db.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("eventlog: init schema: %w", err)
	}
	return nil
}

// Event is one journal row. Level is nil for events that carry no volume.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Identity  string    `json:"identity,omitempty"`
	Level     *float64  `json:"level,omitempty"`
	URL       string    `json:"url,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"created_at"`
}

// LevelOf returns a pointer to v for Event.Level.
func LevelOf(v float64) *float64 { return &v }

// DefaultBuffer is how many events may wait for the writer before Record
// starts dropping them.
const DefaultBuffer = 256

const writeTimeout = 5 * time.Second

// Logger writes events to the journal.
type Logger struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
	now    func() time.Time
	retry  dbopen.Retry
	buffer int

	mu     sync.RWMutex
	closed bool
	queue  chan item
	done   chan struct{}
}

// item is a queued event, or a flush marker when flushed is set.
type item struct {
	ctx     context.Context
	e       Event
	flushed chan struct{}
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator sets the event id generator.
func WithIDGenerator(gen idgen.Generator) Option { return func(l *Logger) { l.newID = gen } }

// WithLogger sets the slog logger failures are reported to.
func WithLogger(lg *slog.Logger) Option { return func(l *Logger) { l.logger = lg } }

// WithRetry sets the busy-retry policy of the writer. Default:
// dbopen.DefaultRetry.
func WithRetry(r dbopen.Retry) Option { return func(l *Logger) { l.retry = r } }

// WithBuffer sets the queue capacity. Default: DefaultBuffer.
func WithBuffer(n int) Option { return func(l *Logger) { l.buffer = n } }

// New returns a Logger over db and starts its writer. The schema must
// already exist (see Init). Close stops the writer.
func New(db *sql.DB, opts ...Option) *Logger {
	l := &Logger{
		db:     db,
		newID:  idgen.Prefixed("vev_", idgen.Default),
		logger: slog.Default(),
		now:    time.Now,
		retry:  dbopen.DefaultRetry,
		buffer: DefaultBuffer,
	}
	for _, o := range opts {
		o(l)
	}
	if l.buffer < 1 {
		l.buffer = 1
	}
	l.queue = make(chan item, l.buffer)
	l.done = make(chan struct{})
	go l.run()
	return l
}

// Record queues e. It never blocks: when the queue is full or the Logger is
// closed the event is dropped. Write errors are logged, not returned.
func (l *Logger) Record(ctx context.Context, e Event) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- item{ctx: context.WithoutCancel(ctx), e: e}:
	default:
		l.logger.Warn("eventlog: queue full, event dropped", "event_type", e.Type, "buffer", l.buffer)
	}
}

// Flush waits until every event queued before the call is written.
func (l *Logger) Flush(ctx context.Context) error {
	if l == nil {
		return nil
	}
	flushed := make(chan struct{})
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	select {
	case l.queue <- item{flushed: flushed}:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes the queued events and stops the writer. Later records are
// dropped.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Logger) run() {
	defer close(l.done)
	for it := range l.queue {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		l.write(it.ctx, it.e)
	}
}

func (l *Logger) write(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	var lvl sql.NullFloat64
	if e.Level != nil {
		lvl = sql.NullFloat64{Float64: *e.Level, Valid: true}
	}
	_, err := l.retry.Exec(ctx, l.db, `
		INSERT INTO volume_events (
			event_id, event_type, identity, level, url, strategy, success, created_at
		) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, string(e.Type), e.Identity, lvl, e.URL, e.Strategy, e.Success, e.CreatedAt.UnixMilli())
	if err != nil {
		l.logger.Error("eventlog: record failed", "error", err, "event_type", e.Type)
	}
}

// Recent returns up to limit events, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, event_type, identity, level, url, strategy, success, created_at
		FROM volume_events ORDER BY created_at DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			typ     string
			lvl     sql.NullFloat64
			created int64
		)
		if err := rows.Scan(&e.ID, &typ, &e.Identity, &lvl, &e.URL, &e.Strategy, &e.Success, &created); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.Type = Type(typ)
		if lvl.Valid {
			e.Level = LevelOf(lvl.Float64)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than maxAge and returns how many went.
func (l *Logger) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := l.now().Add(-maxAge).UnixMilli()
	res, err := l.retry.Exec(ctx, l.db, `DELETE FROM volume_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("eventlog: cleanup: %w", err)
	}
	return res.RowsAffected()
}
