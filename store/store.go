// Package store keeps the identity → volume policy.
//
// The whole policy is one persisted record, loaded once when the Store is
// opened. From then on the in-memory mirror is authoritative: every mutation
// updates it synchronously and hands a copy to a background writer, which
// saves to the Persister in call order. Callers never wait for durability,
// and a failing Persister only costs durability, never the session.
//
// A record that could not be read is never overwritten: saves are held back
// until a later load succeeds, and the persisted entries are then merged
// beneath the changes made in the meantime.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/volkeeper/level"
)

// DefaultKey is the record key the policy is stored under.
const DefaultKey = "BILIBILI_UP_VOLUME_SETTINGS"

// ErrPersistence wraps failures of the persistence collaborator.
var ErrPersistence = errors.New("store: persistence failure")

// Persister is the persistence collaborator: an opaque key-value get/set of
// the whole policy.
type Persister interface {
	Load(ctx context.Context, key string) (level.Policy, error)
	Save(ctx context.Context, key string, p level.Policy) error
}

// Store is the process-wide policy mirror.
type Store struct {
	key    string
	p      Persister
	logger *slog.Logger

	mu     sync.Mutex
	mirror level.Policy
	// loaded is false while the persisted record has not been read. dropped
	// holds the ids deleted during that time.
	loaded  bool
	dropped map[string]struct{}

	// Writer state. pending holds the latest unsaved copy; wake is signalled
	// whenever pending is replaced.
	wmu     sync.Mutex
	pending level.Policy
	dirty   bool
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	closeMu sync.Once

	saveTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithKey sets the record key. Default: DefaultKey.
func WithKey(key string) Option { return func(s *Store) { s.key = key } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithSaveTimeout bounds each Save call. Default: 5s.
func WithSaveTimeout(d time.Duration) Option { return func(s *Store) { s.saveTimeout = d } }

// Open loads the policy from p and starts the background writer. A failed
// load is retried once; if it fails again the store starts empty and holds
// its saves until the record can be read.
func Open(ctx context.Context, p Persister, opts ...Option) *Store {
	s := &Store{
		key:         DefaultKey,
		p:           p,
		logger:      slog.Default(),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		saveTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	got, err := p.Load(ctx, s.key)
	if err != nil {
		s.logger.Warn("store: load failed, retrying", "key", s.key, "error", err)
		got, err = p.Load(ctx, s.key)
	}
	s.mirror = level.Policy{}
	if err != nil {
		s.logger.Warn("store: load failed, starting empty and holding saves",
			"key", s.key, "error", fmt.Errorf("%w: %w", ErrPersistence, err))
		s.dropped = make(map[string]struct{})
	} else {
		s.loaded = true
	}
	for k, v := range got {
		if k != "" {
			s.mirror[k] = v.Clamped()
		}
	}
	s.logger.Info("store: policy loaded", "key", s.key, "entries", len(s.mirror))

	go s.writer()
	return s
}

// Get returns the stored level for id.
func (s *Store) Get(id string) (level.Level, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.mirror[id]
	return v, ok
}

// Set stores lvl for id, clamped, and returns the stored value.
func (s *Store) Set(id string, lvl level.Level) level.Level {
	lvl = lvl.Clamped()
	s.mu.Lock()
	s.mirror[id] = lvl
	snap := s.mirror.Clone()
	s.mu.Unlock()

	s.enqueue(snap)
	return lvl
}

// Delete removes id. It reports whether an entry existed. A flush is issued
// either way.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	_, ok := s.mirror[id]
	delete(s.mirror, id)
	if !s.loaded {
		s.dropped[id] = struct{}{}
	}
	snap := s.mirror.Clone()
	s.mu.Unlock()

	s.enqueue(snap)
	return ok
}

// Import merges p into the policy, overwriting existing entries. It returns
// the number of entries imported.
func (s *Store) Import(p level.Policy) int {
	s.mu.Lock()
	n := 0
	for k, v := range p {
		if k == "" {
			continue
		}
		s.mirror[k] = v.Clamped()
		n++
	}
	snap := s.mirror.Clone()
	s.mu.Unlock()

	if n > 0 {
		s.enqueue(snap)
	}
	return n
}

// Snapshot returns a copy of the policy.
func (s *Store) Snapshot() level.Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.Clone()
}

// Len returns the number of stored identities.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mirror)
}

// Close flushes the pending write and stops the writer.
func (s *Store) Close() {
	s.closeMu.Do(func() {
		close(s.stop)
		<-s.stopped
	})
}

func (s *Store) enqueue(p level.Policy) {
	s.wmu.Lock()
	s.pending = p
	s.dirty = true
	s.wmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// writer saves the latest pending copy each time it is woken. Intermediate
// copies superseded before the writer got to them are skipped: every copy is
// the whole policy, so the last one wins.
func (s *Store) writer() {
	defer close(s.stopped)
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.stop:
			s.flush()
			return
		}
	}
}

func (s *Store) flush() {
	s.wmu.Lock()
	if !s.dirty {
		s.wmu.Unlock()
		return
	}
	p := s.pending
	s.pending = nil
	s.dirty = false
	s.wmu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	if !s.isLoaded() {
		if err := s.reload(ctx); err != nil {
			s.hold(p)
			s.logger.Warn("store: record still unreadable, save held",
				"key", s.key, "entries", len(p), "error", fmt.Errorf("%w: %w", ErrPersistence, err))
			return
		}
		p = s.Snapshot()
	}
	if err := s.p.Save(ctx, s.key, p); err != nil {
		s.logger.Warn("store: save failed, keeping in-memory policy",
			"key", s.key, "entries", len(p), "error", fmt.Errorf("%w: %w", ErrPersistence, err))
		return
	}
	s.logger.Debug("store: policy saved", "key", s.key, "entries", len(p))
}

func (s *Store) isLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// reload reads the persisted record again and merges it beneath the
// mirror. Entries set or deleted since Open win over the persisted ones.
func (s *Store) reload(ctx context.Context) error {
	got, err := s.p.Load(ctx, s.key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	n := 0
	for k, v := range got {
		if k == "" {
			continue
		}
		if _, ok := s.mirror[k]; ok {
			continue
		}
		if _, ok := s.dropped[k]; ok {
			continue
		}
		s.mirror[k] = v.Clamped()
		n++
	}
	s.loaded = true
	s.dropped = nil
	s.mu.Unlock()
	s.logger.Info("store: policy recovered", "key", s.key, "merged", n)
	return nil
}

// hold puts p back as the pending copy unless a newer one arrived.
func (s *Store) hold(p level.Policy) {
	s.wmu.Lock()
	if !s.dirty {
		s.pending = p
		s.dirty = true
	}
	s.wmu.Unlock()
}
