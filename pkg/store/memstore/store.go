// Package memstore is the in-memory storage engine. It reproduces the
// uniqueness, integrity and cascade rules of the relational engine.
//
// A transaction works on a private view: writes are buffered per table and
// also recorded as operations. Commit replays the operations against the
// latest committed tables under the store's write lock, so every check runs
// again atomically with the write it guards, and only then publishes the
// result. SERIALIZABLE transactions additionally fail with
// store.ErrSerializationConflict if any table they used was committed to by
// someone else in the meantime.
package memstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"imcore/pkg/events"
	"imcore/pkg/store"
)

type Option func(*Store)

func WithPublisher(p events.Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type sequences struct {
	users       sequence
	channels    sequence
	messages    sequence
	invitations sequence
	sessions    sequence
}

// Store holds the committed tables.
type Store struct {
	mu   sync.RWMutex
	live *tables
	seq  sequences

	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func New(opts ...Option) *Store {
	s := &Store{
		live:      newTables(),
		publisher: events.Discard,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewTransactionManager returns a manager running units of work on s.
func NewTransactionManager(s *Store, opts ...store.ManagerOption) *store.TransactionManager {
	return store.NewTransactionManager(s, opts...)
}

// Begin opens a transaction. REPEATABLE_READ and SERIALIZABLE read from a
// copy of the tables taken here; the other levels read committed data.
func (s *Store) Begin(ctx context.Context, isolation store.Isolation) (store.Tx, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &tx{store: s, ctx: ctx, isolation: isolation}
	s.mu.RLock()
	base := s.live
	if isolation.Snapshot() {
		t.snapshot = s.live.clone()
		base = t.snapshot
	}
	s.mu.RUnlock()
	t.work = newView(base, s.now)
	t.bindRepositories()
	if err := t.Activate(); err != nil {
		return nil, err
	}
	return t, nil
}

// apply replays the operations of t onto the committed tables.
func (s *Store) apply(t *tx) ([]events.Event, error) {
	if len(t.ops) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.isolation == store.Serializable {
		if stale := t.work.staleTables(s.live); len(stale) > 0 {
			return nil, fmt.Errorf("%w: concurrent commit to %s", store.ErrSerializationConflict, strings.Join(stale, ", "))
		}
	}
	v := newView(s.live, s.now)
	v.record = true
	for _, op := range t.ops {
		if err := op(v); err != nil {
			return nil, err
		}
	}
	v.merge()
	for _, seq := range t.resets {
		seq.restart(0)
	}
	return v.events, nil
}

func (s *Store) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, evs); err != nil {
		s.logger.Warn("publish events failed", "count", len(evs), "err", err)
	}
}
