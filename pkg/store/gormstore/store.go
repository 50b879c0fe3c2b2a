// Package gormstore is the relational storage engine over GORM and Postgres.
//
// Uniqueness and references are checked with queries before each write so
// expected failures surface as typed errors without aborting the Postgres
// transaction. Races those checks cannot see are caught by the schema's
// unique indexes and foreign keys and translated by SQLSTATE.
package gormstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"imcore/pkg/events"
	"imcore/pkg/store"
)

const migrateLockID int64 = 48151623

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

// Store opens transactions on a Postgres database.
type Store struct {
	db        *gorm.DB
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Open connects to the database at dsn. Call Migrate before first use.
func Open(dsn string, opts ...Option) (*Store, error) {
	s := newStore(nil, opts)
	gormLog := gormlogger.New(
		slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, SkipDefaultTransaction: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s.db = db
	return s, nil
}

// New wraps an already opened database.
func New(db *gorm.DB, opts ...Option) *Store {
	return newStore(db, opts)
}

func newStore(db *gorm.DB, opts []Option) *Store {
	s := &Store{
		db:        db,
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

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

// Migrate creates or updates the schema. Concurrent callers are serialized by
// a Postgres advisory lock.
func (s *Store) Migrate(ctx context.Context) error {
	return withMigrationLock(ctx, s.db, func(db *gorm.DB) error {
		if err := db.AutoMigrate(allModels()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := db.Exec(`
			CREATE UNIQUE INDEX IF NOT EXISTS idx_channel_invitations_pending
			ON channel_invitations (channel_id, invitee_id)
			WHERE status = 'PENDING'
		`).Error; err != nil {
			return fmt.Errorf("create pending invitation index: %w", err)
		}
		return nil
	})
}

// Truncate removes every row and restarts all id sequences.
func (s *Store) Truncate(ctx context.Context) error {
	err := s.db.WithContext(ctx).Exec(`
		TRUNCATE access_tokens, refresh_tokens, sessions, messages, channel_invitations,
			channel_members, channels, users, im_invitations
		RESTART IDENTITY CASCADE
	`).Error
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

func withMigrationLock(ctx context.Context, db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(context.Background(), conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db.WithContext(ctx))
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Begin opens a database transaction at the given isolation level.
func (s *Store) Begin(ctx context.Context, isolation store.Isolation) (store.Tx, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	db := s.db.WithContext(ctx).Begin(&sql.TxOptions{Isolation: isolation.SQL()})
	if db.Error != nil {
		return nil, translate(db.Error)
	}
	t := &tx{store: s, ctx: ctx, isolation: isolation, db: db}
	t.bindRepositories()
	if err := t.Activate(); err != nil {
		db.Rollback()
		return nil, err
	}
	return t, nil
}

func (s *Store) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, evs); err != nil {
		s.logger.Warn("publish events failed", "count", len(evs), "err", err)
	}
}
