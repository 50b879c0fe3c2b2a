// Package app wires a storage engine, its transaction manager and the event
// publishers from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"imcore/pkg/auth"
	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/storage"
	"imcore/pkg/store"
	"imcore/pkg/store/gormstore"
	"imcore/pkg/store/memstore"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

// Config holds runtime configuration.
type Config struct {
	Backend     string
	DatabaseURL string
	Isolation   store.Isolation
	MaxAttempts int
	RetryDelay  time.Duration

	RedisAddr         string
	RedisPassword     string
	EventStream       string
	EventStreamMaxLen int64
	AMQPURL           string
	AMQPExchange      string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	SnapshotKey    string

	// Objects overrides the MinIO settings when set.
	Objects storage.ObjectStore
	// Publisher receives events in addition to the configured transports.
	Publisher events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// App owns the storage engine and everything attached to it.
type App struct {
	manager     *store.TransactionManager
	isolation   store.Isolation
	mem         *memstore.Store
	db          *gormstore.Store
	objects     storage.ObjectStore
	snapshotKey string
	closers     []io.Closer
	logger      *slog.Logger
	now         func() time.Time
}

// SweepResult counts the rows removed by one expiry sweep.
type SweepResult struct {
	AccessTokens       int64
	RefreshTokens      int64
	Sessions           int64
	ChannelInvitations int64
	ImInvitations      int64
}

func (r SweepResult) Total() int64 {
	return r.AccessTokens + r.RefreshTokens + r.Sessions + r.ChannelInvitations + r.ImInvitations
}

// New constructs the app. Nothing is migrated or restored here.
func New(cfg Config) (*App, error) {
	a := &App{
		isolation:   cfg.Isolation,
		snapshotKey: strings.TrimSpace(cfg.SnapshotKey),
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.snapshotKey == "" {
		a.snapshotKey = "imcore/snapshot.json"
	}

	publisher, err := a.buildPublisher(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	managerOpts := []store.ManagerOption{
		store.WithMaxAttempts(cfg.MaxAttempts),
		store.WithRetryDelay(cfg.RetryDelay),
		store.WithLogger(a.logger),
	}
	switch cfg.Backend {
	case "", BackendMemory:
		a.mem = memstore.New(
			memstore.WithPublisher(publisher),
			memstore.WithLogger(a.logger),
			memstore.WithClock(a.now),
		)
		a.manager = memstore.NewTransactionManager(a.mem, managerOpts...)
		objects, err := openObjects(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.objects = objects
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			a.Close()
			return nil, errors.New("database URL required")
		}
		db, err := gormstore.Open(cfg.DatabaseURL,
			gormstore.WithPublisher(publisher),
			gormstore.WithLogger(a.logger),
			gormstore.WithClock(a.now),
		)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db)
		a.manager = gormstore.NewTransactionManager(db, managerOpts...)
	default:
		a.Close()
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return a, nil
}

func (a *App) buildPublisher(cfg Config) (events.Publisher, error) {
	publishers := events.Multi{events.LogPublisher{Logger: a.logger}}
	if cfg.Publisher != nil {
		publishers = append(publishers, cfg.Publisher)
	}
	if cfg.RedisAddr != "" {
		p, err := events.NewRedisStreamPublisher(events.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.EventStream,
			MaxLen:   cfg.EventStreamMaxLen,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis publisher: %w", err)
		}
		publishers = append(publishers, p)
		a.closers = append(a.closers, p)
	}
	if cfg.AMQPURL != "" {
		p, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return nil, fmt.Errorf("init amqp publisher: %w", err)
		}
		publishers = append(publishers, p)
		a.closers = append(a.closers, p)
	}
	return publishers, nil
}

func openObjects(cfg Config) (storage.ObjectStore, error) {
	if cfg.Objects != nil {
		return cfg.Objects, nil
	}
	if cfg.MinioEndpoint == "" {
		return nil, nil
	}
	objects, err := storage.NewMinioStore(context.Background(), storage.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init object store: %w", err)
	}
	return objects, nil
}

// Manager returns the transaction manager of the configured engine.
func (a *App) Manager() *store.TransactionManager { return a.manager }

// Isolation is the configured default isolation level.
func (a *App) Isolation() store.Isolation { return a.isolation }

func (a *App) Backend() string {
	if a.db != nil {
		return BackendPostgres
	}
	return BackendMemory
}

// Migrate creates or updates the relational schema. It does nothing for the
// in-memory engine.
func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	if err := a.db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Sweep removes every expired session, token and invitation in one
// READ_COMMITTED transaction.
func (a *App) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	err := a.manager.Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
		res = SweepResult{}
		var err error
		if res.AccessTokens, err = tx.AccessTokens().DeleteExpired(); err != nil {
			return fmt.Errorf("access tokens: %w", err)
		}
		if res.RefreshTokens, err = tx.RefreshTokens().DeleteExpired(); err != nil {
			return fmt.Errorf("refresh tokens: %w", err)
		}
		if res.Sessions, err = tx.Sessions().DeleteExpired(); err != nil {
			return fmt.Errorf("sessions: %w", err)
		}
		if res.ChannelInvitations, err = tx.ChannelInvitations().DeleteExpired(); err != nil {
			return fmt.Errorf("channel invitations: %w", err)
		}
		if res.ImInvitations, err = tx.ImInvitations().DeleteExpired(); err != nil {
			return fmt.Errorf("im invitations: %w", err)
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, fmt.Errorf("sweep: %w", err)
	}
	if res.Total() > 0 {
		a.logger.Info("expired rows removed",
			"accessTokens", res.AccessTokens,
			"refreshTokens", res.RefreshTokens,
			"sessions", res.Sessions,
			"channelInvitations", res.ChannelInvitations,
			"imInvitations", res.ImInvitations,
		)
	}
	return res, nil
}

// Seed creates a user with a bcrypt-hashed password. An existing user with
// the same name is returned unchanged and created is false.
func (a *App) Seed(ctx context.Context, name, email, password string) (user domain.User, created bool, err error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" {
		return domain.User{}, false, store.InvalidArgument(errors.New("name and email required"))
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, false, store.InvalidArgument(err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, false, err
	}
	err = a.manager.Run(ctx, store.Serializable, func(tx store.Transaction) error {
		existing, ok, err := tx.Users().FindByName(name)
		if err != nil {
			return err
		}
		if ok {
			user, created = existing, false
			return nil
		}
		user, err = tx.Users().Save(domain.User{Name: name, Email: email, Password: hash})
		created = err == nil
		return err
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("seed user %s: %w", name, err)
	}
	return user, created, nil
}

// Archive writes the in-memory data to object storage. It does nothing when
// no object store is configured or the engine is relational.
func (a *App) Archive(ctx context.Context) error {
	if a.mem == nil || a.objects == nil {
		return nil
	}
	if err := a.mem.SaveSnapshot(ctx, a.objects, a.snapshotKey); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

// Restore replaces the in-memory data with the archived snapshot. A missing
// snapshot leaves the store empty.
func (a *App) Restore(ctx context.Context) error {
	if a.mem == nil || a.objects == nil {
		return nil
	}
	err := a.mem.LoadSnapshot(ctx, a.objects, a.snapshotKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		a.logger.Info("no snapshot to restore", "key", a.snapshotKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

// Close releases the database and the event transports.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
