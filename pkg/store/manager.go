package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// DefaultMaxAttempts bounds how many times a SERIALIZABLE unit of work runs
// before a serialization conflict is returned to the caller.
const DefaultMaxAttempts = 3

type ManagerOption func(*TransactionManager)

func WithMaxAttempts(n int) ManagerOption {
	return func(m *TransactionManager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) ManagerOption {
	return func(m *TransactionManager) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *TransactionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// TransactionManager runs units of work inside engine transactions. Only
// SERIALIZABLE work failing with ErrSerializationConflict is re-run; the whole
// function is executed again in a fresh transaction.
type TransactionManager struct {
	beginner    Beginner
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

func NewTransactionManager(beginner Beginner, opts ...ManagerOption) *TransactionManager {
	m := &TransactionManager{
		beginner:    beginner,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  time.Millisecond,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Run executes fn in a transaction at the given isolation, committing when fn
// returns nil and rolling back otherwise.
func (m *TransactionManager) Run(ctx context.Context, isolation Isolation, fn func(Transaction) error) error {
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(m.maxAttempts-1), retry.NewConstant(m.retryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := m.runOnce(ctx, isolation, attempt, fn)
		if isolation == Serializable && errors.Is(err, ErrSerializationConflict) {
			m.logger.Debug("serialization conflict", "attempt", attempt, "maxAttempts", m.maxAttempts, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

func (m *TransactionManager) runOnce(ctx context.Context, isolation Isolation, attempt int, fn func(Transaction) error) error {
	start := time.Now()
	tx, err := m.beginner.Begin(ctx, isolation)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrTransactionClosed) {
			m.logger.Warn("rollback failed", "isolation", isolation.String(), "err", rbErr)
		}
		m.logger.Debug("transaction rolled back", "isolation", isolation.String(), "attempt", attempt, "elapsed", time.Since(start))
		return err
	}
	if err := tx.Commit(); err != nil {
		m.logger.Debug("commit failed", "isolation", isolation.String(), "attempt", attempt, "elapsed", time.Since(start), "err", err)
		return err
	}
	m.logger.Debug("transaction committed", "isolation", isolation.String(), "attempt", attempt, "elapsed", time.Since(start))
	return nil
}

// RunResult is Run for units of work that produce a value.
func RunResult[T any](ctx context.Context, m *TransactionManager, isolation Isolation, fn func(Transaction) (T, error)) (T, error) {
	var result T
	err := m.Run(ctx, isolation, func(tx Transaction) error {
		v, err := fn(tx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
