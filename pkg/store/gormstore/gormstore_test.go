package gormstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/store"
	"imcore/pkg/store/storetest"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// testStore returns a migrated, empty store backed by a shared Postgres
// container.
func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres tests in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcPostgres.Run(ctx,
			"postgres:16-alpine",
			tcPostgres.WithDatabase("imcore_test"),
			tcPostgres.WithUsername("test"),
			tcPostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres container: %w", err)
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	if containerErr != nil {
		t.Skipf("postgres unavailable: %v", containerErr)
	}

	s, err := Open(containerDSN, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Truncate(context.Background()))
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		rec := &events.Recorder{}
		s := testStore(t, WithPublisher(rec))
		return storetest.Harness{Manager: NewTransactionManager(s), Beginner: s, Events: rec}
	})
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := testStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestSerializableWriteSkewConflicts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first, err := s.Begin(ctx, store.Serializable)
	require.NoError(t, err)
	second, err := s.Begin(ctx, store.Serializable)
	require.NoError(t, err)
	defer func() { _ = second.Rollback() }()

	_, err = first.Users().Count()
	require.NoError(t, err)
	_, err = second.Users().Count()
	require.NoError(t, err)

	_, err = first.Users().Save(domain.User{Name: "a", Password: "pw", Email: "a@example.com"})
	require.NoError(t, err)
	_, err = second.Users().Save(domain.User{Name: "b", Password: "pw", Email: "b@example.com"})
	require.NoError(t, err)

	require.NoError(t, first.Commit())
	assert.ErrorIs(t, second.Commit(), store.ErrSerializationConflict)
	assert.Equal(t, store.TxRolledBack, second.State())
}

func TestDeleteAllRestartsSequence(t *testing.T) {
	s := testStore(t)
	m := NewTransactionManager(s)
	ctx := context.Background()

	save := func(name string) domain.User {
		u, err := store.RunResult(ctx, m, store.ReadCommitted, func(tx store.Transaction) (domain.User, error) {
			return tx.Users().Save(domain.User{Name: name, Password: "pw", Email: name + "@example.com"})
		})
		require.NoError(t, err)
		return u
	}
	save("a")
	save("b")
	require.NoError(t, m.Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
		return tx.Users().DeleteAll()
	}))
	assert.Equal(t, int64(1), save("c").ID)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{codeUniqueViolation, store.ErrConflict},
		{codeForeignKeyViolation, store.ErrIntegrityViolation},
		{codeSerializationFailure, store.ErrSerializationConflict},
		{codeDeadlockDetected, store.ErrSerializationConflict},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			pgErr := &pgconn.PgError{Code: tt.code, Message: "boom"}
			err := translate(fmt.Errorf("exec: %w", pgErr))
			assert.ErrorIs(t, err, tt.want)
			var got *pgconn.PgError
			assert.True(t, errors.As(err, &got))
		})
	}

	plain := errors.New("plain")
	assert.Equal(t, plain, translate(plain))
	assert.NoError(t, translate(nil))
	other := &pgconn.PgError{Code: "42P01"}
	assert.Same(t, other, translate(other))
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, "gen%", likePrefix("Gen"))
	assert.Equal(t, `50\%\_off\\%`, likePrefix(`50%_off\`))
}
