package memstore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/storage"
	"imcore/pkg/store"
	"imcore/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		rec := &events.Recorder{}
		s := New(WithPublisher(rec))
		return storetest.Harness{Manager: NewTransactionManager(s), Beginner: s, Events: rec}
	})
}

func begin(t *testing.T, s *Store, iso store.Isolation) store.Tx {
	t.Helper()
	tx, err := s.Begin(context.Background(), iso)
	require.NoError(t, err)
	return tx
}

func user(name string) domain.User {
	return domain.User{Name: name, Password: "pw", Email: name + "@example.com"}
}

func TestSerializableConflict(t *testing.T) {
	s := New()
	first := begin(t, s, store.Serializable)
	second := begin(t, s, store.Serializable)

	_, err := first.Users().Count()
	require.NoError(t, err)
	_, err = second.Users().Count()
	require.NoError(t, err)

	_, err = first.Users().Save(user("a"))
	require.NoError(t, err)
	_, err = second.Users().Save(user("b"))
	require.NoError(t, err)

	require.NoError(t, first.Commit())
	err = second.Commit()
	assert.ErrorIs(t, err, store.ErrSerializationConflict)
	assert.Equal(t, store.TxRolledBack, second.State())
}

func TestReadOnlySerializableNeverConflicts(t *testing.T) {
	s := New()
	reader := begin(t, s, store.Serializable)
	_, err := reader.Users().Count()
	require.NoError(t, err)

	writer := begin(t, s, store.ReadCommitted)
	_, err = writer.Users().Save(user("a"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	assert.NoError(t, reader.Commit())
}

func TestManagerRetriesRealConflict(t *testing.T) {
	s := New()
	m := NewTransactionManager(s)
	attempts := 0

	err := m.Run(context.Background(), store.Serializable, func(tx store.Transaction) error {
		attempts++
		n, err := tx.Users().Count()
		if err != nil {
			return err
		}
		if attempts == 1 {
			other := begin(t, s, store.ReadCommitted)
			if _, err := other.Users().Save(user("intruder")); err != nil {
				return err
			}
			if err := other.Commit(); err != nil {
				return err
			}
		}
		_, err = tx.Users().Save(user(fmt.Sprintf("user%d", n)))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	tx := begin(t, s, store.ReadCommitted)
	defer func() { _ = tx.Rollback() }()
	all, err := tx.Users().FindAll()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "user1", all[1].Name)
}

func TestRepeatableReadKeepsSnapshot(t *testing.T) {
	s := New()
	rr := begin(t, s, store.RepeatableRead)
	defer func() { _ = rr.Rollback() }()

	writer := begin(t, s, store.ReadCommitted)
	_, err := writer.Users().Save(user("late"))
	require.NoError(t, err)
	require.NoError(t, writer.Commit())

	n, err := rr.Users().Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	rc := begin(t, s, store.ReadCommitted)
	defer func() { _ = rc.Rollback() }()
	n, err = rc.Users().Count()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCommitRechecksUniqueness(t *testing.T) {
	s := New()
	setup := begin(t, s, store.ReadCommitted)
	owner, err := setup.Users().Save(user("owner"))
	require.NoError(t, err)
	require.NoError(t, setup.Commit())

	first := begin(t, s, store.ReadCommitted)
	second := begin(t, s, store.ReadCommitted)
	_, err = first.Channels().Save(domain.NewChannel("general", owner, true, domain.RoleMember, time.Now()))
	require.NoError(t, err)
	_, err = second.Channels().Save(domain.NewChannel("general", owner, true, domain.RoleMember, time.Now()))
	require.NoError(t, err)

	require.NoError(t, first.Commit())
	assert.ErrorIs(t, second.Commit(), store.ErrConflict)
}

func TestCommitRechecksReferences(t *testing.T) {
	s := New()
	setup := begin(t, s, store.ReadCommitted)
	owner, err := setup.Users().Save(user("owner"))
	require.NoError(t, err)
	ch, err := setup.Channels().Save(domain.NewChannel("general", owner, true, domain.RoleMember, time.Now()))
	require.NoError(t, err)
	require.NoError(t, setup.Commit())

	poster := begin(t, s, store.ReadCommitted)
	_, err = poster.Messages().Save(domain.Message{Channel: ch, User: owner, Content: "last words"})
	require.NoError(t, err)

	deleter := begin(t, s, store.ReadCommitted)
	require.NoError(t, deleter.Channels().DeleteByID(ch.ID))
	require.NoError(t, deleter.Commit())

	assert.ErrorIs(t, poster.Commit(), store.ErrIntegrityViolation)
}

func TestDeleteAllRestartsIDs(t *testing.T) {
	s := New()
	m := NewTransactionManager(s)
	ctx := context.Background()

	saveOne := func(name string) domain.User {
		u, err := store.RunResult(ctx, m, store.ReadCommitted, func(tx store.Transaction) (domain.User, error) {
			return tx.Users().Save(user(name))
		})
		require.NoError(t, err)
		return u
	}
	assert.Equal(t, int64(1), saveOne("a").ID)
	assert.Equal(t, int64(2), saveOne("b").ID)
	require.NoError(t, m.Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
		return tx.Users().DeleteAll()
	}))
	assert.Equal(t, int64(1), saveOne("c").ID)
}

func TestDeleteAllKeepsIDsHeldByOpenTransactions(t *testing.T) {
	s := New()
	m := NewTransactionManager(s)
	ctx := context.Background()

	saveOne := func(name string) domain.User {
		u, err := store.RunResult(ctx, m, store.ReadCommitted, func(tx store.Transaction) (domain.User, error) {
			return tx.Users().Save(user(name))
		})
		require.NoError(t, err)
		return u
	}
	deleteAll := func() {
		require.NoError(t, m.Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
			return tx.Users().DeleteAll()
		}))
	}

	saveOne("alice")
	open := begin(t, s, store.ReadCommitted)
	bob, err := open.Users().Save(user("bob"))
	require.NoError(t, err)
	require.Equal(t, int64(2), bob.ID)

	deleteAll()
	assert.Equal(t, int64(3), saveOne("carol").ID)
	assert.Equal(t, int64(4), saveOne("dave").ID)
	require.NoError(t, open.Commit())

	require.NoError(t, m.Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
		got, ok, err := tx.Users().FindByID(2)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "bob", got.Name)
		return nil
	}))

	rolled := begin(t, s, store.ReadCommitted)
	_, err = rolled.Users().Save(user("erin"))
	require.NoError(t, err)
	require.NoError(t, rolled.Rollback())

	deleteAll()
	assert.Equal(t, int64(1), saveOne("frank").ID)
}

func TestClockSetsDefaults(t *testing.T) {
	fixed := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.UTC)
	s := New(WithClock(func() time.Time { return fixed }))
	m := NewTransactionManager(s)

	ch, err := store.RunResult(context.Background(), m, store.ReadCommitted, func(tx store.Transaction) (domain.Channel, error) {
		owner, err := tx.Users().Save(user("owner"))
		if err != nil {
			return domain.Channel{}, err
		}
		return tx.Channels().Save(domain.Channel{Name: "clocked", Owner: owner})
	})
	require.NoError(t, err)
	assert.Equal(t, fixed.Truncate(time.Microsecond), ch.CreatedAt)
	assert.Equal(t, domain.RoleMember, ch.DefaultRole)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := New()
	m := NewTransactionManager(src)
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	var inv domain.ImInvitation
	require.NoError(t, m.Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
		users, err := tx.Users().SaveAll([]domain.User{user("alice"), user("bob")})
		if err != nil {
			return err
		}
		ch, err := tx.Channels().Save(domain.NewChannel("general", users[0], true, domain.RoleMember, expires))
		if err != nil {
			return err
		}
		if err := tx.Channels().AddMember(ch.ID, users[1].ID, domain.RoleGuest); err != nil {
			return err
		}
		if _, err := tx.Messages().Save(domain.Message{Channel: ch, User: users[1], Content: "hi", CreatedAt: expires}); err != nil {
			return err
		}
		sess, err := tx.Sessions().Save(domain.Session{User: users[0], ExpiresAt: expires})
		if err != nil {
			return err
		}
		if _, err := tx.AccessTokens().Save(domain.AccessToken{Session: sess, ExpiresAt: expires}); err != nil {
			return err
		}
		inv, err = tx.ImInvitations().Save(domain.NewImInvitation(time.Hour, expires))
		return err
	}))

	objects := storage.NewMemoryStore()
	require.NoError(t, src.SaveSnapshot(ctx, objects, "snap.json"))

	dst := New()
	require.NoError(t, dst.LoadSnapshot(ctx, objects, "snap.json"))
	dm := NewTransactionManager(dst)

	require.NoError(t, dm.Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
		ch, ok, err := tx.Channels().FindByName("general", false)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Len(t, ch.Members, 2)
		assert.Equal(t, "alice", ch.Owner.Name)

		got, ok, err := tx.ImInvitations().FindByToken(inv.Token)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, inv, got)

		n, err := tx.AccessTokens().Count()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		carol, err := tx.Users().Save(user("carol"))
		require.NoError(t, err)
		assert.Equal(t, int64(3), carol.ID)
		return nil
	}))

	assert.ErrorIs(t, dst.LoadSnapshot(ctx, objects, "missing.json"), storage.ErrObjectNotFound)
}

func TestReadSnapshotRejectsUnknownFormat(t *testing.T) {
	s := New()
	err := s.ReadSnapshot(bytes.NewBufferString(`{"format": 99}`))
	assert.Error(t, err)
}

func TestReadSnapshotWhileTransactionsOpen(t *testing.T) {
	ctx := context.Background()
	src := New()
	_, err := store.RunResult(ctx, NewTransactionManager(src), store.ReadCommitted, func(tx store.Transaction) (domain.User, error) {
		return tx.Users().Save(user("alice"))
	})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, src.WriteSnapshot(&buf))
	data := buf.Bytes()

	s := New()
	open := begin(t, s, store.ReadCommitted)
	require.NoError(t, s.ReadSnapshot(bytes.NewReader(data)))

	got, ok, err := open.Users().FindByName("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.ID)
	bob, err := open.Users().Save(user("bob"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), bob.ID)
	require.NoError(t, open.Commit())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 200 {
			assert.NoError(t, s.ReadSnapshot(bytes.NewReader(data)))
		}
	}()
	go func() {
		defer wg.Done()
		for range 200 {
			tx, err := s.Begin(ctx, store.ReadCommitted)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, tx.Rollback())
		}
	}()
	wg.Wait()
}
