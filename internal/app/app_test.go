package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imcore/pkg/auth"
	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/storage"
	"imcore/pkg/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newApp(t *testing.T, cfg Config) *App {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return now }
	}
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "sqlite"})
	assert.ErrorContains(t, err, "unknown backend")

	_, err = New(Config{Backend: BackendPostgres})
	assert.ErrorContains(t, err, "database URL required")
}

func TestMigrateIsNoopInMemory(t *testing.T) {
	a := newApp(t, Config{})
	assert.Equal(t, BackendMemory, a.Backend())
	assert.NoError(t, a.Migrate(context.Background()))
}

func TestSeedCreatesUserOnce(t *testing.T) {
	rec := &events.Recorder{}
	a := newApp(t, Config{Publisher: rec})
	ctx := context.Background()

	user, created, err := a.Seed(ctx, "admin", "admin@example.com", "Sup3r-secret-pass")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, user.ID)
	assert.NotEqual(t, "Sup3r-secret-pass", user.Password)
	assert.True(t, auth.CheckPassword("Sup3r-secret-pass", user.Password))

	again, created, err := a.Seed(ctx, "admin", "other@example.com", "An0ther-secret-pass")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.ID, again.ID)
	assert.Equal(t, "admin@example.com", again.Email)

	evs := rec.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.Persisted, evs[0].Kind)
	assert.Equal(t, events.EntityUser, evs[0].Entity)
}

func TestSeedValidatesInput(t *testing.T) {
	a := newApp(t, Config{})
	ctx := context.Background()

	_, _, err := a.Seed(ctx, "admin", "admin@example.com", "short")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
	assert.ErrorIs(t, err, auth.ErrWeakPassword)

	_, _, err = a.Seed(ctx, " ", "admin@example.com", "Sup3r-secret-pass")
	assert.ErrorIs(t, err, store.ErrInvalidArgument)
}

func TestSeedRejectsTakenEmail(t *testing.T) {
	a := newApp(t, Config{})
	ctx := context.Background()

	_, _, err := a.Seed(ctx, "admin", "admin@example.com", "Sup3r-secret-pass")
	require.NoError(t, err)
	_, _, err = a.Seed(ctx, "root", "admin@example.com", "Sup3r-secret-pass")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestSweepRemovesExpiredRows(t *testing.T) {
	a := newApp(t, Config{})
	ctx := context.Background()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	var liveToken uuid.UUID
	err := a.Manager().Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
		owner, err := tx.Users().Save(domain.User{Name: "owner", Email: "owner@example.com", Password: "x"})
		if err != nil {
			return err
		}
		guest, err := tx.Users().Save(domain.User{Name: "guest", Email: "guest@example.com", Password: "x"})
		if err != nil {
			return err
		}
		expired, err := tx.Sessions().Save(domain.Session{User: owner, ExpiresAt: past})
		if err != nil {
			return err
		}
		live, err := tx.Sessions().Save(domain.Session{User: guest, ExpiresAt: future})
		if err != nil {
			return err
		}
		// Removed with its expired session.
		if _, err := tx.AccessTokens().Save(domain.AccessToken{Token: uuid.New(), Session: expired, ExpiresAt: future}); err != nil {
			return err
		}
		if _, err := tx.RefreshTokens().Save(domain.RefreshToken{Token: uuid.New(), Session: live, ExpiresAt: past}); err != nil {
			return err
		}
		liveToken = uuid.New()
		if _, err := tx.AccessTokens().Save(domain.AccessToken{Token: liveToken, Session: live, ExpiresAt: future}); err != nil {
			return err
		}
		ch, err := tx.Channels().Save(domain.NewChannel("general", owner, true, domain.RoleMember, now))
		if err != nil {
			return err
		}
		if _, err := tx.ChannelInvitations().Save(domain.ChannelInvitation{
			Channel: ch, Inviter: owner, Invitee: guest, Role: domain.RoleMember, ExpiresAt: past,
		}); err != nil {
			return err
		}
		if _, err := tx.ImInvitations().Save(domain.NewImInvitation(-time.Minute, now)); err != nil {
			return err
		}
		_, err = tx.ImInvitations().Save(domain.NewImInvitation(time.Hour, now))
		return err
	})
	require.NoError(t, err)

	res, err := a.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{
		AccessTokens:       0,
		RefreshTokens:      1,
		Sessions:           1,
		ChannelInvitations: 1,
		ImInvitations:      1,
	}, res)
	assert.EqualValues(t, 4, res.Total())

	var tokens []domain.AccessToken
	var pending int64
	err = a.Manager().Run(ctx, store.ReadCommitted, func(tx store.Transaction) error {
		var err error
		if tokens, err = tx.AccessTokens().FindAll(); err != nil {
			return err
		}
		pending, err = tx.ImInvitations().Count()
		return err
	})
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, liveToken, tokens[0].Token)
	assert.EqualValues(t, 1, pending)

	res, err = a.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestArchiveAndRestore(t *testing.T) {
	objects := storage.NewMemoryStore()
	ctx := context.Background()

	src := newApp(t, Config{Objects: objects, SnapshotKey: "test/snap.json"})
	_, _, err := src.Seed(ctx, "admin", "admin@example.com", "Sup3r-secret-pass")
	require.NoError(t, err)
	require.NoError(t, src.Archive(ctx))
	assert.True(t, objects.Has("test/snap.json"))

	dst := newApp(t, Config{Objects: objects, SnapshotKey: "test/snap.json"})
	require.NoError(t, dst.Restore(ctx))
	user, created, err := dst.Seed(ctx, "admin", "x@example.com", "Sup3r-secret-pass")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "admin@example.com", user.Email)
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	a := newApp(t, Config{Objects: storage.NewMemoryStore()})
	require.NoError(t, a.Restore(context.Background()))
	_, created, err := a.Seed(context.Background(), "admin", "admin@example.com", "Sup3r-secret-pass")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestArchiveWithoutObjectStore(t *testing.T) {
	a := newApp(t, Config{})
	assert.NoError(t, a.Archive(context.Background()))
	assert.NoError(t, a.Restore(context.Background()))
}
