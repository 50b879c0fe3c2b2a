package gormstore

import (
	"context"
	"strconv"
	"sync"

	"gorm.io/gorm"

	"imcore/pkg/events"
	"imcore/pkg/store"
)

type tx struct {
	store.TxStatus

	mu        sync.Mutex
	store     *Store
	ctx       context.Context
	isolation store.Isolation
	db        *gorm.DB
	events    []events.Event

	users         *userRepo
	channels      *channelRepo
	messages      *messageRepo
	sessions      *sessionRepo
	accessTokens  *accessTokenRepo
	refreshTokens *refreshTokenRepo
	invitations   *invitationRepo
	imInvitations *imInvitationRepo
}

func (t *tx) bindRepositories() {
	t.users = newUserRepo(t)
	t.channels = newChannelRepo(t)
	t.messages = newMessageRepo(t)
	t.sessions = newSessionRepo(t)
	t.accessTokens = newAccessTokenRepo(t)
	t.refreshTokens = newRefreshTokenRepo(t)
	t.invitations = newInvitationRepo(t)
	t.imInvitations = newImInvitationRepo(t)
}

func (t *tx) Context() context.Context          { return t.ctx }
func (t *tx) Isolation() store.Isolation        { return t.isolation }
func (t *tx) Users() store.UserRepository       { return t.users }
func (t *tx) Channels() store.ChannelRepository { return t.channels }
func (t *tx) Messages() store.MessageRepository { return t.messages }
func (t *tx) Sessions() store.SessionRepository { return t.sessions }

func (t *tx) AccessTokens() store.AccessTokenRepository   { return t.accessTokens }
func (t *tx) RefreshTokens() store.RefreshTokenRepository { return t.refreshTokens }

func (t *tx) ChannelInvitations() store.ChannelInvitationRepository { return t.invitations }
func (t *tx) ImInvitations() store.ImInvitationRepository           { return t.imInvitations }

// run executes fn on the database transaction. Calls are serialized because
// a *gorm.DB transaction holds a single connection.
func (t *tx) run(fn func(db *gorm.DB) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckActive(); err != nil {
		return err
	}
	return translate(fn(t.db))
}

// emit buffers an event until commit. Callers hold t.mu through run.
func (t *tx) emit(kind events.Kind, entity, key string, payload any) {
	t.events = append(t.events, events.Event{
		Kind:    kind,
		Entity:  entity,
		Key:     key,
		Payload: payload,
		At:      t.store.now().UTC(),
	})
}

func (t *tx) emitSaved(insert bool, entity, key string, payload any) {
	kind := events.Updated
	if insert {
		kind = events.Persisted
	}
	t.emit(kind, entity, key, payload)
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckActive(); err != nil {
		return err
	}
	if err := t.db.Commit().Error; err != nil {
		_ = t.Finish(store.TxRolledBack)
		t.events = nil
		return translate(err)
	}
	if err := t.Finish(store.TxCommitted); err != nil {
		return err
	}
	evs := t.events
	t.events = nil
	t.store.publish(t.ctx, evs)
	return nil
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.Finish(store.TxRolledBack); err != nil {
		return err
	}
	t.events = nil
	return translate(t.db.Rollback().Error)
}

func idKey(id int64) string {
	return strconv.FormatInt(id, 10)
}
