package memstore

import (
	"context"
	"sync"

	"imcore/pkg/store"
)

type op func(v *view) error

type tx struct {
	store.TxStatus

	mu        sync.Mutex
	store     *Store
	ctx       context.Context
	isolation store.Isolation
	snapshot  *tables
	work      *view
	ops       []op
	resets    []*sequence
	reserved  map[*sequence][]int64

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

// read runs fn against the working view. Views over committed tables are
// read under the store's read lock.
func (t *tx) read(fn func(v *view) error) error {
	return t.run(fn, false)
}

// write runs o against the working view and keeps it for replay at commit.
func (t *tx) write(o op) error {
	return t.run(o, true)
}

func (t *tx) run(fn op, keep bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckActive(); err != nil {
		return err
	}
	if t.snapshot == nil {
		t.store.mu.RLock()
		defer t.store.mu.RUnlock()
	}
	if err := fn(t.work); err != nil {
		return err
	}
	if keep {
		t.ops = append(t.ops, fn)
	}
	return nil
}

func (t *tx) resetOnCommit(seq *sequence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resets = append(t.resets, seq)
}

// nextID draws an id from seq and holds it until the transaction ends. The
// caller holds t.mu.
func (t *tx) nextID(seq *sequence) int64 {
	id := seq.next()
	if t.reserved == nil {
		t.reserved = make(map[*sequence][]int64)
	}
	t.reserved[seq] = append(t.reserved[seq], id)
	return id
}

func (t *tx) releaseIDs() {
	for seq, ids := range t.reserved {
		seq.release(ids)
	}
	t.reserved = nil
}

func (t *tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.CheckActive(); err != nil {
		return err
	}
	evs, err := t.store.apply(t)
	t.releaseIDs()
	if err != nil {
		_ = t.Finish(store.TxRolledBack)
		return err
	}
	if err := t.Finish(store.TxCommitted); err != nil {
		return err
	}
	t.store.publish(t.ctx, evs)
	return nil
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.Finish(store.TxRolledBack); err != nil {
		return err
	}
	t.ops = nil
	t.resets = nil
	t.releaseIDs()
	return nil
}
