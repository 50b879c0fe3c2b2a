package gormstore

import (
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"imcore/pkg/events"
)

// Deletes run children first so that no foreign key is ever left dangling.
// Every remover receives keys of rows that exist.

func removeRows[K any](t *tx, db *gorm.DB, model any, entity, keyCol string, keys []K, format func(K) string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := db.Where(keyCol+" IN ?", keys).Delete(model).Error; err != nil {
		return err
	}
	for _, k := range keys {
		t.emit(events.Removed, entity, format(k), nil)
	}
	return nil
}

func tokenKey(token uuid.UUID) string { return token.String() }

// deleteUsers removes owned channels, memberships elsewhere, authored
// messages, invitations sent or received and sessions before the users.
func (t *tx) deleteUsers(db *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	owned, err := pluck[int64](db, &ChannelModel{}, "id", "owner_id IN ?", ids)
	if err != nil {
		return err
	}
	if err := t.deleteChannels(db, owned); err != nil {
		return err
	}
	joined, err := pluck[int64](db, &ChannelMemberModel{}, "channel_id", "user_id IN ?", ids)
	if err != nil {
		return err
	}
	if err := db.Where("user_id IN ?", ids).Delete(&ChannelMemberModel{}).Error; err != nil {
		return err
	}
	for _, chID := range slices.Compact(joined) {
		t.emit(events.Updated, events.EntityChannel, idKey(chID), nil)
	}
	messages, err := pluck[int64](db, &MessageModel{}, "id", "user_id IN ?", ids)
	if err != nil {
		return err
	}
	if err := t.deleteMessages(db, messages); err != nil {
		return err
	}
	invitations, err := pluck[int64](db, &ChannelInvitationModel{}, "id", "inviter_id IN ? OR invitee_id IN ?", ids, ids)
	if err != nil {
		return err
	}
	if err := t.deleteInvitations(db, invitations); err != nil {
		return err
	}
	sessions, err := pluck[int64](db, &SessionModel{}, "id", "user_id IN ?", ids)
	if err != nil {
		return err
	}
	if err := t.deleteSessions(db, sessions); err != nil {
		return err
	}
	return removeRows(t, db, &UserModel{}, events.EntityUser, "id", ids, idKey)
}

// deleteChannels removes messages, invitations and memberships before the
// channels.
func (t *tx) deleteChannels(db *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	messages, err := pluck[int64](db, &MessageModel{}, "id", "channel_id IN ?", ids)
	if err != nil {
		return err
	}
	if err := t.deleteMessages(db, messages); err != nil {
		return err
	}
	invitations, err := pluck[int64](db, &ChannelInvitationModel{}, "id", "channel_id IN ?", ids)
	if err != nil {
		return err
	}
	if err := t.deleteInvitations(db, invitations); err != nil {
		return err
	}
	if err := db.Where("channel_id IN ?", ids).Delete(&ChannelMemberModel{}).Error; err != nil {
		return err
	}
	return removeRows(t, db, &ChannelModel{}, events.EntityChannel, "id", ids, idKey)
}

func (t *tx) deleteMessages(db *gorm.DB, ids []int64) error {
	return removeRows(t, db, &MessageModel{}, events.EntityMessage, "id", ids, idKey)
}

func (t *tx) deleteInvitations(db *gorm.DB, ids []int64) error {
	return removeRows(t, db, &ChannelInvitationModel{}, events.EntityChannelInvitation, "id", ids, idKey)
}

// deleteSessions removes access and refresh tokens before the sessions.
func (t *tx) deleteSessions(db *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	access, err := pluck[uuid.UUID](db, &AccessTokenModel{}, "token", "session_id IN ?", ids)
	if err != nil {
		return err
	}
	if err := t.deleteAccessTokens(db, access); err != nil {
		return err
	}
	refresh, err := pluck[uuid.UUID](db, &RefreshTokenModel{}, "token", "session_id IN ?", ids)
	if err != nil {
		return err
	}
	if err := t.deleteRefreshTokens(db, refresh); err != nil {
		return err
	}
	return removeRows(t, db, &SessionModel{}, events.EntitySession, "id", ids, idKey)
}

func (t *tx) deleteAccessTokens(db *gorm.DB, tokens []uuid.UUID) error {
	return removeRows(t, db, &AccessTokenModel{}, events.EntityAccessToken, "token", tokens, tokenKey)
}

func (t *tx) deleteRefreshTokens(db *gorm.DB, tokens []uuid.UUID) error {
	return removeRows(t, db, &RefreshTokenModel{}, events.EntityRefreshToken, "token", tokens, tokenKey)
}

func (t *tx) deleteImInvitations(db *gorm.DB, tokens []uuid.UUID) error {
	return removeRows(t, db, &ImInvitationModel{}, events.EntityImInvitation, "token", tokens, tokenKey)
}

// deleteExpired removes rows of model expired before the store clock's time
// using remove and reports how many were removed.
func deleteExpired[K any](t *tx, model any, keyCol string, remove func(db *gorm.DB, keys []K) error) (int64, error) {
	var n int64
	err := t.run(func(db *gorm.DB) error {
		keys, err := pluck[K](db, model, keyCol, "expires_at < ?", t.store.now())
		if err != nil {
			return err
		}
		n = int64(len(keys))
		return remove(db, keys)
	})
	return n, err
}
