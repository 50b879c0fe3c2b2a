package gormstore

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var (
	sessionColumns = map[string]string{"id": "id", "expiresAt": "expires_at"}
	tokenColumns   = map[string]string{"token": "token", "expiresAt": "expires_at"}
)

func preloadSessionUser(db *gorm.DB) *gorm.DB { return db.Preload("User") }

func preloadTokenSession(db *gorm.DB) *gorm.DB { return db.Preload("Session.User") }

type sessionRepo struct {
	crud[SessionModel, int64, domain.Session]
}

func newSessionRepo(t *tx) *sessionRepo {
	r := &sessionRepo{}
	r.crud = crud[SessionModel, int64, domain.Session]{
		tx:       t,
		entity:   events.EntitySession,
		keyCol:   "id",
		preload:  preloadSessionUser,
		toEntity: sessionFromModel,
		key:      func(s domain.Session) int64 { return s.ID },
		remove:   t.deleteSessions,
		save:     r.Save,
		columns:  sessionColumns,
		sortable: store.SessionSortFields,
		serial:   "sessions",
	}
	return r
}

func (r *sessionRepo) Save(s domain.Session) (domain.Session, error) {
	m := sessionToModel(s)
	var saved domain.Session
	err := r.tx.run(func(db *gorm.DB) error {
		insert, err := prepareID(db, &SessionModel{}, &m.ID)
		if err != nil {
			return err
		}
		if err := requireUser(db, m.UserID, "user"); err != nil {
			return err
		}
		if err := write(db, &m, insert); err != nil {
			return err
		}
		if saved, err = r.load(db, m.ID); err != nil {
			return err
		}
		r.tx.emitSaved(insert, events.EntitySession, idKey(saved.ID), saved)
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return saved, nil
}

func (r *sessionRepo) FindByUser(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Session], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB { return db.Where("user_id = ?", userID) })
}

// DeleteExpired removes sessions past their expiry together with their tokens.
func (r *sessionRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, &SessionModel{}, "id", r.tx.deleteSessions)
}

// saveToken stores a session token. A zero token is replaced by a random one;
// a caller-supplied token that is not stored yet is inserted.
func saveToken[M any, E any](c *crud[M, uuid.UUID, E], m *M, token *uuid.UUID, sessionID int64) (E, error) {
	var saved E
	err := c.tx.run(func(db *gorm.DB) error {
		insert := *token == uuid.Nil
		if insert {
			*token = uuid.New()
		} else {
			found, err := exists(db, new(M), "token = ?", *token)
			if err != nil {
				return err
			}
			insert = !found
		}
		ok, err := exists(db, &SessionModel{}, "id = ?", sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: session %d does not exist", store.ErrIntegrityViolation, sessionID)
		}
		if err := write(db, m, insert); err != nil {
			return err
		}
		if saved, err = c.load(db, *token); err != nil {
			return err
		}
		c.tx.emitSaved(insert, c.entity, token.String(), saved)
		return nil
	})
	return saved, err
}

type accessTokenRepo struct {
	crud[AccessTokenModel, uuid.UUID, domain.AccessToken]
}

func newAccessTokenRepo(t *tx) *accessTokenRepo {
	r := &accessTokenRepo{}
	r.crud = crud[AccessTokenModel, uuid.UUID, domain.AccessToken]{
		tx:       t,
		entity:   events.EntityAccessToken,
		keyCol:   "token",
		preload:  preloadTokenSession,
		toEntity: accessTokenFromModel,
		key:      func(a domain.AccessToken) uuid.UUID { return a.Token },
		remove:   t.deleteAccessTokens,
		save:     r.Save,
		columns:  tokenColumns,
		sortable: store.TokenSortFields,
	}
	return r
}

func (r *accessTokenRepo) Save(a domain.AccessToken) (domain.AccessToken, error) {
	m := AccessTokenModel{Token: a.Token, SessionID: a.Session.ID, ExpiresAt: a.ExpiresAt}
	return saveToken(&r.crud, &m, &m.Token, m.SessionID)
}

func (r *accessTokenRepo) FindBySession(sessionID int64) ([]domain.AccessToken, error) {
	return r.list(func(db *gorm.DB) *gorm.DB { return db.Where("session_id = ?", sessionID) })
}

func (r *accessTokenRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, &AccessTokenModel{}, "token", r.tx.deleteAccessTokens)
}

type refreshTokenRepo struct {
	crud[RefreshTokenModel, uuid.UUID, domain.RefreshToken]
}

func newRefreshTokenRepo(t *tx) *refreshTokenRepo {
	r := &refreshTokenRepo{}
	r.crud = crud[RefreshTokenModel, uuid.UUID, domain.RefreshToken]{
		tx:       t,
		entity:   events.EntityRefreshToken,
		keyCol:   "token",
		preload:  preloadTokenSession,
		toEntity: refreshTokenFromModel,
		key:      func(rt domain.RefreshToken) uuid.UUID { return rt.Token },
		remove:   t.deleteRefreshTokens,
		save:     r.Save,
		columns:  tokenColumns,
		sortable: store.TokenSortFields,
	}
	return r
}

func (r *refreshTokenRepo) Save(rt domain.RefreshToken) (domain.RefreshToken, error) {
	m := RefreshTokenModel{Token: rt.Token, SessionID: rt.Session.ID, ExpiresAt: rt.ExpiresAt}
	return saveToken(&r.crud, &m, &m.Token, m.SessionID)
}

func (r *refreshTokenRepo) FindBySession(sessionID int64) ([]domain.RefreshToken, error) {
	return r.list(func(db *gorm.DB) *gorm.DB { return db.Where("session_id = ?", sessionID) })
}

func (r *refreshTokenRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, &RefreshTokenModel{}, "token", r.tx.deleteRefreshTokens)
}
