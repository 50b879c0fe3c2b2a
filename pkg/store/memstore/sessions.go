package memstore

import (
	"time"

	"github.com/google/uuid"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var sessionFields = map[string]pagination.Comparator[sessionRow]{
	"id": byInt64(func(r sessionRow) int64 { return r.ID }),
	"expiresAt": func(a, b sessionRow) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	},
}

var tokenFields = map[string]pagination.Comparator[tokenRow]{
	"token": func(a, b tokenRow) int { return compareToken(a.Token, b.Token) },
	"expiresAt": func(a, b tokenRow) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	},
}

func sessionsOf(v *view) *layer[int64, sessionRow]        { return v.sessions }
func accessTokensOf(v *view) *layer[uuid.UUID, tokenRow]  { return v.accessTokens }
func refreshTokensOf(v *view) *layer[uuid.UUID, tokenRow] { return v.refreshTokens }

type sessionRepo struct {
	crud[int64, sessionRow, domain.Session]
}

func newSessionRepo(t *tx) *sessionRepo {
	r := &sessionRepo{}
	r.crud = crud[int64, sessionRow, domain.Session]{
		tx:       t,
		entity:   events.EntitySession,
		table:    sessionsOf,
		key:      func(s domain.Session) int64 { return s.ID },
		hydrate:  (*view).toSession,
		remove:   (*view).deleteSession,
		save:     r.Save,
		fields:   sessionFields,
		sortable: store.SessionSortFields,
		tie:      sessionFields["id"],
		seq:      &t.store.seq.sessions,
	}
	return r
}

func (r *sessionRepo) Save(s domain.Session) (domain.Session, error) {
	id, insert, err := assignID(r.tx, sessionsOf, r.seq, s.ID)
	if err != nil {
		return domain.Session{}, err
	}
	s.ID = id
	row := sessionRowOf(s)
	if err := r.tx.write(func(v *view) error { return v.saveSession(row, insert) }); err != nil {
		return domain.Session{}, err
	}
	return r.reload(id)
}

func (r *sessionRepo) FindByUser(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Session], error) {
	return r.page(req, sort, func(s sessionRow) bool { return s.UserID == userID })
}

// DeleteExpired removes sessions past their expiry together with their tokens.
func (r *sessionRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, sessionsOf, (*view).deleteSession, func(s sessionRow) time.Time { return s.ExpiresAt })
}

type accessTokenRepo struct {
	crud[uuid.UUID, tokenRow, domain.AccessToken]
}

func newAccessTokenRepo(t *tx) *accessTokenRepo {
	r := &accessTokenRepo{}
	r.crud = crud[uuid.UUID, tokenRow, domain.AccessToken]{
		tx:       t,
		entity:   events.EntityAccessToken,
		table:    accessTokensOf,
		key:      func(a domain.AccessToken) uuid.UUID { return a.Token },
		hydrate:  (*view).toAccessToken,
		remove:   (*view).deleteAccessToken,
		save:     r.Save,
		fields:   tokenFields,
		sortable: store.TokenSortFields,
		tie:      tokenFields["token"],
	}
	return r
}

func (r *accessTokenRepo) Save(a domain.AccessToken) (domain.AccessToken, error) {
	token, insert, err := assignToken(r.tx, accessTokensOf, a.Token)
	if err != nil {
		return domain.AccessToken{}, err
	}
	row := tokenRow{Token: token, SessionID: a.Session.ID, ExpiresAt: a.ExpiresAt}
	if err := r.tx.write(func(v *view) error { return v.saveAccessToken(row, insert) }); err != nil {
		return domain.AccessToken{}, err
	}
	return r.reload(token)
}

func (r *accessTokenRepo) FindBySession(sessionID int64) ([]domain.AccessToken, error) {
	return r.list(func(t tokenRow) bool { return t.SessionID == sessionID })
}

func (r *accessTokenRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, accessTokensOf, (*view).deleteAccessToken, func(t tokenRow) time.Time { return t.ExpiresAt })
}

type refreshTokenRepo struct {
	crud[uuid.UUID, tokenRow, domain.RefreshToken]
}

func newRefreshTokenRepo(t *tx) *refreshTokenRepo {
	r := &refreshTokenRepo{}
	r.crud = crud[uuid.UUID, tokenRow, domain.RefreshToken]{
		tx:       t,
		entity:   events.EntityRefreshToken,
		table:    refreshTokensOf,
		key:      func(rt domain.RefreshToken) uuid.UUID { return rt.Token },
		hydrate:  (*view).toRefreshToken,
		remove:   (*view).deleteRefreshToken,
		save:     r.Save,
		fields:   tokenFields,
		sortable: store.TokenSortFields,
		tie:      tokenFields["token"],
	}
	return r
}

func (r *refreshTokenRepo) Save(rt domain.RefreshToken) (domain.RefreshToken, error) {
	token, insert, err := assignToken(r.tx, refreshTokensOf, rt.Token)
	if err != nil {
		return domain.RefreshToken{}, err
	}
	row := tokenRow{Token: token, SessionID: rt.Session.ID, ExpiresAt: rt.ExpiresAt}
	if err := r.tx.write(func(v *view) error { return v.saveRefreshToken(row, insert) }); err != nil {
		return domain.RefreshToken{}, err
	}
	return r.reload(token)
}

func (r *refreshTokenRepo) FindBySession(sessionID int64) ([]domain.RefreshToken, error) {
	return r.list(func(t tokenRow) bool { return t.SessionID == sessionID })
}

func (r *refreshTokenRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, refreshTokensOf, (*view).deleteRefreshToken, func(t tokenRow) time.Time { return t.ExpiresAt })
}

// deleteExpired removes the rows that expired before the store clock's
// current time and reports how many this transaction saw.
func deleteExpired[K comparable, R any](t *tx, table func(v *view) *layer[K, R], remove func(v *view, k K) bool, expiresAt func(R) time.Time) (int64, error) {
	now := t.store.now()
	var removed int64
	err := t.write(func(v *view) error {
		var n int64
		for _, k := range expiredBefore(table(v), now, expiresAt) {
			if remove(v, k) {
				n++
			}
		}
		if !v.record {
			removed = n
		}
		return nil
	})
	return removed, err
}
