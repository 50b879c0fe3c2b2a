package memstore

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var invitationFields = map[string]pagination.Comparator[invitationRow]{
	"id": byInt64(func(r invitationRow) int64 { return r.ID }),
	"expiresAt": func(a, b invitationRow) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	},
	"status": byString(func(r invitationRow) string { return string(r.Status) }),
}

var imInvitationFields = map[string]pagination.Comparator[imInvitationRow]{
	"token": func(a, b imInvitationRow) int { return compareToken(a.Token, b.Token) },
	"expiresAt": func(a, b imInvitationRow) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	},
	"status": func(a, b imInvitationRow) int { return strings.Compare(string(a.Status), string(b.Status)) },
}

func invitationsOf(v *view) *layer[int64, invitationRow]         { return v.invitations }
func imInvitationsOf(v *view) *layer[uuid.UUID, imInvitationRow] { return v.imInvitations }

type invitationRepo struct {
	crud[int64, invitationRow, domain.ChannelInvitation]
}

func newInvitationRepo(t *tx) *invitationRepo {
	r := &invitationRepo{}
	r.crud = crud[int64, invitationRow, domain.ChannelInvitation]{
		tx:       t,
		entity:   events.EntityChannelInvitation,
		table:    invitationsOf,
		key:      func(i domain.ChannelInvitation) int64 { return i.ID },
		hydrate:  (*view).toInvitation,
		remove:   (*view).deleteInvitation,
		save:     r.Save,
		fields:   invitationFields,
		sortable: store.ChannelInvitationSortFields,
		tie:      invitationFields["id"],
		seq:      &t.store.seq.invitations,
	}
	return r
}

func (r *invitationRepo) Save(i domain.ChannelInvitation) (domain.ChannelInvitation, error) {
	if i.Status == "" {
		i.Status = domain.InvitationPending
	}
	id, insert, err := assignID(r.tx, invitationsOf, r.seq, i.ID)
	if err != nil {
		return domain.ChannelInvitation{}, err
	}
	i.ID = id
	row := invitationRowOf(i)
	if err := r.tx.write(func(v *view) error { return v.saveInvitation(row, insert) }); err != nil {
		return domain.ChannelInvitation{}, err
	}
	return r.reload(id)
}

func (r *invitationRepo) FindByChannel(channelID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.ChannelInvitation], error) {
	return r.page(req, sort, func(i invitationRow) bool { return i.ChannelID == channelID })
}

func (r *invitationRepo) FindByInvitee(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.ChannelInvitation], error) {
	return r.page(req, sort, func(i invitationRow) bool { return i.InviteeID == userID })
}

func (r *invitationRepo) FindPending(channelID, inviteeID int64) (domain.ChannelInvitation, bool, error) {
	return r.findOne(func(i invitationRow) bool {
		return i.ChannelID == channelID && i.InviteeID == inviteeID && i.Status == domain.InvitationPending
	})
}

func (r *invitationRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, invitationsOf, (*view).deleteInvitation, func(i invitationRow) time.Time { return i.ExpiresAt })
}

type imInvitationRepo struct {
	crud[uuid.UUID, imInvitationRow, domain.ImInvitation]
}

func newImInvitationRepo(t *tx) *imInvitationRepo {
	r := &imInvitationRepo{}
	r.crud = crud[uuid.UUID, imInvitationRow, domain.ImInvitation]{
		tx:       t,
		entity:   events.EntityImInvitation,
		table:    imInvitationsOf,
		key:      func(i domain.ImInvitation) uuid.UUID { return i.Token },
		hydrate:  (*view).toImInvitation,
		remove:   (*view).deleteImInvitation,
		save:     r.Save,
		fields:   imInvitationFields,
		sortable: store.ImInvitationSortFields,
		tie:      imInvitationFields["token"],
	}
	return r
}

func (r *imInvitationRepo) Save(i domain.ImInvitation) (domain.ImInvitation, error) {
	if i.Status == "" {
		i.Status = domain.ImInvitationPending
	}
	token, insert, err := assignToken(r.tx, imInvitationsOf, i.Token)
	if err != nil {
		return domain.ImInvitation{}, err
	}
	i.Token = token
	row := imInvitationRowOf(i)
	if err := r.tx.write(func(v *view) error { return v.saveImInvitation(row, insert) }); err != nil {
		return domain.ImInvitation{}, err
	}
	return r.reload(token)
}

func (r *imInvitationRepo) FindByToken(token uuid.UUID) (domain.ImInvitation, bool, error) {
	return r.FindByID(token)
}

func (r *imInvitationRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, imInvitationsOf, (*view).deleteImInvitation, func(i imInvitationRow) time.Time { return i.ExpiresAt })
}
