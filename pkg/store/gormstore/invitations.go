package gormstore

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var (
	invitationColumns   = map[string]string{"id": "id", "expiresAt": "expires_at", "status": "status"}
	imInvitationColumns = map[string]string{"token": "token", "expiresAt": "expires_at", "status": "status"}
)

func preloadInvitation(db *gorm.DB) *gorm.DB {
	return db.Preload("Channel.Owner").Preload("Channel.Members.User").Preload("Inviter").Preload("Invitee")
}

type invitationRepo struct {
	crud[ChannelInvitationModel, int64, domain.ChannelInvitation]
}

func newInvitationRepo(t *tx) *invitationRepo {
	r := &invitationRepo{}
	r.crud = crud[ChannelInvitationModel, int64, domain.ChannelInvitation]{
		tx:       t,
		entity:   events.EntityChannelInvitation,
		keyCol:   "id",
		preload:  preloadInvitation,
		toEntity: invitationFromModel,
		key:      func(i domain.ChannelInvitation) int64 { return i.ID },
		remove:   t.deleteInvitations,
		save:     r.Save,
		columns:  invitationColumns,
		sortable: store.ChannelInvitationSortFields,
		serial:   "channel_invitations",
	}
	return r
}

// Save requires the inviter to be a member of the channel when the
// invitation is created. At most one PENDING invitation may exist per channel
// and invitee.
func (r *invitationRepo) Save(i domain.ChannelInvitation) (domain.ChannelInvitation, error) {
	if i.Status == "" {
		i.Status = domain.InvitationPending
	}
	m := invitationToModel(i)
	var saved domain.ChannelInvitation
	err := r.tx.run(func(db *gorm.DB) error {
		insert, err := prepareID(db, &ChannelInvitationModel{}, &m.ID)
		if err != nil {
			return err
		}
		if !i.Status.Valid() {
			return fmt.Errorf("%w: unknown invitation status %q", store.ErrInvalidArgument, i.Status)
		}
		if err := checkRole(i.Role); err != nil {
			return err
		}
		if err := requireChannel(db, m.ChannelID); err != nil {
			return err
		}
		if err := requireUser(db, m.InviterID, "inviter"); err != nil {
			return err
		}
		if err := requireUser(db, m.InviteeID, "invitee"); err != nil {
			return err
		}
		if insert {
			member, err := exists(db, &ChannelMemberModel{}, "channel_id = ? AND user_id = ?", m.ChannelID, m.InviterID)
			if err != nil {
				return err
			}
			if !member {
				return fmt.Errorf("%w: inviter %d is not a member of channel %d", store.ErrIntegrityViolation, m.InviterID, m.ChannelID)
			}
		}
		if i.Status == domain.InvitationPending {
			dup, err := exists(db, &ChannelInvitationModel{}, "channel_id = ? AND invitee_id = ? AND status = ? AND id <> ?",
				m.ChannelID, m.InviteeID, string(domain.InvitationPending), m.ID)
			if err != nil {
				return err
			}
			if dup {
				return fmt.Errorf("%w: user %d already has a pending invitation to channel %d", store.ErrConflict, m.InviteeID, m.ChannelID)
			}
		}
		if err := write(db, &m, insert); err != nil {
			return err
		}
		if saved, err = r.load(db, m.ID); err != nil {
			return err
		}
		r.tx.emitSaved(insert, events.EntityChannelInvitation, idKey(saved.ID), saved)
		return nil
	})
	if err != nil {
		return domain.ChannelInvitation{}, err
	}
	return saved, nil
}

func (r *invitationRepo) FindByChannel(channelID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.ChannelInvitation], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB { return db.Where("channel_id = ?", channelID) })
}

func (r *invitationRepo) FindByInvitee(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.ChannelInvitation], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB { return db.Where("invitee_id = ?", userID) })
}

func (r *invitationRepo) FindPending(channelID, inviteeID int64) (domain.ChannelInvitation, bool, error) {
	return r.findOne(func(db *gorm.DB) *gorm.DB {
		return db.Where("channel_id = ? AND invitee_id = ? AND status = ?", channelID, inviteeID, string(domain.InvitationPending))
	})
}

func (r *invitationRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, &ChannelInvitationModel{}, "id", r.tx.deleteInvitations)
}

type imInvitationRepo struct {
	crud[ImInvitationModel, uuid.UUID, domain.ImInvitation]
}

func newImInvitationRepo(t *tx) *imInvitationRepo {
	r := &imInvitationRepo{}
	r.crud = crud[ImInvitationModel, uuid.UUID, domain.ImInvitation]{
		tx:       t,
		entity:   events.EntityImInvitation,
		keyCol:   "token",
		preload:  noScope,
		toEntity: imInvitationFromModel,
		key:      func(i domain.ImInvitation) uuid.UUID { return i.Token },
		remove:   t.deleteImInvitations,
		save:     r.Save,
		columns:  imInvitationColumns,
		sortable: store.ImInvitationSortFields,
	}
	return r
}

// Save locks a stored invitation before comparing statuses so that two
// transactions cannot both consume it.
func (r *imInvitationRepo) Save(i domain.ImInvitation) (domain.ImInvitation, error) {
	if i.Status == "" {
		i.Status = domain.ImInvitationPending
	}
	if i.Token == uuid.Nil {
		i.Token = uuid.New()
	}
	if !i.Status.Valid() {
		return domain.ImInvitation{}, fmt.Errorf("%w: unknown invitation status %q", store.ErrInvalidArgument, i.Status)
	}
	m := imInvitationToModel(i)
	var saved domain.ImInvitation
	err := r.tx.run(func(db *gorm.DB) error {
		var old ImInvitationModel
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("token = ?", m.Token).Take(&old).Error
		insert := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !insert {
			return err
		}
		if !insert && old.Status == m.Status {
			return fmt.Errorf("%w: cannot use invitation %s twice", store.ErrConflict, m.Token)
		}
		if err := write(db, &m, insert); err != nil {
			return err
		}
		if saved, err = r.load(db, m.Token); err != nil {
			return err
		}
		r.tx.emitSaved(insert, events.EntityImInvitation, m.Token.String(), saved)
		return nil
	})
	if err != nil {
		return domain.ImInvitation{}, err
	}
	return saved, nil
}

func (r *imInvitationRepo) FindByToken(token uuid.UUID) (domain.ImInvitation, bool, error) {
	return r.FindByID(token)
}

func (r *imInvitationRepo) DeleteExpired() (int64, error) {
	return deleteExpired(r.tx, &ImInvitationModel{}, "token", r.tx.deleteImInvitations)
}
