package gormstore

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var channelColumns = map[string]string{"id": "id", "name": "name", "createdAt": "created_at"}

func preloadChannel(db *gorm.DB) *gorm.DB {
	return db.Preload("Owner").Preload("Members.User")
}

type channelRepo struct {
	crud[ChannelModel, int64, domain.Channel]
}

func newChannelRepo(t *tx) *channelRepo {
	r := &channelRepo{}
	r.crud = crud[ChannelModel, int64, domain.Channel]{
		tx:       t,
		entity:   events.EntityChannel,
		keyCol:   "id",
		preload:  preloadChannel,
		toEntity: channelFromModel,
		key:      func(c domain.Channel) int64 { return c.ID },
		remove:   t.deleteChannels,
		save:     r.Save,
		columns:  channelColumns,
		sortable: store.ChannelSortFields,
		serial:   "channels",
	}
	return r
}

func checkRole(role domain.ChannelRole) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown channel role %q", store.ErrInvalidArgument, role)
	}
	return nil
}

func ownerRoleRule(channelID, ownerID, userID int64, role domain.ChannelRole) error {
	if userID == ownerID && role != domain.RoleOwner {
		return fmt.Errorf("%w: owner of channel %d must keep the OWNER role", store.ErrIntegrityViolation, channelID)
	}
	if userID != ownerID && role == domain.RoleOwner {
		return fmt.Errorf("%w: OWNER role of channel %d is reserved for its owner", store.ErrIntegrityViolation, channelID)
	}
	return nil
}

func (r *channelRepo) Save(c domain.Channel) (domain.Channel, error) {
	c = c.Normalized()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.tx.store.now().UTC().Truncate(time.Microsecond)
	}
	if err := checkRole(c.DefaultRole); err != nil {
		return domain.Channel{}, err
	}
	m := channelToModel(c)
	var saved domain.Channel
	err := r.tx.run(func(db *gorm.DB) error {
		insert, err := prepareID(db, &ChannelModel{}, &m.ID)
		if err != nil {
			return err
		}
		if err := requireUser(db, m.OwnerID, "owner"); err != nil {
			return err
		}
		userIDs := make([]int64, 0, len(c.Members))
		for _, member := range c.Members {
			if err := checkRole(member.Role); err != nil {
				return err
			}
			if err := ownerRoleRule(m.ID, m.OwnerID, member.User.ID, member.Role); err != nil {
				return err
			}
			if err := requireUser(db, member.User.ID, "member"); err != nil {
				return err
			}
			userIDs = append(userIDs, member.User.ID)
		}
		if err := checkUnique(db, &ChannelModel{}, m.ID, "name", m.Name, "channel name"); err != nil {
			return err
		}
		if err := write(db, &m, insert); err != nil {
			return err
		}
		c.ID = m.ID
		if err := db.Where("channel_id = ? AND user_id NOT IN ?", m.ID, userIDs).Delete(&ChannelMemberModel{}).Error; err != nil {
			return err
		}
		if err := upsertMembers(db, membersToModel(c)); err != nil {
			return err
		}
		if saved, err = r.load(db, m.ID); err != nil {
			return err
		}
		r.tx.emitSaved(insert, events.EntityChannel, idKey(saved.ID), saved)
		return nil
	})
	if err != nil {
		return domain.Channel{}, err
	}
	return saved, nil
}

func upsertMembers(db *gorm.DB, members []ChannelMemberModel) error {
	if len(members) == 0 {
		return nil
	}
	return db.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&members).Error
}

func publicOnlyScope(db *gorm.DB, publicOnly bool) *gorm.DB {
	if publicOnly {
		return db.Where("is_public = ?", true)
	}
	return db
}

func (r *channelRepo) FindByName(name string, publicOnly bool) (domain.Channel, bool, error) {
	return r.findOne(func(db *gorm.DB) *gorm.DB {
		return publicOnlyScope(db.Where("name = ?", name), publicOnly)
	})
}

func (r *channelRepo) FindByPartialName(prefix string, publicOnly bool, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB {
		return publicOnlyScope(db.Where(`LOWER(name) LIKE ? ESCAPE '\'`, likePrefix(prefix)), publicOnly)
	})
}

func (r *channelRepo) FindPublic(req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB { return publicOnlyScope(db, true) })
}

func (r *channelRepo) FindByOwner(ownerID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB { return db.Where("owner_id = ?", ownerID) })
}

func (r *channelRepo) FindByMember(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB {
		joined := db.Session(&gorm.Session{NewDB: true}).
			Model(&ChannelMemberModel{}).Select("channel_id").Where("user_id = ?", userID)
		return db.Where("id IN (?)", joined)
	})
}

func (r *channelRepo) GetMember(channelID, userID int64) (domain.Member, bool, error) {
	var (
		m     ChannelMemberModel
		found bool
	)
	err := r.tx.run(func(db *gorm.DB) error {
		err := db.Preload("User").Where("channel_id = ? AND user_id = ?", channelID, userID).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil || !found {
		return domain.Member{}, false, err
	}
	return domain.Member{User: refUser(m.User, m.UserID), Role: domain.ChannelRole(m.Role)}, true, nil
}

func channelOwner(db *gorm.DB, channelID int64) (int64, error) {
	var c ChannelModel
	err := db.Select("id", "owner_id").Where("id = ?", channelID).Take(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: channel %d", store.ErrNotFound, channelID)
	}
	return c.OwnerID, err
}

// AddMember inserts the membership or changes the role of an existing one in
// a single statement.
func (r *channelRepo) AddMember(channelID, userID int64, role domain.ChannelRole) error {
	return r.tx.run(func(db *gorm.DB) error {
		ownerID, err := channelOwner(db, channelID)
		if err != nil {
			return err
		}
		if err := checkRole(role); err != nil {
			return err
		}
		if err := requireUser(db, userID, "user"); err != nil {
			return err
		}
		if err := ownerRoleRule(channelID, ownerID, userID, role); err != nil {
			return err
		}
		if err := upsertMembers(db, []ChannelMemberModel{{ChannelID: channelID, UserID: userID, Role: string(role)}}); err != nil {
			return err
		}
		r.tx.emit(events.Updated, events.EntityChannel, idKey(channelID), domain.Member{User: domain.User{ID: userID}, Role: role})
		return nil
	})
}

func (r *channelRepo) RemoveMember(channelID, userID int64) error {
	return r.tx.run(func(db *gorm.DB) error {
		ownerID, err := channelOwner(db, channelID)
		if err != nil {
			return err
		}
		if userID == ownerID {
			return fmt.Errorf("%w: cannot remove the owner of channel %d", store.ErrIntegrityViolation, channelID)
		}
		res := db.Where("channel_id = ? AND user_id = ?", channelID, userID).Delete(&ChannelMemberModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			r.tx.emit(events.Updated, events.EntityChannel, idKey(channelID), nil)
		}
		return nil
	})
}

func (r *channelRepo) UpdateMemberRole(channelID, userID int64, role domain.ChannelRole) error {
	return r.tx.run(func(db *gorm.DB) error {
		ownerID, err := channelOwner(db, channelID)
		if err != nil {
			return err
		}
		if err := checkRole(role); err != nil {
			return err
		}
		member, err := exists(db, &ChannelMemberModel{}, "channel_id = ? AND user_id = ?", channelID, userID)
		if err != nil {
			return err
		}
		if !member {
			return fmt.Errorf("%w: user %d is not a member of channel %d", store.ErrNotFound, userID, channelID)
		}
		if err := ownerRoleRule(channelID, ownerID, userID, role); err != nil {
			return err
		}
		err = db.Model(&ChannelMemberModel{}).
			Where("channel_id = ? AND user_id = ?", channelID, userID).
			Update("role", string(role)).Error
		if err != nil {
			return err
		}
		r.tx.emit(events.Updated, events.EntityChannel, idKey(channelID), domain.Member{User: domain.User{ID: userID}, Role: role})
		return nil
	})
}
