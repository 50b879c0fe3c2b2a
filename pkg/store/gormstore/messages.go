package gormstore

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var messageColumns = map[string]string{"id": "id", "createdAt": "created_at"}

func preloadMessage(db *gorm.DB) *gorm.DB {
	return db.Preload("Channel.Owner").Preload("Channel.Members.User").Preload("User")
}

type messageRepo struct {
	crud[MessageModel, int64, domain.Message]
}

func newMessageRepo(t *tx) *messageRepo {
	r := &messageRepo{}
	r.crud = crud[MessageModel, int64, domain.Message]{
		tx:       t,
		entity:   events.EntityMessage,
		keyCol:   "id",
		preload:  preloadMessage,
		toEntity: messageFromModel,
		key:      func(m domain.Message) int64 { return m.ID },
		remove:   t.deleteMessages,
		save:     r.Save,
		columns:  messageColumns,
		sortable: store.MessageSortFields,
		serial:   "messages",
	}
	return r
}

func requireChannel(db *gorm.DB, id int64) error {
	ok, err := exists(db, &ChannelModel{}, "id = ?", id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: channel %d does not exist", store.ErrIntegrityViolation, id)
	}
	return nil
}

func (r *messageRepo) Save(msg domain.Message) (domain.Message, error) {
	if err := domain.ValidateContent(msg.Content); err != nil {
		return domain.Message{}, store.InvalidArgument(err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.tx.store.now().UTC().Truncate(time.Microsecond)
	}
	m := messageToModel(msg)
	var saved domain.Message
	err := r.tx.run(func(db *gorm.DB) error {
		insert, err := prepareID(db, &MessageModel{}, &m.ID)
		if err != nil {
			return err
		}
		if err := requireChannel(db, m.ChannelID); err != nil {
			return err
		}
		if err := requireUser(db, m.UserID, "author"); err != nil {
			return err
		}
		if err := write(db, &m, insert); err != nil {
			return err
		}
		if saved, err = r.load(db, m.ID); err != nil {
			return err
		}
		r.tx.emitSaved(insert, events.EntityMessage, idKey(saved.ID), saved)
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return saved, nil
}

func (r *messageRepo) FindByChannel(channelID int64, before time.Time, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Message], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB {
		db = db.Where("channel_id = ?", channelID)
		if !before.IsZero() {
			db = db.Where("created_at < ?", before)
		}
		return db
	})
}

func (r *messageRepo) FindByUser(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Message], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB { return db.Where("user_id = ?", userID) })
}
