package memstore

import (
	"time"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var messageFields = map[string]pagination.Comparator[messageRow]{
	"id": byInt64(func(r messageRow) int64 { return r.ID }),
	"createdAt": func(a, b messageRow) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	},
}

func messagesOf(v *view) *layer[int64, messageRow] { return v.messages }

type messageRepo struct {
	crud[int64, messageRow, domain.Message]
}

func newMessageRepo(t *tx) *messageRepo {
	r := &messageRepo{}
	r.crud = crud[int64, messageRow, domain.Message]{
		tx:       t,
		entity:   events.EntityMessage,
		table:    messagesOf,
		key:      func(m domain.Message) int64 { return m.ID },
		hydrate:  (*view).toMessage,
		remove:   (*view).deleteMessage,
		save:     r.Save,
		fields:   messageFields,
		sortable: store.MessageSortFields,
		tie:      messageFields["id"],
		seq:      &t.store.seq.messages,
	}
	return r
}

func (r *messageRepo) Save(m domain.Message) (domain.Message, error) {
	if err := domain.ValidateContent(m.Content); err != nil {
		return domain.Message{}, store.InvalidArgument(err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.tx.store.now().UTC().Truncate(time.Microsecond)
	}
	id, insert, err := assignID(r.tx, messagesOf, r.seq, m.ID)
	if err != nil {
		return domain.Message{}, err
	}
	m.ID = id
	row := messageRowOf(m)
	if err := r.tx.write(func(v *view) error { return v.saveMessage(row, insert) }); err != nil {
		return domain.Message{}, err
	}
	return r.reload(id)
}

func (r *messageRepo) FindByChannel(channelID int64, before time.Time, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Message], error) {
	return r.page(req, sort, func(m messageRow) bool {
		return m.ChannelID == channelID && (before.IsZero() || m.CreatedAt.Before(before))
	})
}

func (r *messageRepo) FindByUser(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Message], error) {
	return r.page(req, sort, func(m messageRow) bool { return m.UserID == userID })
}
