package memstore

import (
	"time"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var channelFields = map[string]pagination.Comparator[channelRow]{
	"id":   byInt64(func(r channelRow) int64 { return r.ID }),
	"name": byString(func(r channelRow) string { return r.Name }),
	"createdAt": func(a, b channelRow) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	},
}

func channelsOf(v *view) *layer[int64, channelRow] { return v.channels }

type channelRepo struct {
	crud[int64, channelRow, domain.Channel]
}

func newChannelRepo(t *tx) *channelRepo {
	r := &channelRepo{}
	r.crud = crud[int64, channelRow, domain.Channel]{
		tx:       t,
		entity:   events.EntityChannel,
		table:    channelsOf,
		key:      func(c domain.Channel) int64 { return c.ID },
		hydrate:  (*view).toChannel,
		remove:   (*view).deleteChannel,
		save:     r.Save,
		fields:   channelFields,
		sortable: store.ChannelSortFields,
		tie:      channelFields["id"],
		seq:      &t.store.seq.channels,
	}
	return r
}

func (r *channelRepo) Save(c domain.Channel) (domain.Channel, error) {
	c = c.Normalized()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.tx.store.now().UTC().Truncate(time.Microsecond)
	}
	id, insert, err := assignID(r.tx, channelsOf, r.seq, c.ID)
	if err != nil {
		return domain.Channel{}, err
	}
	c.ID = id
	row := channelRowOf(c)
	if err := r.tx.write(func(v *view) error { return v.saveChannel(row, insert) }); err != nil {
		return domain.Channel{}, err
	}
	return r.reload(id)
}

func visible(publicOnly bool, c channelRow) bool {
	return !publicOnly || c.IsPublic
}

func (r *channelRepo) FindByName(name string, publicOnly bool) (domain.Channel, bool, error) {
	return r.findOne(func(c channelRow) bool { return c.Name == name && visible(publicOnly, c) })
}

func (r *channelRepo) FindByPartialName(prefix string, publicOnly bool, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error) {
	return r.page(req, sort, func(c channelRow) bool {
		return hasPrefixFold(c.Name, prefix) && visible(publicOnly, c)
	})
}

func (r *channelRepo) FindPublic(req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error) {
	return r.page(req, sort, func(c channelRow) bool { return c.IsPublic })
}

func (r *channelRepo) FindByOwner(ownerID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error) {
	return r.page(req, sort, func(c channelRow) bool { return c.OwnerID == ownerID })
}

func (r *channelRepo) FindByMember(userID int64, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.Channel], error) {
	return r.page(req, sort, func(c channelRow) bool {
		_, ok := c.Members[userID]
		return ok
	})
}

func (r *channelRepo) GetMember(channelID, userID int64) (domain.Member, bool, error) {
	var (
		member domain.Member
		found  bool
	)
	err := r.tx.read(func(v *view) error {
		c, ok := v.channels.get(channelID)
		if !ok {
			return nil
		}
		role, ok := c.Members[userID]
		if !ok {
			return nil
		}
		member, found = domain.Member{User: v.user(userID), Role: role}, true
		return nil
	})
	return member, found, err
}

func (r *channelRepo) AddMember(channelID, userID int64, role domain.ChannelRole) error {
	return r.tx.write(func(v *view) error { return v.addMember(channelID, userID, role) })
}

func (r *channelRepo) RemoveMember(channelID, userID int64) error {
	return r.tx.write(func(v *view) error { return v.removeMember(channelID, userID) })
}

func (r *channelRepo) UpdateMemberRole(channelID, userID int64, role domain.ChannelRole) error {
	return r.tx.write(func(v *view) error { return v.updateMemberRole(channelID, userID, role) })
}
