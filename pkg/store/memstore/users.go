package memstore

import (
	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var userFields = map[string]pagination.Comparator[userRow]{
	"id":    byInt64(func(r userRow) int64 { return r.ID }),
	"name":  byString(func(r userRow) string { return r.Name }),
	"email": byString(func(r userRow) string { return r.Email }),
}

func usersOf(v *view) *layer[int64, userRow] { return v.users }

type userRepo struct {
	crud[int64, userRow, domain.User]
}

func newUserRepo(t *tx) *userRepo {
	r := &userRepo{}
	r.crud = crud[int64, userRow, domain.User]{
		tx:       t,
		entity:   events.EntityUser,
		table:    usersOf,
		key:      func(u domain.User) int64 { return u.ID },
		hydrate:  (*view).toUser,
		remove:   (*view).deleteUser,
		save:     r.Save,
		fields:   userFields,
		sortable: store.UserSortFields,
		tie:      userFields["id"],
		seq:      &t.store.seq.users,
	}
	return r
}

func (r *userRepo) Save(u domain.User) (domain.User, error) {
	id, insert, err := assignID(r.tx, usersOf, r.seq, u.ID)
	if err != nil {
		return domain.User{}, err
	}
	u.ID = id
	row := userRowOf(u)
	if err := r.tx.write(func(v *view) error { return v.saveUser(row, insert) }); err != nil {
		return domain.User{}, err
	}
	return r.reload(id)
}

func (r *userRepo) FindByName(name string) (domain.User, bool, error) {
	return r.findOne(func(u userRow) bool { return u.Name == name })
}

func (r *userRepo) FindByEmail(email string) (domain.User, bool, error) {
	return r.findOne(func(u userRow) bool { return u.Email == email })
}

func (r *userRepo) FindByNameAndPassword(name, password string) (domain.User, bool, error) {
	return r.findOne(func(u userRow) bool { return u.Name == name && u.Password == password })
}

func (r *userRepo) FindByEmailAndPassword(email, password string) (domain.User, bool, error) {
	return r.findOne(func(u userRow) bool { return u.Email == email && u.Password == password })
}

func (r *userRepo) FindByPartialName(prefix string, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.User], error) {
	return r.page(req, sort, func(u userRow) bool { return hasPrefixFold(u.Name, prefix) })
}
