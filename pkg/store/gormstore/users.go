package gormstore

import (
	"gorm.io/gorm"

	"imcore/pkg/domain"
	"imcore/pkg/events"
	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

var userColumns = map[string]string{"id": "id", "name": "name", "email": "email"}

type userRepo struct {
	crud[UserModel, int64, domain.User]
}

func newUserRepo(t *tx) *userRepo {
	r := &userRepo{}
	r.crud = crud[UserModel, int64, domain.User]{
		tx:       t,
		entity:   events.EntityUser,
		keyCol:   "id",
		preload:  noScope,
		toEntity: userFromModel,
		key:      func(u domain.User) int64 { return u.ID },
		remove:   t.deleteUsers,
		save:     r.Save,
		columns:  userColumns,
		sortable: store.UserSortFields,
		serial:   "users",
	}
	return r
}

func (r *userRepo) Save(u domain.User) (domain.User, error) {
	m := userToModel(u)
	var saved domain.User
	err := r.tx.run(func(db *gorm.DB) error {
		insert, err := prepareID(db, &UserModel{}, &m.ID)
		if err != nil {
			return err
		}
		if err := checkUnique(db, &UserModel{}, m.ID, "name", m.Name, "user name"); err != nil {
			return err
		}
		if err := checkUnique(db, &UserModel{}, m.ID, "email", m.Email, "email"); err != nil {
			return err
		}
		if err := write(db, &m, insert); err != nil {
			return err
		}
		if saved, err = r.load(db, m.ID); err != nil {
			return err
		}
		r.tx.emitSaved(insert, events.EntityUser, idKey(saved.ID), saved)
		return nil
	})
	if err != nil {
		return domain.User{}, err
	}
	return saved, nil
}

func (r *userRepo) FindByName(name string) (domain.User, bool, error) {
	return r.findOne(func(db *gorm.DB) *gorm.DB { return db.Where("name = ?", name) })
}

func (r *userRepo) FindByEmail(email string) (domain.User, bool, error) {
	return r.findOne(func(db *gorm.DB) *gorm.DB { return db.Where("email = ?", email) })
}

func (r *userRepo) FindByNameAndPassword(name, password string) (domain.User, bool, error) {
	return r.findOne(func(db *gorm.DB) *gorm.DB { return db.Where("name = ? AND password = ?", name, password) })
}

func (r *userRepo) FindByEmailAndPassword(email, password string) (domain.User, bool, error) {
	return r.findOne(func(db *gorm.DB) *gorm.DB { return db.Where("email = ? AND password = ?", email, password) })
}

func (r *userRepo) FindByPartialName(prefix string, req pagination.Request, sort pagination.Sort) (pagination.Page[domain.User], error) {
	return r.page(req, sort, func(db *gorm.DB) *gorm.DB {
		return db.Where(`LOWER(name) LIKE ? ESCAPE '\'`, likePrefix(prefix))
	})
}
