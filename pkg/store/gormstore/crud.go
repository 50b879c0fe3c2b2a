package gormstore

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

type scope func(db *gorm.DB) *gorm.DB

func noScope(db *gorm.DB) *gorm.DB { return db }

// crud implements the generic repository operations over one table. Entity
// repositories embed it and add Save plus their own queries.
type crud[M any, K comparable, E any] struct {
	tx       *tx
	entity   string
	keyCol   string
	preload  scope
	toEntity func(M) E
	key      func(E) K
	remove   func(db *gorm.DB, keys []K) error
	save     func(E) (E, error)
	columns  map[string]string
	sortable []string
	// serial names the table whose id sequence DeleteAll restarts.
	serial string
}

func (c *crud[M, K, E]) load(db *gorm.DB, key K) (E, error) {
	var m M
	if err := c.preload(db.Where(c.keyCol+" = ?", key)).Take(&m).Error; err != nil {
		var zero E
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return zero, fmt.Errorf("%w: %s %v", store.ErrNotFound, c.entity, key)
		}
		return zero, err
	}
	return c.toEntity(m), nil
}

func (c *crud[M, K, E]) findOne(where scope) (E, bool, error) {
	var (
		m     M
		found bool
	)
	err := c.tx.run(func(db *gorm.DB) error {
		err := c.preload(where(db)).Order(c.keyCol).Take(&m).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil || !found {
		var zero E
		return zero, false, err
	}
	return c.toEntity(m), true, nil
}

func (c *crud[M, K, E]) list(where scope) ([]E, error) {
	var ms []M
	err := c.tx.run(func(db *gorm.DB) error {
		return c.preload(where(db)).Order(c.keyCol).Find(&ms).Error
	})
	if err != nil {
		return nil, err
	}
	return c.entities(ms), nil
}

func (c *crud[M, K, E]) entities(ms []M) []E {
	out := make([]E, 0, len(ms))
	for _, m := range ms {
		out = append(out, c.toEntity(m))
	}
	return out
}

func (c *crud[M, K, E]) order(q *gorm.DB, sort pagination.Sort) *gorm.DB {
	if sort.By != "" {
		q = q.Order(clause.OrderByColumn{Column: clause.Column{Name: c.columns[sort.By]}, Desc: sort.Descending()})
	}
	return q.Order(clause.OrderByColumn{Column: clause.Column{Name: c.keyCol}})
}

// page counts the matching rows when asked to, otherwise it fetches one row
// past the window to learn whether a next page exists.
func (c *crud[M, K, E]) page(req pagination.Request, sort pagination.Sort, where scope) (pagination.Page[E], error) {
	if err := store.CheckPage(req, sort, c.sortable); err != nil {
		return pagination.Page[E]{}, err
	}
	var (
		ms    []M
		total int64
	)
	err := c.tx.run(func(db *gorm.DB) error {
		q := where(db.Model(new(M))).Session(&gorm.Session{})
		limit := req.Limit + 1
		if req.GetCount {
			if err := q.Count(&total).Error; err != nil {
				return err
			}
			limit = req.Limit
		}
		return c.preload(c.order(q, sort)).Offset(req.Offset).Limit(limit).Find(&ms).Error
	})
	if err != nil {
		return pagination.Page[E]{}, err
	}
	if req.GetCount {
		return pagination.Counted(c.entities(ms), req, int(total)), nil
	}
	return pagination.Probed(c.entities(ms), req), nil
}

func (c *crud[M, K, E]) FindByID(id K) (E, bool, error) {
	return c.findOne(func(db *gorm.DB) *gorm.DB { return db.Where(c.keyCol+" = ?", id) })
}

func (c *crud[M, K, E]) FindAll() ([]E, error) {
	return c.list(noScope)
}

func (c *crud[M, K, E]) FindAllByID(ids []K) ([]E, error) {
	if len(ids) == 0 {
		return []E{}, nil
	}
	return c.list(func(db *gorm.DB) *gorm.DB { return db.Where(c.keyCol+" IN ?", ids) })
}

func (c *crud[M, K, E]) Find(req pagination.Request, sort pagination.Sort) (pagination.Page[E], error) {
	return c.page(req, sort, noScope)
}

func (c *crud[M, K, E]) ExistsByID(id K) (bool, error) {
	var n int64
	err := c.tx.run(func(db *gorm.DB) error {
		return db.Model(new(M)).Where(c.keyCol+" = ?", id).Count(&n).Error
	})
	return n > 0, err
}

func (c *crud[M, K, E]) Count() (int64, error) {
	var n int64
	err := c.tx.run(func(db *gorm.DB) error {
		return db.Model(new(M)).Count(&n).Error
	})
	return n, err
}

func (c *crud[M, K, E]) SaveAll(entities []E) ([]E, error) {
	out := make([]E, 0, len(entities))
	for _, e := range entities {
		saved, err := c.save(e)
		if err != nil {
			return nil, err
		}
		out = append(out, saved)
	}
	return out, nil
}

func (c *crud[M, K, E]) DeleteByID(id K) error {
	return c.DeleteAllByID([]K{id})
}

func (c *crud[M, K, E]) Delete(entity E) error {
	return c.DeleteByID(c.key(entity))
}

func (c *crud[M, K, E]) DeleteAllByID(ids []K) error {
	ids = slices.Clone(ids)
	return c.tx.run(func(db *gorm.DB) error {
		existing, err := pluck[K](db, new(M), c.keyCol, c.keyCol+" IN ?", ids)
		if err != nil {
			return err
		}
		return c.remove(db, existing)
	})
}

// DeleteAll removes every row with its cascades and restarts the id sequence.
func (c *crud[M, K, E]) DeleteAll() error {
	return c.tx.run(func(db *gorm.DB) error {
		var keys []K
		if err := db.Model(new(M)).Order(c.keyCol).Pluck(c.keyCol, &keys).Error; err != nil {
			return err
		}
		if err := c.remove(db, keys); err != nil {
			return err
		}
		if c.serial == "" {
			return nil
		}
		return db.Exec("SELECT setval(pg_get_serial_sequence(?, 'id'), 1, false)", c.serial).Error
	})
}

// Flush forces deferred constraint checks of the statements run so far.
func (c *crud[M, K, E]) Flush() error {
	return c.tx.run(func(db *gorm.DB) error {
		return db.Exec("SET CONSTRAINTS ALL IMMEDIATE").Error
	})
}

// prepareID keeps *id when it names an existing row of model. Otherwise the
// row is new and *id is cleared so the sequence assigns one.
func prepareID(db *gorm.DB, model any, id *int64) (bool, error) {
	if *id == 0 {
		return true, nil
	}
	ok, err := exists(db, model, "id = ?", *id)
	if err != nil {
		return false, err
	}
	if !ok {
		*id = 0
	}
	return !ok, nil
}

func exists(db *gorm.DB, model any, query string, args ...any) (bool, error) {
	var n int64
	err := db.Model(model).Where(query, args...).Count(&n).Error
	return n > 0, err
}

func requireUser(db *gorm.DB, id int64, what string) error {
	ok, err := exists(db, &UserModel{}, "id = ?", id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s %d does not exist", store.ErrIntegrityViolation, what, id)
	}
	return nil
}

// checkUnique fails with store.ErrConflict when a row other than id already
// holds value in col.
func checkUnique(db *gorm.DB, model any, id int64, col, value, what string) error {
	taken, err := exists(db, model, col+" = ? AND id <> ?", value, id)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: %s %q already taken", store.ErrConflict, what, value)
	}
	return nil
}

// write inserts or updates m without touching its associations.
func write(db *gorm.DB, m any, insert bool) error {
	if insert {
		return db.Omit(clause.Associations).Create(m).Error
	}
	return db.Omit(clause.Associations).Save(m).Error
}

func pluck[K any](db *gorm.DB, model any, col string, query string, args ...any) ([]K, error) {
	var out []K
	err := db.Model(model).Where(query, args...).Order(col).Pluck(col, &out).Error
	return out, err
}

// likePrefix builds a LIKE pattern matching values starting with prefix.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(strings.ToLower(prefix)) + "%"
}
