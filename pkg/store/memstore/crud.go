package memstore

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"imcore/pkg/pagination"
	"imcore/pkg/store"
)

// crud implements the generic repository operations over one table. Entity
// repositories embed it and add Save plus their own queries.
type crud[K comparable, R any, E any] struct {
	tx       *tx
	entity   string
	table    func(v *view) *layer[K, R]
	key      func(E) K
	hydrate  func(v *view, r R) E
	remove   func(v *view, k K) bool
	save     func(E) (E, error)
	fields   map[string]pagination.Comparator[R]
	sortable []string
	tie      pagination.Comparator[R]
	seq      *sequence
}

func (c *crud[K, R, E]) FindByID(id K) (E, bool, error) {
	var (
		out   E
		found bool
	)
	err := c.tx.read(func(v *view) error {
		if r, ok := c.table(v).get(id); ok {
			out, found = c.hydrate(v, r), true
		}
		return nil
	})
	return out, found, err
}

func (c *crud[K, R, E]) reload(id K) (E, error) {
	out, ok, err := c.FindByID(id)
	if err != nil {
		return out, err
	}
	if !ok {
		return out, fmt.Errorf("%w: %s %v", store.ErrNotFound, c.entity, id)
	}
	return out, nil
}

func (c *crud[K, R, E]) findOne(pred func(R) bool) (E, bool, error) {
	var (
		out   E
		found bool
	)
	err := c.tx.read(func(v *view) error {
		rows := c.table(v).filter(pred)
		if len(rows) == 0 {
			return nil
		}
		out, found = c.hydrate(v, slices.MinFunc(rows, c.tie)), true
		return nil
	})
	return out, found, err
}

func (c *crud[K, R, E]) list(pred func(R) bool) ([]E, error) {
	var out []E
	err := c.tx.read(func(v *view) error {
		rows := c.table(v).filter(pred)
		slices.SortFunc(rows, c.tie)
		out = make([]E, 0, len(rows))
		for _, r := range rows {
			out = append(out, c.hydrate(v, r))
		}
		return nil
	})
	return out, err
}

func (c *crud[K, R, E]) page(req pagination.Request, sort pagination.Sort, pred func(R) bool) (pagination.Page[E], error) {
	if err := store.CheckPage(req, sort, c.sortable); err != nil {
		return pagination.Page[E]{}, err
	}
	var page pagination.Page[E]
	err := c.tx.read(func(v *view) error {
		rows, err := pagination.Paginate(c.table(v).filter(pred), req, sort, c.fields, c.tie)
		if err != nil {
			return store.InvalidArgument(err)
		}
		page = pagination.Map(rows, func(r R) E { return c.hydrate(v, r) })
		return nil
	})
	return page, err
}

func (c *crud[K, R, E]) FindAll() ([]E, error) {
	return c.list(nil)
}

func (c *crud[K, R, E]) FindAllByID(ids []K) ([]E, error) {
	wanted := make(map[K]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	var out []E
	err := c.tx.read(func(v *view) error {
		var rows []R
		for id := range wanted {
			if r, ok := c.table(v).get(id); ok {
				rows = append(rows, r)
			}
		}
		slices.SortFunc(rows, c.tie)
		out = make([]E, 0, len(rows))
		for _, r := range rows {
			out = append(out, c.hydrate(v, r))
		}
		return nil
	})
	return out, err
}

func (c *crud[K, R, E]) Find(req pagination.Request, sort pagination.Sort) (pagination.Page[E], error) {
	return c.page(req, sort, nil)
}

func (c *crud[K, R, E]) ExistsByID(id K) (bool, error) {
	var exists bool
	err := c.tx.read(func(v *view) error {
		exists = c.table(v).has(id)
		return nil
	})
	return exists, err
}

func (c *crud[K, R, E]) Count() (int64, error) {
	var n int64
	err := c.tx.read(func(v *view) error {
		n = int64(c.table(v).size())
		return nil
	})
	return n, err
}

func (c *crud[K, R, E]) SaveAll(entities []E) ([]E, error) {
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

func (c *crud[K, R, E]) DeleteByID(id K) error {
	return c.tx.write(func(v *view) error {
		c.remove(v, id)
		return nil
	})
}

func (c *crud[K, R, E]) Delete(entity E) error {
	return c.DeleteByID(c.key(entity))
}

func (c *crud[K, R, E]) DeleteAllByID(ids []K) error {
	ids = slices.Clone(ids)
	return c.tx.write(func(v *view) error {
		for _, id := range ids {
			c.remove(v, id)
		}
		return nil
	})
}

// DeleteAll removes every row with its cascades. The id counter restarts
// once the transaction commits, skipping ids open transactions still hold.
func (c *crud[K, R, E]) DeleteAll() error {
	err := c.tx.write(func(v *view) error {
		for _, id := range c.table(v).keys(nil) {
			c.remove(v, id)
		}
		return nil
	})
	if err == nil && c.seq != nil {
		c.tx.resetOnCommit(c.seq)
	}
	return err
}

// Flush is a no-op: writes are visible inside the transaction immediately.
func (c *crud[K, R, E]) Flush() error {
	return c.tx.read(func(*view) error { return nil })
}

// assignID keeps id when it names an existing row. Otherwise the row is new
// and gets the next counter value not in use.
func assignID[R any](t *tx, table func(v *view) *layer[int64, R], seq *sequence, id int64) (int64, bool, error) {
	insert := true
	err := t.read(func(v *view) error {
		l := table(v)
		if id != 0 && l.has(id) {
			insert = false
			return nil
		}
		for {
			id = t.nextID(seq)
			if !l.has(id) {
				return nil
			}
		}
	})
	return id, insert, err
}

// assignToken generates a token for new rows. A caller-supplied token that is
// not stored yet is kept and inserted.
func assignToken[R any](t *tx, table func(v *view) *layer[uuid.UUID, R], token uuid.UUID) (uuid.UUID, bool, error) {
	if token == uuid.Nil {
		return uuid.New(), true, nil
	}
	var exists bool
	err := t.read(func(v *view) error {
		exists = table(v).has(token)
		return nil
	})
	return token, !exists, err
}

func compareToken(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

func hasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}

func byInt64[R any](field func(R) int64) pagination.Comparator[R] {
	return func(a, b R) int { return cmp.Compare(field(a), field(b)) }
}

func byString[R any](field func(R) string) pagination.Comparator[R] {
	return func(a, b R) int { return strings.Compare(field(a), field(b)) }
}
