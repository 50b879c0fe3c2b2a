// Package pagination slices ordered collections into pages with optional
// total counting.
package pagination

import (
	"errors"
	"fmt"
	"slices"
)

type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

var ErrInvalid = errors.New("invalid pagination")

// Request selects the window [Offset, Offset+Limit). GetCount asks for the
// total size of the collection; without it only the presence of a next page
// is reported.
type Request struct {
	Offset   int  `json:"offset"`
	Limit    int  `json:"limit"`
	GetCount bool `json:"getCount"`
}

func (r Request) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalid, r.Limit)
	}
	if r.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative, got %d", ErrInvalid, r.Offset)
	}
	return nil
}

// Sort orders by a named field. An empty By orders by identifier only.
type Sort struct {
	By        string    `json:"sortBy"`
	Direction Direction `json:"direction"`
}

// Check rejects fields outside allowed and unknown directions.
func (s Sort) Check(allowed []string) error {
	switch s.Direction {
	case "", Asc, Desc:
	default:
		return fmt.Errorf("%w: unknown sort direction %q", ErrInvalid, s.Direction)
	}
	if s.By == "" || slices.Contains(allowed, s.By) {
		return nil
	}
	return fmt.Errorf("%w: cannot sort by %q", ErrInvalid, s.By)
}

func (s Sort) Descending() bool {
	return s.Direction == Desc
}

type Info struct {
	Total       *int `json:"total"`
	TotalPages  *int `json:"totalPages"`
	CurrentPage int  `json:"currentPage"`
	NextPage    *int `json:"nextPage"`
	PrevPage    *int `json:"prevPage"`
}

type Page[T any] struct {
	Items []T   `json:"items"`
	Info  *Info `json:"info"`
}

// Map converts the items of p keeping its metadata.
func Map[T, U any](p Page[T], fn func(T) U) Page[U] {
	items := make([]U, 0, len(p.Items))
	for _, item := range p.Items {
		items = append(items, fn(item))
	}
	return Page[U]{Items: items, Info: p.Info}
}

// Comparator orders two items; fields maps a sort name to its comparator.
type Comparator[T any] func(a, b T) int

// Paginate sorts items by the requested field, breaking ties with tie, and
// returns the requested window. items is not modified.
func Paginate[T any](items []T, req Request, sort Sort, fields map[string]Comparator[T], tie Comparator[T]) (Page[T], error) {
	if err := req.Validate(); err != nil {
		return Page[T]{}, err
	}
	var byField Comparator[T]
	if sort.By != "" {
		cmp, ok := fields[sort.By]
		if !ok {
			return Page[T]{}, fmt.Errorf("%w: cannot sort by %q", ErrInvalid, sort.By)
		}
		byField = cmp
	}
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b T) int {
		if byField != nil {
			c := byField(a, b)
			if sort.Descending() {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return tie(a, b)
	})
	total := len(sorted)
	window := sorted[min(req.Offset, total):min(req.Offset+req.Limit, total)]
	if req.GetCount {
		return Counted(window, req, total), nil
	}
	probeEnd := min(req.Offset+req.Limit+1, total)
	return Probed(sorted[min(req.Offset, total):probeEnd], req), nil
}

// Counted builds a page for a window whose collection size is known.
func Counted[T any](items []T, req Request, total int) Page[T] {
	info := &Info{CurrentPage: currentPage(req)}
	page := Page[T]{Items: nonNil(items), Info: info}
	if total == 0 {
		return page
	}
	pages := (total + req.Limit - 1) / req.Limit
	info.Total = &total
	info.TotalPages = &pages
	info.PrevPage = prevPage(info.CurrentPage)
	if req.Offset+req.Limit < total {
		next := info.CurrentPage + 1
		info.NextPage = &next
	}
	return page
}

// Probed builds a page from up to Limit+1 items. The extra item only signals
// that a next page exists and is dropped.
func Probed[T any](items []T, req Request) Page[T] {
	info := &Info{CurrentPage: currentPage(req)}
	info.PrevPage = prevPage(info.CurrentPage)
	if len(items) > req.Limit {
		items = items[:req.Limit]
		next := info.CurrentPage + 1
		info.NextPage = &next
	}
	return Page[T]{Items: nonNil(items), Info: info}
}

func currentPage(req Request) int {
	return req.Offset/req.Limit + 1
}

func prevPage(current int) *int {
	if current <= 1 {
		return nil
	}
	prev := current - 1
	return &prev
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
