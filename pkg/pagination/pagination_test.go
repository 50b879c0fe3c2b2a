package pagination

import (
	"cmp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id   int
	name string
}

var itemFields = map[string]Comparator[item]{
	"name": func(a, b item) int { return cmp.Compare(a.name, b.name) },
}

func byID(a, b item) int { return cmp.Compare(a.id, b.id) }

func ids(items []item) []int {
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestPaginateCountedMetadata(t *testing.T) {
	items := []item{{id: 2, name: "b"}, {id: 1, name: "a"}}

	first, err := Paginate(items, Request{Offset: 0, Limit: 1, GetCount: true}, Sort{By: "name"}, itemFields, byID)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, ids(first.Items))
	assert.Equal(t, &Info{Total: intPtr(2), TotalPages: intPtr(2), CurrentPage: 1, NextPage: intPtr(2)}, first.Info)

	second, err := Paginate(items, Request{Offset: 1, Limit: 1, GetCount: true}, Sort{By: "name"}, itemFields, byID)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, ids(second.Items))
	assert.Equal(t, &Info{Total: intPtr(2), TotalPages: intPtr(2), CurrentPage: 2, PrevPage: intPtr(1)}, second.Info)
}

func TestPaginateProbedSlice(t *testing.T) {
	items := []item{{id: 1}, {id: 2}, {id: 3}}

	tests := []struct {
		name   string
		offset int
		want   []int
		next   *int
		prev   *int
	}{
		{name: "first", offset: 0, want: []int{1, 2}, next: intPtr(2)},
		{name: "last", offset: 2, want: []int{3}, prev: intPtr(1)},
		{name: "past end", offset: 4, want: []int{}, prev: intPtr(2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := Paginate(items, Request{Offset: tt.offset, Limit: 2}, Sort{}, itemFields, byID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(page.Items))
			assert.Nil(t, page.Info.Total)
			assert.Nil(t, page.Info.TotalPages)
			assert.Equal(t, tt.next, page.Info.NextPage)
			assert.Equal(t, tt.prev, page.Info.PrevPage)
		})
	}
}

func TestPaginateDescendingBreaksTiesByID(t *testing.T) {
	items := []item{{id: 3, name: "a"}, {id: 1, name: "b"}, {id: 2, name: "a"}}

	for range 3 {
		page, err := Paginate(items, Request{Limit: 10}, Sort{By: "name", Direction: Desc}, itemFields, byID)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3}, ids(page.Items))
	}
	assert.Equal(t, []int{3, 1, 2}, ids(items))
}

func TestPaginatePastEndAgreesAcrossModes(t *testing.T) {
	items := []item{{id: 1}, {id: 2}, {id: 3}}

	counted, err := Paginate(items, Request{Offset: 6, Limit: 2, GetCount: true}, Sort{}, itemFields, byID)
	require.NoError(t, err)
	probed, err := Paginate(items, Request{Offset: 6, Limit: 2}, Sort{}, itemFields, byID)
	require.NoError(t, err)

	assert.Empty(t, counted.Items)
	assert.Empty(t, probed.Items)
	assert.Equal(t, 4, probed.Info.CurrentPage)
	assert.Equal(t, counted.Info.CurrentPage, probed.Info.CurrentPage)
	assert.Equal(t, intPtr(3), probed.Info.PrevPage)
	assert.Equal(t, counted.Info.PrevPage, probed.Info.PrevPage)
	assert.Nil(t, probed.Info.NextPage)
	assert.Nil(t, counted.Info.NextPage)
}

func TestPaginateEmpty(t *testing.T) {
	for _, count := range []bool{true, false} {
		page, err := Paginate(nil, Request{Limit: 5, GetCount: count}, Sort{}, itemFields, byID)
		require.NoError(t, err)
		assert.NotNil(t, page.Items)
		assert.Empty(t, page.Items)
		assert.Equal(t, &Info{CurrentPage: 1}, page.Info)
	}
}

func TestPaginateRejectsBadInput(t *testing.T) {
	_, err := Paginate([]item{{id: 1}}, Request{Limit: 0}, Sort{}, itemFields, byID)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Paginate([]item{{id: 1}}, Request{Limit: 1}, Sort{By: "password"}, itemFields, byID)
	assert.ErrorIs(t, err, ErrInvalid)

	assert.ErrorIs(t, Sort{By: "name", Direction: "UP"}.Check([]string{"name"}), ErrInvalid)
	assert.NoError(t, Sort{By: "name"}.Check([]string{"name"}))
}
