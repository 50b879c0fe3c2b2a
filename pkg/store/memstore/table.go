package memstore

import "maps"

// table is one committed entity table. version is bumped by every commit
// that writes to it.
type table[K comparable, V any] struct {
	rows    map[K]V
	version uint64
}

func newTable[K comparable, V any]() *table[K, V] {
	return &table[K, V]{rows: make(map[K]V)}
}

func (t *table[K, V]) clone() *table[K, V] {
	return &table[K, V]{rows: maps.Clone(t.rows), version: t.version}
}

// layer buffers writes over a base table. Reads see the buffered writes
// first. read and written record whether the transaction depended on or
// modified the table.
type layer[K comparable, V any] struct {
	base    *table[K, V]
	puts    map[K]V
	dels    map[K]struct{}
	read    bool
	written bool
}

func overlay[K comparable, V any](base *table[K, V]) *layer[K, V] {
	return &layer[K, V]{base: base, puts: make(map[K]V), dels: make(map[K]struct{})}
}

func (l *layer[K, V]) get(k K) (V, bool) {
	l.read = true
	if v, ok := l.puts[k]; ok {
		return v, true
	}
	if _, ok := l.dels[k]; ok {
		var zero V
		return zero, false
	}
	v, ok := l.base.rows[k]
	return v, ok
}

func (l *layer[K, V]) has(k K) bool {
	_, ok := l.get(k)
	return ok
}

func (l *layer[K, V]) put(k K, v V) {
	delete(l.dels, k)
	l.puts[k] = v
	l.written = true
}

func (l *layer[K, V]) del(k K) bool {
	if !l.has(k) {
		return false
	}
	delete(l.puts, k)
	if _, ok := l.base.rows[k]; ok {
		l.dels[k] = struct{}{}
	}
	l.written = true
	return true
}

// each visits every visible row until fn returns false.
func (l *layer[K, V]) each(fn func(K, V) bool) {
	l.read = true
	for k, v := range l.base.rows {
		if _, ok := l.puts[k]; ok {
			continue
		}
		if _, ok := l.dels[k]; ok {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
	for k, v := range l.puts {
		if !fn(k, v) {
			return
		}
	}
}

func (l *layer[K, V]) filter(pred func(V) bool) []V {
	var out []V
	l.each(func(_ K, v V) bool {
		if pred == nil || pred(v) {
			out = append(out, v)
		}
		return true
	})
	return out
}

func (l *layer[K, V]) keys(pred func(V) bool) []K {
	var out []K
	l.each(func(k K, v V) bool {
		if pred == nil || pred(v) {
			out = append(out, k)
		}
		return true
	})
	return out
}

func (l *layer[K, V]) find(pred func(V) bool) (V, bool) {
	var (
		found V
		ok    bool
	)
	l.each(func(_ K, v V) bool {
		if pred(v) {
			found, ok = v, true
			return false
		}
		return true
	})
	return found, ok
}

func (l *layer[K, V]) size() int {
	n := 0
	l.each(func(K, V) bool {
		n++
		return true
	})
	return n
}

// merge writes the buffered changes into the base table.
func (l *layer[K, V]) merge() {
	if !l.written {
		return
	}
	for k := range l.dels {
		delete(l.base.rows, k)
	}
	for k, v := range l.puts {
		l.base.rows[k] = v
	}
	l.base.version++
}

// stale reports whether live moved on since the transaction started using l.
func (l *layer[K, V]) stale(live *table[K, V]) bool {
	return (l.read || l.written) && l.base.version != live.version
}
