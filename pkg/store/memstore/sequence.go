package memstore

import "sync"

// sequence hands out ids for one int-keyed table. An id stays reserved until
// the transaction it was handed to finishes, and restart never moves the
// counter below a reserved id.
type sequence struct {
	mu       sync.Mutex
	last     int64
	reserved map[int64]int
}

func (s *sequence) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	if s.reserved == nil {
		s.reserved = make(map[int64]int)
	}
	s.reserved[s.last]++
	return s.last
}

func (s *sequence) release(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if s.reserved[id] <= 1 {
			delete(s.reserved, id)
			continue
		}
		s.reserved[id]--
	}
}

// restart moves the counter back to floor, or to the highest id still
// reserved by an open transaction if that is larger.
func (s *sequence) restart(floor int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = floor
	for id := range s.reserved {
		s.last = max(s.last, id)
	}
}

func (s *sequence) current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
