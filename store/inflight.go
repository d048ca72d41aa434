package store

import "sync"

// InflightSet counts writes per id that a store handle has issued and not yet seen
// confirmed. Stores use it to set Change.HasPendingLocalWrites on feed events that
// arrive while their own write is still in flight.
type InflightSet struct {
	mu  sync.Mutex
	ids map[string]int
}

func NewInflightSet() *InflightSet {
	return &InflightSet{ids: make(map[string]int)}
}

// Begin records a write for every id and returns a func that ends it.
func (s *InflightSet) Begin(ids ...string) (done func()) {
	s.mu.Lock()
	for _, id := range ids {
		s.ids[id]++
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for _, id := range ids {
				if s.ids[id] <= 1 {
					delete(s.ids, id)
				} else {
					s.ids[id]--
				}
			}
		})
	}
}

// Pending reports whether id has a write in flight.
func (s *InflightSet) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[id] > 0
}
