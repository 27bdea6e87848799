package report

import (
	"container/list"
	"sync"

	"github.com/deixis/extbuild/internal/supervisor"
)

// LRUStore keeps the most recently used results in memory and writes
// through to a backing Store, which serves misses.
type LRUStore struct {
	mu    sync.Mutex
	cap   int
	back  Store
	order *list.List // front is most recent; values are *supervisor.Result
	items map[string]*list.Element
}

// NewLRUStore creates an LRU cache with the given capacity in front of
// back. Capacity is at least 1.
func NewLRUStore(cap int, back Store) *LRUStore {
	if cap < 1 {
		cap = 1
	}
	return &LRUStore{
		cap:   cap,
		back:  back,
		order: list.New(),
		items: make(map[string]*list.Element, cap),
	}
}

// Save caches result and writes it to the backing store.
func (s *LRUStore) Save(result *supervisor.Result) error {
	if result.RunID == "" {
		return errNoRunID
	}
	s.put(result)
	return s.back.Save(result)
}

// Load returns a cached result, falling back to the backing store and
// promoting what it finds.
func (s *LRUStore) Load(runID string) (*supervisor.Result, error) {
	s.mu.Lock()
	if el, ok := s.items[runID]; ok {
		s.order.MoveToFront(el)
		r := el.Value.(*supervisor.Result)
		s.mu.Unlock()
		return r, nil
	}
	s.mu.Unlock()

	result, err := s.back.Load(runID)
	if err != nil {
		return nil, err
	}
	s.put(result)
	return result, nil
}

// Recent returns up to n cached results, most recent first.
func (s *LRUStore) Recent(n int) []*supervisor.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*supervisor.Result
	for el := s.order.Front(); el != nil && len(out) < n; el = el.Next() {
		out = append(out, el.Value.(*supervisor.Result))
	}
	return out
}

// Len returns the number of cached results.
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

func (s *LRUStore) put(result *supervisor.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.items[result.RunID]; ok {
		el.Value = result
		s.order.MoveToFront(el)
		return
	}
	s.items[result.RunID] = s.order.PushFront(result)
	if s.order.Len() > s.cap {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.items, oldest.Value.(*supervisor.Result).RunID)
	}
}
