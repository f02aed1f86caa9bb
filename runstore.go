package coherence

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
)

// ErrRunNotFound is returned by RunStore for unknown or evicted run IDs.
var ErrRunNotFound = errors.New("coherence: run not found")

// DefaultRunStoreCapacity is used when NewRunStore gets a capacity below 1.
const DefaultRunStoreCapacity = 128

// RunStore keeps simulation results by run ID with a create, lookup, evict
// lifecycle. When full, the least recently stored or looked-up run is
// evicted.
type RunStore struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // Front is most recent

	evictions int64
}

// NewRunStore creates an empty store.
func NewRunStore(capacity int) *RunStore {
	if capacity < 1 {
		capacity = DefaultRunStoreCapacity
	}
	return &RunStore{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Create stores a result under its run ID and returns the ID. Storing the
// same ID again replaces the previous result.
func (s *RunStore) Create(r *SimulationResult) (string, error) {
	if r == nil || r.Summary.RunID == "" {
		return "", errors.New("store run: result has no run id")
	}
	id := r.Summary.RunID

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.items[id]; ok {
		elem.Value = r
		s.order.MoveToFront(elem)
		return id, nil
	}
	if s.order.Len() >= s.capacity {
		s.evictOldest()
	}
	s.items[id] = s.order.PushFront(r)
	return id, nil
}

// Lookup returns the stored result.
func (s *RunStore) Lookup(id string) (*SimulationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	s.order.MoveToFront(elem)
	return elem.Value.(*SimulationResult), nil
}

// Evict removes a run.
func (s *RunStore) Evict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	s.order.Remove(elem)
	delete(s.items, id)
	return nil
}

// IDs returns stored run IDs, most recent first.
func (s *RunStore) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, s.order.Len())
	for e := s.order.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(*SimulationResult).Summary.RunID)
	}
	return ids
}

// Len returns the number of stored runs.
func (s *RunStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Evictions returns how many runs were dropped for capacity.
func (s *RunStore) Evictions() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictions
}

func (s *RunStore) evictOldest() {
	elem := s.order.Back()
	if elem == nil {
		return
	}
	s.order.Remove(elem)
	delete(s.items, elem.Value.(*SimulationResult).Summary.RunID)
	s.evictions++
}
