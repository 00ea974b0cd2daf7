package session

import (
	"sort"
	"sync"
)

// Owner identifies the event source that claimed a store entry. Writes and
// removals from any other owner are ignored, so a source that unwinds late
// cannot clobber its successor.
type Owner uint64

type published struct {
	state State
	owner Owner
}

// Store holds the latest published state of every bridged session. Each
// entry is written only by the EventSource that owns the session; HTTP
// handlers and diagnostics read copies.
type Store struct {
	mu       sync.RWMutex
	sessions map[int64]published
	next     Owner
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[int64]published),
	}
}

func (s *Store) Get(id int64) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.sessions[id]
	return p.state.clone(), ok
}

// GetAll returns every published state ordered by session id.
func (s *Store) GetAll() []State {
	s.mu.RLock()
	result := make([]State, 0, len(s.sessions))
	for _, p := range s.sessions {
		result = append(result, p.state.clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Claim publishes state under a fresh owner, taking the entry over from any
// previous owner.
func (s *Store) Claim(state State) Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.sessions[state.ID] = published{state: state.clone(), owner: s.next}
	return s.next
}

// Update replaces the entry if owner still holds it.
func (s *Store) Update(owner Owner, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[state.ID]
	if !ok || p.owner != owner {
		return false
	}
	s.sessions[state.ID] = published{state: state.clone(), owner: owner}
	return true
}

// Release deletes the entry if owner still holds it.
func (s *Store) Release(id int64, owner Owner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[id]
	if !ok || p.owner != owner {
		return false
	}
	delete(s.sessions, id)
	return true
}

func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, p := range s.sessions {
		if !p.state.IsTerminal() {
			count++
		}
	}
	return count
}

// clone duplicates pointer fields so the copy can be retained independently.
func (s State) clone() State {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	return s
}
