package executor

import (
	"sort"
	"strconv"
	"sync"
)

// SessionID identifies a session for the lifetime of its Executor. IDs are
// handed out in increasing order and never reused.
type SessionID uint64

func (id SessionID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseSessionID parses the decimal form produced by String.
func ParseSessionID(s string) (SessionID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return SessionID(n), nil
}

type registry struct {
	mu       sync.RWMutex
	next     SessionID
	sessions map[SessionID]*Session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[SessionID]*Session)}
}

// add assigns the next ID to a fully constructed session and stores it.
func (r *registry) add(s *Session) SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	s.id = id
	r.sessions[id] = s
	return id
}

func (r *registry) get(id SessionID) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	return s, ok
}

func (r *registry) remove(id SessionID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *registry) ids() []SessionID {
	r.mu.RLock()
	ids := make([]SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
