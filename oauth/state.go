package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	maxStates = 10000
	stateTTL  = 10 * time.Minute
)

// stateStore remembers issued OAuth state values until they are used or expire.
type stateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
	now    func() time.Time
}

func newStateStore(now func() time.Time) *stateStore {
	return &stateStore{states: make(map[string]time.Time), now: now}
}

// issue returns a new random state, or "" when the store is full.
func (s *stateStore) issue() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	st := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.states)%100 == 0 {
		s.cleanLocked()
	}
	if len(s.states) >= maxStates {
		return "", nil
	}
	s.states[st] = s.now().Add(stateTTL)
	return st, nil
}

// consume reports whether st was issued and has not expired, and forgets it.
func (s *stateStore) consume(st string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.states[st]
	if !ok {
		return false
	}
	delete(s.states, st)
	return !s.now().After(exp)
}

func (s *stateStore) cleanLocked() {
	now := s.now()
	for st, exp := range s.states {
		if now.After(exp) {
			delete(s.states, st)
		}
	}
}
