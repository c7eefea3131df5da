package cachestore

import "time"

func (s *Store) getOrCreateSetLocked(key string) (*entry, error) {
	e := s.lazyExpireLocked(key)
	if e == nil {
		e = &entry{kind: KindSet, set: make(map[string]struct{}), lastAccess: time.Now()}
		s.data[key] = e
		return e, nil
	}
	if e.kind != KindSet {
		return nil, ErrTypeConflict
	}
	return e, nil
}

// SAdd adds member to key's set, creating it if absent. Returns whether the
// member was newly added (§4.4).
func (s *Store) SAdd(key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(false); err != nil {
		return false, err
	}
	e, err := s.getOrCreateSetLocked(key)
	if err != nil {
		return false, err
	}
	before := keyBytes(key, e)
	if _, exists := e.set[member]; exists {
		e.touch()
		return false, nil
	}
	e.set[member] = struct{}{}
	e.touch()
	if accErr := s.accountLocked(keyBytes(key, e) - before); accErr != nil {
		delete(e.set, member)
		return false, accErr
	}
	return true, nil
}

// SRem removes member from key's set. Returns false for a missing key or
// wrong type (§4.4: "fail / false").
func (s *Store) SRem(key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(false); err != nil {
		return false, err
	}
	e := s.lazyExpireLocked(key)
	if e == nil {
		return false, nil
	}
	if e.kind != KindSet {
		return false, ErrTypeConflict
	}
	if _, exists := e.set[member]; !exists {
		return false, nil
	}
	before := keyBytes(key, e)
	delete(e.set, member)
	e.touch()
	s.memoryUsed -= before - keyBytes(key, e)
	return true, nil
}

// SIsMember reports whether member is in key's set.
func (s *Store) SIsMember(key, member string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lazyExpireLocked(key)
	if e == nil || e.kind != KindSet {
		return false
	}
	e.touch()
	_, ok := e.set[member]
	return ok
}

// SCard returns the set's cardinality, 0 if missing or wrong type.
func (s *Store) SCard(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lazyExpireLocked(key)
	if e == nil || e.kind != KindSet {
		return 0
	}
	return len(e.set)
}

// SMembers returns every member of key's set, nil if missing or wrong type.
func (s *Store) SMembers(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lazyExpireLocked(key)
	if e == nil || e.kind != KindSet {
		return nil
	}
	e.touch()
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	return out
}
