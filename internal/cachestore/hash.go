package cachestore

import "time"

func (s *Store) getOrCreateHashLocked(key string) (*entry, error) {
	e := s.lazyExpireLocked(key)
	if e == nil {
		e = &entry{kind: KindHash, hash: make(map[string]string), lastAccess: time.Now()}
		s.data[key] = e
		return e, nil
	}
	if e.kind != KindHash {
		return nil, ErrTypeConflict
	}
	return e, nil
}

// HSet sets field=value in key's hash, creating the hash if absent.
// Returns whether the field was newly created.
func (s *Store) HSet(key, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(false); err != nil {
		return false, err
	}
	e, err := s.getOrCreateHashLocked(key)
	if err != nil {
		return false, err
	}
	before := keyBytes(key, e)
	_, existed := e.hash[field]
	e.hash[field] = value
	e.touch()
	if accErr := s.accountLocked(keyBytes(key, e) - before); accErr != nil {
		return false, accErr
	}
	return !existed, nil
}

// HGet returns field's value, or ("", false) if missing or wrong type.
func (s *Store) HGet(key, field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lazyExpireLocked(key)
	if e == nil || e.kind != KindHash {
		return "", false
	}
	e.touch()
	v, ok := e.hash[field]
	return v, ok
}

// HDel removes field from key's hash. Returns false for a missing key,
// missing field, or wrong type.
func (s *Store) HDel(key, field string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(false); err != nil {
		return false, err
	}
	e := s.lazyExpireLocked(key)
	if e == nil {
		return false, nil
	}
	if e.kind != KindHash {
		return false, ErrTypeConflict
	}
	if _, ok := e.hash[field]; !ok {
		return false, nil
	}
	before := keyBytes(key, e)
	delete(e.hash, field)
	e.touch()
	s.memoryUsed -= before - keyBytes(key, e)
	return true, nil
}

// HLen returns the number of fields, 0 if missing or wrong type.
func (s *Store) HLen(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lazyExpireLocked(key)
	if e == nil || e.kind != KindHash {
		return 0
	}
	return len(e.hash)
}

// HGetAll returns a copy of the hash's fields, nil if missing or wrong type.
func (s *Store) HGetAll(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lazyExpireLocked(key)
	if e == nil || e.kind != KindHash {
		return nil
	}
	e.touch()
	out := make(map[string]string, len(e.hash))
	for k, v := range e.hash {
		out[k] = v
	}
	return out
}
