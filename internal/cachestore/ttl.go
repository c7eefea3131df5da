package cachestore

import "time"

// Expire sets key's expiration deadline s seconds from now. Returns false
// if key is missing or s <= 0 (§4.4).
func (s *Store) Expire(key string, seconds int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(false); err != nil {
		return false
	}
	if seconds <= 0 {
		return false
	}
	e := s.lazyExpireLocked(key)
	if e == nil {
		return false
	}
	e.expireAt = time.Now().Add(time.Duration(seconds) * time.Second)
	return true
}

// TTL returns -2 if key is missing, -1 if it has no deadline, else the
// remaining seconds (§4.4).
func (s *Store) TTL(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lazyExpireLocked(key)
	if e == nil {
		return -2
	}
	if e.expireAt.IsZero() {
		return -1
	}
	remaining := time.Until(e.expireAt)
	if remaining < 0 {
		return 0
	}
	return int64(remaining.Seconds())
}

// Persist clears key's deadline. Returns false if key is missing.
func (s *Store) Persist(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkWritable(false); err != nil {
		return false
	}
	e := s.lazyExpireLocked(key)
	if e == nil {
		return false
	}
	e.expireAt = time.Time{}
	return true
}
