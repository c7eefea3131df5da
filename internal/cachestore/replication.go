package cachestore

import (
	"fmt"
	"strings"
)

// AddFollower registers connID as a replication follower, flips the role
// to leader, and pushes a full dump of the current store as a sequence of
// mutating commands (§4.4 "Leader").
func (s *Store) AddFollower(connID int, sink LineSink) error {
	s.mu.Lock()
	s.role = RoleLeader
	s.followers[connID] = sink
	dump := s.dumpCommandsLocked()
	s.mu.Unlock()

	for _, line := range dump {
		if err := sink.WriteLine(line); err != nil {
			s.RemoveFollower(connID)
			return fmt.Errorf("send full dump to follower: %w", err)
		}
	}
	return nil
}

// RemoveFollower drops a follower, e.g. on write failure or disconnect.
func (s *Store) RemoveFollower(connID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.followers, connID)
}

// Role reports the store's current replication role.
func (s *Store) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// SetFollowerRole marks this store as a replication follower (called after
// the client side of replication dials the leader, §4.4 "Follower").
func (s *Store) SetFollowerRole() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = RoleFollower
}

// dumpCommandsLocked renders every key as the mutating command(s) needed to
// recreate it. Caller holds s.mu.
func (s *Store) dumpCommandsLocked() []string {
	var out []string
	for k, e := range s.data {
		switch e.kind {
		case KindString:
			out = append(out, fmt.Sprintf("set %s %s", k, e.str))
		case KindList:
			if len(e.list) > 0 {
				out = append(out, fmt.Sprintf("rpush %s %s", k, strings.Join(e.list, " ")))
			}
		case KindSet:
			for m := range e.set {
				out = append(out, fmt.Sprintf("sadd %s %s", k, m))
			}
		case KindHash:
			for f, v := range e.hash {
				out = append(out, fmt.Sprintf("hset %s %s %s", k, f, v))
			}
		}
	}
	return out
}

// PropagateMutation pushes a raw mutating command line to every follower,
// dropping any follower whose write fails (§4.4 "on a failed write, the
// follower is dropped").
func (s *Store) PropagateMutation(cmdLine string) {
	s.mu.RLock()
	followers := make(map[int]LineSink, len(s.followers))
	for id, sink := range s.followers {
		followers[id] = sink
	}
	s.mu.RUnlock()

	for id, sink := range followers {
		if err := sink.WriteLine(cmdLine + "\n"); err != nil {
			s.RemoveFollower(id)
		}
	}
}

// ApplyReplicated parses and applies one replicated command line with the
// readonly gate lifted (§4.4 "Follower"). Supported commands: set, del,
// lpush, rpush, sadd, hset.
func (s *Store) ApplyReplicated(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "set":
		if len(args) < 2 {
			return fmt.Errorf("replication: set requires key and value")
		}
		return s.applyBypassed(func() error { return s.Set(args[0], strings.Join(args[1:], " ")) })
	case "del":
		if len(args) < 1 {
			return fmt.Errorf("replication: del requires key")
		}
		return s.applyBypassed(func() error { s.Del(args[0]); return nil })
	case "lpush":
		if len(args) < 2 {
			return fmt.Errorf("replication: lpush requires key and value(s)")
		}
		return s.applyBypassed(func() error { _, err := s.LPush(args[0], args[1:]...); return err })
	case "rpush":
		if len(args) < 2 {
			return fmt.Errorf("replication: rpush requires key and value(s)")
		}
		return s.applyBypassed(func() error { _, err := s.RPush(args[0], args[1:]...); return err })
	case "sadd":
		if len(args) < 2 {
			return fmt.Errorf("replication: sadd requires key and member")
		}
		return s.applyBypassed(func() error { _, err := s.SAdd(args[0], args[1]); return err })
	case "hset":
		if len(args) < 3 {
			return fmt.Errorf("replication: hset requires key, field, and value")
		}
		return s.applyBypassed(func() error { _, err := s.HSet(args[0], args[1], strings.Join(args[2:], " ")); return err })
	default:
		return fmt.Errorf("replication: unsupported command %q", cmd)
	}
}

// applyBypassed runs fn with the readonly gate temporarily lifted, as
// required for a follower to apply replicated writes even while in
// readonly mode (§4.4).
func (s *Store) applyBypassed(fn func() error) error {
	s.mu.Lock()
	prevMode := s.mode
	if s.mode == ModeReadonly {
		s.mode = ModeReadwrite
	}
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	s.mode = prevMode
	s.mu.Unlock()
	return err
}
