package cachestore

import "fmt"

// Subscribe adds fd (via sink) to channel's subscriber set (§4.4).
func (s *Store) Subscribe(fd int, channel string, sink LineSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[channel]
	if !ok {
		set = make(map[int]LineSink)
		s.subscribers[channel] = set
	}
	set[fd] = sink
}

// Unsubscribe removes fd from channel's subscriber set.
func (s *Store) Unsubscribe(fd int, channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subscribers[channel]; ok {
		delete(set, fd)
		if len(set) == 0 {
			delete(s.subscribers, channel)
		}
	}
}

// UnsubscribeAll removes fd from every channel (run on disconnect, §4.4).
func (s *Store) UnsubscribeAll(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel, set := range s.subscribers {
		delete(set, fd)
		if len(set) == 0 {
			delete(s.subscribers, channel)
		}
	}
}

// Publish fans msg out to every subscriber of channel as a single
// "message <channel> <msg>" line, returning the number of subscribers
// reached (§4.4). The line is built once and shared across subscribers,
// matching the spec's "single ref-counted object shared across
// subscribers" framing, modeled in Go as one string handed to every sink.
func (s *Store) Publish(channel, msg string) int {
	s.mu.RLock()
	set := s.subscribers[channel]
	sinks := make([]LineSink, 0, len(set))
	for _, sink := range set {
		sinks = append(sinks, sink)
	}
	s.mu.RUnlock()

	if len(sinks) == 0 {
		return 0
	}
	line := fmt.Sprintf("message %s %s\n", channel, msg)
	count := 0
	for _, sink := range sinks {
		if err := sink.WriteLine(line); err == nil {
			count++
		}
	}
	return count
}
