package clock

import (
	"sync"

	"pkt.systems/shardd/api"
)

// Source is the cluster-time source for a routing node. Observed times from
// shard responses and local wall time both feed it; the value it hands out
// never decreases.
type Source struct {
	mu      sync.Mutex
	current api.ClusterTime
	wall    Clock
}

// NewSource constructs a Source seeded from wall time. A nil wall clock
// leaves the source purely observation-driven, which is what tests want.
func NewSource(wall Clock) *Source {
	s := &Source{wall: wall}
	if wall != nil {
		s.current = api.NewClusterTime(uint32(wall.Now().Unix()), 1)
	}
	return s
}

// Now returns the current cluster time.
func (s *Source) Now() api.ClusterTime {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wall != nil {
		wall := api.NewClusterTime(uint32(s.wall.Now().Unix()), 1)
		if s.current.Less(wall) {
			s.current = wall
		}
	}
	return s.current
}

// Observe folds a cluster time gossiped by a shard response into the
// source. Regressions are ignored; the source is monotone.
func (s *Source) Observe(t api.ClusterTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current.Less(t) {
		s.current = t
	}
}
