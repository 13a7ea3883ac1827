package discovery

import "sync"

// peerSet accumulates browse results in first-seen order. A peer
// going up is appended; a peer going down is removed by name.
type peerSet struct {
	mu    sync.Mutex
	peers []Service
}

func newPeerSet() *peerSet {
	return &peerSet{}
}

// Up adds a service, keeping first-seen ordering. A repeat
// announcement refreshes the entry in place.
func (s *peerSet) Up(svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.peers {
		if s.peers[i].Name == svc.Name {
			s.peers[i] = svc
			return
		}
	}
	s.peers = append(s.peers, svc)
}

// Down removes a service by name.
func (s *peerSet) Down(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.peers {
		if s.peers[i].Name == name {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

// Snapshot returns the current set in first-seen order.
func (s *peerSet) Snapshot() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Service, len(s.peers))
	copy(out, s.peers)
	return out
}
