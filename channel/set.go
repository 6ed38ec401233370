package channel

import "sync"

// Set indexes live links by channel id.
type Set struct {
	mu    sync.RWMutex
	links map[uint64]*Link
}

// NewSet constructs an empty link set.
func NewSet() *Set {
	return &Set{links: make(map[uint64]*Link)}
}

// Add registers a link, replacing and closing any previous link with the same
// id.
func (s *Set) Add(link *Link) {
	if link == nil {
		return
	}
	s.mu.Lock()
	previous := s.links[link.shortID]
	s.links[link.shortID] = link
	s.mu.Unlock()
	if previous != nil && previous != link {
		previous.Close()
	}
}

// Get returns the link for a channel id, if registered.
func (s *Set) Get(shortID uint64) (*Link, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[shortID]
	return link, ok
}

// Remove unregisters and closes the link for a channel id.
func (s *Set) Remove(shortID uint64) {
	s.mu.Lock()
	link := s.links[shortID]
	delete(s.links, shortID)
	s.mu.Unlock()
	if link != nil {
		link.Close()
	}
}

// Close tears down every registered link.
func (s *Set) Close() {
	s.mu.Lock()
	links := make([]*Link, 0, len(s.links))
	for _, link := range s.links {
		links = append(links, link)
	}
	s.links = make(map[uint64]*Link)
	s.mu.Unlock()
	for _, link := range links {
		link.Close()
	}
}
