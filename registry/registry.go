package registry

import "sync"

// Gateway answers whether an address is currently a verified unique human.
// The engine treats it as ground truth and re-queries it on every operation;
// it never caches answers across operations.
type Gateway interface {
	IsVerified(address string) bool
}

// Static is an in-memory Gateway, seeded from config and mutable at runtime
// through the admin endpoints. It stands in for the real identity registry,
// which is an external system.
type Static struct {
	mu       sync.RWMutex
	verified map[string]bool
}

func NewStatic(addresses []string) *Static {
	s := &Static{verified: make(map[string]bool, len(addresses))}
	for _, a := range addresses {
		s.verified[a] = true
	}
	return s
}

func (s *Static) IsVerified(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verified[address]
}

// Add marks an address as verified.
func (s *Static) Add(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[address] = true
}

// Remove clears an address's verified status.
func (s *Static) Remove(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verified, address)
}
