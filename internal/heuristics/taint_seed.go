package heuristics

import (
	"sort"
	"sync"
	"time"
)

// Taint Seed Set
//
// Known-bad addresses (sanctions lists, flagged scam wallets, theft
// origins) that taint propagates from. The set is owned by whoever
// builds the analysis service and passed by reference; reads from
// concurrent detector runs take the read lock only.
//
// Categories:
//   sanctioned: OFAC/SDN listed addresses
//   theft:      stolen fund origin addresses
//   scam:       reported fraud wallets
//   flagged:    manually flagged by an investigator

// Seed holds metadata for one known-bad address
type Seed struct {
	Address  string    `json:"address"`
	Category string    `json:"category"`
	Label    string    `json:"label,omitempty"`
	Source   string    `json:"source,omitempty"` // config/api/feed
	AddedAt  time.Time `json:"addedAt"`
}

// SeedSet is a concurrent-safe set of taint seeds keyed by canonical address
type SeedSet struct {
	mu    sync.RWMutex
	seeds map[string]Seed
}

func NewSeedSet() *SeedSet {
	return &SeedSet{seeds: make(map[string]Seed)}
}

// Add registers or replaces a seed. Addresses must already be canonical.
func (s *SeedSet) Add(seed Seed) {
	if seed.Address == "" {
		return
	}
	if seed.AddedAt.IsZero() {
		seed.AddedAt = time.Now().UTC()
	}
	if seed.Category == "" {
		seed.Category = "flagged"
	}
	s.mu.Lock()
	s.seeds[seed.Address] = seed
	s.mu.Unlock()
}

// AddAll seeds a batch of addresses with one category and source, returning
// how many were new.
func (s *SeedSet) AddAll(addresses []string, category, source string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	now := time.Now().UTC()
	for _, addr := range addresses {
		if addr == "" {
			continue
		}
		if _, exists := s.seeds[addr]; exists {
			continue
		}
		s.seeds[addr] = Seed{Address: addr, Category: category, Source: source, AddedAt: now}
		added++
	}
	return added
}

// Remove drops a seed and reports whether it was present
func (s *SeedSet) Remove(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seeds[addr]
	delete(s.seeds, addr)
	return ok
}

func (s *SeedSet) Contains(addr string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seeds[addr]
	return ok
}

func (s *SeedSet) Get(addr string) (Seed, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seed, ok := s.seeds[addr]
	return seed, ok
}

// List returns all seeds ordered by address
func (s *SeedSet) List() []Seed {
	s.mu.RLock()
	out := make([]Seed, 0, len(s.seeds))
	for _, seed := range s.seeds {
		out = append(out, seed)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (s *SeedSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seeds)
}
