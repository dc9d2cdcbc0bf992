package heuristics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedSet(t *testing.T) {
	s := NewSeedSet()
	assert.Equal(t, 0, s.Len())

	s.Add(Seed{Address: peer(2)})
	seed, ok := s.Get(peer(2))
	require.True(t, ok)
	assert.Equal(t, "flagged", seed.Category)
	assert.False(t, seed.AddedAt.IsZero())

	added := s.AddAll([]string{peer(1), peer(2), "", peer(3)}, "sanctioned", "config")
	assert.Equal(t, 2, added)
	assert.Equal(t, 3, s.Len())

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, peer(1), list[0].Address)
	assert.Equal(t, "sanctioned", list[0].Category)
	assert.Equal(t, "flagged", list[1].Category, "existing seeds are kept")

	assert.True(t, s.Remove(peer(1)))
	assert.False(t, s.Remove(peer(1)))
	assert.False(t, s.Contains(peer(1)))

	var nilSet *SeedSet
	assert.False(t, nilSet.Contains(peer(1)))
	assert.Equal(t, 0, nilSet.Len())
}
