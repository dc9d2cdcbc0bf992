package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGonumFeatures(t *testing.T) {
	ctx := context.Background()
	g := NewGonumFeatures()
	for _, tr := range []struct{ n, from, to int }{
		{1, 1, 2}, {2, 2, 3}, {3, 3, 1}, {4, 4, 1}, {5, 4, 1},
	} {
		require.NoError(t, g.MirrorTransfer(ctx, xfer(tr.n, tr.from, tr.to, "1")))
	}

	var total float64
	for i := 1; i <= 4; i++ {
		s, err := g.Structural(ctx, addr(i))
		require.NoError(t, err)
		total += s.PageRank
		if i < 4 {
			assert.Equal(t, 1, s.Triangles, "triangle member %d", i)
		} else {
			assert.Equal(t, 0, s.Triangles)
		}
	}
	assert.InDelta(t, 1.0, total, 1e-3)

	fed, err := g.Structural(ctx, addr(1))
	require.NoError(t, err)
	leaf, err := g.Structural(ctx, addr(4))
	require.NoError(t, err)
	assert.Greater(t, fed.PageRank, leaf.PageRank)

	lo, hi, err := g.Bounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, lo.Triangles)
	assert.Equal(t, 1, hi.Triangles)
	assert.Equal(t, leaf.PageRank, lo.PageRank)

	unknown, err := g.Structural(ctx, addr(99))
	require.NoError(t, err)
	assert.Equal(t, int64(-1), unknown.Community)
}

func TestGonumFeaturesIgnoresSelfTransfers(t *testing.T) {
	g := NewGonumFeatures()
	require.NoError(t, g.MirrorTransfer(context.Background(), xfer(1, 5, 5, "1")))
	assert.Empty(t, g.edges)
}
