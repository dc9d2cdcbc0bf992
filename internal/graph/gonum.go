package graph

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/network"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/rawblock/aml-engine/pkg/models"
)

// GonumFeatures is the in-process FeatureProvider. It keeps a distinct-edge
// copy of the transfer graph and recomputes all features lazily, at most
// once per batch of new edges.
type GonumFeatures struct {
	mu      sync.Mutex
	ids     map[string]int64
	names   []string
	edges   map[[2]int64]struct{}
	damping float64

	dirty    bool
	snapshot map[string]Structural
	min, max Structural
}

func NewGonumFeatures() *GonumFeatures {
	return &GonumFeatures{
		ids:      make(map[string]int64),
		edges:    make(map[[2]int64]struct{}),
		damping:  0.85,
		snapshot: make(map[string]Structural),
	}
}

func (g *GonumFeatures) MirrorTransfer(_ context.Context, t models.Transfer) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	from, to := g.id(t.From), g.id(t.To)
	if from == to {
		return nil
	}
	key := [2]int64{from, to}
	if _, ok := g.edges[key]; !ok {
		g.edges[key] = struct{}{}
		g.dirty = true
	}
	return nil
}

func (g *GonumFeatures) Structural(_ context.Context, addr string) (Structural, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refresh()

	if s, ok := g.snapshot[addr]; ok {
		return s, nil
	}
	return Structural{Community: -1}, nil
}

func (g *GonumFeatures) Bounds(_ context.Context) (Structural, Structural, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refresh()
	return g.min, g.max, nil
}

func (g *GonumFeatures) id(addr string) int64 {
	if id, ok := g.ids[addr]; ok {
		return id
	}
	id := int64(len(g.names))
	g.ids[addr] = id
	g.names = append(g.names, addr)
	g.dirty = true
	return id
}

// refresh recomputes every feature. Caller holds mu.
func (g *GonumFeatures) refresh() {
	if !g.dirty {
		return
	}
	g.dirty = false
	g.snapshot = make(map[string]Structural, len(g.names))
	g.min, g.max = Structural{}, Structural{}
	if len(g.names) == 0 {
		return
	}

	directed := simple.NewDirectedGraph()
	undirected := simple.NewUndirectedGraph()
	for id := range g.names {
		directed.AddNode(simple.Node(int64(id)))
		undirected.AddNode(simple.Node(int64(id)))
	}
	for e := range g.edges {
		directed.SetEdge(directed.NewEdge(simple.Node(e[0]), simple.Node(e[1])))
		undirected.SetEdge(undirected.NewEdge(simple.Node(e[0]), simple.Node(e[1])))
	}

	ranks := network.PageRank(directed, g.damping, 1e-6)
	communities := communityIDs(undirected, len(g.edges) > 0)
	triangles := triangleCounts(undirected)

	for id, name := range g.names {
		s := Structural{
			PageRank:  ranks[int64(id)],
			Community: communities[int64(id)],
			Triangles: triangles[int64(id)],
		}
		g.snapshot[name] = s
		if id == 0 {
			g.min, g.max = s, s
			continue
		}
		g.min.PageRank = min(g.min.PageRank, s.PageRank)
		g.max.PageRank = max(g.max.PageRank, s.PageRank)
		g.min.Triangles = min(g.min.Triangles, s.Triangles)
		g.max.Triangles = max(g.max.Triangles, s.Triangles)
	}
}

// communityIDs labels every node with the smallest node id of its Louvain
// community. Without edges every node is its own community.
func communityIDs(g *simple.UndirectedGraph, hasEdges bool) map[int64]int64 {
	out := make(map[int64]int64)
	if !hasEdges {
		nodes := g.Nodes()
		for nodes.Next() {
			id := nodes.Node().ID()
			out[id] = id
		}
		return out
	}
	reduced := community.Modularize(g, 1, nil)
	for _, members := range reduced.Communities() {
		label := int64(-1)
		for _, n := range members {
			if label < 0 || n.ID() < label {
				label = n.ID()
			}
		}
		for _, n := range members {
			out[n.ID()] = label
		}
	}
	return out
}

// triangleCounts returns, per node, the number of triangles it belongs to.
func triangleCounts(g *simple.UndirectedGraph) map[int64]int {
	out := make(map[int64]int)
	nodes := g.Nodes()
	for nodes.Next() {
		u := nodes.Node().ID()
		neighbors := graph.NodesOf(g.From(u))
		count := 0
		for i := 0; i < len(neighbors); i++ {
			for j := i + 1; j < len(neighbors); j++ {
				if g.HasEdgeBetween(neighbors[i].ID(), neighbors[j].ID()) {
					count++
				}
			}
		}
		out[u] = count
	}
	return out
}

