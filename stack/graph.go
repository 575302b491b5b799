package stack

import (
	"github.com/emicklei/dot"
)

// Graph renders the resource reference graph in DOT form. Edges point from a
// resource to what it depends on, matching the order the engine provisions
// in when read backwards.
func (s *Stack) Graph() *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")

	nodes := make(map[string]dot.Node, len(s.resources))
	for _, r := range s.resources {
		n := g.Node(Address(r))
		n.Attr("shape", "box")
		nodes[r.LogicalName()] = n
	}

	for _, r := range s.resources {
		for _, ref := range r.References() {
			if target, ok := nodes[ref]; ok {
				g.Edge(nodes[r.LogicalName()], target)
			}
		}
	}

	return g
}
