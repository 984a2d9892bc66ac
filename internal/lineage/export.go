package lineage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loom-data/loom/engine/internal/domain"
)

// dot shapes per node type.
var dotShapes = map[domain.LineageNodeType]string{
	domain.LineageDataSource:     "cylinder",
	domain.LineagePipeline:       "box",
	domain.LineageTransformation: "ellipse",
	domain.LineageSnapshot:       "note",
	domain.LineageExport:         "folder",
	domain.LineageStream:         "parallelogram",
}

// Export serializes the whole graph. Supported formats are "json" and
// "dot" (Graphviz).
func (g *Graph) Export(format string) ([]byte, error) {
	g.mu.RLock()
	nodes := make([]domain.LineageNode, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, *n)
	}
	edges := make([]domain.LineageEdge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, *e)
	}
	g.mu.RUnlock()

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	switch format {
	case "json", "":
		return json.MarshalIndent(map[string]any{
			"nodes": nodes,
			"edges": edges,
		}, "", "  ")
	case "dot":
		return exportDot(nodes, edges), nil
	default:
		return nil, fmt.Errorf("export lineage: unsupported format %q", format)
	}
}

func exportDot(nodes []domain.LineageNode, edges []domain.LineageEdge) []byte {
	var b strings.Builder
	b.WriteString("digraph lineage {\n")
	b.WriteString("  rankdir=LR;\n")
	for _, n := range nodes {
		shape := dotShapes[n.Type]
		if shape == "" {
			shape = "ellipse"
		}
		fmt.Fprintf(&b, "  %q [label=%q shape=%s];\n", n.ID, n.Name, shape)
	}
	for _, e := range edges {
		fmt.Fprintf(&b, "  %q -> %q [label=%q];\n", e.Source, e.Target, string(e.Type))
	}
	b.WriteString("}\n")
	return []byte(b.String())
}
