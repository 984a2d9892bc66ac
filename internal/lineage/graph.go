// Package lineage tracks where data came from and where it flows. The
// graph is in-memory, rebuilt from ingest and pipeline activity, and
// guarded by a single RWMutex.
package lineage

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loom-data/loom/engine/internal/domain"
)

// maxQueryDepth caps lineage traversal depth.
const maxQueryDepth = 10

// Graph is the in-memory lineage store.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]*domain.LineageNode
	edges   map[string]*domain.LineageEdge
	edgeKey map[string]string                // source|target|type -> edge ID
	fields  map[string][]domain.FieldMapping // edge ID -> field mappings
	out     map[string][]string              // node -> outgoing edge IDs
	in      map[string][]string              // node -> incoming edge IDs
}

// NewGraph creates an empty lineage graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:   make(map[string]*domain.LineageNode),
		edges:   make(map[string]*domain.LineageEdge),
		edgeKey: make(map[string]string),
		fields:  make(map[string][]domain.FieldMapping),
		out:     make(map[string][]string),
		in:      make(map[string][]string),
	}
}

// RegisterNode upserts a node by ID and returns the stored copy.
func (g *Graph) RegisterNode(node domain.LineageNode) domain.LineageNode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.registerNodeLocked(node)
}

func (g *Graph) registerNodeLocked(node domain.LineageNode) domain.LineageNode {
	now := time.Now().UTC()
	if existing, ok := g.nodes[node.ID]; ok {
		existing.Name = node.Name
		existing.Type = node.Type
		if node.Metadata != nil {
			existing.Metadata = node.Metadata
		}
		existing.UpdatedAt = now
		return *existing
	}
	stored := node
	stored.CreatedAt = now
	stored.UpdatedAt = now
	g.nodes[node.ID] = &stored
	return stored
}

// GetNode returns a node by ID, or (nil, false).
func (g *Graph) GetNode(id string) (*domain.LineageNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	copied := *n
	return &copied, true
}

// NodesByType returns all nodes of a type, sorted by ID.
func (g *Graph) NodesByType(t domain.LineageNodeType) []domain.LineageNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var result []domain.LineageNode
	for _, n := range g.nodes {
		if n.Type == t {
			result = append(result, *n)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// CreateEdge links two existing nodes. Idempotent on (source, target,
// type): a repeated call updates metadata only.
func (g *Graph) CreateEdge(source, target string, t domain.LineageEdgeType, metadata map[string]any) (domain.LineageEdge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createEdgeLocked(source, target, t, metadata)
}

func (g *Graph) createEdgeLocked(source, target string, t domain.LineageEdgeType, metadata map[string]any) (domain.LineageEdge, error) {
	if _, ok := g.nodes[source]; !ok {
		return domain.LineageEdge{}, fmt.Errorf("create lineage edge: source node %q does not exist", source)
	}
	if _, ok := g.nodes[target]; !ok {
		return domain.LineageEdge{}, fmt.Errorf("create lineage edge: target node %q does not exist", target)
	}

	key := source + "|" + target + "|" + string(t)
	if id, ok := g.edgeKey[key]; ok {
		edge := g.edges[id]
		if metadata != nil {
			edge.Metadata = metadata
		}
		return *edge, nil
	}

	edge := &domain.LineageEdge{
		ID:       uuid.New().String(),
		Source:   source,
		Target:   target,
		Type:     t,
		Metadata: metadata,
	}
	g.edges[edge.ID] = edge
	g.edgeKey[key] = edge.ID
	g.out[source] = append(g.out[source], edge.ID)
	g.in[target] = append(g.in[target], edge.ID)
	return *edge, nil
}

// RegisterFieldEdges attaches field-level lineage to an existing edge,
// replacing any previous mappings.
func (g *Graph) RegisterFieldEdges(edgeID string, mappings []domain.FieldMapping) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.edges[edgeID]; !ok {
		return fmt.Errorf("register field edges: edge %q does not exist", edgeID)
	}
	g.fields[edgeID] = append([]domain.FieldMapping{}, mappings...)
	return nil
}

// FieldLineage returns the field mappings on every edge touching a node,
// keyed by edge ID.
func (g *Graph) FieldLineage(nodeID string) map[string][]domain.FieldMapping {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make(map[string][]domain.FieldMapping)
	for _, edgeID := range append(append([]string{}, g.in[nodeID]...), g.out[nodeID]...) {
		if mappings := g.fields[edgeID]; len(mappings) > 0 {
			result[edgeID] = append([]domain.FieldMapping{}, mappings...)
		}
	}
	return result
}

// step is one traversal hop: the neighbor reached and the edge crossed.
type step struct {
	nodeID string
	edgeID string
}

// steps lists hops from a node in the given direction. Callers hold at
// least the read lock.
func (g *Graph) steps(id string, direction domain.LineageDirection) []step {
	var result []step
	if direction == domain.LineageDownstream || direction == domain.LineageBoth {
		for _, edgeID := range g.out[id] {
			result = append(result, step{nodeID: g.edges[edgeID].Target, edgeID: edgeID})
		}
	}
	if direction == domain.LineageUpstream || direction == domain.LineageBoth {
		for _, edgeID := range g.in[id] {
			result = append(result, step{nodeID: g.edges[edgeID].Source, edgeID: edgeID})
		}
	}
	return result
}

// Lineage walks the graph from a node and returns the reachable
// subgraph. maxDepth is clamped to 10; zero means 10.
func (g *Graph) Lineage(nodeID string, direction domain.LineageDirection, maxDepth int) (*domain.LineageResult, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("lineage query: node %q does not exist", nodeID)
	}
	if !domain.ValidLineageDirection(string(direction)) {
		return nil, fmt.Errorf("lineage query: unknown direction %q", direction)
	}
	if maxDepth <= 0 || maxDepth > maxQueryDepth {
		maxDepth = maxQueryDepth
	}

	visited := map[string]bool{nodeID: true}
	edgeSeen := map[string]bool{}
	depth := 0
	frontier := []string{nodeID}
	for d := 0; d < maxDepth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			for _, s := range g.steps(id, direction) {
				edgeSeen[s.edgeID] = true
				if !visited[s.nodeID] {
					visited[s.nodeID] = true
					next = append(next, s.nodeID)
				}
			}
		}
		if len(next) > 0 {
			depth = d + 1
		}
		frontier = next
	}

	return g.buildResult(visited, edgeSeen, depth), nil
}

// AnalyzeImpact computes the downstream blast radius of a node: the
// affected pipelines and data sources plus up to 5 longest simple paths.
func (g *Graph) AnalyzeImpact(nodeID string) (*domain.ImpactAnalysis, error) {
	sub, err := g.Lineage(nodeID, domain.LineageDownstream, maxQueryDepth)
	if err != nil {
		return nil, err
	}

	impact := &domain.ImpactAnalysis{
		NodeID: nodeID,
		Nodes:  sub.Nodes,
		Edges:  sub.Edges,
	}
	for _, n := range sub.Nodes {
		if n.ID == nodeID {
			continue
		}
		switch n.Type {
		case domain.LineagePipeline:
			impact.AffectedPipelines = append(impact.AffectedPipelines, n.ID)
		case domain.LineageDataSource:
			impact.AffectedSources = append(impact.AffectedSources, n.ID)
		}
	}
	sort.Strings(impact.AffectedPipelines)
	sort.Strings(impact.AffectedSources)

	g.mu.RLock()
	paths := g.simplePaths(nodeID)
	g.mu.RUnlock()

	sort.Slice(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) > len(paths[j])
		}
		return fmt.Sprint(paths[i]) < fmt.Sprint(paths[j])
	})
	if len(paths) > 5 {
		paths = paths[:5]
	}
	impact.CriticalPaths = paths
	return impact, nil
}

// simplePaths enumerates downstream simple paths ending at nodes with no
// unvisited successors. Callers hold at least the read lock.
func (g *Graph) simplePaths(start string) [][]string {
	var paths [][]string
	var walk func(id string, path []string, visited map[string]bool)
	walk = func(id string, path []string, visited map[string]bool) {
		extended := false
		for _, s := range g.steps(id, domain.LineageDownstream) {
			if visited[s.nodeID] {
				continue
			}
			extended = true
			visited[s.nodeID] = true
			walk(s.nodeID, append(path, s.nodeID), visited)
			delete(visited, s.nodeID)
		}
		if !extended && len(path) > 1 {
			paths = append(paths, append([]string{}, path...))
		}
	}
	walk(start, []string{start}, map[string]bool{start: true})
	return paths
}

// buildResult materializes the visited nodes and edges. Callers hold at
// least the read lock.
func (g *Graph) buildResult(visited, edgeSeen map[string]bool, depth int) *domain.LineageResult {
	result := &domain.LineageResult{}
	hasIn := map[string]bool{}
	hasOut := map[string]bool{}

	for id := range edgeSeen {
		edge := g.edges[id]
		if visited[edge.Source] && visited[edge.Target] {
			result.Edges = append(result.Edges, *edge)
			hasOut[edge.Source] = true
			hasIn[edge.Target] = true
		}
	}
	for id := range visited {
		result.Nodes = append(result.Nodes, *g.nodes[id])
		if !hasIn[id] {
			result.Metadata.RootNodes = append(result.Metadata.RootNodes, id)
		}
		if !hasOut[id] {
			result.Metadata.LeafNodes = append(result.Metadata.LeafNodes, id)
		}
	}

	sort.Slice(result.Nodes, func(i, j int) bool { return result.Nodes[i].ID < result.Nodes[j].ID })
	sort.Slice(result.Edges, func(i, j int) bool { return result.Edges[i].ID < result.Edges[j].ID })
	sort.Strings(result.Metadata.RootNodes)
	sort.Strings(result.Metadata.LeafNodes)
	result.Metadata.Depth = depth
	result.Metadata.TotalNodes = len(result.Nodes)
	result.Metadata.TotalEdges = len(result.Edges)
	return result
}
