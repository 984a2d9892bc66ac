package domain

import "time"

// LineageNodeType classifies a lineage graph vertex.
type LineageNodeType string

const (
	LineageDataSource     LineageNodeType = "data_source"
	LineagePipeline       LineageNodeType = "pipeline"
	LineageTransformation LineageNodeType = "transformation"
	LineageSnapshot       LineageNodeType = "snapshot"
	LineageExport         LineageNodeType = "export"
	LineageStream         LineageNodeType = "stream"
)

// ValidLineageNodeType checks if a string is a known lineage node type.
func ValidLineageNodeType(s string) bool {
	switch LineageNodeType(s) {
	case LineageDataSource, LineagePipeline, LineageTransformation,
		LineageSnapshot, LineageExport, LineageStream:
		return true
	}
	return false
}

// LineageEdgeType classifies how two lineage nodes relate.
type LineageEdgeType string

const (
	LineageDataFlow   LineageEdgeType = "data_flow"
	LineageDependency LineageEdgeType = "dependency"
	LineageDerivation LineageEdgeType = "derivation"
)

// ValidLineageEdgeType checks if a string is a known lineage edge type.
func ValidLineageEdgeType(s string) bool {
	switch LineageEdgeType(s) {
	case LineageDataFlow, LineageDependency, LineageDerivation:
		return true
	}
	return false
}

// LineageNode is one vertex in the lineage graph.
type LineageNode struct {
	ID        string          `json:"id"`
	Type      LineageNodeType `json:"type"`
	Name      string          `json:"name"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LineageEdge is one directed edge: data flowed (or depends, or derives)
// from Source to Target. Edges are idempotent on (source, target, type);
// re-registering updates metadata only.
type LineageEdge struct {
	ID       string          `json:"id"`
	Source   string          `json:"source"`
	Target   string          `json:"target"`
	Type     LineageEdgeType `json:"type"`
	Metadata map[string]any  `json:"metadata,omitempty"` // record_count, transformation_type, executed_at
}

// FieldMapping is one field-level lineage entry attached to an edge.
type FieldMapping struct {
	FromField string `json:"from_field"`
	ToField   string `json:"to_field"`
	Transform string `json:"transform,omitempty"`
}

// LineageDirection selects which way a lineage query walks.
type LineageDirection string

const (
	LineageUpstream   LineageDirection = "upstream"
	LineageDownstream LineageDirection = "downstream"
	LineageBoth       LineageDirection = "both"
)

// ValidLineageDirection checks if a string is a known traversal direction.
func ValidLineageDirection(s string) bool {
	switch LineageDirection(s) {
	case LineageUpstream, LineageDownstream, LineageBoth:
		return true
	}
	return false
}

// LineageResult is the subgraph returned by a lineage query.
type LineageResult struct {
	Nodes    []LineageNode   `json:"nodes"`
	Edges    []LineageEdge   `json:"edges"`
	Metadata LineageMetadata `json:"metadata"`
}

// LineageMetadata summarizes a lineage query result.
type LineageMetadata struct {
	RootNodes  []string `json:"root_nodes"`
	LeafNodes  []string `json:"leaf_nodes"`
	Depth      int      `json:"depth"`
	TotalNodes int      `json:"total_nodes"`
	TotalEdges int      `json:"total_edges"`
}

// ImpactAnalysis reports everything downstream of a node.
type ImpactAnalysis struct {
	NodeID            string        `json:"node_id"`
	AffectedPipelines []string      `json:"affected_pipelines"`
	AffectedSources   []string      `json:"affected_sources"`
	Nodes             []LineageNode `json:"nodes"`
	Edges             []LineageEdge `json:"edges"`
	CriticalPaths     [][]string    `json:"critical_paths"` // up to 5 longest downstream paths
}
