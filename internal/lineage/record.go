package lineage

import (
	"fmt"
	"time"

	"github.com/loom-data/loom/engine/internal/domain"
)

// RecordIngest registers lineage for a completed ingest: the data source
// node, a snapshot node for the appended version, and a data_flow edge
// between them. A nil version (a no-change delta run) only refreshes the
// source node.
func (g *Graph) RecordIngest(ds *domain.DataSource, v *domain.DataVersion) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.registerNodeLocked(domain.LineageNode{
		ID:   ds.ID,
		Type: domain.LineageDataSource,
		Name: ds.Name,
		Metadata: map[string]any{
			"project_id": ds.ProjectID,
			"provider":   string(ds.Provider),
		},
	})
	if v == nil {
		return
	}

	snapshotID := ds.ID + ":v" + fmt.Sprint(v.Version)
	g.registerNodeLocked(domain.LineageNode{
		ID:   snapshotID,
		Type: domain.LineageSnapshot,
		Name: fmt.Sprintf("%s version %d", ds.Name, v.Version),
		Metadata: map[string]any{
			"version_id":   v.ID,
			"version":      v.Version,
			"record_count": v.RecordCount,
		},
	})
	g.createEdgeLocked(ds.ID, snapshotID, domain.LineageDataFlow, map[string]any{
		"record_count": v.RecordCount,
		"executed_at":  v.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// RecordPipeline registers lineage for a pipeline run: edges from each
// input data source into the pipeline node and from the pipeline node to
// each output data source.
func (g *Graph) RecordPipeline(p *domain.Pipeline, exec *domain.Execution, inputs, outputs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.registerNodeLocked(domain.LineageNode{
		ID:   p.ID,
		Type: domain.LineagePipeline,
		Name: p.Name,
		Metadata: map[string]any{
			"project_id": p.ProjectID,
			"node_count": len(p.Nodes),
		},
	})

	meta := map[string]any{}
	if exec != nil {
		meta["execution_id"] = exec.ID
		meta["trigger"] = exec.Trigger
		if exec.CompletedAt != nil {
			meta["executed_at"] = exec.CompletedAt.UTC().Format(time.RFC3339)
		}
	}

	for _, id := range inputs {
		g.ensureNodeLocked(id, domain.LineageDataSource)
		g.createEdgeLocked(id, p.ID, domain.LineageDataFlow, meta)
	}
	for _, id := range outputs {
		g.ensureNodeLocked(id, domain.LineageDataSource)
		g.createEdgeLocked(p.ID, id, domain.LineageDataFlow, meta)
	}
}

// ensureNodeLocked registers a placeholder node unless one already
// exists, so edges never clobber a node registered with real metadata.
func (g *Graph) ensureNodeLocked(id string, t domain.LineageNodeType) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.registerNodeLocked(domain.LineageNode{ID: id, Type: t, Name: id})
}

// RecordExport registers an export node derived from a data source.
func (g *Graph) RecordExport(ds *domain.DataSource, path, format string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.registerNodeLocked(domain.LineageNode{
		ID:   ds.ID,
		Type: domain.LineageDataSource,
		Name: ds.Name,
	})
	exportID := "export:" + path
	g.registerNodeLocked(domain.LineageNode{
		ID:   exportID,
		Type: domain.LineageExport,
		Name: path,
		Metadata: map[string]any{
			"format": format,
		},
	})
	g.createEdgeLocked(ds.ID, exportID, domain.LineageDerivation, map[string]any{
		"exported_at": time.Now().UTC().Format(time.RFC3339),
	})
}
