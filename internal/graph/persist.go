package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"riacouncil/internal/logging"
)

// graphBlob is the serialized multigraph form.
type graphBlob struct {
	Version int                  `json:"version"`
	Nodes   []NodeID             `json:"nodes"`
	Edges   []persistedEdge      `json:"edges"`
	Chunks  map[string]chunkInfo `json:"chunks"`
}

type persistedEdge struct {
	Type EdgeType `json:"type"`
	From NodeID   `json:"from"`
	To   NodeID   `json:"to"`
}

const graphBlobVersion = 1

// Persist writes the graph atomically (write-new-then-rename).
func (g *Graph) Persist(path string) error {
	timer := logging.StartTimer(logging.CategoryGraph, "Persist")
	defer timer.Stop()

	g.mu.RLock()
	blob := graphBlob{
		Version: graphBlobVersion,
		Chunks:  make(map[string]chunkInfo, len(g.chunks)),
	}
	for id := range g.nodes {
		blob.Nodes = append(blob.Nodes, id)
	}
	for et, adj := range g.out {
		for from, targets := range adj {
			for _, to := range targets {
				blob.Edges = append(blob.Edges, persistedEdge{Type: et, From: from, To: to})
			}
		}
	}
	for id, info := range g.chunks {
		blob.Chunks[id] = info
	}
	g.mu.RUnlock()

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to marshal graph blob: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create graph directory: %w", err)
	}
	tmp := path + ".staging"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write staging graph blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to swap graph blob into place: %w", err)
	}

	logging.Graph("Persisted graph: %d nodes, %d edges", len(blob.Nodes), len(blob.Edges))
	return nil
}

// Load replaces the graph contents from a blob written by Persist.
func (g *Graph) Load(path string) error {
	timer := logging.StartTimer(logging.CategoryGraph, "Load")
	defer timer.Stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read graph blob: %w", err)
	}
	var blob graphBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("failed to parse graph blob: %w", err)
	}
	if blob.Version != graphBlobVersion {
		return fmt.Errorf("unsupported graph blob version %d", blob.Version)
	}

	g.mu.Lock()
	g.nodes = make(map[NodeID]bool, len(blob.Nodes))
	g.out = make(map[EdgeType]map[NodeID][]NodeID)
	g.chunks = make(map[string]chunkInfo, len(blob.Chunks))
	for _, n := range blob.Nodes {
		g.nodes[n] = true
	}
	for id, info := range blob.Chunks {
		g.chunks[id] = info
	}
	g.mu.Unlock()

	for _, e := range blob.Edges {
		if err := g.AddEdge(e.Type, e.From, e.To); err != nil {
			return fmt.Errorf("graph blob contains invalid edge: %w", err)
		}
	}

	logging.Graph("Loaded graph: %d nodes, %d edges", len(blob.Nodes), len(blob.Edges))
	return nil
}
