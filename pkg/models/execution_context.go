package models

import (
	"maps"
	"strings"
	"sync"
)

const (
	// ContextNodes is the namespace holding node outputs and the trigger payload.
	ContextNodes = "nodes"
	// ContextWorkflow is the namespace for workflow-level values.
	ContextWorkflow = "workflow"
	// TriggerKey is where the trigger payload lives under nodes.
	TriggerKey = "trigger"
)

// GlobalContext accumulates the outputs of one execution. It is safe for
// concurrent use by the nodes of a batch. Each node writes only its own key.
type GlobalContext struct {
	mu       sync.RWMutex
	nodes    map[string]any
	workflow map[string]any
}

// NewGlobalContext returns an empty context.
func NewGlobalContext() *GlobalContext {
	return &GlobalContext{
		nodes:    make(map[string]any),
		workflow: make(map[string]any),
	}
}

// SetNode stores value under nodes.<key>.
func (g *GlobalContext) SetNode(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[key] = value
}

// Node returns nodes.<key>.
func (g *GlobalContext) Node(key string) (any, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	v, ok := g.nodes[key]

	return v, ok
}

// SetWorkflow stores value under workflow.<key>.
func (g *GlobalContext) SetWorkflow(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.workflow[key] = value
}

// Set stores a value addressed by a two-level path such as "nodes.wn_4".
func (g *GlobalContext) Set(path string, value any) {
	namespace, key, found := strings.Cut(path, ".")
	if !found {
		return
	}

	switch namespace {
	case ContextNodes:
		g.SetNode(key, value)
	case ContextWorkflow:
		g.SetWorkflow(key, value)
	}
}

// Snapshot returns a shallow copy suitable for path resolution.
func (g *GlobalContext) Snapshot() map[string]any {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]any{
		ContextNodes:    maps.Clone(g.nodes),
		ContextWorkflow: maps.Clone(g.workflow),
	}
}

// Len returns the number of node entries.
func (g *GlobalContext) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return len(g.nodes)
}

// NodePath is the full path of a node output key.
func NodePath(key string) string {
	return ContextNodes + "." + key
}
