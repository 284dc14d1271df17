// Package canvas holds the node-graph document model and the merge engine
// that reconciles a local optimistic copy with an authoritative snapshot.
package canvas

import (
	"sort"
	"time"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one canvas node. Selected and Dragging are session-local; the
// remaining ephemeral state lives in Data under the keys its NodeKind declares.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Position Position       `json:"position"`
	Data     map[string]any `json:"data,omitempty"`
	Selected bool           `json:"selected,omitempty"`
	Dragging bool           `json:"dragging,omitempty"`
}

type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Type         string `json:"type,omitempty"`
	Selected     bool   `json:"selected,omitempty"`
}

// Snapshot is the unit of persistence and of durable change notification.
// Version is assigned by the server on every committed write and increases
// monotonically per document.
type Snapshot struct {
	DocumentID     string    `json:"documentId"`
	Nodes          []Node    `json:"nodes"`
	Edges          []Edge    `json:"edges"`
	DeletedNodeIDs []string  `json:"deletedNodeIds"`
	DeletedEdgeIDs []string  `json:"deletedEdgeIds"`
	Version        int64     `json:"version"`
	UpdatedAt      time.Time `json:"updatedAt"`
	UpdatedBy      string    `json:"updatedBy,omitempty"`
	// Origin and Sequence identify the session save that produced this
	// snapshot. They travel with change notifications and are not stored.
	Origin   string `json:"origin,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
}

// Normalize replaces missing arrays with empty ones and drops entities
// without an id.
func (s Snapshot) Normalize() Snapshot {
	nodes := make([]Node, 0, len(s.Nodes))
	for _, node := range s.Nodes {
		if node.ID != "" {
			nodes = append(nodes, node)
		}
	}
	edges := make([]Edge, 0, len(s.Edges))
	for _, edge := range s.Edges {
		if edge.ID != "" {
			edges = append(edges, edge)
		}
	}
	s.Nodes = nodes
	s.Edges = edges
	s.DeletedNodeIDs = nonEmptyIDs(s.DeletedNodeIDs)
	s.DeletedEdgeIDs = nonEmptyIDs(s.DeletedEdgeIDs)
	return s
}

// Persisted returns a copy of the snapshot with every ephemeral field removed.
func (s Snapshot) Persisted(catalog *Catalog) Snapshot {
	s = s.Normalize()
	nodes := make([]Node, len(s.Nodes))
	for i, node := range s.Nodes {
		nodes[i] = catalog.Persisted(node)
	}
	edges := make([]Edge, len(s.Edges))
	for i, edge := range s.Edges {
		edge.Selected = false
		edges[i] = edge
	}
	s.Nodes = nodes
	s.Edges = edges
	return s
}

// NodeIDs returns the ids of all nodes in the snapshot.
func (s Snapshot) NodeIDs() IDSet {
	set := make(IDSet, len(s.Nodes))
	for _, node := range s.Nodes {
		set.Add(node.ID)
	}
	return set
}

func (s Snapshot) EdgeIDs() IDSet {
	set := make(IDSet, len(s.Edges))
	for _, edge := range s.Edges {
		set.Add(edge.ID)
	}
	return set
}

type IDSet map[string]struct{}

func NewIDSet(ids ...string) IDSet {
	set := make(IDSet, len(ids))
	for _, id := range ids {
		set.Add(id)
	}
	return set
}

func (s IDSet) Add(id string) {
	s[id] = struct{}{}
}

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order.
func (s IDSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Equal reports whether both sets hold the same ids.
func (s IDSet) Equal(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

func nonEmptyIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	cloned := make(map[string]any, len(data))
	for key, value := range data {
		cloned[key] = value
	}
	return cloned
}
