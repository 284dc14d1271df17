package session

import (
	"fmt"

	"canvas/api/internal/canvas"
)

// Nodes returns a copy of the local nodes.
func (c *Controller) Nodes() []canvas.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneNodes(c.nodes)
}

func (c *Controller) Edges() []canvas.Edge {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneEdges(c.edges)
}

// AddNode appends node to the local document. Ids are unique across nodes
// and edges.
func (c *Controller) AddNode(node canvas.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if node.ID == "" {
		return fmt.Errorf("add node: %w", ErrUnknownID)
	}
	if c.idInUseLocked(node.ID) {
		return fmt.Errorf("add node %s: %w", node.ID, ErrDuplicateID)
	}
	node.Data = cloneData(node.Data)
	nodes := cloneNodes(c.nodes)
	c.nodes = append(nodes, node)
	delete(c.pendingNodes, node.ID)
	return nil
}

// UpdateNode applies update to a copy of node id and stores the result.
// The id cannot be changed.
func (c *Controller) UpdateNode(id string, update func(*canvas.Node)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	nodes := cloneNodes(c.nodes)
	for i := range nodes {
		if nodes[i].ID != id {
			continue
		}
		update(&nodes[i])
		nodes[i].ID = id
		c.nodes = nodes
		return nil
	}
	return fmt.Errorf("update node %s: %w", id, ErrUnknownID)
}

func (c *Controller) MoveNode(id string, position canvas.Position) error {
	return c.UpdateNode(id, func(node *canvas.Node) {
		node.Position = position
	})
}

// SelectNodes marks exactly ids as selected in the local copy.
func (c *Controller) SelectNodes(ids ...string) {
	selected := canvas.NewIDSet(ids...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	nodes := cloneNodes(c.nodes)
	for i := range nodes {
		nodes[i].Selected = selected.Has(nodes[i].ID)
	}
	c.nodes = nodes
}

// RemoveNodes deletes nodes and the edges attached to them. Only entities
// that were seen in a remote snapshot are tombstoned; the others never
// reached the store.
func (c *Controller) RemoveNodes(ids ...string) {
	removed := canvas.NewIDSet(ids...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	nodes := make([]canvas.Node, 0, len(c.nodes))
	for _, node := range c.nodes {
		if !removed.Has(node.ID) {
			nodes = append(nodes, node)
			continue
		}
		if c.seenNodes.Has(node.ID) {
			c.pendingNodes.Add(node.ID)
		}
	}
	edges := make([]canvas.Edge, 0, len(c.edges))
	for _, edge := range c.edges {
		if !removed.Has(edge.Source) && !removed.Has(edge.Target) {
			edges = append(edges, edge)
			continue
		}
		if c.seenEdges.Has(edge.ID) {
			c.pendingEdges.Add(edge.ID)
		}
	}
	c.nodes = cloneNodes(nodes)
	c.edges = edges
}

// AddEdge connects two existing nodes.
func (c *Controller) AddEdge(edge canvas.Edge) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if edge.ID == "" {
		return fmt.Errorf("add edge: %w", ErrUnknownID)
	}
	if c.idInUseLocked(edge.ID) {
		return fmt.Errorf("add edge %s: %w", edge.ID, ErrDuplicateID)
	}
	if !c.hasNodeLocked(edge.Source) || !c.hasNodeLocked(edge.Target) {
		return fmt.Errorf("add edge %s -> %s: %w", edge.Source, edge.Target, ErrUnknownID)
	}
	c.edges = append(cloneEdges(c.edges), edge)
	delete(c.pendingEdges, edge.ID)
	return nil
}

func (c *Controller) RemoveEdges(ids ...string) {
	removed := canvas.NewIDSet(ids...)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	edges := make([]canvas.Edge, 0, len(c.edges))
	for _, edge := range c.edges {
		if !removed.Has(edge.ID) {
			edges = append(edges, edge)
			continue
		}
		if c.seenEdges.Has(edge.ID) {
			c.pendingEdges.Add(edge.ID)
		}
	}
	c.edges = edges
}

func (c *Controller) idInUseLocked(id string) bool {
	if c.hasNodeLocked(id) {
		return true
	}
	for _, edge := range c.edges {
		if edge.ID == id {
			return true
		}
	}
	return false
}

func (c *Controller) hasNodeLocked(id string) bool {
	for _, node := range c.nodes {
		if node.ID == id {
			return true
		}
	}
	return false
}

func cloneNodes(nodes []canvas.Node) []canvas.Node {
	out := make([]canvas.Node, len(nodes))
	for i, node := range nodes {
		node.Data = cloneData(node.Data)
		out[i] = node
	}
	return out
}

func cloneEdges(edges []canvas.Edge) []canvas.Edge {
	out := make([]canvas.Edge, len(edges))
	copy(out, edges)
	return out
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for key, value := range data {
		out[key] = value
	}
	return out
}
