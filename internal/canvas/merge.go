package canvas

import "sort"

// MergeNodes reconciles local nodes with a remote snapshot's nodes.
//
// Tombstoned ids are dropped from both sides. Nodes present remotely take
// position, type and persisted data from the remote copy and keep the local
// copy's ephemeral state. Local-only nodes are dropped when seen lists them
// (deleted remotely since last observed) and kept unchanged otherwise.
func MergeNodes(catalog *Catalog, local, remote []Node, deletedIDs []string, seen IDSet) []Node {
	deleted := NewIDSet(deletedIDs...)
	byID := make(map[string]Node, len(local))
	for _, node := range local {
		if node.ID == "" || deleted.Has(node.ID) {
			continue
		}
		byID[node.ID] = node
	}

	merged := make(map[string]Node, len(remote)+len(byID))
	for _, incoming := range remote {
		if incoming.ID == "" || deleted.Has(incoming.ID) {
			continue
		}
		persisted, _ := catalog.Split(incoming.Type, incoming.Data)
		next := Node{
			ID:       incoming.ID,
			Type:     incoming.Type,
			Position: incoming.Position,
			Data:     persisted,
		}
		if existing, ok := byID[incoming.ID]; ok {
			next.Selected = existing.Selected
			next.Dragging = existing.Dragging
			_, ephemeral := catalog.Split(incoming.Type, existing.Data)
			for key, value := range ephemeral {
				if next.Data == nil {
					next.Data = make(map[string]any, len(ephemeral))
				}
				next.Data[key] = value
			}
		}
		merged[next.ID] = next
	}

	for id, node := range byID {
		if _, ok := merged[id]; ok {
			continue
		}
		if seen.Has(id) {
			continue
		}
		node.Data = cloneData(node.Data)
		merged[id] = node
	}

	out := make([]Node, 0, len(merged))
	for _, node := range merged {
		out = append(out, node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MergeEdges is MergeNodes for edges; Selected is the only ephemeral field.
func MergeEdges(local, remote []Edge, deletedIDs []string, seen IDSet) []Edge {
	deleted := NewIDSet(deletedIDs...)
	byID := make(map[string]Edge, len(local))
	for _, edge := range local {
		if edge.ID == "" || deleted.Has(edge.ID) {
			continue
		}
		byID[edge.ID] = edge
	}

	merged := make(map[string]Edge, len(remote)+len(byID))
	for _, incoming := range remote {
		if incoming.ID == "" || deleted.Has(incoming.ID) {
			continue
		}
		next := incoming
		next.Selected = false
		if existing, ok := byID[incoming.ID]; ok {
			next.Selected = existing.Selected
		}
		merged[next.ID] = next
	}

	for id, edge := range byID {
		if _, ok := merged[id]; ok {
			continue
		}
		if seen.Has(id) {
			continue
		}
		merged[id] = edge
	}

	out := make([]Edge, 0, len(merged))
	for _, edge := range merged {
		out = append(out, edge)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MergeSnapshot merges both entity collections of remote into local state.
// seenNodes and seenEdges are the ids observed in the previous remote snapshot.
func MergeSnapshot(catalog *Catalog, nodes []Node, edges []Edge, remote Snapshot, seenNodes, seenEdges IDSet) ([]Node, []Edge) {
	remote = remote.Normalize()
	return MergeNodes(catalog, nodes, remote.Nodes, remote.DeletedNodeIDs, seenNodes),
		MergeEdges(edges, remote.Edges, remote.DeletedEdgeIDs, seenEdges)
}
