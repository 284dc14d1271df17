package search

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"canvas/api/internal/canvas"
)

// textKeys are the node data fields that carry user-written text.
var textKeys = []string{"text", "prompt", "label", "title"}

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID string `json:"documentId"`
	NodeID     string `json:"nodeId"`
	NodeType   string `json:"nodeType"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text       string
	DocumentID string // empty = every canvas
	NodeType   string // empty = every node type
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// NodeRecord is the data we index for one canvas node.
type NodeRecord struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	NodeID     string `json:"nodeId"`
	NodeType   string `json:"nodeType"`
	Text       string `json:"text"`
}

// RecordID derives the index key of a node. Node ids are chosen by clients
// and may contain characters the index rejects, so they are hashed.
func RecordID(documentID, nodeID string) string {
	sum := sha1.Sum([]byte(documentID + "\x00" + nodeID))
	return hex.EncodeToString(sum[:])
}

// NodeText joins the text fields of a node's data.
func NodeText(node canvas.Node) string {
	parts := make([]string, 0, len(textKeys))
	for _, key := range textKeys {
		if value, ok := node.Data[key].(string); ok && strings.TrimSpace(value) != "" {
			parts = append(parts, strings.TrimSpace(value))
		}
	}
	return strings.Join(parts, " ")
}

// RecordsFor returns one record per node of snapshot that has text.
func RecordsFor(snapshot canvas.Snapshot) []NodeRecord {
	records := make([]NodeRecord, 0, len(snapshot.Nodes))
	for _, node := range snapshot.Nodes {
		text := NodeText(node)
		if text == "" {
			continue
		}
		records = append(records, NodeRecord{
			ID:         RecordID(snapshot.DocumentID, node.ID),
			DocumentID: snapshot.DocumentID,
			NodeID:     node.ID,
			NodeType:   node.Type,
			Text:       text,
		})
	}
	return records
}
