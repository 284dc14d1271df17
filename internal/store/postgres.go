package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"canvas/api/internal/canvas"
)

// CanvasSummary is a listing row without the graph payload.
type CanvasSummary struct {
	DocumentID string
	Version    int64
	NodeCount  int
	EdgeCount  int
	UpdatedBy  string
	UpdatedAt  time.Time
}

// Ack is the server-assigned write marker returned by UpsertCanvas.
type Ack struct {
	Version   int64
	UpdatedAt time.Time
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetCanvas returns sql.ErrNoRows when no snapshot exists for documentID.
func (s *PostgresStore) GetCanvas(ctx context.Context, documentID string) (canvas.Snapshot, error) {
	var item canvas.Snapshot
	var nodesRaw, edgesRaw, deletedNodes, deletedEdges []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, nodes::text, edges::text, deleted_node_ids::text, deleted_edge_ids::text, version, updated_by, updated_at
		FROM canvases
		WHERE document_id=$1
	`, documentID).Scan(&item.DocumentID, &nodesRaw, &edgesRaw, &deletedNodes, &deletedEdges, &item.Version, &item.UpdatedBy, &item.UpdatedAt)
	if err != nil {
		return canvas.Snapshot{}, err
	}

	columns := []struct {
		name   string
		raw    []byte
		target any
	}{
		{"nodes", nodesRaw, &item.Nodes},
		{"edges", edgesRaw, &item.Edges},
		{"deleted_node_ids", deletedNodes, &item.DeletedNodeIDs},
		{"deleted_edge_ids", deletedEdges, &item.DeletedEdgeIDs},
	}
	for _, column := range columns {
		if err := json.Unmarshal(column.raw, column.target); err != nil {
			return canvas.Snapshot{}, fmt.Errorf("decode canvas %s: %w", column.name, err)
		}
	}
	return item.Normalize(), nil
}

// UpsertCanvas replaces the stored snapshot wholesale and bumps its version.
func (s *PostgresStore) UpsertCanvas(ctx context.Context, snapshot canvas.Snapshot, updatedBy string) (Ack, error) {
	snapshot = snapshot.Normalize()
	nodes, err := json.Marshal(snapshot.Nodes)
	if err != nil {
		return Ack{}, fmt.Errorf("encode canvas nodes: %w", err)
	}
	edges, err := json.Marshal(snapshot.Edges)
	if err != nil {
		return Ack{}, fmt.Errorf("encode canvas edges: %w", err)
	}
	deletedNodes, err := json.Marshal(snapshot.DeletedNodeIDs)
	if err != nil {
		return Ack{}, fmt.Errorf("encode deleted node ids: %w", err)
	}
	deletedEdges, err := json.Marshal(snapshot.DeletedEdgeIDs)
	if err != nil {
		return Ack{}, fmt.Errorf("encode deleted edge ids: %w", err)
	}

	var ack Ack
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO canvases (document_id, nodes, edges, deleted_node_ids, deleted_edge_ids, updated_by)
		VALUES ($1, $2::jsonb, $3::jsonb, $4::jsonb, $5::jsonb, $6)
		ON CONFLICT (document_id) DO UPDATE SET
			nodes=EXCLUDED.nodes,
			edges=EXCLUDED.edges,
			deleted_node_ids=EXCLUDED.deleted_node_ids,
			deleted_edge_ids=EXCLUDED.deleted_edge_ids,
			updated_by=EXCLUDED.updated_by,
			version=canvases.version + 1,
			updated_at=NOW()
		RETURNING version, updated_at
	`, snapshot.DocumentID, string(nodes), string(edges), string(deletedNodes), string(deletedEdges), updatedBy).Scan(&ack.Version, &ack.UpdatedAt)
	if err != nil {
		return Ack{}, fmt.Errorf("upsert canvas: %w", err)
	}
	return ack, nil
}

func (s *PostgresStore) ListCanvases(ctx context.Context) ([]CanvasSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, version, jsonb_array_length(nodes), jsonb_array_length(edges), updated_by, updated_at
		FROM canvases
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list canvases: %w", err)
	}
	defer rows.Close()

	items := make([]CanvasSummary, 0)
	for rows.Next() {
		var item CanvasSummary
		if err := rows.Scan(&item.DocumentID, &item.Version, &item.NodeCount, &item.EdgeCount, &item.UpdatedBy, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan canvas: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canvases: %w", err)
	}
	return items, nil
}
