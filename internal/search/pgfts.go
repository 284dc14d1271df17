package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"canvas/api/internal/canvas"
)

// nodeTextSQL mirrors NodeText for one element n of the nodes array.
const nodeTextSQL = `concat_ws(' ', n->'data'->>'text', n->'data'->>'prompt', n->'data'->>'label', n->'data'->>'title')`

// PgFTS searches node text straight from the canvases table.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Search expands every stored node array with jsonb_array_elements and ranks
// matches with ts_rank, using ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := fmt.Sprintf("to_tsvector('english', %s) @@ plainto_tsquery('english', $1)", nodeTextSQL)
	args := []any{q.Text}
	if q.DocumentID != "" {
		args = append(args, q.DocumentID)
		where += fmt.Sprintf(" AND c.document_id = $%d", len(args))
	}
	if q.NodeType != "" {
		args = append(args, q.NodeType)
		where += fmt.Sprintf(" AND n->>'type' = $%d", len(args))
	}

	from := "FROM canvases c CROSS JOIN LATERAL jsonb_array_elements(c.nodes) AS n WHERE " + where

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) "+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT c.document_id, n->>'id', coalesce(n->>'type', ''),
			ts_headline('english', %s, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30')
		%s
		ORDER BY ts_rank(to_tsvector('english', %s), plainto_tsquery('english', $1)) DESC, c.updated_at DESC
		LIMIT %d OFFSET %d`, nodeTextSQL, from, nodeTextSQL, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocumentID, &r.NodeID, &r.NodeType, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns the node records of every stored canvas for full
// reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NodeRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT document_id, nodes::text FROM canvases`)
	if err != nil {
		return nil, fmt.Errorf("load canvases: %w", err)
	}
	defer rows.Close()

	records := make([]NodeRecord, 0)
	for rows.Next() {
		var snapshot canvas.Snapshot
		var nodesRaw []byte
		if err := rows.Scan(&snapshot.DocumentID, &nodesRaw); err != nil {
			return nil, fmt.Errorf("scan canvas: %w", err)
		}
		if err := json.Unmarshal(nodesRaw, &snapshot.Nodes); err != nil {
			return nil, fmt.Errorf("decode canvas %s nodes: %w", snapshot.DocumentID, err)
		}
		records = append(records, RecordsFor(snapshot)...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canvases: %w", err)
	}
	return records, nil
}
