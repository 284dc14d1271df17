package search

import (
	"context"
	"log"

	"canvas/api/internal/canvas"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexCanvas pushes the text nodes of a saved snapshot to Meilisearch and
// drops its tombstoned nodes (fire-and-forget).
func (s *Service) IndexCanvas(snapshot canvas.Snapshot) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	records := RecordsFor(snapshot)
	removed := make([]string, 0, len(snapshot.DeletedNodeIDs))
	for _, nodeID := range snapshot.DeletedNodeIDs {
		removed = append(removed, RecordID(snapshot.DocumentID, nodeID))
	}
	go func() {
		if err := s.meili.IndexNodes(records); err != nil {
			log.Printf("search: index canvas %s: %v", snapshot.DocumentID, err)
		}
		for _, id := range removed {
			if err := s.meili.DeleteNode(id); err != nil {
				log.Printf("search: delete node %s: %v", id, err)
			}
		}
	}()
}

// ReindexAllFromPG reindexes every stored canvas into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexNodes(records); err != nil {
		log.Printf("search: reindex nodes: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
