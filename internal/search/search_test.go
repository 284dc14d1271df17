package search

import (
	"context"
	"testing"

	"canvas/api/internal/canvas"
)

func TestRecordsForSkipsNodesWithoutText(t *testing.T) {
	snapshot := canvas.Snapshot{
		DocumentID: "doc-1",
		Nodes: []canvas.Node{
			{ID: "n1", Type: canvas.TypeText, Data: map[string]any{"text": "  launch plan "}},
			{ID: "n2", Type: canvas.TypeImageGeneration, Data: map[string]any{"prompt": "a red fox", "label": "Fox", "isExecuting": true}},
			{ID: "n3", Type: canvas.TypeOutput, Data: map[string]any{"count": 3}},
		},
	}

	records := RecordsFor(snapshot)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %+v", records)
	}
	if records[0].Text != "launch plan" || records[0].NodeID != "n1" || records[0].DocumentID != "doc-1" {
		t.Fatalf("unexpected first record %+v", records[0])
	}
	if records[1].Text != "a red fox Fox" || records[1].NodeType != canvas.TypeImageGeneration {
		t.Fatalf("unexpected second record %+v", records[1])
	}
}

func TestRecordIDIsStableAndScopedToCanvas(t *testing.T) {
	first := RecordID("doc-1", "node/with spaces")
	if first != RecordID("doc-1", "node/with spaces") {
		t.Fatal("expected stable record id")
	}
	if first == RecordID("doc-2", "node/with spaces") {
		t.Fatal("expected record id to depend on the canvas")
	}
	if len(first) != 40 {
		t.Fatalf("expected hex sha1, got %q", first)
	}
}

func TestServiceWithoutBackendsReturnsEmpty(t *testing.T) {
	svc := NewService(nil, nil)
	resp := svc.Search(context.Background(), Query{Text: "fox"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Query != "fox" {
		t.Fatalf("unexpected response %+v", resp)
	}
	svc.IndexCanvas(canvas.Snapshot{DocumentID: "doc-1"})
}
