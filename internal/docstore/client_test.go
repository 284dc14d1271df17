package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"canvas/api/internal/canvas"
)

func TestGetNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"NOT_FOUND","error":"Not found"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, "token").Get(context.Background(), "doc-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetNormalizesSnapshot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/canvases/doc-1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"nodes":[{"id":"n1","type":"text"}],"version":7}`))
	}))
	defer server.Close()

	snapshot, err := New(server.URL, "token").Get(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if snapshot.DocumentID != "doc-1" || snapshot.Version != 7 || len(snapshot.Nodes) != 1 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	if snapshot.Edges == nil || snapshot.DeletedEdgeIDs == nil {
		t.Fatal("expected missing arrays to be empty slices")
	}
}

func TestUpsertReturnsAck(t *testing.T) {
	updatedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		var body canvas.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body.DocumentID != "doc-1" || len(body.DeletedNodeIDs) != 1 {
			t.Errorf("unexpected body %+v", body)
		}
		_ = json.NewEncoder(w).Encode(Ack{Version: 4, UpdatedAt: updatedAt})
	}))
	defer server.Close()

	ack, err := New(server.URL, "").Upsert(context.Background(), "doc-1", canvas.Snapshot{DeletedNodeIDs: []string{"gone"}})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if ack.Version != 4 || !ack.UpdatedAt.Equal(updatedAt) {
		t.Fatalf("unexpected ack %+v", ack)
	}
}

func TestUpsertSurfacesStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"FORBIDDEN","error":"Forbidden"}`))
	}))
	defer server.Close()

	_, err := New(server.URL, "").Upsert(context.Background(), "doc-1", canvas.Snapshot{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusForbidden || statusErr.Code != "FORBIDDEN" {
		t.Fatalf("unexpected status error %+v", statusErr)
	}
}

func TestUpsertMissingRouteIsStatusError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := New(server.URL, "").Upsert(context.Background(), "doc-1", canvas.Snapshot{})
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a 404 on save not to read as a missing canvas, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}
