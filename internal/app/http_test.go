package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"canvas/api/internal/canvas"
	"canvas/api/internal/history"
	"canvas/api/internal/presence"
	"canvas/api/internal/search"
	"canvas/api/internal/store"
)

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response %q: %v", rr.Body.String(), err)
		}
	}
	return rr, payload
}

func TestHealthEndpoint(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeHub{}), "*")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/health", "", "")
	if rr.Code != http.StatusOK || payload["ok"] != true {
		t.Fatalf("expected ok health, got %d %v", rr.Code, payload)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected request id header")
	}
}

func TestReadyEndpointReportsEachDependency(t *testing.T) {
	hub := &fakeHub{pingFn: func(context.Context) error { return errors.New("connection refused") }}
	server := NewHTTPServer(newTestService(&fakeStore{}, hub), "*")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	checks := payload["checks"].(map[string]any)
	if checks["database"].(map[string]any)["status"] != "ok" {
		t.Fatalf("expected database ok, got %v", checks["database"])
	}
	realtime := checks["realtime"].(map[string]any)
	if realtime["status"] != "error" || realtime["error"] != "connection refused" {
		t.Fatalf("expected realtime error, got %v", realtime)
	}
}

func TestSessionLoginReturnsContract(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeHub{}), "*")

	rr, payload := doRequest(t, server.Handler(), http.MethodPost, "/api/session/login", "", `{"name":"  Avery  "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["token"] == "" || payload["refreshToken"] == "" {
		t.Fatalf("expected tokens, got %v", payload)
	}
	if payload["userName"] != "Avery" || payload["role"] != "editor" {
		t.Fatalf("unexpected session payload %v", payload)
	}

	token := payload["token"].(string)
	_, current := doRequest(t, server.Handler(), http.MethodGet, "/api/session", token, "")
	if current["authenticated"] != true || current["userName"] != "Avery" {
		t.Fatalf("unexpected /api/session payload %v", current)
	}
}

func TestCanvasRoutesRequireSession(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeHub{}), "*")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/canvases/doc-1", "", "")
	if rr.Code != http.StatusUnauthorized || payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %v", rr.Code, payload)
	}
	rr, _ = doRequest(t, server.Handler(), http.MethodGet, "/api/canvases/doc-1", "garbage", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rr.Code)
	}
}

func TestGetCanvasRoute(t *testing.T) {
	fs := &fakeStore{getCanvasFn: func(_ context.Context, documentID string) (canvas.Snapshot, error) {
		return canvas.Snapshot{
			DocumentID: documentID,
			Nodes:      []canvas.Node{{ID: "n1", Type: canvas.TypeText}},
			Edges:      []canvas.Edge{},
			Version:    3,
		}.Normalize(), nil
	}}
	svc := newTestService(fs, &fakeHub{})
	server := NewHTTPServer(svc, "*")
	viewer := mustLogin(t, svc, "Vic", "viewer")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/canvases/doc-1", viewer.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["documentId"] != "doc-1" || payload["version"] != float64(3) {
		t.Fatalf("unexpected canvas payload %v", payload)
	}
	if nodes := payload["nodes"].([]any); len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %v", nodes)
	}
}

func TestGetMissingCanvasReturnsNotFound(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHub{})
	server := NewHTTPServer(svc, "*")
	session := mustLogin(t, svc, "Avery", "editor")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/canvases/doc-1", session.Token, "")
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, payload)
	}
}

func TestPutCanvasEnforcesRole(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHub{})
	server := NewHTTPServer(svc, "*")
	viewer := mustLogin(t, svc, "Vic", "viewer")
	editor := mustLogin(t, svc, "Eddie", "editor")
	body := `{"nodes":[{"id":"n1","type":"text","position":{"x":1,"y":2},"data":{"text":"hi"}}],"edges":[]}`

	rr, payload := doRequest(t, server.Handler(), http.MethodPut, "/api/canvases/doc-1", viewer.Token, body)
	if rr.Code != http.StatusForbidden || payload["code"] != "FORBIDDEN" {
		t.Fatalf("expected 403 for viewer, got %d %v", rr.Code, payload)
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodPut, "/api/canvases/doc-1", editor.Token, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for editor, got %d body=%s", rr.Code, rr.Body.String())
	}
	if payload["version"] != float64(1) || payload["updatedAt"] == nil {
		t.Fatalf("unexpected ack payload %v", payload)
	}
}

func TestPutCanvasRejectsMalformedBody(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHub{})
	server := NewHTTPServer(svc, "*")
	editor := mustLogin(t, svc, "Eddie", "editor")

	rr, payload := doRequest(t, server.Handler(), http.MethodPut, "/api/canvases/doc-1", editor.Token, `{"nodes":`)
	if rr.Code != http.StatusBadRequest || payload["code"] != "INVALID_BODY" {
		t.Fatalf("expected 400, got %d %v", rr.Code, payload)
	}
}

func TestListCanvasesRoute(t *testing.T) {
	fs := &fakeStore{listCanvasesFn: func(context.Context) ([]store.CanvasSummary, error) {
		return []store.CanvasSummary{{DocumentID: "doc-1", Version: 2, NodeCount: 3, UpdatedBy: "Avery", UpdatedAt: time.Now()}}, nil
	}}
	svc := newTestService(fs, &fakeHub{})
	server := NewHTTPServer(svc, "*")
	session := mustLogin(t, svc, "Avery", "viewer")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/canvases", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	items := payload["canvases"].([]any)
	first := items[0].(map[string]any)
	if first["documentId"] != "doc-1" || first["nodeCount"] != float64(3) {
		t.Fatalf("unexpected listing %v", first)
	}
}

func TestHistoryRoutes(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHub{})
	svc.history = &fakeArchive{
		historyFn: func(documentID string, limit int) ([]history.Commit, error) {
			return []history.Commit{{Hash: "abc1234", Message: "Save canvas (version 2)", Author: "Avery"}}, nil
		},
		snapshotAtFn: func(documentID, hash string) (canvas.Snapshot, error) {
			if hash != "abc1234" {
				return canvas.Snapshot{}, history.ErrNotFound
			}
			return canvas.Snapshot{DocumentID: documentID, Version: 2}.Normalize(), nil
		},
	}
	server := NewHTTPServer(svc, "*")
	session := mustLogin(t, svc, "Avery", "viewer")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/canvases/doc-1/history?limit=5", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	commits := payload["commits"].([]any)
	if len(commits) != 1 || commits[0].(map[string]any)["hash"] != "abc1234" {
		t.Fatalf("unexpected commits %v", commits)
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodGet, "/api/canvases/doc-1/history/abc1234", session.Token, "")
	if rr.Code != http.StatusOK || payload["version"] != float64(2) {
		t.Fatalf("unexpected snapshot response %d %v", rr.Code, payload)
	}

	rr, _ = doRequest(t, server.Handler(), http.MethodGet, "/api/canvases/doc-1/history/fffffff", session.Token, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown hash, got %d", rr.Code)
	}
}

func TestPresenceRoute(t *testing.T) {
	hub := &fakeHub{membersFn: func(context.Context, string) ([]presence.Record, error) {
		return []presence.Record{{UserID: "u-1", DisplayName: "Avery"}}, nil
	}}
	svc := newTestService(&fakeStore{}, hub)
	server := NewHTTPServer(svc, "*")
	session := mustLogin(t, svc, "Avery", "viewer")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/canvases/doc-1/presence", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if members := payload["members"].([]any); len(members) != 1 {
		t.Fatalf("expected 1 member, got %v", members)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeStore{}, &fakeHub{}), "*")
	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/nope", "", "")
	if rr.Code != http.StatusNotFound || payload["code"] != "NOT_FOUND" {
		t.Fatalf("expected 404, got %d %v", rr.Code, payload)
	}
}

func TestSearchRoute(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHub{})
	var got search.Query
	svc.search = &fakeSearch{searchFn: func(_ context.Context, q search.Query) search.Response {
		got = q
		return search.Response{
			Results: []search.Result{{DocumentID: "doc-1", NodeID: "n1", NodeType: "text", Snippet: "red <mark>fox</mark>"}},
			Total:   1,
			Query:   q.Text,
		}
	}}
	server := NewHTTPServer(svc, "*")
	session := mustLogin(t, svc, "Avery", "viewer")

	rr, payload := doRequest(t, server.Handler(), http.MethodGet, "/api/search?q=fox&documentId=doc-1&type=text", session.Token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got.Text != "fox" || got.DocumentID != "doc-1" || got.NodeType != "text" || got.Limit != 20 {
		t.Fatalf("unexpected query %+v", got)
	}
	if payload["total"] != float64(1) {
		t.Fatalf("unexpected search payload %v", payload)
	}

	rr, payload = doRequest(t, server.Handler(), http.MethodGet, "/api/search?q=", session.Token, "")
	if rr.Code != http.StatusBadRequest || payload["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected 400 for empty query, got %d %v", rr.Code, payload)
	}
}
