package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"canvas/api/internal/canvas"
	"canvas/api/internal/channel"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

type liveFixture struct {
	svc    *Service
	hub    *channel.Hub
	server *httptest.Server
}

func setupLive(t *testing.T) liveFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	hub := channel.NewHubWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), channel.Options{SubscribeTimeout: 2 * time.Second})
	t.Cleanup(func() { _ = hub.Close() })

	svc := newTestService(&fakeStore{}, hub)
	server := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(server.Close)
	return liveFixture{svc: svc, hub: hub, server: server}
}

func (f liveFixture) dial(t *testing.T, token, documentID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/canvases/" + documentID + "/live?access_token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial live socket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type serverFrame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// readUntil returns the first frame of the given kind accepted by match.
func readUntil(t *testing.T, conn *websocket.Conn, kind string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s frame: %v", kind, err)
		}
		var frame serverFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame %s: %v", data, err)
		}
		if frame.Kind == kind && (match == nil || match(frame.Payload)) {
			return frame.Payload
		}
	}
}

func waitSubscribed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	readUntil(t, conn, "status", func(raw json.RawMessage) bool {
		var payload struct {
			Status string `json:"status"`
		}
		_ = json.Unmarshal(raw, &payload)
		return payload.Status == string(channel.StatusSubscribed)
	})
}

func TestLiveSocketRequiresSession(t *testing.T) {
	f := setupLive(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/api/canvases/doc-1/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401 handshake response, got %v", resp)
	}
}

func TestLiveSocketRelaysChangeNotifications(t *testing.T) {
	f := setupLive(t)
	session := mustLogin(t, f.svc, "Avery", "editor")
	conn := f.dial(t, session.Token, "doc-1")
	waitSubscribed(t, conn)

	input := canvas.Snapshot{Nodes: []canvas.Node{{ID: "n1", Type: canvas.TypeText, Data: map[string]any{"text": "hi"}}}}
	if _, err := f.svc.SaveCanvas(context.Background(), "doc-1", input, session); err != nil {
		t.Fatalf("SaveCanvas() error = %v", err)
	}

	raw := readUntil(t, conn, "change", nil)
	var snapshot canvas.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		t.Fatalf("decode change payload: %v", err)
	}
	if snapshot.DocumentID != "doc-1" || snapshot.Version != 1 || len(snapshot.Nodes) != 1 {
		t.Fatalf("unexpected change payload %+v", snapshot)
	}
}

func TestLiveSocketRelaysCursorsAndPresence(t *testing.T) {
	f := setupLive(t)
	avery := mustLogin(t, f.svc, "Avery", "editor")
	blake := mustLogin(t, f.svc, "Blake", "viewer")

	connA := f.dial(t, avery.Token, "doc-1")
	waitSubscribed(t, connA)
	connB := f.dial(t, blake.Token, "doc-1")
	waitSubscribed(t, connB)

	// Both clients track themselves once subscribed.
	readUntil(t, connB, "presence_sync", func(raw json.RawMessage) bool {
		var payload channel.PresenceSync
		_ = json.Unmarshal(raw, &payload)
		return len(payload.Members) == 2
	})

	cursor := `{"kind":"cursor","payload":{"x":12.5,"y":40}}`
	if err := connA.WriteMessage(websocket.TextMessage, []byte(cursor)); err != nil {
		t.Fatalf("write cursor: %v", err)
	}
	raw := readUntil(t, connB, "cursor", nil)
	var got channel.CursorMessage
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if got.UserID != avery.UserID || got.X != 12.5 || got.Y != 40 || got.DisplayName != "Avery" || got.Color == "" {
		t.Fatalf("unexpected cursor %+v", got)
	}

	track := `{"kind":"presence_track","payload":{"selectedNodeIds":["n1"]}}`
	if err := connA.WriteMessage(websocket.TextMessage, []byte(track)); err != nil {
		t.Fatalf("write presence: %v", err)
	}
	readUntil(t, connB, "presence_sync", func(raw json.RawMessage) bool {
		var payload channel.PresenceSync
		_ = json.Unmarshal(raw, &payload)
		for _, member := range payload.Members {
			if member.UserID == avery.UserID && len(member.SelectedNodeIDs) == 1 && member.SelectedNodeIDs[0] == "n1" {
				return true
			}
		}
		return false
	})

	members, err := f.hub.Members(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Members() error = %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 tracked members, got %+v", members)
	}
}

func TestLiveSocketRejectsUnknownFrames(t *testing.T) {
	f := setupLive(t)
	session := mustLogin(t, f.svc, "Avery", "editor")
	conn := f.dial(t, session.Token, "doc-1")
	waitSubscribed(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"save","payload":{}}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	raw := readUntil(t, conn, "error", nil)
	var payload struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(raw, &payload)
	if payload.Code != "UNSUPPORTED_FRAME" {
		t.Fatalf("expected UNSUPPORTED_FRAME, got %s", raw)
	}
}
