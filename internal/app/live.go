package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"canvas/api/internal/channel"
	"canvas/api/internal/presence"
	"canvas/api/internal/util"

	"github.com/gorilla/websocket"
)

const (
	frameStatus        = "status"
	frameError         = "error"
	frameCursor        = "cursor"
	framePresenceTrack = "presence_track"
)

type liveOptions struct {
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
	MaxFrameBytes  int64
	CursorInterval time.Duration
}

func defaultLiveOptions() liveOptions {
	return liveOptions{
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   25 * time.Second,
		MaxFrameBytes:  64 << 10,
		CursorInterval: 50 * time.Millisecond,
	}
}

// liveFrame is what browsers send on the live socket. Server frames reuse
// the channel envelope so a client decodes both the same way.
type liveFrame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (s *HTTPServer) upgrader() *websocket.Upgrader {
	origin := s.corsOrigin
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if origin == "" || origin == "*" {
				return true
			}
			requestOrigin := r.Header.Get("Origin")
			return requestOrigin == "" || requestOrigin == origin
		},
	}
}

func websocketRequested(r *http.Request) bool {
	return websocket.IsWebSocketUpgrade(r)
}

// serveLive relays the canvas channel to one websocket client. Change
// notifications, peer cursors and presence flow out; the client's cursor
// and selection flow in. Saves do not travel over the socket.
func (s *HTTPServer) serveLive(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		log.Printf("live: upgrade %s failed: %v", documentID, err)
		return
	}

	relay := &liveRelay{
		conn:       conn,
		hub:        s.service.hub,
		documentID: documentID,
		session:    session,
		opts:       s.live,
		color:      util.ColorFor(session.UserID),
		onlineAt:   time.Now().UTC(),
		replies:    make(chan []byte, 8),
	}
	relay.run(r.Context())
}

type liveRelay struct {
	conn       *websocket.Conn
	hub        liveHub
	documentID string
	session    Session
	opts       liveOptions
	color      string
	onlineAt   time.Time
	replies    chan []byte

	mu           sync.Mutex
	lastCursorAt time.Time
}

func (r *liveRelay) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer r.conn.Close()

	stream, err := r.hub.Subscribe(ctx, r.documentID)
	if err != nil {
		log.Printf("live: subscribe %s failed: %v", r.documentID, err)
		r.write(websocket.TextMessage, errorFrame("SUBSCRIBE_FAILED", "Realtime channel unavailable"))
		return
	}
	defer stream.Close()
	defer func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.WithoutCancel(parent), 5*time.Second)
		defer leaveCancel()
		if err := r.hub.Untrack(leaveCtx, r.documentID, r.session.UserID); err != nil {
			log.Printf("live: untrack %s/%s failed: %v", r.documentID, r.session.UserID, err)
		}
	}()

	go r.readLoop(ctx, cancel)
	r.writeLoop(ctx, stream)
}

func (r *liveRelay) writeLoop(ctx context.Context, stream channel.Stream) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	events := stream.Events()
	statuses := stream.Statuses()
	for {
		select {
		case <-ctx.Done():
			r.close(websocket.CloseNormalClosure, "")
			return

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if cursor, isCursor := event.(channel.CursorMessage); isCursor && cursor.UserID == r.session.UserID {
				continue
			}
			payload, err := channel.Encode("", event)
			if err != nil {
				log.Printf("live: encode event for %s failed: %v", r.documentID, err)
				continue
			}
			if !r.write(websocket.TextMessage, payload) {
				return
			}

		case status, ok := <-statuses:
			if !ok {
				r.close(websocket.CloseGoingAway, "channel closed")
				return
			}
			if !r.write(websocket.TextMessage, statusFrame(status)) {
				return
			}
			if status == channel.StatusSubscribed {
				if err := r.track(ctx, nil); err != nil {
					log.Printf("live: track %s/%s failed: %v", r.documentID, r.session.UserID, err)
				}
			}
			if status.Terminal() {
				r.close(websocket.CloseGoingAway, string(status))
				return
			}

		case reply := <-r.replies:
			if !r.write(websocket.TextMessage, reply) {
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(r.opts.WriteTimeout)
			if err := r.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (r *liveRelay) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	r.conn.SetReadLimit(r.opts.MaxFrameBytes)
	_ = r.conn.SetReadDeadline(time.Now().Add(r.opts.PongTimeout))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(r.opts.PongTimeout))
	})

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Printf("live: read %s/%s: %v", r.documentID, r.session.UserID, err)
			}
			return
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(r.opts.PongTimeout))
		r.handleFrame(ctx, data)
	}
}

func (r *liveRelay) handleFrame(ctx context.Context, data []byte) {
	var frame liveFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.reply(errorFrame("INVALID_FRAME", "Frame is not valid JSON"))
		return
	}

	switch frame.Kind {
	case frameCursor:
		var payload struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			r.reply(errorFrame("INVALID_FRAME", "Cursor payload is invalid"))
			return
		}
		if !r.allowCursor(time.Now()) {
			return
		}
		r.hub.Broadcast(r.documentID, r.session.UserID, channel.CursorMessage{
			UserID:      r.session.UserID,
			X:           payload.X,
			Y:           payload.Y,
			DisplayName: r.session.UserName,
			Color:       r.color,
		})

	case framePresenceTrack:
		var payload struct {
			SelectedNodeIDs []string `json:"selectedNodeIds"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			r.reply(errorFrame("INVALID_FRAME", "Presence payload is invalid"))
			return
		}
		if err := r.track(ctx, payload.SelectedNodeIDs); err != nil {
			log.Printf("live: track %s/%s failed: %v", r.documentID, r.session.UserID, err)
			r.reply(errorFrame("PRESENCE_FAILED", "Presence update failed"))
		}

	default:
		r.reply(errorFrame("UNSUPPORTED_FRAME", "Unsupported frame kind"))
	}
}

// allowCursor applies the leading-edge cursor throttle for this client.
func (r *liveRelay) allowCursor(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.lastCursorAt.IsZero() && now.Sub(r.lastCursorAt) < r.opts.CursorInterval {
		return false
	}
	r.lastCursorAt = now
	return true
}

func (r *liveRelay) track(ctx context.Context, selected []string) error {
	if selected == nil {
		selected = []string{}
	}
	return r.hub.Track(ctx, r.documentID, presence.Record{
		UserID:          r.session.UserID,
		DisplayName:     r.session.UserName,
		AvatarURL:       r.session.AvatarURL,
		Email:           r.session.Email,
		Color:           r.color,
		SelectedNodeIDs: selected,
		OnlineAt:        r.onlineAt,
	})
}

func (r *liveRelay) reply(frame []byte) {
	select {
	case r.replies <- frame:
	default:
	}
}

func (r *liveRelay) write(messageType int, payload []byte) bool {
	_ = r.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteTimeout))
	if err := r.conn.WriteMessage(messageType, payload); err != nil {
		log.Printf("live: write %s/%s: %v", r.documentID, r.session.UserID, err)
		return false
	}
	return true
}

func (r *liveRelay) close(code int, reason string) {
	deadline := time.Now().Add(r.opts.WriteTimeout)
	_ = r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func statusFrame(status channel.Status) []byte {
	payload, _ := json.Marshal(map[string]any{
		"kind":    frameStatus,
		"payload": map[string]any{"status": status},
	})
	return payload
}

func errorFrame(code, message string) []byte {
	payload, _ := json.Marshal(map[string]any{
		"kind":    frameError,
		"payload": map[string]any{"code": code, "error": message},
	})
	return payload
}
