// Package presence tracks the collaborators connected to one canvas session.
package presence

import (
	"sort"
	"sync"
	"time"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Record is one participant's presence announcement. It is never persisted.
type Record struct {
	UserID          string    `json:"userId"`
	DisplayName     string    `json:"displayName"`
	AvatarURL       string    `json:"avatarUrl,omitempty"`
	Email           string    `json:"email,omitempty"`
	Color           string    `json:"color"`
	Cursor          *Point    `json:"cursor,omitempty"`
	SelectedNodeIDs []string  `json:"selectedNodeIds"`
	OnlineAt        time.Time `json:"onlineAt"`
	LastSeenAt      time.Time `json:"lastSeenAt,omitempty"`
}

// Cursor is the latest pointer position received from a peer.
type Cursor struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	LastSeenAt  time.Time `json:"lastSeenAt"`
}

// Registry holds membership and cursors for one session.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Record
	cursors map[string]Cursor
}

func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]Record),
		cursors: make(map[string]Cursor),
	}
}

// UpsertCursor records the latest cursor for cursor.UserID.
func (r *Registry) UpsertCursor(cursor Cursor) {
	if cursor.UserID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors[cursor.UserID] = cursor
	if member, ok := r.members[cursor.UserID]; ok {
		member.Cursor = &Point{X: cursor.X, Y: cursor.Y}
		member.LastSeenAt = cursor.LastSeenAt
		r.members[cursor.UserID] = member
	}
}

// RemovePeer drops both the membership and the cursor of userID.
func (r *Registry) RemovePeer(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, userID)
	delete(r.cursors, userID)
}

// ReplaceMembership discards the current member list and installs records.
// The cursor map is left alone; peers leave it through RemovePeer.
func (r *Registry) ReplaceMembership(records []Record) {
	members := make(map[string]Record, len(records))
	for _, record := range records {
		if record.UserID == "" {
			continue
		}
		record.SelectedNodeIDs = append([]string(nil), record.SelectedNodeIDs...)
		members[record.UserID] = record
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, member := range members {
		if cursor, ok := r.cursors[userID]; ok && member.Cursor == nil {
			member.Cursor = &Point{X: cursor.X, Y: cursor.Y}
			members[userID] = member
		}
	}
	r.members = members
}

// CurrentMembers returns the members ordered by join time.
func (r *Registry) CurrentMembers() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.members))
	for _, member := range r.members {
		out = append(out, member)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].OnlineAt.Equal(out[j].OnlineAt) {
			return out[i].OnlineAt.Before(out[j].OnlineAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Cursors returns a copy of the cursor map keyed by user id.
func (r *Registry) Cursors() map[string]Cursor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Cursor, len(r.cursors))
	for userID, cursor := range r.cursors {
		out[userID] = cursor
	}
	return out
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members = make(map[string]Record)
	r.cursors = make(map[string]Cursor)
}
