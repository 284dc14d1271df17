package session

import (
	"context"
	"fmt"

	"canvas/api/internal/canvas"
	"canvas/api/internal/channel"
	"canvas/api/internal/presence"
)

// UpdateCursor broadcasts the local pointer position. Calls arriving within
// the cursor interval of the last sent position are dropped, as are calls
// made before the subscription is live. It reports whether a message was
// queued.
func (c *Controller) UpdateCursor(x, y float64) bool {
	c.mu.Lock()
	if c.closed || c.status != channel.StatusSubscribed {
		c.mu.Unlock()
		return false
	}
	now := c.now()
	if !c.lastCursorAt.IsZero() && now.Sub(c.lastCursorAt) < c.cursorInterval {
		c.mu.Unlock()
		return false
	}
	c.lastCursorAt = now
	c.mu.Unlock()

	return c.channel.Broadcast(c.documentID, c.identity.UserID, channel.CursorMessage{
		UserID:      c.identity.UserID,
		X:           x,
		Y:           y,
		DisplayName: c.identity.DisplayName,
		Color:       c.identity.Color,
	})
}

// UpdatePresence announces the local selection. Nothing is sent when the
// set equals the last announced one. Before the subscription is live the
// selection is only remembered and goes out once SUBSCRIBED is reached.
func (c *Controller) UpdatePresence(ctx context.Context, selectedNodeIDs []string) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	c.selection = canvas.NewIDSet(selectedNodeIDs...)
	c.mu.Unlock()
	return c.announce(ctx, false)
}

func (c *Controller) announce(ctx context.Context, force bool) (bool, error) {
	c.mu.Lock()
	if c.closed || c.status != channel.StatusSubscribed {
		c.mu.Unlock()
		return false, nil
	}
	selection := canvas.NewIDSet(c.selection.Sorted()...)
	if !force && c.announced != nil && c.announced.Equal(selection) {
		c.mu.Unlock()
		return false, nil
	}
	record := presence.Record{
		UserID:          c.identity.UserID,
		DisplayName:     c.identity.DisplayName,
		AvatarURL:       c.identity.AvatarURL,
		Email:           c.identity.Email,
		Color:           c.identity.Color,
		SelectedNodeIDs: selection.Sorted(),
		OnlineAt:        c.onlineAt,
	}
	c.mu.Unlock()

	if err := c.channel.Track(ctx, c.documentID, record); err != nil {
		return false, fmt.Errorf("track presence: %w", err)
	}

	c.mu.Lock()
	if !c.closed {
		c.announced = selection
	}
	c.mu.Unlock()
	return true, nil
}

func (c *Controller) handleCursor(message channel.CursorMessage) {
	if message.UserID == "" || message.UserID == c.identity.UserID {
		return
	}
	c.registry.UpsertCursor(presence.Cursor{
		UserID:      message.UserID,
		DisplayName: message.DisplayName,
		Color:       message.Color,
		X:           message.X,
		Y:           message.Y,
		LastSeenAt:  c.now().UTC(),
	})
}

// Members returns the collaborators from the latest presence sync.
func (c *Controller) Members() []presence.Record {
	return c.registry.CurrentMembers()
}

// Cursors returns the latest cursor of every peer that sent one.
func (c *Controller) Cursors() map[string]presence.Cursor {
	return c.registry.Cursors()
}
