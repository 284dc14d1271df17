// Package session drives one open canvas: it loads the document, keeps the
// local optimistic copy, merges remote change notifications into it, saves
// explicitly, and relays cursors and presence for the collaborators.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"canvas/api/internal/canvas"
	"canvas/api/internal/channel"
	"canvas/api/internal/docstore"
	"canvas/api/internal/presence"
	"canvas/api/internal/util"
)

const DefaultCursorInterval = 50 * time.Millisecond

var (
	ErrClosed        = errors.New("session closed")
	ErrDuplicateID   = errors.New("id already in use")
	ErrUnknownID     = errors.New("unknown id")
	ErrMissingOption = errors.New("missing session option")
)

// DocumentStore persists one snapshot per document.
type DocumentStore interface {
	Get(ctx context.Context, documentID string) (canvas.Snapshot, error)
	Upsert(ctx context.Context, documentID string, snapshot canvas.Snapshot) (docstore.Ack, error)
}

// Channel is the realtime transport for one document.
type Channel interface {
	Subscribe(ctx context.Context, documentID string) (channel.Stream, error)
	Broadcast(documentID, sender string, event channel.Event) bool
	Track(ctx context.Context, documentID string, record presence.Record) error
	Untrack(ctx context.Context, documentID, userID string) error
}

// Identity is the local user as announced to collaborators.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Email       string
	Color       string
}

type Options struct {
	DocumentID     string
	Store          DocumentStore
	Channel        Channel
	Identity       Identity
	Catalog        *canvas.Catalog
	CursorInterval time.Duration
	Now            func() time.Time
	// OnMerge is called after a remote change was merged into local state.
	OnMerge func(nodes []canvas.Node, edges []canvas.Edge)
}

// Controller owns the local state of one open document.
type Controller struct {
	documentID     string
	sessionID      string
	store          DocumentStore
	channel        Channel
	identity       Identity
	catalog        *canvas.Catalog
	cursorInterval time.Duration
	now            func() time.Time
	onMerge        func([]canvas.Node, []canvas.Edge)
	registry       *presence.Registry

	mu        sync.Mutex
	runCtx    context.Context
	cancelRun context.CancelFunc
	stream    channel.Stream
	status    channel.Status
	closed    bool

	nodes              []canvas.Node
	edges              []canvas.Edge
	seenNodes          canvas.IDSet
	seenEdges          canvas.IDSet
	pendingNodes       canvas.IDSet
	pendingEdges       canvas.IDSet
	lastAppliedVersion int64
	lastAppliedAt      time.Time
	saveSeq            int64

	lastCursorAt time.Time
	selection    canvas.IDSet
	announced    canvas.IDSet
	onlineAt     time.Time
}

// Open loads documentID from the store and subscribes to its channel. A
// missing document starts empty; any other load failure is returned.
func Open(ctx context.Context, opts Options) (*Controller, error) {
	if opts.DocumentID == "" || opts.Store == nil || opts.Channel == nil || opts.Identity.UserID == "" {
		return nil, ErrMissingOption
	}
	if opts.Catalog == nil {
		opts.Catalog = canvas.DefaultCatalog()
	}
	if opts.CursorInterval <= 0 {
		opts.CursorInterval = DefaultCursorInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Identity.Color == "" {
		opts.Identity.Color = util.ColorFor(opts.Identity.UserID)
	}

	snapshot, err := opts.Store.Get(ctx, opts.DocumentID)
	if errors.Is(err, docstore.ErrNotFound) {
		snapshot = canvas.Snapshot{DocumentID: opts.DocumentID}
	} else if err != nil {
		return nil, fmt.Errorf("load canvas %s: %w", opts.DocumentID, err)
	}
	snapshot = snapshot.Normalize()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &Controller{
		documentID:         opts.DocumentID,
		sessionID:          util.NewID("ss"),
		store:              opts.Store,
		channel:            opts.Channel,
		identity:           opts.Identity,
		catalog:            opts.Catalog,
		cursorInterval:     opts.CursorInterval,
		now:                opts.Now,
		onMerge:            opts.OnMerge,
		registry:           presence.NewRegistry(),
		runCtx:             runCtx,
		cancelRun:          cancel,
		status:             channel.StatusInitializing,
		nodes:              snapshot.Nodes,
		edges:              snapshot.Edges,
		seenNodes:          snapshot.NodeIDs(),
		seenEdges:          snapshot.EdgeIDs(),
		pendingNodes:       canvas.NewIDSet(),
		pendingEdges:       canvas.NewIDSet(),
		lastAppliedVersion: snapshot.Version,
		lastAppliedAt:      snapshot.UpdatedAt,
		selection:          canvas.NewIDSet(),
		onlineAt:           opts.Now().UTC(),
	}

	if err := c.Resubscribe(ctx); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// Resubscribe opens a fresh channel subscription, closing any previous one.
// Status restarts at INITIALIZING.
func (c *Controller) Resubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	previous := c.stream
	c.stream = nil
	c.status = channel.StatusInitializing
	c.announced = nil
	runCtx := c.runCtx
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}

	stream, err := c.channel.Subscribe(runCtx, c.documentID)
	if err != nil {
		c.mu.Lock()
		c.status = channel.StatusError
		c.mu.Unlock()
		return fmt.Errorf("subscribe canvas %s: %w", c.documentID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = stream.Close()
		return ErrClosed
	}
	c.stream = stream
	return nil
}

// Run pumps the current subscription into Handle until it reaches a terminal
// status or ctx is done. Reconnecting is left to the caller.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return ErrClosed
	}

	events := stream.Events()
	statuses := stream.Statuses()
	for events != nil || statuses != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case status, ok := <-statuses:
			if !ok {
				statuses = nil
				continue
			}
			c.setStatus(ctx, stream, status)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.Handle(ctx, event)
		}
	}
	return nil
}

func (c *Controller) setStatus(ctx context.Context, stream channel.Stream, status channel.Status) {
	c.mu.Lock()
	if c.closed || stream != c.stream {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()

	if status == channel.StatusSubscribed {
		if _, err := c.announce(ctx, true); err != nil {
			log.Printf("session %s: announce presence failed: %v", c.documentID, err)
		}
	}
}

// Handle applies one inbound channel event.
func (c *Controller) Handle(ctx context.Context, event channel.Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	switch e := event.(type) {
	case channel.ChangeNotification:
		c.ApplyChange(e.Snapshot)
	case channel.CursorMessage:
		c.handleCursor(e)
	case channel.PresenceSync:
		c.registry.ReplaceMembership(e.Members)
	case channel.PresenceLeave:
		c.registry.RemovePeer(e.UserID)
	default:
		log.Printf("session %s: ignoring event %T", c.documentID, event)
	}
}

// ApplyChange merges a remote snapshot into local state. It reports false
// when the snapshot was this session's own save coming back, or older than
// what was already applied.
func (c *Controller) ApplyChange(snapshot canvas.Snapshot) bool {
	snapshot = snapshot.Normalize()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if snapshot.Origin != "" && snapshot.Origin == c.sessionID {
		c.observeLocked(snapshot)
		c.mu.Unlock()
		return false
	}
	if snapshot.Version == c.lastAppliedVersion {
		c.mu.Unlock()
		return false
	}
	if snapshot.Version < c.lastAppliedVersion {
		log.Printf("session %s: ignoring stale change version %d (applied %d)", c.documentID, snapshot.Version, c.lastAppliedVersion)
		c.mu.Unlock()
		return false
	}

	remote := snapshot
	remote.DeletedNodeIDs = append(append([]string(nil), snapshot.DeletedNodeIDs...), c.pendingNodes.Sorted()...)
	remote.DeletedEdgeIDs = append(append([]string(nil), snapshot.DeletedEdgeIDs...), c.pendingEdges.Sorted()...)
	nodes, edges := canvas.MergeSnapshot(c.catalog, c.nodes, c.edges, remote, c.seenNodes, c.seenEdges)
	c.nodes = nodes
	c.edges = edges
	c.observeLocked(snapshot)
	onMerge := c.onMerge
	c.mu.Unlock()

	if onMerge != nil {
		onMerge(cloneNodes(nodes), cloneEdges(edges))
	}
	return true
}

// observeLocked records snapshot as the latest remote state seen.
func (c *Controller) observeLocked(snapshot canvas.Snapshot) {
	if snapshot.Version < c.lastAppliedVersion {
		return
	}
	c.seenNodes = snapshot.NodeIDs()
	c.seenEdges = snapshot.EdgeIDs()
	c.lastAppliedVersion = snapshot.Version
	c.lastAppliedAt = snapshot.UpdatedAt
}

// Save writes the local document and pending tombstones to the store. The
// tombstones that were sent are cleared only once the write is acknowledged.
// The write is not cancelled when ctx is, so a started save always finishes.
func (c *Controller) Save(ctx context.Context) (docstore.Ack, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return docstore.Ack{}, ErrClosed
	}
	c.saveSeq++
	snapshot := canvas.Snapshot{
		DocumentID:     c.documentID,
		Nodes:          c.nodes,
		Edges:          c.edges,
		DeletedNodeIDs: c.pendingNodes.Sorted(),
		DeletedEdgeIDs: c.pendingEdges.Sorted(),
		Origin:         c.sessionID,
		Sequence:       c.saveSeq,
	}.Persisted(c.catalog)
	c.mu.Unlock()

	ack, err := c.store.Upsert(context.WithoutCancel(ctx), c.documentID, snapshot)
	if err != nil {
		return docstore.Ack{}, fmt.Errorf("save canvas %s: %w", c.documentID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ack, nil
	}
	for _, id := range snapshot.DeletedNodeIDs {
		delete(c.pendingNodes, id)
	}
	for _, id := range snapshot.DeletedEdgeIDs {
		delete(c.pendingEdges, id)
	}
	if ack.Version >= c.lastAppliedVersion {
		snapshot.Version = ack.Version
		snapshot.UpdatedAt = ack.UpdatedAt
		c.observeLocked(snapshot)
	}
	return ack, nil
}

// Close unsubscribes, announces the leave and drops all session state. A
// save already in flight is allowed to finish.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.status = channel.StatusClosed
	stream := c.stream
	c.stream = nil
	c.nodes = nil
	c.edges = nil
	c.seenNodes = nil
	c.seenEdges = nil
	c.pendingNodes = canvas.NewIDSet()
	c.pendingEdges = canvas.NewIDSet()
	c.selection = nil
	c.announced = nil
	c.mu.Unlock()

	c.registry.Reset()

	var closeErr error
	if stream != nil {
		closeErr = stream.Close()
	}
	c.cancelRun()
	if err := c.channel.Untrack(ctx, c.documentID, c.identity.UserID); err != nil {
		log.Printf("session %s: leave presence failed: %v", c.documentID, err)
	}
	return closeErr
}

func (c *Controller) DocumentID() string {
	return c.documentID
}

func (c *Controller) Status() channel.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastAppliedVersion is the version of the newest remote snapshot reflected
// in local state.
func (c *Controller) LastAppliedVersion() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAppliedVersion
}

// PendingTombstones returns the deletions waiting for the next save.
func (c *Controller) PendingTombstones() (nodeIDs, edgeIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingNodes.Sorted(), c.pendingEdges.Sorted()
}
