package app

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"canvas/api/internal/auth"
	"canvas/api/internal/canvas"
	"canvas/api/internal/channel"
	"canvas/api/internal/config"
	"canvas/api/internal/history"
	"canvas/api/internal/presence"
	"canvas/api/internal/search"
	"canvas/api/internal/store"
)

type fakeStore struct {
	getCanvasFn    func(context.Context, string) (canvas.Snapshot, error)
	upsertCanvasFn func(context.Context, canvas.Snapshot, string) (store.Ack, error)
	listCanvasesFn func(context.Context) ([]store.CanvasSummary, error)
	pingFn         func(context.Context) error
}

func (f *fakeStore) GetCanvas(ctx context.Context, documentID string) (canvas.Snapshot, error) {
	if f.getCanvasFn != nil {
		return f.getCanvasFn(ctx, documentID)
	}
	return canvas.Snapshot{}, sql.ErrNoRows
}

func (f *fakeStore) UpsertCanvas(ctx context.Context, snapshot canvas.Snapshot, updatedBy string) (store.Ack, error) {
	if f.upsertCanvasFn != nil {
		return f.upsertCanvasFn(ctx, snapshot, updatedBy)
	}
	return store.Ack{Version: 1, UpdatedAt: time.Now().UTC()}, nil
}

func (f *fakeStore) ListCanvases(ctx context.Context) ([]store.CanvasSummary, error) {
	if f.listCanvasesFn != nil {
		return f.listCanvasesFn(ctx)
	}
	return nil, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeTokens struct {
	mu      sync.Mutex
	refresh map[string]auth.User
	revoked map[string]bool
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{refresh: make(map[string]auth.User), revoked: make(map[string]bool)}
}

func (f *fakeTokens) Save(_ context.Context, tokenHash string, user auth.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = user
	return nil
}

func (f *fakeTokens) Lookup(_ context.Context, tokenHash string) (auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.refresh[tokenHash]
	if !ok {
		return auth.User{}, auth.ErrRefreshNotFound
	}
	return user, nil
}

func (f *fakeTokens) Revoke(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeTokens) RevokeAccess(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeTokens) AccessRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

type fakeArchive struct {
	commitFn     func(canvas.Snapshot, string) (history.Commit, error)
	historyFn    func(string, int) ([]history.Commit, error)
	snapshotAtFn func(string, string) (canvas.Snapshot, error)
}

func (f *fakeArchive) Commit(snapshot canvas.Snapshot, author string) (history.Commit, error) {
	if f.commitFn != nil {
		return f.commitFn(snapshot, author)
	}
	return history.Commit{Hash: "abc1234", Author: author}, nil
}

func (f *fakeArchive) History(documentID string, limit int) ([]history.Commit, error) {
	if f.historyFn != nil {
		return f.historyFn(documentID, limit)
	}
	return []history.Commit{}, nil
}

func (f *fakeArchive) SnapshotAt(documentID, hash string) (canvas.Snapshot, error) {
	if f.snapshotAtFn != nil {
		return f.snapshotAtFn(documentID, hash)
	}
	return canvas.Snapshot{}, history.ErrNotFound
}

type fakeSearch struct {
	searchFn func(context.Context, search.Query) search.Response

	mu      sync.Mutex
	indexed []canvas.Snapshot
}

func (f *fakeSearch) Search(ctx context.Context, q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(ctx, q)
	}
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexCanvas(snapshot canvas.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, snapshot)
}

type published struct {
	documentID string
	sender     string
	event      channel.Event
}

type fakeHub struct {
	publishFn func(context.Context, string, string, channel.Event) error
	membersFn func(context.Context, string) ([]presence.Record, error)
	pingFn    func(context.Context) error

	mu        sync.Mutex
	published []published
}

func (f *fakeHub) Publish(ctx context.Context, documentID, sender string, event channel.Event) error {
	f.mu.Lock()
	f.published = append(f.published, published{documentID: documentID, sender: sender, event: event})
	f.mu.Unlock()
	if f.publishFn != nil {
		return f.publishFn(ctx, documentID, sender, event)
	}
	return nil
}

func (f *fakeHub) Subscribe(context.Context, string) (channel.Stream, error) {
	return nil, channel.ErrHubClosed
}

func (f *fakeHub) Broadcast(string, string, channel.Event) bool { return true }

func (f *fakeHub) Track(context.Context, string, presence.Record) error { return nil }

func (f *fakeHub) Untrack(context.Context, string, string) error { return nil }

func (f *fakeHub) Members(ctx context.Context, documentID string) ([]presence.Record, error) {
	if f.membersFn != nil {
		return f.membersFn(ctx, documentID)
	}
	return []presence.Record{}, nil
}

func (f *fakeHub) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestService(fs *fakeStore, hub liveHub) *Service {
	return &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  time.Hour,
			RefreshTTL: 24 * time.Hour,
		},
		store:   fs,
		tokens:  newFakeTokens(),
		history: &fakeArchive{},
		hub:     hub,
		search:  &fakeSearch{},
		catalog: canvas.DefaultCatalog(),
	}
}

func mustLogin(t testing.TB, svc *Service, name, role string) Session {
	t.Helper()
	session, err := svc.Login(context.Background(), LoginInput{Name: name, Role: role})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	return session
}
