package app

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"canvas/api/internal/auth"
	"canvas/api/internal/canvas"
	"canvas/api/internal/channel"
	"canvas/api/internal/config"
	"canvas/api/internal/history"
	"canvas/api/internal/presence"
	"canvas/api/internal/rbac"
	"canvas/api/internal/search"
	"canvas/api/internal/store"
	"canvas/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	AvatarURL    string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type LoginInput struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
	Role      string `json:"role"`
}

type canvasStore interface {
	GetCanvas(context.Context, string) (canvas.Snapshot, error)
	UpsertCanvas(context.Context, canvas.Snapshot, string) (store.Ack, error)
	ListCanvases(context.Context) ([]store.CanvasSummary, error)
	Ping(ctx context.Context) error
}

type tokenStore interface {
	Save(context.Context, string, auth.User, time.Time) error
	Lookup(context.Context, string) (auth.User, error)
	Revoke(context.Context, string) error
	RevokeAccess(context.Context, string, time.Time) error
	AccessRevoked(context.Context, string) (bool, error)
}

type historyArchive interface {
	Commit(canvas.Snapshot, string) (history.Commit, error)
	History(string, int) ([]history.Commit, error)
	SnapshotAt(string, string) (canvas.Snapshot, error)
}

type canvasSearch interface {
	Search(context.Context, search.Query) search.Response
	IndexCanvas(canvas.Snapshot)
}

// liveHub is the realtime side of the service: change notifications go out
// through Publish, and websocket clients are relayed through the rest.
type liveHub interface {
	Publish(context.Context, string, string, channel.Event) error
	Subscribe(context.Context, string) (channel.Stream, error)
	Broadcast(string, string, channel.Event) bool
	Track(context.Context, string, presence.Record) error
	Untrack(context.Context, string, string) error
	Members(context.Context, string) ([]presence.Record, error)
	Ping(context.Context) error
}

type Service struct {
	cfg     config.Config
	store   canvasStore
	tokens  tokenStore
	history historyArchive
	hub     liveHub
	search  canvasSearch
	catalog *canvas.Catalog
}

func New(cfg config.Config, canvases *store.PostgresStore, tokens *auth.RefreshStore, archive *history.Archive, hub *channel.Hub, searcher *search.Service) *Service {
	return &Service{
		cfg:     cfg,
		store:   canvases,
		tokens:  tokens,
		history: archive,
		hub:     hub,
		search:  searcher,
		catalog: canvas.DefaultCatalog(),
	}
}

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

func validDocumentID(documentID string) bool {
	return documentIDPattern.MatchString(documentID)
}

// Login is the development sign-in: the display name is the identity, and
// the same name always maps to the same user id.
func (s *Service) Login(ctx context.Context, input LoginInput) (Session, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		name = "User"
	}
	role := rbac.RoleEditor
	if strings.TrimSpace(input.Role) != "" {
		role = rbac.Normalize(strings.TrimSpace(input.Role))
	}

	sum := sha1.Sum([]byte(strings.ToLower(name)))
	user := auth.User{
		ID:          "usr_" + hex.EncodeToString(sum[:])[:12],
		DisplayName: name,
		Email:       strings.TrimSpace(input.Email),
		AvatarURL:   strings.TrimSpace(input.AvatarURL),
		Role:        string(role),
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.tokens.Lookup(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.tokens.Revoke(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user auth.User) (Session, error) {
	now := time.Now()
	claims := auth.NewClaims(user, s.cfg.AccessTTL, now)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.tokens.Save(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	session := sessionFromClaims(token, claims)
	session.RefreshToken = refresh
	return session, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.tokens.AccessRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return sessionFromClaims(token, claims), nil
}

func sessionFromClaims(token string, claims auth.Claims) Session {
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Email:     claims.Email,
		AvatarURL: claims.Avatar,
		Role:      string(rbac.Normalize(claims.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.tokens.RevokeAccess(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Printf("logout: %v", err)
		}
	}
	if refreshToken != "" {
		if err := s.tokens.Revoke(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("logout: %v", err)
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) ListCanvases(ctx context.Context) ([]store.CanvasSummary, error) {
	return s.store.ListCanvases(ctx)
}

func (s *Service) GetCanvas(ctx context.Context, documentID string) (canvas.Snapshot, error) {
	if !validDocumentID(documentID) {
		return canvas.Snapshot{}, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid canvas id", nil)
	}
	snapshot, err := s.store.GetCanvas(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return canvas.Snapshot{}, domainError(http.StatusNotFound, "NOT_FOUND", "Canvas not found", map[string]any{"documentId": documentID})
	}
	if err != nil {
		return canvas.Snapshot{}, err
	}
	return snapshot, nil
}

// SaveCanvas replaces the stored snapshot, archives it, and notifies every
// subscriber of the canvas. Archive and notify failures are logged; the
// write itself has already been acknowledged by then.
func (s *Service) SaveCanvas(ctx context.Context, documentID string, snapshot canvas.Snapshot, session Session) (store.Ack, error) {
	if !validDocumentID(documentID) {
		return store.Ack{}, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid canvas id", nil)
	}
	if snapshot.DocumentID != "" && snapshot.DocumentID != documentID {
		return store.Ack{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "documentId does not match path", map[string]any{
			"path": documentID,
			"body": snapshot.DocumentID,
		})
	}
	snapshot.DocumentID = documentID
	snapshot = snapshot.Persisted(s.catalog)
	if duplicate := duplicateID(snapshot); duplicate != "" {
		return store.Ack{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Duplicate entity id", map[string]any{"id": duplicate})
	}

	ack, err := s.store.UpsertCanvas(ctx, snapshot, session.UserName)
	if err != nil {
		return store.Ack{}, err
	}
	snapshot.Version = ack.Version
	snapshot.UpdatedAt = ack.UpdatedAt
	snapshot.UpdatedBy = session.UserName

	if _, err := s.history.Commit(snapshot, session.UserName); err != nil && !errors.Is(err, history.ErrUnchanged) {
		log.Printf("history: archive %s version %d failed: %v", documentID, ack.Version, err)
	}
	s.search.IndexCanvas(snapshot)
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.hub.Publish(notifyCtx, documentID, session.UserID, channel.ChangeNotification{Snapshot: snapshot}); err != nil {
		log.Printf("channel: notify %s version %d failed: %v", documentID, ack.Version, err)
	}
	return ack, nil
}

func duplicateID(snapshot canvas.Snapshot) string {
	seen := canvas.NewIDSet()
	for _, node := range snapshot.Nodes {
		if seen.Has(node.ID) {
			return node.ID
		}
		seen.Add(node.ID)
	}
	for _, edge := range snapshot.Edges {
		if seen.Has(edge.ID) {
			return edge.ID
		}
		seen.Add(edge.ID)
	}
	return ""
}

func (s *Service) History(ctx context.Context, documentID string, limit int) ([]history.Commit, error) {
	if !validDocumentID(documentID) {
		return nil, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid canvas id", nil)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := s.history.History(documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", documentID, err)
	}
	return items, nil
}

func (s *Service) SnapshotAt(ctx context.Context, documentID, hash string) (canvas.Snapshot, error) {
	if !validDocumentID(documentID) {
		return canvas.Snapshot{}, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid canvas id", nil)
	}
	snapshot, err := s.history.SnapshotAt(documentID, hash)
	if errors.Is(err, history.ErrNotFound) {
		return canvas.Snapshot{}, domainError(http.StatusNotFound, "NOT_FOUND", "History entry not found", map[string]any{"hash": hash})
	}
	return snapshot, err
}

// Search finds canvas nodes whose text matches q.Text.
func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "q is required", nil)
	}
	if q.DocumentID != "" && !validDocumentID(q.DocumentID) {
		return search.Response{}, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid canvas id", nil)
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	return s.search.Search(ctx, q), nil
}

// Members lists who is currently connected to the canvas.
func (s *Service) Members(ctx context.Context, documentID string) ([]presence.Record, error) {
	if !validDocumentID(documentID) {
		return nil, domainError(http.StatusBadRequest, "INVALID_ID", "Invalid canvas id", nil)
	}
	return s.hub.Members(ctx, documentID)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingRealtime(ctx context.Context) error {
	return s.hub.Ping(ctx)
}
