package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRefreshNotFound = errors.New("refresh session not found or expired")

// User is the identity a refresh session resolves to.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Role        string `json:"role"`
}

type refreshData struct {
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// RefreshStore keeps refresh sessions in Redis keyed by token hash.
type RefreshStore struct {
	client *redis.Client
	prefix string
}

func NewRefreshStore(client *redis.Client) *RefreshStore {
	return &RefreshStore{
		client: client,
		prefix: "canvas:refresh:",
	}
}

func (s *RefreshStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// Save stores user under tokenHash until expiresAt.
func (s *RefreshStore) Save(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	payload, err := json.Marshal(refreshData{User: user, CreatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal refresh session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if err := s.client.Set(ctx, s.key(tokenHash), payload, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *RefreshStore) Lookup(ctx context.Context, tokenHash string) (User, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return User{}, ErrRefreshNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var data refreshData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return User{}, fmt.Errorf("unmarshal refresh session: %w", err)
	}
	if data.User.Role == "" {
		data.User.Role = "viewer"
	}
	return data.User, nil
}

// Revoke deletes the session; revoking an unknown hash is not an error.
func (s *RefreshStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeAccess denylists an access token id until it would have expired.
func (s *RefreshStore) RevokeAccess(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, "canvas:revoked:"+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *RefreshStore) AccessRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := s.client.Exists(ctx, "canvas:revoked:"+jti).Result()
	if err != nil {
		return false, fmt.Errorf("check access token: %w", err)
	}
	return n > 0, nil
}
