// Package docstore is the client side of the canvas document store: one
// snapshot per document, read with Get and replaced with Upsert.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"canvas/api/internal/canvas"
)

// ErrNotFound means the store holds no snapshot for the document.
var ErrNotFound = errors.New("canvas not found")

// Ack is the server-assigned marker of an acknowledged write.
type Ack struct {
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusError is returned for any non-success response other than a 404 on Get.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("document store %d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the canvas API over HTTP with a bearer token.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return NewWithHTTPClient(baseURL, token, &http.Client{Timeout: 15 * time.Second})
}

func NewWithHTTPClient(baseURL, token string, httpClient *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Get fetches the current snapshot for documentID.
func (c *Client) Get(ctx context.Context, documentID string) (canvas.Snapshot, error) {
	var snapshot canvas.Snapshot
	if err := c.do(ctx, http.MethodGet, documentID, nil, &snapshot); err != nil {
		return canvas.Snapshot{}, err
	}
	snapshot = snapshot.Normalize()
	if snapshot.DocumentID == "" {
		snapshot.DocumentID = documentID
	}
	return snapshot, nil
}

// Upsert replaces the stored snapshot for documentID.
func (c *Client) Upsert(ctx context.Context, documentID string, snapshot canvas.Snapshot) (Ack, error) {
	snapshot.DocumentID = documentID
	body, err := json.Marshal(snapshot.Normalize())
	if err != nil {
		return Ack{}, fmt.Errorf("encode snapshot: %w", err)
	}
	var ack Ack
	if err := c.do(ctx, http.MethodPut, documentID, body, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

func (c *Client) do(ctx context.Context, method, documentID string, body []byte, target any) error {
	endpoint := c.baseURL + "/api/canvases/" + url.PathEscape(documentID)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s canvas %s: %w", strings.ToLower(method), documentID, err)
	}
	defer resp.Body.Close()

	// A 404 only means a missing canvas on reads; on writes it is a bad route.
	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&payload)
		return &StatusError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Error}
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s canvas %s: %w", strings.ToLower(method), documentID, err)
	}
	return nil
}
