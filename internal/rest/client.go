// Package rest is the HTTP collaborator of the messaging core: it pulls
// authoritative conversation and message state and serves as the send
// fallback while the socket is down. Wire shapes are normalized into
// internal types on ingress, never downstream.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kumaruseru/special-sub000/internal/model"
)

// TokenFunc supplies the current bearer token. Acquisition and refresh are
// the auth collaborator's job; the client only reads the opaque value.
type TokenFunc func() string

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, e.Body)
}

// Client talks to the REST backend.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
	selfID  func() string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSelfID sets a getter for the authenticated user id, used to mark
// own messages during normalization.
func WithSelfID(f func() string) Option {
	return func(c *Client) { c.selfID = f }
}

// New creates a REST client for the given base URL.
func New(baseURL string, token TokenFunc, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		token:   token,
		selfID:  func() string { return "" },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// Conversations fetches the authoritative conversation list.
func (c *Client) Conversations(ctx context.Context) ([]*model.Conversation, error) {
	var wire []*model.WireConversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &wire); err != nil {
		return nil, err
	}
	self := c.selfID()
	out := make([]*model.Conversation, 0, len(wire))
	for _, w := range wire {
		out = append(out, model.FromWireConversation(w, self))
	}
	return out, nil
}

// Messages fetches the message history of one conversation.
func (c *Client) Messages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	var wire []*model.WireMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &wire); err != nil {
		return nil, err
	}
	self := c.selfID()
	out := make([]*model.Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, model.FromWireMessage(w, self))
	}
	return out, nil
}

type postMessageRequest struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	TempID     string `json:"tempId,omitempty"`
}

// PostMessage sends a message over HTTP. The server deduplicates by
// tempID, so a message that also went out over the socket is inserted
// once.
func (c *Client) PostMessage(ctx context.Context, receiverID, content, tempID string) (*model.Message, error) {
	var wire model.WireMessage
	req := postMessageRequest{ReceiverID: receiverID, Content: content, TempID: tempID}
	if err := c.do(ctx, http.MethodPost, "/messages", req, &wire); err != nil {
		return nil, err
	}
	return model.FromWireMessage(&wire, c.selfID()), nil
}
