package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Client is a thin HTTP binding for the chat API. All methods take a
// context; streaming requests are bounded only by it.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
	log     zerolog.Logger
}

func New(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 120 * time.Second},
		stream:  &http.Client{},
		log:     log,
	}
}

// SetToken replaces the bearer credential for subsequent requests.
func (c *Client) SetToken(token string) { c.token = token }

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrAuthRequired
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// Register creates an account and returns the issued bearer token.
func (c *Client) Register(ctx context.Context, email, password string) (string, error) {
	var data struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/users", map[string]string{
		"email":    email,
		"password": password,
	}, &data)
	return data.Token, err
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var data struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "/login", map[string]string{
		"email":    email,
		"password": password,
	}, &data)
	return data.Token, err
}

// CreateSession opens a new session and returns its id.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	var data struct {
		SessionID string `json:"session_id"`
	}
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	if err := c.do(ctx, http.MethodPost, "/chat/sessions", body, &data); err != nil {
		return "", err
	}
	return data.SessionID, nil
}

// RenameSession updates a session title.
func (c *Client) RenameSession(ctx context.Context, sessionID, title string) error {
	return c.do(ctx, http.MethodPatch, "/chat/sessions/"+sessionID, map[string]string{"title": title}, nil)
}

// DeleteSession hides a session from listings. Its history survives.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/sessions/"+sessionID, nil, nil)
}

// SendBuffered submits a message and blocks for the full reply.
func (c *Client) SendBuffered(ctx context.Context, req SendRequest) (*ServerMessage, error) {
	var data ServerMessage
	if err := c.do(ctx, http.MethodPost, "/chat/messages", req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// EditMessage rewrites a user turn, truncates everything after it and
// returns the regenerated reply.
func (c *Client) EditMessage(ctx context.Context, sessionID string, messageID uint64, content string) (*ServerMessage, error) {
	var data ServerMessage
	path := fmt.Sprintf("/chat/sessions/%s/messages/%d/edit", sessionID, messageID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"message": content}, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// openStream starts a streaming send and hands back the raw event body.
// Anything other than an event stream is a transport failure the caller
// may recover from with a buffered retry.
func (c *Client) openStream(ctx context.Context, sreq SendRequest) (io.ReadCloser, error) {
	b, err := json.Marshal(sreq)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/messages/stream", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, &StreamTransportError{Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrAuthRequired
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		var env envelope
		if json.Unmarshal(body, &env) == nil && env.Code != 0 {
			return nil, &APIError{Status: resp.StatusCode, Code: env.Code, Message: env.Message}
		}
		return nil, &StreamTransportError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return nil, &StreamTransportError{Err: fmt.Errorf("unexpected content type %q", ct)}
	}
	return resp.Body, nil
}
