package client

import (
	"context"
	"strings"
	"sync"
	"unicode"
)

// CreateSessionFunc creates a session on the server and returns its id.
type CreateSessionFunc func(ctx context.Context, title string) (string, error)

// SessionResolver guarantees a conversation resolves to exactly one session
// id. Concurrent callers serialize on the first creation; later calls get
// the cached id without touching the network.
type SessionResolver struct {
	mu     sync.Mutex
	id     string
	create CreateSessionFunc
}

func NewSessionResolver(existingID string, create CreateSessionFunc) *SessionResolver {
	return &SessionResolver{id: existingID, create: create}
}

// Ensure returns the session id, creating the session from the first
// message's text if none exists yet. Failure aborts the caller's send.
func (r *SessionResolver) Ensure(ctx context.Context, firstMessage string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.id != "" {
		return r.id, nil
	}
	id, err := r.create(ctx, titleFrom(firstMessage))
	if err != nil {
		return "", &SessionCreateError{Err: err}
	}
	r.id = id
	return id, nil
}

// Set adopts a session id reported by the server (bootstrap on first send).
func (r *SessionResolver) Set(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.id = id
	r.mu.Unlock()
}

// ID returns the cached session id, empty if unresolved.
func (r *SessionResolver) ID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func titleFrom(message string) string {
	fields := strings.FieldsFunc(message, unicode.IsSpace)
	title := strings.Join(fields, " ")
	runes := []rune(title)
	if len(runes) > 40 {
		title = string(runes[:40])
	}
	if title == "" {
		title = "New Chat"
	}
	return title
}
