package client

import (
	"sync"
	"time"
)

// Status tracks a message through its local lifecycle. A failed entry has
// no status of its own: rollback removes it from the visible list entirely.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusSent      Status = "sent"
)

// Message is one locally visible conversation entry. ID is the canonical
// server identity and stays empty until the entry is reconciled.
type Message struct {
	ID        string
	ClientID  string
	SessionID string
	Role      string
	Content   string
	Status    Status
	CreatedAt time.Time
}

// Store holds the visible messages of one conversation, keyed so that an
// entry can be found both before and after it gains a server identity.
// Ordering is insertion order; reconciliation never moves an entry.
type Store struct {
	mu      sync.Mutex
	byKey   map[string]*Message
	order   []string
	pending map[uint32]struct{}
	fpByKey map[string]uint32
	now     func() time.Time
}

func NewStore() *Store {
	return &Store{
		byKey:   make(map[string]*Message),
		order:   make([]string, 0, 16),
		pending: make(map[uint32]struct{}),
		fpByKey: make(map[string]uint32),
		now:     time.Now,
	}
}

// BeginSend inserts an optimistic pending user message and reserves its
// fingerprint. A second call with the same content and session while the
// first is still in flight returns ErrDuplicateSuppressed.
func (s *Store) BeginSend(content, sessionID string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := Fingerprint(content, sessionID)
	if _, busy := s.pending[fp]; busy {
		return Message{}, ErrDuplicateSuppressed
	}
	s.pending[fp] = struct{}{}

	m := &Message{
		ClientID:  NewClientID(),
		SessionID: sessionID,
		Role:      "user",
		Content:   content,
		Status:    StatusPending,
		CreatedAt: s.now(),
	}
	s.byKey[m.ClientID] = m
	s.order = append(s.order, m.ClientID)
	s.fpByKey[m.ClientID] = fp
	return *m, nil
}

// BeginAssistant inserts a streaming assistant placeholder with empty
// content. Its key is local only.
func (s *Store) BeginAssistant(sessionID string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Message{
		ClientID:  NewClientID(),
		SessionID: sessionID,
		Role:      "assistant",
		Status:    StatusStreaming,
		CreatedAt: s.now(),
	}
	s.byKey[m.ClientID] = m
	s.order = append(s.order, m.ClientID)
	return *m
}

// SetContent replaces the displayed text of an entry, typically as paced
// streaming output advances.
func (s *Store) SetContent(key, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byKey[key]; ok {
		m.Content = content
	}
}

// Reconcile swaps an entry's temporary identity for its canonical one and
// marks it sent. If the canonical id is already present (the same message
// observed through another path) the two entries merge into the existing
// one and the temporary entry disappears, so no duplicate is ever shown.
func (s *Store) Reconcile(key string, canonical Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked(key)

	m, ok := s.byKey[key]
	if !ok {
		return
	}

	if canonical.ID != "" {
		if existing, dup := s.byKey[canonical.ID]; dup && existing != m {
			s.applyCanonical(existing, canonical)
			delete(s.byKey, key)
			s.dropFromOrder(key)
			return
		}
	}

	s.applyCanonical(m, canonical)
	if canonical.ID != "" && canonical.ID != key {
		delete(s.byKey, key)
		s.byKey[canonical.ID] = m
		s.renameInOrder(key, canonical.ID)
	}
}

// UpsertCanonical inserts a server-authoritative message, merging with an
// existing entry that already carries the same canonical id.
func (s *Store) UpsertCanonical(canonical Message) {
	if canonical.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.byKey[canonical.ID]; ok {
		s.applyCanonical(m, canonical)
		return
	}
	m := &Message{ClientID: canonical.ClientID, CreatedAt: canonical.CreatedAt}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.applyCanonical(m, canonical)
	s.byKey[canonical.ID] = m
	s.order = append(s.order, canonical.ID)
}

// Fail rolls back an optimistic entry: it disappears from the visible list
// and its fingerprint is released so the user can retry the same text
// immediately. Also used for abandoned streaming placeholders and cancelled
// sends, which are discarded rather than shown in a broken state.
func (s *Store) Fail(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(key)
	if _, ok := s.byKey[key]; !ok {
		return
	}
	delete(s.byKey, key)
	s.dropFromOrder(key)
}

// Release frees the fingerprint reservation without touching the entry.
// Safe to call more than once.
func (s *Store) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(key)
}

// Messages returns the visible conversation in insertion order.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, 0, len(s.order))
	for _, k := range s.order {
		if m, ok := s.byKey[k]; ok {
			out = append(out, *m)
		}
	}
	return out
}

func (s *Store) releaseLocked(key string) {
	if fp, ok := s.fpByKey[key]; ok {
		delete(s.pending, fp)
		delete(s.fpByKey, key)
	}
}

func (s *Store) applyCanonical(m *Message, canonical Message) {
	m.ID = canonical.ID
	m.Status = StatusSent
	if canonical.SessionID != "" {
		m.SessionID = canonical.SessionID
	}
	if canonical.Role != "" {
		m.Role = canonical.Role
	}
	if canonical.Content != "" {
		m.Content = canonical.Content
	}
	if !canonical.CreatedAt.IsZero() {
		m.CreatedAt = canonical.CreatedAt
	}
}

func (s *Store) dropFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Store) renameInOrder(from, to string) {
	for i, k := range s.order {
		if k == from {
			s.order[i] = to
			return
		}
	}
}
