package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/pocketllm/chatsync/internal/ai"
	"github.com/pocketllm/chatsync/internal/tokens"
)

var (
	ErrEmptyMessage = errors.New("chat: empty message")
	ErrNotEditable  = errors.New("chat: only user turns can be edited")
)

// DupCache is an optional fast path in front of the client_id unique index:
// a hot retry can be answered without attempting the insert. Misses and
// cache failures both fall through to the database.
type DupCache interface {
	GetSubmission(ctx context.Context, clientID string) (uint64, bool)
	SetSubmission(ctx context.Context, clientID string, messageID uint64)
}

type Options struct {
	ContextWindowSize  int
	ContextTokenBudget int
	TitleMaxLen        int
	Cache              DupCache
	Logger             zerolog.Logger
}

// Service is the single write path into message storage.
type Service struct {
	repo        *Repo
	registry    *ai.Registry
	cache       DupCache
	window      int
	tokenBudget int
	titleMax    int
	log         zerolog.Logger
}

func NewService(repo *Repo, registry *ai.Registry, opts Options) *Service {
	window := opts.ContextWindowSize
	if window <= 0 || window > 100 {
		window = 20
	}
	titleMax := opts.TitleMaxLen
	if titleMax <= 0 {
		titleMax = 48
	}
	return &Service{
		repo:        repo,
		registry:    registry,
		cache:       opts.Cache,
		window:      window,
		tokenBudget: opts.ContextTokenBudget,
		titleMax:    titleMax,
		log:         opts.Logger.With().Str("component", "chat-service").Logger(),
	}
}

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
)

type SendInput struct {
	UserID     uint64
	SessionID  string // empty -> bootstrap a new session
	Content    string
	ClientID   string // idempotency key; empty disables dedup
	ActionType ActionType
	// SkipUserMessage regenerates an assistant turn without persisting a
	// new user row (edit flow, worker replays).
	SkipUserMessage bool
}

type SendResult struct {
	SessionID          string
	SessionCreated     bool
	UserMessageID      uint64
	AssistantMessageID uint64
	Content            string
	Model              string
	TokensUsed         int
	CreatedAt          time.Time
	IsDuplicate        bool
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, title, provider, model string) (*Session, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}
	if title == "" {
		title = "New conversation"
	}

	sid, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     title,
		IsActive:  true,
		Provider:  provider,
		Model:     model,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		// hide existence
		return nil, gorm.ErrRecordNotFound
	}
	return sess, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, limit int) ([]Session, error) {
	return s.repo.ListSessions(ctx, userID, limit)
}

func (s *Service) RenameSession(ctx context.Context, userID uint64, sessionID, title string) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.repo.RenameSession(ctx, sessionID, title)
}

func (s *Service) DeleteSession(ctx context.Context, userID uint64, sessionID string) error {
	if _, err := s.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.repo.DeactivateSession(ctx, sessionID)
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListMessages(ctx, userID, sessionID, limit, beforeID)
}

func (s *Service) ListMessagesAsc(ctx context.Context, userID uint64, sessionID string) ([]Message, error) {
	return s.repo.ListMessagesAsc(ctx, userID, sessionID)
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	m := sess.Model
	if p == "" {
		p = defaultProvider
	}
	if m == "" {
		m = defaultModel
	}
	return s.registry.Get(ctx, p, m)
}

// deriveTitle produces a session title from the first message: collapsed
// whitespace, truncated on a rune boundary.
func (s *Service) deriveTitle(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(t) <= s.titleMax {
		return t
	}
	runes := []rune(t)
	return string(runes[:s.titleMax])
}

// resolveSession returns the owned session, creating one when no id was
// supplied. The bool reports whether a session was created.
func (s *Service) resolveSession(ctx context.Context, userID uint64, sessionID, firstMessage string) (*Session, bool, error) {
	if sessionID != "" {
		sess, err := s.GetSession(ctx, userID, sessionID)
		return sess, false, err
	}
	sess, err := s.CreateSession(ctx, userID, s.deriveTitle(firstMessage), "", "")
	if err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// Append is the buffered send path. For a duplicate client_id it never
// errors: it replays the stored exchange, or finishes a half-done one.
func (s *Service) Append(ctx context.Context, in SendInput) (*SendResult, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if in.ActionType == "" {
		in.ActionType = ActionGeneralChat
	}

	sess, created, err := s.resolveSession(ctx, in.UserID, in.SessionID, content)
	if err != nil {
		return nil, err
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return nil, err
	}

	res := &SendResult{SessionID: sess.SessionID, SessionCreated: created}

	if in.SkipUserMessage {
		// Regenerate against the newest persisted user turn.
		anchor, err := s.latestUserTurn(ctx, sess)
		if err != nil {
			return nil, err
		}
		res.UserMessageID = anchor.ID
		return s.generate(ctx, sess, provider, anchor, res)
	}

	// Cache fast path for hot retries.
	if s.cache != nil && in.ClientID != "" {
		if mid, ok := s.cache.GetSubmission(ctx, in.ClientID); ok {
			if existing, err := s.repo.GetMessageByID(ctx, mid); err == nil {
				return s.replay(ctx, sess, provider, existing, res)
			}
		}
	}

	m := &Message{
		SessionID:  sess.SessionID,
		UserID:     in.UserID,
		Role:       "user",
		ActionType: in.ActionType,
		Content:    content,
	}
	if in.ClientID != "" {
		cid := in.ClientID
		m.ClientID = &cid
	}

	stored, inserted, err := s.repo.InsertMessageOrGetExisting(ctx, m)
	if err != nil {
		return nil, err
	}
	res.UserMessageID = stored.ID

	if !inserted {
		return s.replay(ctx, sess, provider, stored, res)
	}

	if err := s.repo.TouchSession(ctx, sess.SessionID, stored.CreatedAt); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("touch session failed")
	}
	if s.cache != nil && in.ClientID != "" {
		s.cache.SetSubmission(ctx, in.ClientID, stored.ID)
	}

	return s.generate(ctx, sess, provider, stored, res)
}

func (s *Service) latestUserTurn(ctx context.Context, sess *Session) (*Message, error) {
	recent, err := s.repo.ListRecentChatDesc(ctx, sess.UserID, sess.SessionID, s.window, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range recent {
		if m.Role == "user" {
			found := m
			return &found, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

// replay handles a duplicate submission: if an assistant turn already
// followed the stored user turn, return that exchange untouched with zero
// reported usage; otherwise the user row persisted but the model call never
// finished, so generate the missing reply now.
func (s *Service) replay(ctx context.Context, sess *Session, provider ai.Provider, userMsg *Message, res *SendResult) (*SendResult, error) {
	res.UserMessageID = userMsg.ID

	reply, err := s.repo.FindAssistantAfter(ctx, sess.SessionID, userMsg.ID)
	if err == nil {
		res.AssistantMessageID = reply.ID
		res.Content = reply.Content
		res.CreatedAt = reply.CreatedAt
		res.IsDuplicate = true
		res.TokensUsed = 0
		var meta MessageMeta
		if reply.Metadata != "" {
			_ = json.Unmarshal([]byte(reply.Metadata), &meta)
		}
		res.Model = meta.Model
		s.log.Debug().
			Str("session_id", sess.SessionID).
			Uint64("user_msg_id", userMsg.ID).
			Msg("duplicate submission replayed")
		return res, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return s.generate(ctx, sess, provider, userMsg, res)
}

// generate builds the context window, calls the provider and persists the
// assistant turn. The anchor is the already-persisted user turn being
// answered; its created_at lower-bounds the assistant timestamp.
func (s *Service) generate(ctx context.Context, sess *Session, provider ai.Provider, anchor *Message, res *SendResult) (*SendResult, error) {
	msgs, err := s.buildContext(ctx, sess, anchor)
	if err != nil {
		return nil, err
	}

	reply, err := provider.Chat(ctx, msgs)
	if err != nil {
		return nil, err
	}

	assistantMsg, err := s.persistAssistant(ctx, sess, anchor, reply)
	if err != nil {
		return nil, err
	}

	res.AssistantMessageID = assistantMsg.ID
	res.Content = assistantMsg.Content
	res.Model = reply.Model
	res.TokensUsed = replyTokens(reply)
	res.CreatedAt = assistantMsg.CreatedAt
	return res, nil
}

func replyTokens(reply *ai.Reply) int {
	if reply.TokensUsed > 0 {
		return reply.TokensUsed
	}
	return tokens.EstimateSimple(reply.Content)
}

func (s *Service) persistAssistant(ctx context.Context, sess *Session, anchor *Message, reply *ai.Reply) (*Message, error) {
	meta, _ := json.Marshal(MessageMeta{Model: reply.Model, TokensUsed: replyTokens(reply)})
	raw, _ := json.Marshal(reply)
	rawStr := string(raw)

	now := time.Now()
	if anchor != nil && !now.After(anchor.CreatedAt) {
		// keep the reply strictly after the turn it answers
		now = anchor.CreatedAt.Add(time.Millisecond)
	}

	assistantMsg := &Message{
		SessionID:   sess.SessionID,
		UserID:      sess.UserID,
		Role:        "assistant",
		ActionType:  ActionGeneralChat,
		Content:     reply.Content,
		Metadata:    string(meta),
		RawResponse: &rawStr,
		CreatedAt:   now,
	}
	if err := s.repo.InsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}
	if err := s.repo.TouchSession(ctx, sess.SessionID, assistantMsg.CreatedAt); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("touch session failed")
	}
	return assistantMsg, nil
}

// AppendStream is the streaming send path. Events arrive on the returned
// channel in wire order; the channel closes after stream_complete or error.
func (s *Service) AppendStream(ctx context.Context, in SendInput) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)

		emit := func(ev StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(msg string) {
			emit(StreamEvent{Type: EventError, Message: msg})
		}

		content := strings.TrimSpace(in.Content)
		if content == "" {
			fail("empty message")
			return
		}
		if in.ActionType == "" {
			in.ActionType = ActionGeneralChat
		}

		sess, created, err := s.resolveSession(ctx, in.UserID, in.SessionID, content)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				fail("session not found")
			} else {
				fail("failed to resolve session")
			}
			return
		}
		if created {
			if !emit(StreamEvent{Type: EventSessionCreated, SessionID: sess.SessionID}) {
				return
			}
		}

		provider, err := s.providerForSession(ctx, sess)
		if err != nil {
			fail(err.Error())
			return
		}

		var anchor *Message
		if in.SkipUserMessage {
			anchor, err = s.latestUserTurn(ctx, sess)
			if err != nil {
				fail("no user turn to regenerate from")
				return
			}
		} else {
			m := &Message{
				SessionID:  sess.SessionID,
				UserID:     in.UserID,
				Role:       "user",
				ActionType: in.ActionType,
				Content:    content,
			}
			if in.ClientID != "" {
				cid := in.ClientID
				m.ClientID = &cid
			}
			stored, inserted, err := s.repo.InsertMessageOrGetExisting(ctx, m)
			if err != nil {
				fail("failed to store message")
				return
			}
			anchor = stored
			if !emit(StreamEvent{Type: EventUserMessageStored, SessionID: sess.SessionID, MessageID: stored.ID}) {
				return
			}

			if inserted {
				if err := s.repo.TouchSession(ctx, sess.SessionID, stored.CreatedAt); err != nil {
					s.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("touch session failed")
				}
				if s.cache != nil && in.ClientID != "" {
					s.cache.SetSubmission(ctx, in.ClientID, stored.ID)
				}
			} else {
				// Duplicate submission mid-stream: replay the stored reply
				// as a single completed exchange.
				if reply, rerr := s.repo.FindAssistantAfter(ctx, sess.SessionID, stored.ID); rerr == nil {
					var meta MessageMeta
					if reply.Metadata != "" {
						_ = json.Unmarshal([]byte(reply.Metadata), &meta)
					}
					emit(StreamEvent{
						Type:        EventStreamComplete,
						SessionID:   sess.SessionID,
						MessageID:   reply.ID,
						FullMessage: reply.Content,
						Model:       meta.Model,
						IsDuplicate: true,
					})
					return
				}
				// user row stored, reply missing: regenerate below
			}
		}

		msgs, err := s.buildContext(ctx, sess, anchor)
		if err != nil {
			fail("failed to build context")
			return
		}

		if !emit(StreamEvent{Type: EventStreamStart, SessionID: sess.SessionID}) {
			return
		}

		sp, ok := provider.(ai.StreamProvider)
		if !ok {
			// provider can't stream; produce the reply in one piece
			reply, err := provider.Chat(ctx, msgs)
			if err != nil {
				fail(err.Error())
				return
			}
			assistantMsg, err := s.persistAssistant(ctx, sess, anchor, reply)
			if err != nil {
				fail("failed to store reply")
				return
			}
			emit(StreamEvent{Type: EventToken, Content: reply.Content})
			emit(StreamEvent{
				Type:        EventStreamComplete,
				SessionID:   sess.SessionID,
				MessageID:   assistantMsg.ID,
				FullMessage: reply.Content,
				Model:       reply.Model,
				TokensUsed:  replyTokens(reply),
			})
			return
		}

		pChunks, pErrs := sp.StreamChat(ctx, msgs)

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			if !emit(StreamEvent{Type: EventToken, Content: c}) {
				return
			}
		}

		select {
		case err := <-pErrs:
			if err != nil {
				fail(err.Error())
				return
			}
		default:
		}

		reply := &ai.Reply{Content: b.String(), Model: sess.Model}
		assistantMsg, err := s.persistAssistant(ctx, sess, anchor, reply)
		if err != nil {
			fail("failed to store reply")
			return
		}

		emit(StreamEvent{
			Type:        EventStreamComplete,
			SessionID:   sess.SessionID,
			MessageID:   assistantMsg.ID,
			FullMessage: reply.Content,
			Model:       reply.Model,
			TokensUsed:  replyTokens(reply),
		})
	}()

	return out
}

// EditMessage rewrites user turn k and replays: every later turn is
// deleted, the content is updated in place, and a fresh assistant reply is
// generated without creating a new user row.
func (s *Service) EditMessage(ctx context.Context, userID uint64, sessionID string, messageID uint64, newContent string) (*SendResult, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, ErrEmptyMessage
	}

	sess, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}

	msg, err := s.repo.GetMessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SessionID != sessionID || msg.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	if msg.Role != "user" {
		return nil, ErrNotEditable
	}

	if err := s.repo.DeleteMessagesAfter(ctx, sessionID, messageID); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateMessageContent(ctx, messageID, newContent); err != nil {
		return nil, err
	}
	if err := s.repo.RecountSession(ctx, sessionID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sessionID).Msg("recount session failed")
	}

	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return nil, err
	}

	msg.Content = newContent
	res := &SendResult{SessionID: sessionID, UserMessageID: messageID}
	return s.generate(ctx, sess, provider, msg, res)
}

// RunJob executes a queued asynchronous send. It goes through the same
// idempotent append path as a live request, so a redelivered job reuses the
// stored user turn instead of duplicating it.
func (s *Service) RunJob(ctx context.Context, jobID string) error {
	_ = s.repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	in := SendInput{
		UserID:    j.UserID,
		SessionID: j.SessionID,
		Content:   j.Prompt,
	}
	if j.ClientID != nil {
		in.ClientID = *j.ClientID
	}

	res, err := s.Append(ctx, in)
	if err != nil {
		_ = s.repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}
	return s.repo.MarkJobSucceeded(ctx, jobID, res.AssistantMessageID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}
