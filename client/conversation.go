package client

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
)

// Conversation drives one open chat thread end to end: optimistic local
// inserts, session resolution, streaming ingestion with buffered fallback,
// and reconciliation of local entries against server identities.
type Conversation struct {
	client   *Client
	store    *Store
	resolver *SessionResolver
	log      zerolog.Logger

	// OnUpdate, if set, fires after every visible change with the full
	// ordered view. Called from the sending goroutine.
	OnUpdate func([]Message)

	mu         sync.Mutex
	cancelPrev context.CancelFunc
}

func NewConversation(c *Client, sessionID string, log zerolog.Logger) *Conversation {
	return &Conversation{
		client:   c,
		store:    NewStore(),
		resolver: NewSessionResolver(sessionID, c.CreateSession),
		log:      log,
	}
}

// Store exposes the local message view.
func (cv *Conversation) Store() *Store { return cv.store }

// SessionID returns the resolved session id, empty before the first send.
func (cv *Conversation) SessionID() string { return cv.resolver.ID() }

// Send submits user text and returns the assistant reply once it is fully
// reconciled. A new Send cancels any still-running previous one; the server
// side of a cancelled send may still complete, which is safe because its
// client id makes a later replay idempotent.
func (cv *Conversation) Send(ctx context.Context, content string) (Message, error) {
	cv.mu.Lock()
	if cv.cancelPrev != nil {
		cv.cancelPrev()
	}
	ctx, cancel := context.WithCancel(ctx)
	cv.cancelPrev = cancel
	cv.mu.Unlock()
	defer cancel()

	userMsg, err := cv.store.BeginSend(content, cv.resolver.ID())
	if err != nil {
		return Message{}, err
	}
	defer cv.store.Release(userMsg.ClientID)
	cv.notify()

	sessionID, err := cv.resolver.Ensure(ctx, content)
	if err != nil {
		cv.store.Fail(userMsg.ClientID)
		cv.notify()
		return Message{}, err
	}

	req := SendRequest{
		Message:    content,
		SessionID:  sessionID,
		ClientID:   userMsg.ClientID,
		ActionType: "general_chat",
	}

	result, err := cv.sendStreaming(ctx, req)
	if err != nil {
		var te *StreamTransportError
		if errors.As(err, &te) && ctx.Err() == nil {
			cv.log.Warn().Err(te).Str("client_id", req.ClientID).Msg("stream failed, retrying buffered")
			result, err = cv.client.SendBuffered(ctx, req)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			cv.store.Fail(userMsg.ClientID)
			cv.notify()
			return Message{}, ErrCancelled
		}
		cv.store.Fail(userMsg.ClientID)
		cv.notify()
		return Message{}, err
	}

	cv.resolver.Set(result.SessionID)

	cv.store.Reconcile(userMsg.ClientID, Message{
		ID:        formatID(result.UserMessageID),
		ClientID:  userMsg.ClientID,
		SessionID: result.SessionID,
		Role:      "user",
		Content:   content,
	})

	assistant := Message{
		ID:        formatID(result.ID),
		SessionID: result.SessionID,
		Role:      "assistant",
		Content:   result.Message,
		Status:    StatusSent,
		CreatedAt: result.Timestamp,
	}
	cv.store.UpsertCanonical(assistant)
	cv.notify()
	return assistant, nil
}

// sendStreaming runs one streaming attempt. It owns a local assistant
// placeholder for the duration and removes it on any failure, so a fallback
// attempt starts from a clean view.
func (cv *Conversation) sendStreaming(ctx context.Context, req SendRequest) (*ServerMessage, error) {
	body, err := cv.client.openStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	reader := newSSEReader(body)
	pacer := NewPacer()
	out := &ServerMessage{SessionID: req.SessionID}

	var placeholder string
	abandon := func() {
		if placeholder != "" {
			cv.store.Fail(placeholder)
			cv.notify()
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			abandon()
			return nil, &StreamTransportError{Partial: pacer.Accumulated(), Err: err}
		}

		data, err := reader.next()
		if err != nil {
			abandon()
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, &StreamTransportError{Partial: pacer.Accumulated(), Err: err}
		}

		ev, derr := decodeEvent(data)
		if derr != nil {
			cv.log.Debug().Err(derr).Msg("skipping malformed stream event")
			continue
		}

		switch ev.Type {
		case EventSessionCreated:
			out.SessionID = ev.SessionID
			out.SessionCreated = true
			cv.resolver.Set(ev.SessionID)

		case EventUserMessageStored:
			out.UserMessageID = ev.MessageID
			if ev.SessionID != "" {
				out.SessionID = ev.SessionID
			}

		case EventStreamStart:
			if placeholder == "" {
				placeholder = cv.store.BeginAssistant(out.SessionID).ClientID
				cv.notify()
			}

		case EventToken:
			if placeholder == "" {
				placeholder = cv.store.BeginAssistant(out.SessionID).ClientID
			}
			if shown, advanced := pacer.Push(ev.Content); advanced {
				cv.store.SetContent(placeholder, shown)
				cv.notify()
			}

		case EventStreamComplete:
			full := ev.FullMessage
			if full == "" {
				full = pacer.Flush()
			}
			out.ID = ev.MessageID
			out.Message = full
			out.Model = ev.Model
			out.Usage.TokensUsed = ev.TokensUsed
			out.IsDuplicate = ev.IsDuplicate
			if ev.SessionID != "" {
				out.SessionID = ev.SessionID
			}
			if placeholder != "" {
				cv.store.Reconcile(placeholder, Message{
					ID:        formatID(ev.MessageID),
					SessionID: out.SessionID,
					Role:      "assistant",
					Content:   full,
				})
				cv.notify()
			}
			return out, nil

		case EventError:
			abandon()
			return nil, &APIError{Message: ev.Message}

		default:
			cv.log.Debug().Str("type", string(ev.Type)).Msg("skipping unknown stream event")
		}
	}
}

func (cv *Conversation) notify() {
	if cv.OnUpdate != nil {
		cv.OnUpdate(cv.store.Messages())
	}
}

func formatID(id uint64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(id, 10)
}
