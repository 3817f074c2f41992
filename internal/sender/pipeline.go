package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
	"github.com/pelusa-v/pelusa-inbox/internal/metrics"
	"github.com/pelusa-v/pelusa-inbox/internal/timeline"
)

var (
	ErrEmptyMessage   = errors.New("sender: message has no text and no attachments")
	ErrSendInFlight   = errors.New("sender: a send is already in flight for this conversation")
	ErrNoConversation = errors.New("sender: no conversation open")
	// ErrLoading is returned while the target conversation is still loading.
	ErrLoading = timeline.ErrLoading
)

// Submitter posts a message.
type Submitter interface {
	SendMessage(ctx context.Context, out chat.Outgoing) (chat.Message, error)
}

// Target is the timeline a send lands in.
type Target interface {
	ConversationID() string
	Loading() bool
	AppendPending(msg chat.Message) (timeline.Token, error)
	Confirm(tok timeline.Token, tempID string, confirmed chat.Message) error
	Rollback(tok timeline.Token, tempID string) error
}

type Refresher interface {
	RequestRefresh()
}

type TypingStopper interface {
	Stop(conversationID string)
}

type Options struct {
	Me      chat.UserID
	API     Submitter
	Store   Refresher
	Typing  TypingStopper
	Logger  *slog.Logger
	Metrics *metrics.Client
}

// Pipeline turns a compose action into a message: optimistic append, then
// confirm or roll back. At most one send runs per conversation.
type Pipeline struct {
	me      chat.UserID
	api     Submitter
	store   Refresher
	typing  TypingStopper
	logger  *slog.Logger
	metrics *metrics.Client

	mu       sync.Mutex
	inFlight map[string]bool
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		me:       opts.Me,
		api:      opts.API,
		store:    opts.Store,
		typing:   opts.Typing,
		logger:   logger.Or(opts.Logger).With("component", "inbox.sender"),
		metrics:  opts.Metrics,
		inFlight: map[string]bool{},
	}
}

// InFlight reports whether a send is running for conversationID.
func (p *Pipeline) InFlight(conversationID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[conversationID]
}

// Send submits the composer's draft to the conversation open in tl. The
// draft is cleared as soon as the optimistic entry is shown and restored if
// the request fails.
func (p *Pipeline) Send(ctx context.Context, tl Target, c *Composer) (chat.Message, error) {
	draft := c.Draft()
	if draft.Empty() {
		return chat.Message{}, ErrEmptyMessage
	}
	convID := tl.ConversationID()
	if convID == "" {
		return chat.Message{}, ErrNoConversation
	}
	if tl.Loading() {
		return chat.Message{}, ErrLoading
	}
	if !p.acquire(convID) {
		return chat.Message{}, ErrSendInFlight
	}
	defer p.release(convID)

	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "inbox.sender", ConversationID: convID})
	tempID := chat.NewTempID()

	tok, err := tl.AppendPending(chat.Message{
		ID:             tempID,
		ConversationID: convID,
		Sender:         p.me,
		Text:           draft.Text,
		Attachments:    draft.Attachments,
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("append pending: %w", err)
	}
	receiver := tok.Peer
	c.Clear()
	if p.typing != nil {
		p.typing.Stop(convID)
	}

	msg, err := p.api.SendMessage(ctx, chat.Outgoing{
		ConversationID: convID,
		Receiver:       receiver,
		Text:           draft.Text,
		Attachments:    draft.Attachments,
		ClientID:       tempID,
	})
	if err != nil {
		p.metrics.SendFailed()
		if rerr := tl.Rollback(tok, tempID); rerr != nil && !errors.Is(rerr, timeline.ErrStale) {
			p.logger.ErrorContext(ctx, "rollback failed", "temp_id", tempID, "error", rerr)
		}
		c.Restore(draft)
		p.logger.WarnContext(ctx, "send failed, draft restored", "temp_id", tempID, "error", err)
		return chat.Message{}, fmt.Errorf("send message: %w", err)
	}

	if err := tl.Confirm(tok, tempID, msg); err != nil {
		p.logger.DebugContext(ctx, "send confirmed after the conversation was left", "message_id", msg.ID)
	}
	if p.store != nil {
		p.store.RequestRefresh()
	}
	p.logger.DebugContext(ctx, "message sent", "message_id", msg.ID, "attachments", len(msg.Attachments))
	return msg, nil
}

func (p *Pipeline) acquire(convID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[convID] {
		return false
	}
	p.inFlight[convID] = true
	return true
}

func (p *Pipeline) release(convID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, convID)
}
