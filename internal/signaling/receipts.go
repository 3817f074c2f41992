package signaling

import (
	"context"
	"log/slog"
	"time"

	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
)

// Reader is the read-marking part of the REST API.
type Reader interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
	MarkMessageRead(ctx context.Context, messageID string) error
}

// Refresher is told the unread counters may have changed.
type Refresher interface {
	RequestRefresh()
}

type ReceiptsOptions struct {
	Me      chat.UserID
	Timeout time.Duration
	Logger  *slog.Logger
}

// Receipts marks conversations read. Failures are logged only: the next
// read action is the correction.
type Receipts struct {
	me      chat.UserID
	api     Reader
	store   Refresher
	timeout time.Duration
	logger  *slog.Logger
}

func NewReceipts(api Reader, store Refresher, opts ReceiptsOptions) *Receipts {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Receipts{
		me:      opts.Me,
		api:     api,
		store:   store,
		timeout: opts.Timeout,
		logger:  logger.Or(opts.Logger).With("component", "inbox.receipts"),
	}
}

// MarkRead marks every inbound message of conversationID read.
func (r *Receipts) MarkRead(ctx context.Context, conversationID string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.api.MarkConversationRead(ctx, conversationID); err != nil {
		r.logger.WarnContext(ctx, "mark read failed", "conversation_id", conversationID, "error", err)
		return
	}
	r.refresh()
}

// MarkMessageRead marks one inbound message read.
func (r *Receipts) MarkMessageRead(ctx context.Context, m chat.Message) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.api.MarkMessageRead(ctx, m.ID); err != nil {
		r.logger.WarnContext(ctx, "mark message read failed", "conversation_id", m.ConversationID, "message_id", m.ID, "error", err)
		return
	}
	r.refresh()
}

func (r *Receipts) refresh() {
	if r.store != nil {
		r.store.RequestRefresh()
	}
}

// Bind marks messages from the other participant read as they arrive in the
// conversation current returns. The REST call runs off the channel's read
// loop.
func (r *Receipts) Bind(sub channel.Subscriber, key string, current func() string) (dispose func()) {
	return sub.RegisterSafe(chat.EventMessageNew, func(ev chat.Event) {
		m := ev.(chat.MessageNew).Message
		if m.IsMine(r.me) || m.ConversationID == "" || m.ConversationID != current() {
			return
		}
		go r.MarkMessageRead(context.Background(), m)
	}, key)
}
