package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pelusa-v/pelusa-inbox/internal/api"
	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/config"
	"github.com/pelusa-v/pelusa-inbox/internal/inbox"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
	"github.com/pelusa-v/pelusa-inbox/internal/metrics"
	"github.com/pelusa-v/pelusa-inbox/internal/sender"
	"github.com/pelusa-v/pelusa-inbox/internal/signaling"
	"github.com/pelusa-v/pelusa-inbox/internal/timeline"
)

// Registration keys. Re-binding under the same key replaces the previous
// handler, so switching conversations never stacks listeners.
const (
	keyInbox    = "inbox"
	keyChat     = "chat"
	keyTyping   = "typing"
	keyReceipts = "receipts"
	keySession  = "session"
)

var ErrClosed = errors.New("session: closed")

type Options struct {
	Config     config.ClientConfig
	Logger     *slog.Logger
	Registerer prometheus.Registerer
	// Dialer overrides the websocket dialer.
	Dialer channel.Dialer
}

// Session owns the one event channel of the authenticated user and every
// consumer bound to it.
type Session struct {
	me     chat.UserID
	token  string
	logger *slog.Logger

	API      *api.Client
	Channel  *channel.Channel
	Store    *inbox.Store
	Timeline *timeline.Timeline
	Typing   *signaling.Typing
	Receipts *signaling.Receipts
	Sender   *sender.Pipeline

	mu        sync.Mutex
	composers map[string]*sender.Composer
	disposers []func()
	// chatDispose removes the timeline handlers of the open conversation.
	chatDispose func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
}

func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if err := cfg.RequireIdentity(); err != nil {
		return nil, err
	}
	l := logger.Or(opts.Logger).With("user_id", cfg.UserID)
	m := metrics.NewClient(opts.Registerer)
	me := chat.UserID(cfg.UserID)

	client := api.New(api.Options{BaseURL: cfg.APIURL, Token: cfg.Token, Timeout: cfg.HTTPTimeout, Logger: l})
	ch := channel.New(channel.Options{
		URL:         cfg.WSURL,
		MaxAttempts: cfg.ReconnectAttempts,
		MinBackoff:  cfg.ReconnectMin,
		MaxBackoff:  cfg.ReconnectMax,
		Dialer:      opts.Dialer,
		Logger:      l,
		Metrics:     m,
	})
	store := inbox.New(client, l)
	receipts := signaling.NewReceipts(client, store, signaling.ReceiptsOptions{Me: me, Timeout: cfg.HTTPTimeout, Logger: l})
	tl := timeline.New(timeline.Options{Me: me, API: client, Marker: receipts, Logger: l, Metrics: m})
	typing := signaling.NewTyping(ch, signaling.TypingOptions{Me: me, Idle: cfg.TypingIdle, Logger: l})

	return &Session{
		me:        me,
		token:     cfg.Token,
		logger:    l.With("component", "inbox.session"),
		API:       client,
		Channel:   ch,
		Store:     store,
		Timeline:  tl,
		Typing:    typing,
		Receipts:  receipts,
		Sender:    sender.New(sender.Options{Me: me, API: client, Store: store, Typing: typing, Logger: l, Metrics: m}),
		composers: map[string]*sender.Composer{},
	}, nil
}

func (s *Session) Me() chat.UserID { return s.me }

// Start binds every consumer, connects the event channel and loads the
// inbox. A failed inbox load is kept as the store's error state.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.chatDispose = s.Timeline.Bind(s.Channel, keyChat)
	s.disposers = append(s.disposers,
		s.Store.Bind(s.Channel, keyInbox),
		s.Typing.Bind(s.Channel, keyTyping),
		s.Receipts.Bind(s.Channel, keyReceipts, s.Timeline.ConversationID),
		s.Channel.RegisterSafe(chat.EventConnected, func(chat.Event) { s.onConnect(runCtx) }, keySession),
	)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Store.Run(runCtx)
	}()

	if err := s.Channel.Connect(ctx, s.token); err != nil {
		return fmt.Errorf("connect event channel: %w", err)
	}
	_ = s.Store.Refresh(ctx)
	return nil
}

// onConnect runs on the channel's read loop after every (re)connect.
func (s *Session) onConnect(ctx context.Context) {
	if err := s.Channel.Emit(chat.Join{UserID: s.me}); err != nil {
		s.logger.Warn("join not sent", "error", err)
	}
	if s.Timeline.ConversationID() == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, _ = s.Timeline.Catchup(ctx)
	}()
}

// Open shows conversationID in the timeline. The timeline handlers are
// bound again under the same key, replacing the previous ones.
func (s *Session) Open(ctx context.Context, conversationID string) error {
	if prev := s.Timeline.ConversationID(); prev != "" && prev != conversationID {
		s.Typing.Stop(prev)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.chatDispose
	s.chatDispose = s.Timeline.Bind(s.Channel, keyChat)
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return s.Timeline.Open(ctx, conversationID)
}

// Composer returns the compose input of conversationID, creating it once.
func (s *Session) Composer(conversationID string) *sender.Composer {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.composers[conversationID]
	if !ok {
		c = sender.NewComposer()
		s.composers[conversationID] = c
	}
	return c
}

// Keystroke records typing in the open conversation.
func (s *Session) Keystroke() {
	s.Typing.Keystroke(s.Timeline.ConversationID())
}

// Send submits the open conversation's compose input.
func (s *Session) Send(ctx context.Context) (chat.Message, error) {
	id := s.Timeline.ConversationID()
	if id == "" {
		return chat.Message{}, sender.ErrNoConversation
	}
	return s.Sender.Send(ctx, s.Timeline, s.Composer(id))
}

// StartConversation starts (or finds) a conversation and refreshes the
// inbox.
func (s *Session) StartConversation(ctx context.Context, req chat.StartRequest) (chat.StartResult, error) {
	res, err := s.API.StartConversation(ctx, req)
	if err != nil {
		return chat.StartResult{}, err
	}
	s.Store.RequestRefresh()
	return res, nil
}

// Close sends leave, removes every handler and disconnects. It is safe to
// call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	disposers := s.disposers
	if s.chatDispose != nil {
		disposers = append(disposers, s.chatDispose)
	}
	s.disposers, s.chatDispose = nil, nil
	cancel := s.cancel
	s.mu.Unlock()

	s.Typing.StopAll()
	if s.Channel.Connected() {
		_ = s.Channel.Emit(chat.Leave{UserID: s.me})
	}
	for _, d := range disposers {
		d()
	}
	s.Channel.Disconnect()
	s.Timeline.Close()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
