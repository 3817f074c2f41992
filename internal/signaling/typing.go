package signaling

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
)

type TypingOptions struct {
	Me chat.UserID
	// Idle is how long after the last keystroke stopTyping is sent.
	Idle time.Duration
	// Every is the minimum gap between two typing events for one
	// conversation while the user keeps typing.
	Every  time.Duration
	Logger *slog.Logger
}

type outgoing struct {
	limiter *rate.Limiter
	timer   *time.Timer
	active  bool
}

// Typing emits the local typing signal and tracks the remote one. Neither
// side is acknowledged or retried.
type Typing struct {
	me     chat.UserID
	emit   channel.Emitter
	idle   time.Duration
	every  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	outgoing map[string]*outgoing
	remote   map[string]bool
	updates  chan string
}

func NewTyping(emit channel.Emitter, opts TypingOptions) *Typing {
	if opts.Idle <= 0 {
		opts.Idle = 3 * time.Second
	}
	if opts.Every <= 0 {
		opts.Every = opts.Idle / 2
	}
	return &Typing{
		me:       opts.Me,
		emit:     emit,
		idle:     opts.Idle,
		every:    opts.Every,
		logger:   logger.Or(opts.Logger).With("component", "inbox.typing"),
		outgoing: map[string]*outgoing{},
		remote:   map[string]bool{},
		updates:  make(chan string, 16),
	}
}

// Keystroke records local typing in conversationID. The first keystroke
// sends typing at once; a steady stream sends at most one per Every. After
// Idle without keystrokes stopTyping is sent.
func (t *Typing) Keystroke(conversationID string) {
	if conversationID == "" {
		return
	}
	t.mu.Lock()
	o, ok := t.outgoing[conversationID]
	if !ok {
		o = &outgoing{limiter: rate.NewLimiter(rate.Every(t.every), 1)}
		t.outgoing[conversationID] = o
	}
	allowed := o.limiter.Allow()
	send := !o.active || allowed
	o.active = true
	if o.timer == nil {
		o.timer = time.AfterFunc(t.idle, func() { t.Stop(conversationID) })
	} else {
		o.timer.Reset(t.idle)
	}
	t.mu.Unlock()

	if send {
		t.send(chat.Typing{TypingPayload: chat.TypingPayload{ConversationID: conversationID, UserID: t.me}})
	}
}

// Stop sends stopTyping if typing was signalled for conversationID.
func (t *Typing) Stop(conversationID string) {
	t.mu.Lock()
	o, ok := t.outgoing[conversationID]
	if !ok || !o.active {
		t.mu.Unlock()
		return
	}
	o.active = false
	if o.timer != nil {
		o.timer.Stop()
	}
	t.mu.Unlock()

	t.send(chat.StopTyping{TypingPayload: chat.TypingPayload{ConversationID: conversationID, UserID: t.me}})
}

// StopAll ends every local typing signal, e.g. before disconnecting.
func (t *Typing) StopAll() {
	t.mu.Lock()
	var convs []string
	for id, o := range t.outgoing {
		if o.active {
			convs = append(convs, id)
		}
	}
	t.mu.Unlock()
	for _, id := range convs {
		t.Stop(id)
	}
}

func (t *Typing) send(ev chat.Event) {
	if err := t.emit.Emit(ev); err != nil {
		t.logger.Debug("typing signal not sent", "event", string(ev.Name()), "error", err)
	}
}

// IsTyping reports whether the other participant of conversationID is
// typing.
func (t *Typing) IsTyping(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote[conversationID]
}

// Updates carries the conversation id whose remote flag changed.
func (t *Typing) Updates() <-chan string { return t.updates }

func (t *Typing) setRemote(p chat.TypingPayload, typing bool) {
	if p.UserID == t.me {
		return
	}
	t.mu.Lock()
	changed := t.remote[p.ConversationID] != typing
	if typing {
		t.remote[p.ConversationID] = true
	} else {
		delete(t.remote, p.ConversationID)
	}
	t.mu.Unlock()

	if changed {
		select {
		case t.updates <- p.ConversationID:
		default:
		}
	}
}

// Bind tracks the remote typing flag.
func (t *Typing) Bind(sub channel.Subscriber, key string) (dispose func()) {
	onTyping := sub.RegisterSafe(chat.EventTyping, func(ev chat.Event) {
		t.setRemote(ev.(chat.Typing).TypingPayload, true)
	}, key)
	onStop := sub.RegisterSafe(chat.EventStopTyping, func(ev chat.Event) {
		t.setRemote(ev.(chat.StopTyping).TypingPayload, false)
	}, key)
	return func() {
		onTyping()
		onStop()
	}
}
