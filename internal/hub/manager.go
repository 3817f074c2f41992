package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/bwmarrin/snowflake"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
	"github.com/pelusa-v/pelusa-inbox/internal/metrics"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrUnknownUser  = errors.New("unknown user")
	ErrBadRequest   = errors.New("bad request")
	ErrEmptyMessage = errors.New("message has no text and no attachments")
)

type Options struct {
	Users []chat.UserRef
	// Node is the snowflake node id for message and conversation ids.
	Node int64
	// Replay is how many recent messages a socket receives again when it
	// joins.
	Replay  int
	Logger  *slog.Logger
	Metrics *metrics.Server
}

type delivery struct {
	to []chat.UserID
	ev chat.Event
}

type inbound struct {
	from *Client
	ev   chat.Event
}

// Manager owns users, conversations, messages and the open sockets. State
// changes come from REST handlers; socket registration, fan-out and inbound
// socket events are serialized through Run.
type Manager struct {
	mu sync.RWMutex

	users   map[chat.UserID]chat.UserRef
	clients map[chat.UserID]map[*Client]bool // user -> sockets

	conversations map[string]*conversation
	messages      map[string]*chat.Message // message id -> message
	subs          *Subscriptions
	files         *Files

	ids     *snowflake.Node
	replay  int
	logger  *slog.Logger
	metrics *metrics.Server

	registerChan   chan *Client
	unregisterChan chan *Client
	outbox         chan delivery
	inboundChan    chan inbound
	done           chan struct{}
}

func New(opts Options) (*Manager, error) {
	node, err := snowflake.NewNode(opts.Node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", opts.Node, err)
	}
	m := &Manager{
		users:          map[chat.UserID]chat.UserRef{},
		clients:        map[chat.UserID]map[*Client]bool{},
		conversations:  map[string]*conversation{},
		messages:       map[string]*chat.Message{},
		subs:           newSubscriptions(),
		files:          NewFiles(),
		ids:            node,
		replay:         opts.Replay,
		logger:         logger.Or(opts.Logger).With("component", "hub"),
		metrics:        opts.Metrics,
		registerChan:   make(chan *Client),
		unregisterChan: make(chan *Client),
		outbox:         make(chan delivery, 256),
		inboundChan:    make(chan inbound, 64),
		done:           make(chan struct{}),
	}
	if m.metrics == nil {
		m.metrics = metrics.NewServer(nil)
	}
	for _, u := range opts.Users {
		m.users[u.ID] = u
	}
	return m, nil
}

func (m *Manager) nextID() string { return m.ids.Generate().String() }

// User looks up a seeded user. The dev bearer token is the user id.
func (m *Manager) User(id chat.UserID) (chat.UserRef, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok
}

type UserPresence struct {
	chat.UserRef
	Online bool `json:"online"`
}

// ListUsers returns every user but exclude, sorted by name.
func (m *Manager) ListUsers(exclude chat.UserID) []UserPresence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UserPresence, 0, len(m.users))
	for id, u := range m.users {
		if id == exclude {
			continue
		}
		online := false
		for c := range m.clients[id] {
			if c.joined {
				online = true
				break
			}
		}
		out = append(out, UserPresence{UserRef: u, Online: online})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Files() *Files { return m.files }

// Run serializes socket registration and event fan-out until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for _, set := range m.clients {
				for c := range set {
					close(c.Send)
				}
			}
			m.clients = map[chat.UserID]map[*Client]bool{}
			m.mu.Unlock()
			return

		case client := <-m.registerChan:
			m.mu.Lock()
			if m.clients[client.User] == nil {
				m.clients[client.User] = map[*Client]bool{}
			}
			m.clients[client.User][client] = true
			m.mu.Unlock()
			m.metrics.Connections.Inc()
			m.logger.Debug("socket registered", "user_id", client.User)

		case client := <-m.unregisterChan:
			m.mu.Lock()
			if set := m.clients[client.User]; set[client] {
				delete(set, client)
				if len(set) == 0 {
					delete(m.clients, client.User)
				}
				close(client.Send)
				m.metrics.Connections.Dec()
			}
			m.mu.Unlock()
			m.logger.Debug("socket unregistered", "user_id", client.User)

		case d := <-m.outbox:
			m.deliver(d)

		case in := <-m.inboundChan:
			m.handleInbound(in.from, in.ev)
		}
	}
}

func (m *Manager) Register(c *Client) {
	select {
	case m.registerChan <- c:
	case <-m.done:
		close(c.Send)
	}
}

func (m *Manager) Unregister(c *Client) {
	select {
	case m.unregisterChan <- c:
	case <-m.done:
	}
}

// publish queues ev for every socket of the given users. It must not be
// called from Run.
func (m *Manager) publish(ev chat.Event, to ...chat.UserID) {
	select {
	case m.outbox <- delivery{to: to, ev: ev}:
	case <-m.done:
	}
}

func (m *Manager) deliver(d delivery) {
	frame, err := chat.Encode(d.ev)
	if err != nil {
		m.logger.Error("cannot encode event", "event", string(d.ev.Name()), "error", err)
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range d.to {
		for c := range m.clients[u] {
			m.trySend(c, d.ev.Name(), frame)
		}
	}
}

// trySend never blocks the loop: a socket that cannot keep up loses frames.
func (m *Manager) trySend(c *Client, name chat.EventName, frame []byte) {
	select {
	case c.Send <- frame:
		m.metrics.EventsPublished.WithLabelValues(string(name)).Inc()
	default:
		m.metrics.EventsDropped.Inc()
		m.logger.Warn("socket send buffer full, dropping event", "user_id", c.User, "event", string(name))
	}
}

func (m *Manager) handleInbound(from *Client, ev chat.Event) {
	switch e := ev.(type) {
	case chat.Join:
		if e.UserID != from.User {
			m.logger.Warn("join for another user ignored", "user_id", from.User, "join_user_id", e.UserID)
			return
		}
		m.mu.Lock()
		from.joined = true
		m.mu.Unlock()
		m.replayTo(from)

	case chat.Leave:
		m.mu.Lock()
		from.joined = false
		m.mu.Unlock()

	case chat.Typing:
		e.UserID = from.User
		m.forwardTyping(from, e.ConversationID, e)

	case chat.StopTyping:
		e.UserID = from.User
		m.forwardTyping(from, e.ConversationID, e)

	default:
		m.logger.Debug("ignoring client event", "user_id", from.User, "event", string(ev.Name()))
	}
}

func (m *Manager) forwardTyping(from *Client, conversationID string, ev chat.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[conversationID]
	if !ok || !conv.Has(from.User) {
		return
	}
	frame, err := chat.Encode(ev)
	if err != nil {
		return
	}
	other := conv.Other(from.User).ID
	for c := range m.clients[other] {
		m.trySend(c, ev.Name(), frame)
	}
}

// replayTo sends the most recent messages of c's conversations again, the
// way a broker redelivers after a reconnect. Clients drop what they have.
func (m *Manager) replayTo(c *Client) {
	if m.replay <= 0 {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var recent []*chat.Message
	for id := range m.subs.conversationsOf(c.User) {
		if conv := m.conversations[id]; conv != nil {
			recent = append(recent, conv.messages...)
		}
	}
	sort.SliceStable(recent, func(i, j int) bool { return recent[i].CreatedAt.Before(recent[j].CreatedAt) })
	if len(recent) > m.replay {
		recent = recent[len(recent)-m.replay:]
	}
	for _, msg := range recent {
		ev := chat.MessageNew{Message: *msg}
		frame, err := chat.Encode(ev)
		if err != nil {
			continue
		}
		m.trySend(c, ev.Name(), frame)
	}
}
