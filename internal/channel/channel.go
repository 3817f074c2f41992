package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fasthttp/websocket"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
	"github.com/pelusa-v/pelusa-inbox/internal/metrics"
)

const closeTimeout = 2 * time.Second

var (
	ErrNotConnected   = errors.New("event channel: not connected")
	ErrSendBufferFull = errors.New("event channel: send buffer full")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "disconnected"
}

type Options struct {
	URL         string
	MaxAttempts int
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	SendBuffer  int
	Dialer      Dialer
	Logger      *slog.Logger
	Metrics     *metrics.Client
}

// Channel is the one event connection of a session. It multiplexes every
// conversation; consumers subscribe through the embedded Registry.
type Channel struct {
	*Registry

	opts    Options
	logger  *slog.Logger
	metrics *metrics.Client

	mu     sync.Mutex
	state  State
	token  string
	conn   Conn
	send   chan []byte
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Channel {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	l := logger.Or(opts.Logger).With("component", "inbox.channel")
	return &Channel{
		Registry: NewRegistry(l),
		opts:     opts,
		logger:   l,
		metrics:  opts.Metrics,
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool { return c.State() == StateConnected }

// Connect dials the event socket unless the channel is already connected or
// connecting, in which case it returns nil. Once connected, transport loss is
// handled by redialing with backoff up to MaxAttempts.
func (c *Channel) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.state = StateConnecting
	c.token = token
	c.cancel = cancel
	c.done = done
	c.send = make(chan []byte, c.opts.SendBuffer)
	c.mu.Unlock()

	dialCtx, stopDial := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, stopDial)
	conn, err := c.dial(dialCtx, token, false)
	stop()
	stopDial()

	c.mu.Lock()
	if c.done != done {
		// Disconnect ran while dialing.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		close(done)
		return ErrNotConnected
	}
	if err != nil {
		c.state = StateDisconnected
		c.cancel, c.done = nil, nil
		c.mu.Unlock()
		cancel()
		close(done)
		return err
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("event channel connected", "url", c.opts.URL)
	go c.run(runCtx, conn, done)
	return nil
}

// Disconnect writes what is still queued, closes the connection and waits
// for the pumps to exit. It must not be called from an event handler.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, conn, done := c.cancel, c.conn, c.done
	c.state = StateDisconnected
	c.cancel, c.conn, c.done = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(closeTimeout):
		if conn != nil {
			_ = conn.Close()
		}
		<-done
	}
	c.logger.Info("event channel disconnected")
}

// Emit queues ev for the server. Nothing is buffered while disconnected.
func (c *Channel) Emit(ev chat.Event) error {
	frame, err := chat.Encode(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	send := c.send
	c.mu.Unlock()

	select {
	case send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Channel) run(ctx context.Context, conn Conn, done chan struct{}) {
	defer close(done)
	for {
		c.Dispatch(chat.Connected{})

		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("event channel lost, reconnecting", "error", err)

		c.mu.Lock()
		if c.done != done {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.conn = nil
		token := c.token
		c.mu.Unlock()

		next, err := c.dial(ctx, token, true)

		c.mu.Lock()
		if ctx.Err() != nil || c.done != done {
			c.mu.Unlock()
			if next != nil {
				_ = next.Close()
			}
			return
		}
		if err != nil {
			c.state = StateDisconnected
			cancel := c.cancel
			c.cancel, c.done = nil, nil
			c.mu.Unlock()
			cancel()
			c.logger.Error("event channel gave up reconnecting", "attempts", c.opts.MaxAttempts, "error", err)
			return
		}
		c.conn = next
		c.state = StateConnected
		c.mu.Unlock()

		c.logger.Info("event channel reconnected")
		conn = next
	}
}

// serve pumps one connection until reading fails or ctx is cancelled.
func (c *Channel) serve(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	stop := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		c.writePump(ctx, conn, send, stop)
	}()

	err := c.readPump(conn)
	close(stop)
	_ = conn.Close()
	<-writeDone
	return err
}

func (c *Channel) readPump(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := chat.DecodeFrame(data)
		if err != nil {
			c.metrics.InvalidFrame()
			c.logger.Debug("dropping invalid frame", "error", err, "frame", logger.Truncate(string(data), 200))
			continue
		}
		c.metrics.EventReceived(string(ev.Name()))
		c.Dispatch(ev)
	}
}

func (c *Channel) writePump(ctx context.Context, conn Conn, send <-chan []byte, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.flush(conn, send)
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			return
		case frame := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("event channel write failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) flush(conn Conn, send <-chan []byte) {
	for {
		select {
		case frame := <-send:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) dial(ctx context.Context, token string, reconnect bool) (Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.MinBackoff
	b.MaxInterval = c.opts.MaxBackoff

	op := func() (Conn, error) {
		if reconnect {
			c.metrics.ReconnectAttempt()
		}
		conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL, token)
		if errors.Is(err, ErrUnauthorized) {
			return nil, backoff.Permanent(err)
		}
		return conn, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("event channel dial failed", "error", err, "retry_in", next)
		}),
	)
}
