package channel_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/metrics"
)

var errClosed = errors.New("fake conn closed")

type fakeConn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.in:
		return 1, b, nil
	case <-f.closed:
		return 0, nil, errClosed
	}
}

func (f *fakeConn) WriteMessage(_ int, b []byte) error {
	select {
	case <-f.closed:
		return errClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, b)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

// fakeDialer hands out queued conns, failing when the queue is empty.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fails int
	dials atomic.Int64
	token string
}

func (d *fakeDialer) push(c *fakeConn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, c)
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, token string) (channel.Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.token = token
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("connection refused")
	}
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func frame(ev chat.Event) []byte {
	b, err := chat.Encode(ev)
	Expect(err).NotTo(HaveOccurred())
	return b
}

var _ = Describe("Channel", func() {
	var (
		dialer *fakeDialer
		ch     *channel.Channel
		m      *metrics.Client
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		dialer = &fakeDialer{}
		m = metrics.NewClient(nil)
		ch = channel.New(channel.Options{
			URL:         "ws://example.test/api/ws",
			MaxAttempts: 3,
			MinBackoff:  time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
			Dialer:      dialer,
			Metrics:     m,
		})
	})

	AfterEach(func() {
		ch.Disconnect()
	})

	Describe("Connect", func() {
		It("should be a no-op when already connected", func() {
			dialer.push(newFakeConn())
			Expect(ch.Connect(ctx, "tok")).To(Succeed())
			Expect(ch.Connect(ctx, "tok")).To(Succeed())

			Expect(dialer.dials.Load()).To(Equal(int64(1)))
			Expect(dialer.token).To(Equal("tok"))
			Expect(ch.State()).To(Equal(channel.StateConnected))
		})

		It("should retry the initial dial with backoff", func() {
			dialer.fails = 2
			dialer.push(newFakeConn())

			Expect(ch.Connect(ctx, "tok")).To(Succeed())
			Expect(dialer.dials.Load()).To(Equal(int64(3)))
		})

		It("should give up after the attempt budget", func() {
			err := ch.Connect(ctx, "tok")
			Expect(err).To(HaveOccurred())
			Expect(dialer.dials.Load()).To(Equal(int64(3)))
			Expect(ch.State()).To(Equal(channel.StateDisconnected))
		})

		It("should not retry an unauthorized handshake", func() {
			ch = channel.New(channel.Options{
				MaxAttempts: 5,
				MinBackoff:  time.Millisecond,
				Dialer: channel.DialerFunc(func(context.Context, string, string) (channel.Conn, error) {
					dialer.dials.Add(1)
					return nil, channel.ErrUnauthorized
				}),
			})
			err := ch.Connect(ctx, "bad")
			Expect(err).To(MatchError(channel.ErrUnauthorized))
			Expect(dialer.dials.Load()).To(Equal(int64(1)))
		})
	})

	Describe("inbound events", func() {
		It("should decode frames and dispatch typed events in order", func() {
			conn := newFakeConn()
			dialer.push(conn)

			var mu sync.Mutex
			var got []string
			ch.RegisterSafe(chat.EventMessageNew, func(ev chat.Event) {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, ev.(chat.MessageNew).Message.ID)
			}, "test")

			Expect(ch.Connect(ctx, "tok")).To(Succeed())
			for _, id := range []string{"m1", "m2", "m3"} {
				conn.in <- frame(chat.MessageNew{Message: chat.Message{ID: id, ConversationID: "c1", Sender: "u2"}})
			}
			conn.in <- []byte(`{"event":"message:new","data":{"text":"no id"}}`)

			Eventually(func() []string {
				mu.Lock()
				defer mu.Unlock()
				return append([]string(nil), got...)
			}).Should(Equal([]string{"m1", "m2", "m3"}))
			Eventually(func() float64 { return testutil.ToFloat64(m.InvalidFrames) }).Should(Equal(1.0))
		})

		It("should raise the local connect event on every connection", func() {
			first, second := newFakeConn(), newFakeConn()
			dialer.push(first)
			dialer.push(second)

			var connects atomic.Int64
			ch.RegisterSafe(chat.EventConnected, func(chat.Event) { connects.Add(1) }, "test")

			Expect(ch.Connect(ctx, "tok")).To(Succeed())
			Eventually(connects.Load).Should(Equal(int64(1)))

			first.Close()
			Eventually(connects.Load).Should(Equal(int64(2)))
			Expect(ch.State()).To(Equal(channel.StateConnected))
			Expect(testutil.ToFloat64(m.ReconnectAttempts)).To(BeNumerically(">=", 1))
		})

		It("should end disconnected when reconnection is exhausted", func() {
			conn := newFakeConn()
			dialer.push(conn)
			Expect(ch.Connect(ctx, "tok")).To(Succeed())

			conn.Close()
			Eventually(ch.State).Should(Equal(channel.StateDisconnected))
			Expect(ch.Emit(chat.Join{UserID: "u1"})).To(MatchError(channel.ErrNotConnected))
		})
	})

	Describe("Emit", func() {
		It("should write encoded frames while connected", func() {
			conn := newFakeConn()
			dialer.push(conn)
			Expect(ch.Connect(ctx, "tok")).To(Succeed())

			Expect(ch.Emit(chat.Typing{TypingPayload: chat.TypingPayload{ConversationID: "c1", UserID: "u1"}})).To(Succeed())
			Eventually(func() int { return len(conn.Written()) }).Should(Equal(1))

			ev, err := chat.DecodeFrame(conn.Written()[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(ev).To(Equal(chat.Typing{TypingPayload: chat.TypingPayload{ConversationID: "c1", UserID: "u1"}}))
		})

		It("should refuse while disconnected", func() {
			Expect(ch.Emit(chat.Join{UserID: "u1"})).To(MatchError(channel.ErrNotConnected))
		})
	})

	Describe("Disconnect", func() {
		It("should be idempotent and allow a fresh connect", func() {
			dialer.push(newFakeConn())
			Expect(ch.Connect(ctx, "tok")).To(Succeed())

			ch.Disconnect()
			ch.Disconnect()
			Expect(ch.State()).To(Equal(channel.StateDisconnected))

			dialer.push(newFakeConn())
			Expect(ch.Connect(ctx, "tok")).To(Succeed())
			Expect(ch.Connected()).To(BeTrue())
		})

		It("should write queued frames before closing", func() {
			conn := newFakeConn()
			dialer.push(conn)
			Expect(ch.Connect(ctx, "tok")).To(Succeed())

			Expect(ch.Emit(chat.Leave{UserID: "u1"})).To(Succeed())
			ch.Disconnect()

			written := conn.Written()
			Expect(written).NotTo(BeEmpty())
			ev, err := chat.DecodeFrame(written[0])
			Expect(err).NotTo(HaveOccurred())
			Expect(ev).To(Equal(chat.Leave{UserID: "u1"}))
		})

		It("should keep registrations across reconnects", func() {
			dialer.push(newFakeConn())
			ch.RegisterSafe(chat.EventTyping, func(chat.Event) {}, "k")
			Expect(ch.Connect(ctx, "tok")).To(Succeed())
			ch.Disconnect()
			Expect(ch.Len(chat.EventTyping)).To(Equal(1))
		})
	})
})
