package session_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/config"
	"github.com/pelusa-v/pelusa-inbox/internal/handlers"
	"github.com/pelusa-v/pelusa-inbox/internal/hub"
	"github.com/pelusa-v/pelusa-inbox/internal/session"
	"github.com/pelusa-v/pelusa-inbox/internal/timeline"
)

// trackingDialer dials for real and remembers the last connection so a
// test can cut the transport.
type trackingDialer struct {
	mu   sync.Mutex
	last channel.Conn
}

func (d *trackingDialer) Dial(ctx context.Context, rawURL, token string) (channel.Conn, error) {
	conn, err := channel.WebsocketDialer{HandshakeTimeout: 2 * time.Second}.Dial(ctx, rawURL, token)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.last = conn
	d.mu.Unlock()
	return conn, nil
}

func (d *trackingDialer) drop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last != nil {
		_ = d.last.Close()
	}
}

type peer struct {
	*session.Session
	reg    *prometheus.Registry
	dialer *trackingDialer
}

func counter(reg *prometheus.Registry, name string) float64 {
	families, err := reg.Gather()
	Expect(err).NotTo(HaveOccurred())
	var v float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			v += m.GetCounter().GetValue()
		}
	}
	return v
}

func ids(entries []timeline.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

var _ = Describe("Session", func() {
	var (
		ctx     context.Context
		manager *hub.Manager
		addr    string
	)

	online := func(user chat.UserID) func() bool {
		return func() bool {
			for _, u := range manager.ListUsers("") {
				if u.ID == user {
					return u.Online
				}
			}
			return false
		}
	}

	start := func(user string) *peer {
		p := &peer{reg: prometheus.NewRegistry(), dialer: &trackingDialer{}}
		s, err := session.New(session.Options{
			Config: config.ClientConfig{
				APIURL:            "http://" + addr + "/api",
				WSURL:             "ws://" + addr + "/api/ws",
				Token:             user,
				UserID:            user,
				ReconnectAttempts: 50,
				ReconnectMin:      10 * time.Millisecond,
				ReconnectMax:      50 * time.Millisecond,
				HTTPTimeout:       5 * time.Second,
				TypingIdle:        300 * time.Millisecond,
			},
			Registerer: p.reg,
			Dialer:     p.dialer,
		})
		Expect(err).NotTo(HaveOccurred())
		p.Session = s
		Expect(s.Start(ctx)).To(Succeed())
		DeferCleanup(s.Close)
		Eventually(online(chat.UserID(user))).Should(BeTrue())
		return p
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		manager, err = hub.New(hub.Options{
			Users:  []chat.UserRef{{ID: "u1", Name: "Ana"}, {ID: "u2", Name: "Bruno"}},
			Node:   1,
			Replay: 20,
		})
		Expect(err).NotTo(HaveOccurred())
		runCtx, cancel := context.WithCancel(context.Background())
		go manager.Run(runCtx)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		addr = ln.Addr().String()
		app := handlers.NewApp(manager, nil, nil)
		go func() { _ = app.Listener(ln) }()
		DeferCleanup(func() {
			_ = app.ShutdownWithTimeout(time.Second)
			cancel()
		})
	})

	It("should refuse a config without identity", func() {
		_, err := session.New(session.Options{Config: config.ClientConfig{APIURL: "http://x/api"}})
		Expect(err).To(HaveOccurred())
	})

	Context("with two users in one conversation", func() {
		var (
			ana, bruno *peer
			convID     string
		)

		post := func(p *peer, to chat.UserID, text string) chat.Message {
			msg, err := p.API.SendMessage(ctx, chat.Outgoing{ConversationID: convID, Receiver: to, Text: text})
			Expect(err).NotTo(HaveOccurred())
			return msg
		}

		BeforeEach(func() {
			ana = start("u1")
			bruno = start("u2")

			res, err := ana.StartConversation(ctx, chat.StartRequest{ToUserID: "u2", TaskID: "t1"})
			Expect(err).NotTo(HaveOccurred())
			convID = res.ID

			post(ana, "u2", "uno")
			post(bruno, "u1", "dos")
			post(ana, "u2", "tres")
		})

		It("should keep one entry per message after an optimistic send", func() {
			Expect(ana.Open(ctx, convID)).To(Succeed())
			Expect(ana.Timeline.Len()).To(Equal(3))

			ana.Composer(convID).SetText("cuatro")
			sent, err := ana.Send(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(sent.Status).To(Equal(chat.StatusSent))

			Expect(ana.Timeline.Len()).To(Equal(4))
			Consistently(ana.Timeline.Len, 300*time.Millisecond).Should(Equal(4))
			Expect(ana.Timeline.Stable()).To(BeTrue())
			entries := ana.Timeline.Messages()
			Expect(entries[3].ID).To(Equal(sent.ID))
			Expect(entries[3].Text).To(Equal("cuatro"))
			Expect(ana.Composer(convID).Text()).To(BeEmpty())

			Expect(bruno.Open(ctx, convID)).To(Succeed())
			Expect(ids(bruno.Timeline.Messages())).To(Equal(ids(entries)))
		})

		It("should keep one set of timeline handlers across opens", func() {
			bound := ana.Channel.Len(chat.EventMessageNew)
			Expect(bound).To(BeNumerically(">", 0))
			for i := 0; i < 5; i++ {
				Expect(ana.Open(ctx, convID)).To(Succeed())
				Expect(ana.Channel.Len(chat.EventMessageNew)).To(Equal(bound))
			}

			post(bruno, "u1", "cuatro")
			Eventually(ana.Timeline.Len).Should(Equal(4))
			Consistently(ana.Timeline.Len, 200*time.Millisecond).Should(Equal(4))

			ana.Close()
			Expect(ana.Channel.Len(chat.EventMessageNew)).To(BeZero())
		})

		It("should report an existing conversation started with another task", func() {
			again, err := ana.StartConversation(ctx, chat.StartRequest{ToUserID: "u2", TaskID: "t2"})
			Expect(err).NotTo(HaveOccurred())
			Expect(again.ExistingConversation).To(BeTrue())
			Expect(again.IsDifferentContext).To(BeTrue())
			Expect(again.ID).To(Equal(convID))

			Eventually(func() int { return len(ana.Store.List()) }).Should(Equal(1))
		})

		It("should not duplicate messages redelivered after a reconnect", func() {
			var connects atomic.Int64
			ana.Channel.RegisterSafe(chat.EventConnected, func(chat.Event) { connects.Add(1) }, "test")

			Expect(ana.Open(ctx, convID)).To(Succeed())
			post(bruno, "u1", "cuatro")
			Eventually(ana.Timeline.Len).Should(Equal(4))
			before := counter(ana.reg, "inbox_timeline_duplicates_dropped_total")

			ana.dialer.drop()
			Eventually(connects.Load).Should(BeNumerically(">=", 1))
			Eventually(online("u1")).Should(BeTrue())
			Eventually(func() float64 {
				return counter(ana.reg, "inbox_timeline_duplicates_dropped_total")
			}).Should(BeNumerically(">", before))

			Consistently(ana.Timeline.Len, 300*time.Millisecond).Should(Equal(4))

			post(bruno, "u1", "cinco")
			Eventually(ana.Timeline.Len).Should(Equal(5))
			unique := map[string]bool{}
			for _, id := range ids(ana.Timeline.Messages()) {
				unique[id] = true
			}
			Expect(unique).To(HaveLen(5))
			Expect(ana.Timeline.Messages()[4].Text).To(Equal("cinco"))
		})

		It("should restore the compose input when the server rejects the send", func() {
			Expect(ana.Open(ctx, convID)).To(Succeed())

			path := filepath.Join(GinkgoT().TempDir(), "informe.pdf")
			Expect(os.WriteFile(path, []byte("PK\x03\x04 not really a pdf"), 0o600)).To(Succeed())

			composer := ana.Composer(convID)
			composer.SetText("ver adjunto")
			Expect(composer.AttachAs(path, "application/pdf")).To(Succeed())

			_, err := ana.Send(ctx)
			Expect(err).To(HaveOccurred())

			Expect(ana.Timeline.Len()).To(Equal(3))
			Expect(ana.Timeline.Stable()).To(BeTrue())
			draft := composer.Draft()
			Expect(draft.Text).To(Equal("ver adjunto"))
			Expect(draft.Attachments).To(HaveLen(1))
			Expect(draft.Attachments[0].FileName).To(Equal("informe.pdf"))
			Expect(counter(ana.reg, "inbox_sender_sends_failed_total")).To(Equal(1.0))
		})

		It("should flip only my sent messages to seen when the peer reads", func() {
			Expect(bruno.Open(ctx, convID)).To(Succeed())
			for _, e := range bruno.Timeline.Messages() {
				Expect(e.Status).To(Equal(chat.StatusSent))
			}

			Expect(ana.Open(ctx, convID)).To(Succeed())

			Eventually(func() []chat.Status {
				var mine []chat.Status
				for _, e := range bruno.Timeline.Messages() {
					if e.Sender == "u2" {
						mine = append(mine, e.Status)
					}
				}
				return mine
			}).Should(Equal([]chat.Status{chat.StatusSeen}))

			for _, e := range bruno.Timeline.Messages() {
				if e.Sender == "u1" {
					Expect(e.Status).To(Equal(chat.StatusSent))
				}
			}
		})

		It("should clear unread counts once the conversation is opened", func() {
			Eventually(bruno.Store.UnreadTotal).Should(Equal(2))
			Expect(bruno.Open(ctx, convID)).To(Succeed())
			Eventually(bruno.Store.UnreadTotal).Should(Equal(0))
		})

		It("should show and clear the peer's typing flag", func() {
			Expect(ana.Open(ctx, convID)).To(Succeed())
			ana.Keystroke()
			Eventually(func() bool { return bruno.Typing.IsTyping(convID) }).Should(BeTrue())
			Eventually(func() bool { return bruno.Typing.IsTyping(convID) }).Should(BeFalse())
		})

		It("should announce leave and go offline on close", func() {
			ana.Close()
			Eventually(online("u1")).Should(BeFalse())
			Expect(online("u2")()).To(BeTrue())
			ana.Close()
		})
	})
})
