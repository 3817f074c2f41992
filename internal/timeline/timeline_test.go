package timeline_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/metrics"
	"github.com/pelusa-v/pelusa-inbox/internal/timeline"
)

const (
	me   chat.UserID = "u1"
	peer chat.UserID = "u2"
)

type fakeFetcher struct {
	mu       sync.Mutex
	messages map[string][]chat.Message
	err      error
	// gate, when set, blocks Messages until closed.
	gate chan struct{}
}

func (f *fakeFetcher) Conversation(_ context.Context, id string) (chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return chat.Conversation{}, f.err
	}
	return chat.Conversation{
		ID:           id,
		Participants: []chat.UserRef{{ID: me, Name: "Me"}, {ID: peer, Name: "Peer"}},
	}, nil
}

func (f *fakeFetcher) Messages(_ context.Context, id string) ([]chat.Message, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]chat.Message(nil), f.messages[id]...), nil
}

func (f *fakeFetcher) add(m chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m.ConversationID] = append(f.messages[m.ConversationID], m)
}

type fakeMarker struct {
	mu    sync.Mutex
	marks []string
}

func (f *fakeMarker) MarkRead(_ context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, id)
}

func (f *fakeMarker) Marks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.marks...)
}

func msg(id, conv string, from chat.UserID, text string) chat.Message {
	return chat.Message{
		ID:             id,
		ConversationID: conv,
		Sender:         from,
		Text:           text,
		Status:         chat.StatusSent,
		CreatedAt:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func ids(entries []timeline.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key()
	}
	return out
}

var _ = Describe("Timeline", func() {
	var (
		api    *fakeFetcher
		marker *fakeMarker
		m      *metrics.Client
		tl     *timeline.Timeline
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		api = &fakeFetcher{messages: map[string][]chat.Message{
			"c1": {
				msg("m1", "c1", peer, "hi"),
				msg("m2", "c1", me, "hello"),
				msg("m3", "c1", peer, "how are you"),
			},
			"c2": {msg("x1", "c2", peer, "other")},
		}}
		marker = &fakeMarker{}
		m = metrics.NewClient(nil)
		tl = timeline.New(timeline.Options{Me: me, API: api, Marker: marker, Metrics: m})
	})

	Describe("Open", func() {
		It("should load history in order and mark the conversation read", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3"}))
			Expect(tl.Peer().ID).To(Equal(peer))
			Expect(marker.Marks()).To(Equal([]string{"c1"}))
		})

		It("should be idempotent", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			once := tl.Messages()
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			Expect(tl.Messages()).To(Equal(once))
		})

		It("should replace the previous conversation and its pending entries", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			_, err := tl.AppendPending(chat.Message{ID: chat.NewTempID(), Text: "draft"})
			Expect(err).NotTo(HaveOccurred())

			Expect(tl.Open(ctx, "c2")).To(Succeed())
			Expect(ids(tl.Messages())).To(Equal([]string{"x1"}))
			Expect(tl.Stable()).To(BeTrue())
		})

		It("should keep a could-not-load state on failure", func() {
			api.err = errors.New("500")
			Expect(tl.Open(ctx, "c1")).NotTo(Succeed())
			Expect(tl.Err()).To(HaveOccurred())
			Expect(tl.Messages()).To(BeEmpty())
			Expect(marker.Marks()).To(BeEmpty())
		})

		It("should merge events that arrive while history loads", func() {
			api.gate = make(chan struct{})
			done := make(chan error, 1)
			go func() { done <- tl.Open(ctx, "c1") }()

			Eventually(tl.Loading).Should(BeTrue())
			tl.AppendFromEvent(msg("m3", "c1", peer, "how are you"))
			tl.AppendFromEvent(msg("m4", "c1", peer, "new"))
			close(api.gate)

			Eventually(done).Should(Receive(BeNil()))
			Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3", "m4"}))
		})
	})

	Describe("AppendFromEvent", func() {
		BeforeEach(func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
		})

		It("should keep one entry for a message delivered twice", func() {
			Expect(tl.AppendFromEvent(msg("m4", "c1", peer, "again"))).To(BeTrue())
			Expect(tl.AppendFromEvent(msg("m4", "c1", peer, "again"))).To(BeFalse())

			Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3", "m4"}))
			Expect(testutil.ToFloat64(m.DuplicatesDropped)).To(Equal(1.0))
		})

		It("should ignore messages for other conversations", func() {
			Expect(tl.AppendFromEvent(msg("x2", "c2", peer, "elsewhere"))).To(BeFalse())
			Expect(tl.Len()).To(Equal(3))
		})

		It("should preserve arrival order", func() {
			late := msg("m6", "c1", peer, "sent later")
			late.CreatedAt = time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
			early := msg("m5", "c1", peer, "sent earlier")
			early.CreatedAt = time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)

			tl.AppendFromEvent(late)
			tl.AppendFromEvent(early)
			Expect(ids(tl.Messages())[3:]).To(Equal([]string{"m6", "m5"}))
		})
	})

	Describe("optimistic entries", func() {
		var (
			tempID string
			tok    timeline.Token
		)

		BeforeEach(func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			tempID = chat.NewTempID()
			var err error
			tok, err = tl.AppendPending(chat.Message{ID: tempID, Receiver: peer, Text: "fourth"})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should show the pending entry immediately", func() {
			entries := tl.Messages()
			Expect(entries).To(HaveLen(4))
			Expect(entries[3].Pending()).To(BeTrue())
			Expect(entries[3].Status).To(Equal(chat.StatusSending))
			Expect(entries[3].Sender).To(Equal(me))
			Expect(tl.Stable()).To(BeFalse())
		})

		It("should replace it in place on confirm", func() {
			Expect(tl.AppendFromEvent(msg("m5", "c1", peer, "meanwhile"))).To(BeTrue())

			confirmed := msg("m4", "c1", me, "fourth")
			Expect(tl.Confirm(tok, tempID, confirmed)).To(Succeed())

			Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3", "m4", "m5"}))
			Expect(tl.Stable()).To(BeTrue())
		})

		It("should not duplicate when the echo arrives before the response", func() {
			echo := msg("m4", "c1", me, "fourth")
			echo.ClientID = tempID
			Expect(tl.AppendFromEvent(echo)).To(BeTrue())
			Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3", "m4"}))

			Expect(tl.Confirm(tok, tempID, echo)).To(Succeed())
			Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3", "m4"}))
		})

		It("should match an echo without client id by text", func() {
			Expect(tl.AppendFromEvent(msg("m4", "c1", me, "fourth"))).To(BeTrue())
			Expect(tl.Len()).To(Equal(4))
			Expect(tl.Stable()).To(BeTrue())
		})

		It("should drop the entry on rollback", func() {
			Expect(tl.Rollback(tok, tempID)).To(Succeed())
			Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3"}))
		})

		It("should ignore late results after switching conversation", func() {
			Expect(tl.Open(ctx, "c2")).To(Succeed())

			Expect(tl.Confirm(tok, tempID, msg("m4", "c1", me, "fourth"))).To(MatchError(timeline.ErrStale))
			Expect(tl.Rollback(tok, tempID)).To(MatchError(timeline.ErrStale))
			Expect(ids(tl.Messages())).To(Equal([]string{"x1"}))
		})

		It("should ignore late results after reopening the same conversation", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			Expect(tl.Valid(tok)).To(BeFalse())
			Expect(tl.Confirm(tok, tempID, msg("m4", "c1", me, "fourth"))).To(MatchError(timeline.ErrStale))
			Expect(tl.Len()).To(Equal(3))
		})

		It("should refuse temporary ids it cannot recognise", func() {
			_, err := tl.AppendPending(chat.Message{ID: "m99"})
			Expect(err).To(HaveOccurred())
		})
	})

	It("should refuse pending entries with nothing open", func() {
		_, err := tl.AppendPending(chat.Message{ID: chat.NewTempID()})
		Expect(err).To(MatchError(timeline.ErrNoConversation))
	})

	It("should refuse pending entries until history has loaded", func() {
		api.gate = make(chan struct{})
		done := make(chan error, 1)
		go func() { done <- tl.Open(ctx, "c1") }()
		Eventually(tl.Loading).Should(BeTrue())

		_, err := tl.AppendPending(chat.Message{ID: chat.NewTempID(), Text: "early"})
		Expect(err).To(MatchError(timeline.ErrLoading))

		close(api.gate)
		Eventually(done).Should(Receive(BeNil()))
		Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3"}))
	})

	It("should refuse pending entries when the conversation failed to load", func() {
		api.err = errors.New("500")
		Expect(tl.Open(ctx, "c1")).NotTo(Succeed())
		_, err := tl.AppendPending(chat.Message{ID: chat.NewTempID(), Text: "hi"})
		Expect(err).To(MatchError(timeline.ErrNotLoaded))
	})

	It("should refuse pending entries meant for another conversation", func() {
		Expect(tl.Open(ctx, "c2")).To(Succeed())
		_, err := tl.AppendPending(chat.Message{ID: chat.NewTempID(), ConversationID: "c1", Text: "hi"})
		Expect(err).To(MatchError(timeline.ErrStale))
		Expect(tl.Len()).To(Equal(1))
	})

	It("should hand out the receiver with the token", func() {
		Expect(tl.Open(ctx, "c1")).To(Succeed())
		tok, err := tl.AppendPending(chat.Message{ID: chat.NewTempID(), ConversationID: "c1", Text: "hi"})
		Expect(err).NotTo(HaveOccurred())
		Expect(tok.ConversationID).To(Equal("c1"))
		Expect(tok.Peer).To(Equal(peer))
		Expect(tl.Messages()[3].Receiver).To(Equal(peer))
	})

	Describe("MarkSeenByPeer", func() {
		It("should flip only my sent messages to seen", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			mine := msg("m4", "c1", me, "another")
			mine.Status = chat.StatusSeen
			tl.AppendFromEvent(mine)

			Expect(tl.MarkSeenByPeer("c1")).To(Equal(1))
			for _, e := range tl.Messages() {
				if e.Sender == me {
					Expect(e.Status).To(Equal(chat.StatusSeen))
				} else {
					Expect(e.Status).To(Equal(chat.StatusSent))
				}
			}
		})

		It("should ignore other conversations", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			Expect(tl.MarkSeenByPeer("c2")).To(BeZero())
		})
	})

	Describe("ApplyEdit", func() {
		It("should replace text in place", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			edited := msg("m1", "c1", peer, "hi (edited)")
			Expect(tl.ApplyEdit(edited)).To(BeTrue())

			entries := tl.Messages()
			Expect(entries[0].Text).To(Equal("hi (edited)"))
			Expect(entries[0].EditedAt).NotTo(BeNil())
			Expect(tl.Len()).To(Equal(3))
		})

		It("should ignore unknown messages", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			Expect(tl.ApplyEdit(msg("zz", "c1", peer, "?"))).To(BeFalse())
		})
	})

	Describe("Catchup", func() {
		It("should append only what was missed", func() {
			Expect(tl.Open(ctx, "c1")).To(Succeed())
			api.add(msg("m4", "c1", peer, "while offline"))

			added, err := tl.Catchup(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(Equal(1))

			tl.AppendFromEvent(msg("m4", "c1", peer, "while offline"))
			Expect(ids(tl.Messages())).To(Equal([]string{"m1", "m2", "m3", "m4"}))
		})

		It("should do nothing with nothing open", func() {
			added, err := tl.Catchup(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(BeZero())
		})
	})

	Describe("Bind", func() {
		It("should route channel events", func() {
			reg := channel.NewRegistry(nil)
			tl.Bind(reg, "chat")
			Expect(tl.Open(ctx, "c1")).To(Succeed())

			reg.Dispatch(chat.MessageNew{Message: msg("m4", "c1", peer, "live")})
			reg.Dispatch(chat.MessageNew{Message: msg("m4", "c1", peer, "live")})
			reg.Dispatch(chat.MessagesSeen{ConversationID: "c1", SeenAt: time.Now()})

			entries := tl.Messages()
			Expect(ids(entries)).To(Equal([]string{"m1", "m2", "m3", "m4"}))
			Expect(entries[1].Status).To(Equal(chat.StatusSeen))
		})

		It("should replace its handlers when bound again under the same key", func() {
			reg := channel.NewRegistry(nil)
			tl.Bind(reg, "chat")
			tl.Bind(reg, "chat")
			Expect(reg.Len(chat.EventMessageNew)).To(Equal(1))
			Expect(reg.Len(chat.EventMessagesSeen)).To(Equal(1))
		})
	})
})
