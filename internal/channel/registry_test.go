package channel_test

import (
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pelusa-v/pelusa-inbox/internal/channel"
	"github.com/pelusa-v/pelusa-inbox/internal/chat"
)

var _ = Describe("Registry", func() {
	var (
		reg *channel.Registry
		ev  chat.Event
	)

	BeforeEach(func() {
		reg = channel.NewRegistry(nil)
		ev = chat.MessageNew{Message: chat.Message{ID: "m1", ConversationID: "c1", Sender: "u2"}}
	})

	Describe("RegisterSafe", func() {
		It("should fire only the latest handler registered under a key", func() {
			var first, second int
			reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) { first++ }, "chat-view")
			reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) { second++ }, "chat-view")

			Expect(reg.Dispatch(ev)).To(Equal(1))
			Expect(first).To(Equal(0))
			Expect(second).To(Equal(1))
		})

		It("should keep handlers under different keys side by side", func() {
			var calls []string
			reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) { calls = append(calls, "inbox") }, "inbox")
			reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) { calls = append(calls, "chat") }, "chat")

			reg.Dispatch(ev)
			Expect(calls).To(Equal([]string{"inbox", "chat"}))
		})

		It("should scope keys per event", func() {
			reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) {}, "k")
			reg.RegisterSafe(chat.EventTyping, func(chat.Event) {}, "k")

			Expect(reg.Len(chat.EventMessageNew)).To(Equal(1))
			Expect(reg.Len(chat.EventTyping)).To(Equal(1))
		})

		It("should treat empty keys as distinct registrations", func() {
			reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) {}, "")
			reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) {}, "")
			Expect(reg.Len(chat.EventMessageNew)).To(Equal(2))
		})
	})

	Describe("disposer", func() {
		It("should remove its own registration", func() {
			dispose := reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) {}, "k")
			dispose()
			Expect(reg.Dispatch(ev)).To(Equal(0))
		})

		It("should not remove a newer registration under the same key", func() {
			var fired int
			stale := reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) {}, "k")
			reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) { fired++ }, "k")

			stale()
			stale()
			reg.Dispatch(ev)
			Expect(fired).To(Equal(1))
		})
	})

	It("should survive a panicking handler", func() {
		var after int
		reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) { panic("boom") }, "bad")
		reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) { after++ }, "good")

		Expect(func() { reg.Dispatch(ev) }).NotTo(Panic())
		Expect(after).To(Equal(1))
	})

	It("should allow concurrent registration and dispatch", func() {
		var fired atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(2)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for j := 0; j < 100; j++ {
					d := reg.RegisterSafe(chat.EventMessageNew, func(chat.Event) { fired.Add(1) }, "shared")
					if j%3 == 0 {
						d()
					}
				}
			}()
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for j := 0; j < 100; j++ {
					Expect(reg.Dispatch(ev)).To(BeNumerically("<=", 1))
				}
			}()
		}
		wg.Wait()
		Expect(reg.Len(chat.EventMessageNew)).To(BeNumerically("<=", 1))
	})
})
