package channel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pelusa-v/pelusa-inbox/internal/chat"
	"github.com/pelusa-v/pelusa-inbox/internal/logger"
)

type Handler func(chat.Event)

type regKey struct {
	event chat.EventName
	key   string
}

type registration struct {
	id uint64
	rk regKey
	h  Handler
}

// Registry keeps at most one handler per (event, key). Views register under
// a stable key so a remount replaces its previous handler instead of adding
// a second one.
type Registry struct {
	mu      sync.RWMutex
	nextID  uint64
	byKey   map[regKey]*registration
	byEvent map[chat.EventName][]*registration
	logger  *slog.Logger
}

func NewRegistry(l *slog.Logger) *Registry {
	return &Registry{
		byKey:   map[regKey]*registration{},
		byEvent: map[chat.EventName][]*registration{},
		logger:  logger.Or(l),
	}
}

// RegisterSafe installs h for event under key, first removing whatever was
// registered under the same (event, key). The returned disposer removes this
// registration only; once it has been replaced the disposer does nothing.
// An empty key gets a unique one.
func (r *Registry) RegisterSafe(event chat.EventName, h Handler, key string) (dispose func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	if key == "" {
		key = fmt.Sprintf("anon-%d", r.nextID)
	}
	rk := regKey{event: event, key: key}
	if old, ok := r.byKey[rk]; ok {
		r.removeLocked(old)
	}
	reg := &registration{id: r.nextID, rk: rk, h: h}
	r.byKey[rk] = reg
	r.byEvent[event] = append(r.byEvent[event], reg)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if cur, ok := r.byKey[rk]; ok && cur.id == reg.id {
				r.removeLocked(cur)
			}
		})
	}
}

func (r *Registry) removeLocked(reg *registration) {
	delete(r.byKey, reg.rk)
	list := r.byEvent[reg.rk.event]
	out := list[:0:0]
	for _, x := range list {
		if x.id != reg.id {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		delete(r.byEvent, reg.rk.event)
		return
	}
	r.byEvent[reg.rk.event] = out
}

// Dispatch calls every handler registered for ev, in registration order,
// outside the lock. A panicking handler is logged and skipped.
func (r *Registry) Dispatch(ev chat.Event) int {
	r.mu.RLock()
	list := r.byEvent[ev.Name()]
	snapshot := make([]*registration, len(list))
	copy(snapshot, list)
	r.mu.RUnlock()

	for _, reg := range snapshot {
		r.invoke(reg, ev)
	}
	return len(snapshot)
}

func (r *Registry) invoke(reg *registration, ev chat.Event) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("event handler panicked", "event", string(reg.rk.event), "key", reg.rk.key, "panic", p)
		}
	}()
	reg.h(ev)
}

// Len returns the number of handlers registered for event.
func (r *Registry) Len(event chat.EventName) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEvent[event])
}

// Subscriber is what consumers bind their handlers through. Both *Registry
// and *Channel satisfy it.
type Subscriber interface {
	RegisterSafe(event chat.EventName, h Handler, key string) (dispose func())
}

// Emitter sends events to the server.
type Emitter interface {
	Emit(ev chat.Event) error
}
