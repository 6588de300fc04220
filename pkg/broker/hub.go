package broker

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/forgecad/pulse/pkg/progress"
)

// ErrSlowConsumer is the subscription error set when a subscriber's buffer
// fills up. The hub never buffers unbounded messages per subscription: a
// slow consumer is disconnected instead.
var ErrSlowConsumer = errors.New("subscriber too slow, buffer full")

// subscriptionBuffer is the per-subscription channel capacity. Live delivery
// is a non-blocking send; replay does not pass through this buffer.
const subscriptionBuffer = 64

// Subscription is one subscriber's receive path for a channel. Close must be
// called on every exit path; it releases the hub slot and, through the hub's
// release hook, the underlying LISTEN when the last subscriber leaves.
type Subscription struct {
	id      string
	channel string
	hub     *Hub

	ch   chan *progress.Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// C returns the message channel. It is closed after the subscription ends;
// drain Done or check Err to distinguish orderly close from disconnection.
func (s *Subscription) C() <-chan *progress.Message {
	return s.ch
}

// Done is closed when the subscription has ended for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil after an orderly Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeWith(nil)
}

func (s *Subscription) closeWith(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()

	s.hub.remove(s)
	close(s.done)
	close(s.ch)
}

// deliver hands a message to the subscriber without blocking. A full buffer
// terminates the subscription with ErrSlowConsumer.
func (s *Subscription) deliver(msg *progress.Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- msg:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		slog.Warn("Dropping slow subscriber", "channel", s.channel, "subscription_id", s.id)
		s.closeWith(ErrSlowConsumer)
	}
}

// Hub is the in-process subscriber registry: channel name → subscriptions.
// Each API process has one Hub; cross-process fan-out happens through the
// external pub/sub that feeds Broadcast.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[string]*Subscription

	// onFirst/onLast are invoked outside the hub lock when a channel gains
	// its first or loses its last subscriber; the broker uses them to drive
	// LISTEN/UNLISTEN on the external pub/sub.
	onFirst func(channel string)
	onLast  func(channel string)
}

// NewHub creates an empty subscriber registry.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[string]*Subscription)}
}

// SetChannelHooks registers the first-subscriber/last-subscriber callbacks.
// Called once during broker construction, before any Subscribe.
func (h *Hub) SetChannelHooks(onFirst, onLast func(channel string)) {
	h.onFirst = onFirst
	h.onLast = onLast
}

// Subscribe registers a new subscription for a channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{
		id:      uuid.New().String(),
		channel: channel,
		hub:     h,
		ch:      make(chan *progress.Message, subscriptionBuffer),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	subs, exists := h.channels[channel]
	if !exists {
		subs = make(map[string]*Subscription)
		h.channels[channel] = subs
	}
	subs[sub.id] = sub
	first := !exists
	h.mu.Unlock()

	if first && h.onFirst != nil {
		h.onFirst(channel)
	}
	return sub
}

// Broadcast delivers a message to every subscription on a channel.
func (h *Hub) Broadcast(channel string, msg *progress.Message) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.channels[channel]))
	for _, sub := range h.channels[channel] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	// Deliver outside the lock: a slow subscriber must not stall
	// subscribe/unsubscribe, and deliver may mutate the registry on overflow.
	for _, sub := range subs {
		sub.deliver(msg)
	}
}

// SubscriberCount returns the number of subscriptions on a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// remove drops a subscription from the registry.
func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	last := false
	if subs, ok := h.channels[sub.channel]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.channels, sub.channel)
			last = true
		}
	}
	h.mu.Unlock()

	if last && h.onLast != nil {
		h.onLast(sub.channel)
	}
}
