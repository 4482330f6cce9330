package bus

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
)

const defaultSubscriberBuffer = 1024

// Options configures a Bus.
type Options struct {
	// SubscriberBuffer is the channel capacity of each subscription.
	SubscriberBuffer int
}

// Bus fans published messages out to every subscription. Publish never
// blocks: a message that does not fit a subscriber's buffer is dropped for
// that subscriber and counted.
type Bus struct {
	subs   *xsync.MapOf[uint64, *Subscription]
	nextID atomic.Uint64
	buffer int

	published prometheus.Counter
	dropped   prometheus.Counter
}

// New builds a bus. reg may be nil.
func New(opts Options, reg prometheus.Registerer) *Bus {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	b := &Bus{
		subs:   xsync.NewMapOf[uint64, *Subscription](),
		buffer: opts.SubscriberBuffer,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "bus",
			Name:      "published_total",
			Help:      "Messages published on the bus.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flostore",
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Deliveries dropped because a subscriber buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.published, b.dropped)
	}
	return b
}

// Subscription receives the messages accepted by its filter on C.
type Subscription struct {
	id      uint64
	bus     *Bus
	ch      chan any
	accept  func(any) bool
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// C is closed when the subscription is closed.
func (s *Subscription) C() <-chan any { return s.ch }

// Dropped is the number of messages lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.subs.Delete(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) offer(msg any) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Subscribe registers a subscription receiving every message.
func (b *Bus) Subscribe() *Subscription {
	return b.SubscribeFunc(nil)
}

// SubscribeFunc registers a subscription receiving the messages for which
// accept returns true. A nil accept receives everything.
func (b *Bus) SubscribeFunc(accept func(any) bool) *Subscription {
	s := &Subscription{
		id:     b.nextID.Add(1),
		bus:    b,
		ch:     make(chan any, b.buffer),
		accept: accept,
	}
	b.subs.Store(s.id, s)
	return s
}

// Subscribers is the number of open subscriptions.
func (b *Bus) Subscribers() int { return b.subs.Size() }

// Publish delivers msg to every matching subscription.
func (b *Bus) Publish(msg any) {
	b.published.Inc()
	b.subs.Range(func(_ uint64, s *Subscription) bool {
		if s.accept != nil && !s.accept(msg) {
			return true
		}
		if !s.offer(msg) {
			b.dropped.Inc()
		}
		return true
	})
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.subs.Range(func(_ uint64, s *Subscription) bool {
		s.Close()
		return true
	})
}
