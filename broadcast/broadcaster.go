// Package broadcast implements the in-process typed pub/sub described in
// a bounded ring buffer per subscriber, lossy on a slow consumer, with
// an explicit Lagged(n) signal rather than back-pressure on the publisher.
//
// This is only loosely grounded on the precedent's internal/web/sse.go,
// whose per-client chan string has no bound-aware lag detection — a full
// channel there simply blocks the publisher, which this design forbids.
package broadcast

import (
	"sync"

	"github.com/kestrel-labs/coordinator/ticket"
)

// DefaultBufferSize is the ring capacity per subscriber when none is
// specified. Small by design: a fixed small ring bounds memory per subscriber.
const DefaultBufferSize = 64

// Lagged is delivered in place of a dropped run of events when a subscriber
// could not keep up. It is never an API error ("Lagged" is a broadcaster-
// signal only").
type Lagged struct {
	Dropped int
}

// Broadcaster fans published ticket.Events out to subscribers. The zero
// value is not usable; construct with New.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[*subscription]struct{}
	bufferSize  int
}

func New(bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		subscribers: make(map[*subscription]struct{}),
		bufferSize:  bufferSize,
	}
}

// subscription is a bounded ring buffer plus a notify channel. Each
// subscriber's ring is independently locked so one slow reader never
// blocks another subscriber's push, matching the requirement that many parallel
// subscribers read concurrently."
type subscription struct {
	mu     sync.Mutex
	ring   []ticket.Event
	head   int // next read position
	count  int // number of valid entries
	notify chan struct{}
	closed bool

	// pendingLag accumulates drops since the subscriber last read a Lagged
	// marker. Next() always surfaces it before any buffered event, so a
	// subscriber receives at most one Lagged marker between two normally
	// received events.
	pendingLag int
}

// Subscription is the subscriber-facing handle returned by Subscribe.
type Subscription struct {
	b    *Broadcaster
	sub  *subscription
}

// Subscribe registers a new subscriber and returns a handle to read from
// it. Call Unsubscribe to release its slot; dropping a subscriber applies
// no back-pressure to publishers.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &subscription{
		ring:   make([]ticket.Event, b.bufferSize),
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return &Subscription{b: b, sub: sub}
}

// Unsubscribe releases the subscriber's slot.
func (s *Subscription) Unsubscribe() {
	s.b.mu.Lock()
	delete(s.b.subscribers, s.sub)
	s.b.mu.Unlock()

	s.sub.mu.Lock()
	s.sub.closed = true
	s.sub.mu.Unlock()
}

// Notify returns a channel that receives a value whenever new items are
// available to read via Next. It is buffered (capacity 1) so a burst of
// pushes coalesces into one wakeup rather than blocking the publisher.
func (s *Subscription) Notify() <-chan struct{} { return s.sub.notify }

// Next drains the next pending item: either a *ticket.Event or a *Lagged
// marker. It returns ok=false when nothing is currently buffered. A
// pending Lagged marker always surfaces before any buffered event.
func (s *Subscription) Next() (event *ticket.Event, lagged *Lagged, ok bool) {
	s.sub.mu.Lock()
	defer s.sub.mu.Unlock()

	if s.sub.pendingLag > 0 {
		lg := Lagged{Dropped: s.sub.pendingLag}
		s.sub.pendingLag = 0
		return nil, &lg, true
	}
	if s.sub.count == 0 {
		return nil, nil, false
	}
	e := s.sub.ring[s.sub.head]
	s.sub.head = (s.sub.head + 1) % len(s.sub.ring)
	s.sub.count--
	return &e, nil, true
}

// push appends an event to the ring. When the ring is already full, the
// oldest entry is dropped and pendingLag is incremented so the next Next()
// call tells the subscriber it missed something — this is the
// lossy-on-slow-consumer behavior: the publisher never blocks.
func (s *subscription) push(e ticket.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if s.count == len(s.ring) {
		s.head = (s.head + 1) % len(s.ring) // drop oldest
		s.count--
		s.pendingLag++
	}

	idx := (s.head + s.count) % len(s.ring)
	s.ring[idx] = e
	s.count++

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Publish fans an event out to every current subscriber. It never blocks:
// a slow subscriber loses buffered entries (replaced with a single Lagged
// marker) rather than stalling this call.
func (b *Broadcaster) Publish(e ticket.Event) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(e)
	}
}

// SubscriberCount reports the current number of live subscribers, useful
// for the Dispatcher/RPC layer's diagnostics.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
