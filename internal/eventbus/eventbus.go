// Package eventbus broadcasts spool lifecycle events to subscribers:
// Spooled, Delivered, Frozen, Removed, RecipientsUpdated,
// SendingStarted, SendAttemptFailed, plus a periodic Heartbeat so dead
// subscriptions are detectable. Producers never block on a slow
// subscriber: a subscriber whose buffer is full has the event dropped
// and its drop counter incremented instead, the same non-blocking
// backpressure shedding pattern used by the pack's
// webitel-im-delivery-service connector, rendered here in the
// teacher's terser style.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"blitiri.com.ar/go/relayd/internal/flow"
	"blitiri.com.ar/go/relayd/internal/metrics"
	"blitiri.com.ar/go/relayd/internal/record"
)

// Kind identifies the type of an Event.
type Kind int

const (
	Spooled Kind = iota
	Delivered
	Frozen
	Removed
	RecipientsUpdated
	SendingStarted
	SendAttemptFailed
	Recovered
	Heartbeat
)

func (k Kind) String() string {
	switch k {
	case Spooled:
		return "spooled"
	case Delivered:
		return "delivered"
	case Frozen:
		return "frozen"
	case Removed:
		return "removed"
	case RecipientsUpdated:
		return "recipients_updated"
	case SendingStarted:
		return "sending_started"
	case SendAttemptFailed:
		return "send_attempt_failed"
	case Recovered:
		return "recovered"
	case Heartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Event is one published occurrence. Fields not relevant to Kind are
// left zero.
type Event struct {
	Kind Kind
	Seq  uint64
	At   time.Time

	ID      string
	Queue   record.Queue
	Address record.Address
	Err     string

	// AuditRef correlates a Recovered event with the control-surface
	// operation that produced it.
	AuditRef string

	Recipients []string
	Flows      flow.Set
}

const heartbeatInterval = 10 * time.Second

// defaultBuffer is the per-subscriber channel depth before events
// start being dropped.
const defaultBuffer = 64

type subscriber struct {
	ch      chan Event
	dropped uint64
}

// Subscription is a live handle returned by Bus.Subscribe.
type Subscription struct {
	id     int
	handle string
	bus    *Bus
	sub    *subscriber
}

// C is the channel of events for this subscription.
func (s *Subscription) C() <-chan Event { return s.sub.ch }

// Handle returns a stable, globally unique identifier for this
// subscription, suitable for logging which subscriber fell behind.
func (s *Subscription) Handle() string { return s.handle }

// Dropped returns how many events have been dropped for this
// subscription because its buffer was full.
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.sub.dropped
}

// Bus is a multi-producer, multi-subscriber event broadcaster.
type Bus struct {
	mu        sync.Mutex
	subs      map[int]*subscriber
	nextID    int
	seq       uint64
	closeOnce sync.Once
	stop      chan struct{}
}

// New returns a running Bus. Call Close when done to stop its
// heartbeat goroutine.
func New() *Bus {
	b := &Bus{
		subs: make(map[int]*subscriber),
		stop: make(chan struct{}),
	}
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a new subscriber with the default buffer depth.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, defaultBuffer)}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub

	return &Subscription{id: id, handle: uuid.NewString(), bus: b, sub: sub}
}

// Unsubscribe removes s from the bus and closes its channel.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.sub.ch)
}

// Publish broadcasts ev to every current subscriber, stamping it with
// a monotonic sequence number (events for a single message id are
// published from within that id's exclusive lock elsewhere in the
// system, so this also totally orders them). A subscriber whose
// buffer is full has the event dropped, never blocking the publisher.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	for _, s := range b.subs {
		select {
		case s.ch <- ev:
		default:
			s.dropped++
			metrics.EventBusDropped.Inc()
		}
	}
}

func (b *Bus) heartbeatLoop() {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			b.Publish(Event{Kind: Heartbeat})
		case <-b.stop:
			return
		}
	}
}

// Close stops the heartbeat goroutine and closes every subscriber's
// channel.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		b.mu.Lock()
		defer b.mu.Unlock()
		for id, s := range b.subs {
			close(s.ch)
			delete(b.subs, id)
		}
	})
}
