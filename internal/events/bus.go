package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type identifies an event published to the application layer.
type Type string

const (
	TimerFired            Type = "TimerFired"
	BackgroundTaskExpired Type = "BackgroundTaskExpired"
	ProcessingExecuting   Type = "ProcessingExecuting"
	ProcessingExpired     Type = "ProcessingExpired"
	TickReceived          Type = "TickReceived"
	SessionFinished       Type = "SessionFinished"
)

// DefaultBuffer is the ring size of a subscription created with Subscribe.
const DefaultBuffer = 64

// Event is the envelope for all events. Name carries the timer id or task name.
type Event struct {
	Type    Type      `json:"type"`
	Name    string    `json:"name,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Subscription receives events of the types it was created for.
// Close deregisters it; the channel returned by C is closed afterwards.
type Subscription struct {
	bus   *Bus
	types []Type
	ring  *RingChannel[Event]

	sendMu sync.Mutex
	once   sync.Once
}

// C returns the event channel.
func (s *Subscription) C() <-chan Event {
	return s.ring.C()
}

// Dropped returns how many events were overwritten because the consumer was too slow.
func (s *Subscription) Dropped() int64 {
	return s.ring.Dropped()
}

// Close removes the subscription from the bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		s.sendMu.Lock()
		s.ring.Close()
		s.sendMu.Unlock()
	})
}

func (s *Subscription) deliver(e Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.ring.ForceSend(e)
}

// Bus handles pub/sub messaging between the coordination core and its observers.
//
// Listeners reports how many subscriptions are registered for a type; components use it to
// decide whether an expiry can be handed to an observer or must be handled automatically.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]*Subscription
	logger      *logrus.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{
		subscribers: make(map[Type][]*Subscription),
		logger:      logger,
	}
}

// Subscribe returns a subscription receiving events of the given types.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	return b.SubscribeBuffered(DefaultBuffer, types...)
}

// SubscribeBuffered is Subscribe with an explicit ring size.
func (b *Bus) SubscribeBuffered(size int, types ...Type) *Subscription {
	sub := &Subscription{
		bus:   b,
		types: append([]Type(nil), types...),
		ring:  NewRingChannel[Event](size),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], sub)
	}
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range sub.types {
		subs := b.subscribers[t]
		for i, s := range subs {
			if s == sub {
				b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[t]) == 0 {
			delete(b.subscribers, t)
		}
	}
}

// Listeners returns the number of subscriptions registered for t.
func (b *Bus) Listeners(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[t])
}

// Publish delivers e to every subscription for its type and returns the number of receivers.
// Publishing never blocks; a full subscription loses its oldest event.
func (b *Bus) Publish(e Event) int {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[e.Type]
	for _, sub := range subs {
		if sub.deliver(e) {
			b.logger.WithFields(logrus.Fields{
				"type": e.Type,
				"name": e.Name,
			}).Warn("Event subscriber is full, dropped oldest event")
		}
	}
	return len(subs)
}
