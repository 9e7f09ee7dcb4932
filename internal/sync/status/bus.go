// Package status delivers mutation result notifications to subscribers
// keyed by token.
package status

import (
	"sync"
	"time"

	"github.com/kimhsiao/pendingsync/internal/logging"
	"github.com/kimhsiao/pendingsync/internal/models"
)

// Notification reports a result for one mutation token.
type Notification struct {
	Token       string             `json:"token"`
	AccountID   int64              `json:"account_id"`
	Operation   models.Operation   `json:"operation"`
	Kind        models.ResultKind  `json:"kind"`
	Why         models.Why         `json:"why,omitempty"`
	BlockReason models.BlockReason `json:"block_reason,omitempty"`
	ServerID    string             `json:"server_id,omitempty"`
	At          time.Time          `json:"at"`
}

// Terminal reports whether no further notification will follow for the token.
func (n Notification) Terminal() bool {
	switch n.Kind {
	case models.ResultSuccess, models.ResultHardFail, models.ResultCancelled:
		return true
	}
	return false
}

// =====================================================
// Subscription
// =====================================================

// Subscription receives notifications on C until Close is called.
type Subscription struct {
	C <-chan Notification

	bus   *Bus
	id    uint64
	token string // empty for wildcard
	ch    chan Notification
	once  sync.Once
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// =====================================================
// Bus
// =====================================================

// Bus fans notifications out to token and wildcard subscribers. Publish
// never blocks: a subscriber whose buffer is full misses the notification
// and a warning is logged.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	byToken  map[string]map[uint64]*Subscription
	wildcard map[uint64]*Subscription
	buffer   int
	closed   bool
	log      *logging.Logger
}

// NewBus creates a bus whose subscriptions buffer up to bufferSize
// notifications each.
func NewBus(bufferSize int, log *logging.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if log == nil {
		log = logging.Get()
	}
	return &Bus{
		byToken:  make(map[string]map[uint64]*Subscription),
		wildcard: make(map[uint64]*Subscription),
		buffer:   bufferSize,
		log:      log,
	}
}

// Subscribe returns a subscription for one token.
func (b *Bus) Subscribe(token string) *Subscription {
	return b.add(token)
}

// SubscribeAll returns a subscription for every token.
func (b *Bus) SubscribeAll() *Subscription {
	return b.add("")
}

func (b *Bus) add(token string) *Subscription {
	ch := make(chan Notification, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{C: ch, bus: b, id: b.nextID, token: token, ch: ch}
	if b.closed {
		close(ch)
		return sub
	}
	if token == "" {
		b.wildcard[sub.id] = sub
	} else {
		if b.byToken[token] == nil {
			b.byToken[token] = make(map[uint64]*Subscription)
		}
		b.byToken[token][sub.id] = sub
	}
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if sub.token == "" {
		delete(b.wildcard, sub.id)
	} else if subs := b.byToken[sub.token]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.byToken, sub.token)
		}
	}
	close(sub.ch)
}

// Publish delivers n to the token's subscribers and to every wildcard
// subscriber.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.byToken[n.Token] {
		b.deliver(sub, n)
	}
	for _, sub := range b.wildcard {
		b.deliver(sub, n)
	}
}

func (b *Bus) deliver(sub *Subscription, n Notification) {
	select {
	case sub.ch <- n:
	default:
		b.log.Warn("status notification dropped, subscriber buffer full", map[string]interface{}{
			"token": n.Token,
			"kind":  string(n.Kind),
		})
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, subs := range b.byToken {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	for _, sub := range b.wildcard {
		close(sub.ch)
	}
	b.byToken = nil
	b.wildcard = nil
}
