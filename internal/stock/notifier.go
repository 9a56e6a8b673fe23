package stock

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notifier broadcasts product snapshots to subscribers. New subscribers receive
// the latest snapshot immediately. Delivery never blocks the publisher: each
// subscription holds at most one pending snapshot and a newer one replaces it.
type Notifier struct {
	mu       sync.Mutex
	tenantID string
	subs     map[uint64]*Subscription
	nextID   uint64
	current  Snapshot
	primed   bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewNotifier constructs a notifier for one tenant.
func NewNotifier(tenantID string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		tenantID: tenantID,
		subs:     make(map[uint64]*Subscription),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Primed reports whether a snapshot has been published yet.
func (n *Notifier) Primed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.primed
}

// Current returns the latest snapshot.
func (n *Notifier) Current() (Snapshot, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current, n.primed
}

// Publish stores products as the latest snapshot and offers it to every subscriber.
func (n *Notifier) Publish(products []ProductView) Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.current = Snapshot{
		TenantID: n.tenantID,
		Version:  n.current.Version + 1,
		Products: products,
		At:       n.now(),
	}
	n.primed = true
	for _, sub := range n.subs {
		sub.offer(n.current)
	}
	return n.current
}

// Apply publishes fn(current products) when a snapshot exists. It reports
// false when nothing was published yet, in which case fn is not called.
func (n *Notifier) Apply(fn func([]ProductView) []ProductView) (Snapshot, bool) {
	n.mu.Lock()
	if !n.primed {
		n.mu.Unlock()
		return Snapshot{}, false
	}
	products := make([]ProductView, len(n.current.Products))
	copy(products, n.current.Products)
	n.mu.Unlock()
	return n.Publish(fn(products)), true
}

// Subscribe registers a channel subscription and replays the current snapshot.
func (n *Notifier) Subscribe() *Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	sub := &Subscription{id: n.nextID, ch: make(chan Snapshot, 1), notifier: n}
	n.subs[sub.id] = sub
	if n.primed {
		sub.offer(n.current)
	}
	return sub
}

// SubscribeFunc runs fn on its own goroutine for each delivered snapshot.
// A panicking callback is logged and does not affect other subscribers.
// After Unsubscribe no further callback is started, except the first
// delivery when it was still pending. A callback already running may finish.
func (n *Notifier) SubscribeFunc(fn func(Snapshot)) *Subscription {
	sub := n.Subscribe()
	go func() {
		for snap := range sub.ch {
			if !sub.deliverable() {
				continue
			}
			n.invoke(sub.id, fn, snap)
		}
	}()
	return sub
}

func (n *Notifier) invoke(id uint64, fn func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("stock subscriber panicked",
				slog.String("tenant_id", n.tenantID),
				slog.Uint64("subscription", id),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(snap)
}

// Len returns the number of active subscriptions.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Close unsubscribes everyone.
func (n *Notifier) Close() {
	n.mu.Lock()
	subs := make([]*Subscription, 0, len(n.subs))
	for _, sub := range n.subs {
		subs = append(subs, sub)
	}
	n.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	delete(n.subs, id)
	n.mu.Unlock()
}

// Subscription is a live feed of snapshots.
type Subscription struct {
	mu       sync.Mutex
	id       uint64
	ch       chan Snapshot
	closed   bool
	notifier *Notifier

	offered bool
	// firstPending is set while the buffered snapshot is the first one the
	// subscriber will see.
	firstPending bool
	invoked      bool
}

// C returns the delivery channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan Snapshot {
	return s.ch
}

// Closed reports whether Unsubscribe was called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Unsubscribe stops delivery immediately. A pending first snapshot stays
// readable so every subscriber sees exactly one replay; any other pending
// snapshot is discarded.
func (s *Subscription) Unsubscribe() {
	s.notifier.remove(s.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if !s.firstPending {
		select {
		case <-s.ch:
		default:
		}
	}
	close(s.ch)
}

// deliverable reports whether a received snapshot may still reach the
// callback. The first one always does.
func (s *Subscription) deliverable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && s.invoked {
		return false
	}
	s.invoked = true
	return true
}

func (s *Subscription) offer(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	replaced := false
	select {
	case <-s.ch:
		replaced = true
	default:
	}
	switch {
	case !s.offered:
		s.firstPending = true
	case !replaced:
		s.firstPending = false
	}
	s.offered = true
	s.ch <- snap
}
