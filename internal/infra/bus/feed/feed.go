// Package feed provides latest-value feeds for observers of the maker's state.
package feed

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/cfdmaker/internal/infra/telemetry"
)

// Feed names.
const (
	NameCfds   = "cfds"
	NameOrder  = "order"
	NameWallet = "wallet"
)

// SubscriptionID identifies a feed subscription.
type SubscriptionID string

// Watch holds the most recent value published to a feed. Subscribers only
// ever see the newest value; intermediate values are replaced when a
// subscriber falls behind.
type Watch[T any] struct {
	name string

	mu          sync.RWMutex
	current     T
	set         bool
	subscribers map[SubscriptionID]*subscriber[T]
	nextID      uint64
	closed      bool

	publishedCounter metric.Int64Counter
}

type subscriber[T any] struct {
	ch   chan T
	once sync.Once
}

func (s *subscriber[T]) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewWatch constructs an empty feed.
func NewWatch[T any](name string) *Watch[T] {
	w := &Watch[T]{
		name:        name,
		subscribers: make(map[SubscriptionID]*subscriber[T]),
	}
	meter := otel.Meter("feed")
	w.publishedCounter, _ = meter.Int64Counter(telemetry.MetricFeedPublished,
		metric.WithDescription("Number of values published to a feed"),
		metric.WithUnit("{value}"))
	return w
}

// Name returns the feed name.
func (w *Watch[T]) Name() string {
	return w.name
}

// Publish replaces the current value and forwards it to every subscriber.
func (w *Watch[T]) Publish(ctx context.Context, value T) {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.current = value
	w.set = true
	subs := make([]*subscriber[T], 0, len(w.subscribers))
	for _, sub := range w.subscribers {
		subs = append(subs, sub)
	}
	// Deliver under the lock so values reach each subscriber in publish order.
	for _, sub := range subs {
		offer(sub.ch, value)
	}
	w.mu.Unlock()

	if w.publishedCounter != nil {
		w.publishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.FeedAttributes(w.name)...))
	}
}

// Latest returns the current value and whether one was ever published.
func (w *Watch[T]) Latest() (T, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, w.set
}

// Subscribe registers a subscriber. The channel immediately carries the
// current value when one exists and is closed when ctx ends or the
// subscription is cancelled.
func (w *Watch[T]) Subscribe(ctx context.Context) (SubscriptionID, <-chan T) {
	if ctx == nil {
		ctx = context.Background()
	}
	sub := &subscriber[T]{ch: make(chan T, 1)}
	id := SubscriptionID(fmt.Sprintf("%s-%d", w.name, atomic.AddUint64(&w.nextID, 1)))

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		sub.close()
		return id, sub.ch
	}
	if w.set {
		sub.ch <- w.current
	}
	w.subscribers[id] = sub
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.Unsubscribe(id)
	}()
	return id, sub.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (w *Watch[T]) Unsubscribe(id SubscriptionID) {
	w.mu.Lock()
	sub, ok := w.subscribers[id]
	if ok {
		delete(w.subscribers, id)
	}
	w.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Close closes every subscription. Later publishes are ignored.
func (w *Watch[T]) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for id, sub := range w.subscribers {
		sub.close()
		delete(w.subscribers, id)
	}
}

func offer[T any](ch chan T, value T) {
	select {
	case ch <- value:
		return
	default:
	}
	// Drop the stale value so the newest one is always delivered.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- value:
	default:
	}
}
