package documents

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// CloseReason explains why a subscription ended.
type CloseReason int

const (
	// ReasonNone means the subscription is still open.
	ReasonNone CloseReason = iota
	// ReasonUnsubscribed means the owner closed the subscription.
	ReasonUnsubscribed
	// ReasonLagging means the subscriber's queue overflowed and it was evicted.
	ReasonLagging
	// ReasonDeleted means the document was deleted.
	ReasonDeleted
)

func (reason CloseReason) String() string {
	switch reason {
	case ReasonUnsubscribed:
		return "unsubscribed"
	case ReasonLagging:
		return "lagging"
	case ReasonDeleted:
		return "deleted"
	default:
		return "open"
	}
}

// Origin identifies where an update came from so broadcasts can skip it.
type Origin struct {
	subscriber int64
	source     string
}

const (
	sourceHTTP      = "http"
	sourceWebSocket = "websocket"
	sourceRelay     = "relay"
	sourceLocal     = "local"
)

var (
	// OriginHTTP marks updates submitted through the HTTP sync fallback.
	OriginHTTP = Origin{source: sourceHTTP}
	// OriginRelay marks updates received from another process through the relay.
	OriginRelay = Origin{source: sourceRelay}

	originLocal = Origin{source: sourceLocal}
)

// Source names the origin class for logs and metrics.
func (origin Origin) Source() string {
	if origin.source == "" {
		return sourceLocal
	}
	return origin.source
}

// SubscriberOptions tunes a new subscription.
type SubscriberOptions struct {
	// Buffer overrides the store's queue length for this subscriber.
	Buffer int
}

// Subscription is one connection's view of a document's broadcasts. It starts inactive:
// nothing is delivered until the first client message has been answered.
type Subscription struct {
	id         int64
	documentID DocumentID
	updates    chan []byte
	done       chan struct{}
	active     atomic.Bool
	reason     atomic.Int32
	closeOnce  sync.Once
	hub        *subscriberHub
}

// Updates delivers broadcast payloads in publish order.
func (subscription *Subscription) Updates() <-chan []byte {
	return subscription.updates
}

// Done is closed when the subscription ends for any reason.
func (subscription *Subscription) Done() <-chan struct{} {
	return subscription.done
}

// Reason reports why the subscription ended.
func (subscription *Subscription) Reason() CloseReason {
	return CloseReason(subscription.reason.Load())
}

// DocumentID returns the subscribed document.
func (subscription *Subscription) DocumentID() DocumentID {
	return subscription.documentID
}

// Origin tags updates this subscriber submits so they are not echoed back.
func (subscription *Subscription) Origin() Origin {
	return Origin{subscriber: subscription.id, source: sourceWebSocket}
}

// Active reports whether broadcasts are being delivered.
func (subscription *Subscription) Active() bool {
	return subscription.active.Load()
}

// Close unsubscribes. Safe to call more than once.
func (subscription *Subscription) Close() {
	subscription.terminate(ReasonUnsubscribed)
}

func (subscription *Subscription) terminate(reason CloseReason) bool {
	terminated := false
	subscription.closeOnce.Do(func() {
		subscription.reason.Store(int32(reason))
		subscription.active.Store(false)
		if subscription.hub != nil {
			subscription.hub.remove(subscription.id)
		}
		close(subscription.done)
		terminated = true
	})
	return terminated
}

// enqueue never blocks; a full queue reports false.
func (subscription *Subscription) enqueue(payload []byte) bool {
	select {
	case <-subscription.done:
		return false
	default:
	}
	select {
	case subscription.updates <- payload:
		return true
	default:
		return false
	}
}

type subscriberHub struct {
	mu          sync.RWMutex
	subscribers map[int64]*Subscription
	nextID      *atomic.Int64
	onEvict     func(*Subscription)
}

func newSubscriberHub(sequence *atomic.Int64, onEvict func(*Subscription)) *subscriberHub {
	return &subscriberHub{
		subscribers: make(map[int64]*Subscription),
		nextID:      sequence,
		onEvict:     onEvict,
	}
}

func (hub *subscriberHub) add(documentID DocumentID, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	subscription := &Subscription{
		id:         hub.nextID.Add(1),
		documentID: documentID,
		updates:    make(chan []byte, buffer),
		done:       make(chan struct{}),
		hub:        hub,
	}
	hub.mu.Lock()
	hub.subscribers[subscription.id] = subscription
	hub.mu.Unlock()
	return subscription
}

func (hub *subscriberHub) remove(subscriberID int64) {
	hub.mu.Lock()
	delete(hub.subscribers, subscriberID)
	hub.mu.Unlock()
}

func (hub *subscriberHub) snapshot() []*Subscription {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	copies := make([]*Subscription, 0, len(hub.subscribers))
	for _, subscription := range hub.subscribers {
		copies = append(copies, subscription)
	}
	return copies
}

// publish delivers to every active subscriber except the origin.
func (hub *subscriberHub) publish(payload []byte, origin Origin) int {
	delivered := 0
	for _, subscription := range hub.snapshot() {
		if !subscription.Active() || subscription.id == origin.subscriber {
			continue
		}
		if subscription.enqueue(payload) {
			delivered++
			continue
		}
		if subscription.terminate(ReasonLagging) && hub.onEvict != nil {
			hub.onEvict(subscription)
		}
	}
	return delivered
}

func (hub *subscriberHub) closeAll(reason CloseReason) {
	for _, subscription := range hub.snapshot() {
		subscription.terminate(reason)
	}
}

func (hub *subscriberHub) count() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.subscribers)
}
