// Package broadcast carries counter changes from the writers (event
// processor, registry) to every live viewer session. Two interchangeable
// backends implement the same capability set: an MQTT broker for
// cross-process delivery and an in-process registry used as the fallback
// when the broker is unreachable. The Switch selects between them at
// runtime.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"paxcount/internal/model"
)

// ChannelPrefix is the fixed prefix of every per-vehicle counter channel.
const ChannelPrefix = "vehicle-count:"

// ChannelFor derives the broadcast channel for a vehicle id. Publishers and
// subscribers must use this same derivation so they always agree.
func ChannelFor(vehicleID string) string {
	return ChannelPrefix + vehicleID
}

var (
	// ErrBackendClosed is returned once a backend has been shut down.
	ErrBackendClosed = errors.New("broadcast: backend closed")
	// ErrBackendUnavailable is returned when the distributed backend has no
	// broker connection. The switch treats it as the signal to fall back.
	ErrBackendUnavailable = errors.New("broadcast: backend unavailable")
)

// Backend is the publish/subscribe capability shared by both variants.
type Backend interface {
	// Publish emits a counter change on the given channel.
	Publish(ctx context.Context, channel string, chg model.CounterChange) error
	// Subscribe attaches a new subscriber to the channel. The stream stays
	// live until the subscription or the backend is closed.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	// Close tears the backend down and closes every open subscription.
	Close(ctx context.Context) error
}

// subscriptionBuffer bounds how far one subscriber may fall behind. A
// subscriber whose buffer is full at delivery time is dropped so it can
// never backpressure the publisher or its siblings.
const subscriptionBuffer = 256

// Subscription is one subscriber's live stream of counter changes.
type Subscription struct {
	updates chan model.CounterChange

	mu      sync.Mutex
	closed  bool
	onClose func()
}

func newSubscription(onClose func()) *Subscription {
	return &Subscription{
		updates: make(chan model.CounterChange, subscriptionBuffer),
		onClose: onClose,
	}
}

// Updates returns the stream. It is closed when the subscription ends,
// whether by Close, by the backend shutting down, or by falling too far
// behind the publisher.
func (s *Subscription) Updates() <-chan model.CounterChange {
	return s.updates
}

// Close detaches the subscriber and closes the stream. Safe to call more
// than once and concurrently with deliveries.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.updates)
	// Release before onClose: detach callbacks take channel-level locks and
	// deliver holds those while waiting on s.mu.
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose()
	}
}

// deliver offers a change without ever blocking. It reports false when the
// subscriber's buffer is full, which callers treat as "drop this subscriber".
// Deliveries to an already-closed subscription are discarded.
func (s *Subscription) deliver(chg model.CounterChange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.updates <- chg:
		return true
	default:
		return false
	}
}
