package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"paxcount/internal/model"
	"paxcount/internal/monitor"
)

// Memory is the in-process fallback backend. Changes published here never
// leave the process and are gone on restart; it exists so the service keeps
// serving its local viewers when the broker is unreachable. Construct it at
// startup and Close it at shutdown — its lifecycle is owned by the caller,
// not hidden in package state.
type Memory struct {
	logger *zap.SugaredLogger

	// mu guards the channels map only. Each channel carries its own lock
	// for its subscriber set so traffic on one vehicle never contends with
	// another.
	mu       sync.Mutex
	channels map[string]*memChannel
	closed   bool
}

type memChannel struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// NewMemory builds an empty process-scoped channel registry.
func NewMemory(logger *zap.SugaredLogger) *Memory {
	return &Memory{
		logger:   logger,
		channels: make(map[string]*memChannel),
	}
}

// Publish fans the change out to the channel's current subscribers. Slow
// subscribers are closed rather than waited on.
func (m *Memory) Publish(ctx context.Context, channel string, chg model.CounterChange) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrBackendClosed
	}
	ch := m.channels[channel]
	m.mu.Unlock()

	if ch == nil {
		return nil // nobody listening
	}

	for _, sub := range ch.broadcast(chg) {
		m.logger.Warnw("dropping slow subscriber", "channel", channel)
		monitor.SubscribersDropped.Inc()
		sub.Close()
	}
	return nil
}

// Subscribe attaches a new subscriber to the channel, creating the channel
// on first use.
func (m *Memory) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrBackendClosed
	}
	ch := m.channels[channel]
	if ch == nil {
		ch = &memChannel{subs: make(map[*Subscription]struct{})}
		m.channels[channel] = ch
	}
	var sub *Subscription
	sub = newSubscription(func() {
		if ch.remove(sub) {
			m.removeChannel(channel, ch)
		}
	})
	// Attach before releasing the registry lock so a racing last-unsubscribe
	// cannot observe the channel as empty and delete it underneath us.
	ch.add(sub)
	m.mu.Unlock()
	return sub, nil
}

// Close shuts the registry down and closes every open subscription.
func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	channels := m.channels
	m.channels = make(map[string]*memChannel)
	m.mu.Unlock()

	for _, ch := range channels {
		for _, sub := range ch.drain() {
			sub.Close()
		}
	}
	return nil
}

// removeChannel drops a channel whose last subscriber left, unless a new
// subscriber raced in since.
func (m *Memory) removeChannel(channel string, ch *memChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.channels[channel]; ok && cur == ch && cur.empty() {
		delete(m.channels, channel)
	}
}

func (c *memChannel) add(sub *Subscription) {
	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
}

// remove detaches a subscriber and reports whether the channel is now empty.
func (c *memChannel) remove(sub *Subscription) bool {
	c.mu.Lock()
	delete(c.subs, sub)
	empty := len(c.subs) == 0
	c.mu.Unlock()
	return empty
}

func (c *memChannel) empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs) == 0
}

// broadcast delivers to every subscriber and returns the ones whose buffers
// were full. The caller closes those outside the channel lock.
func (c *memChannel) broadcast(chg model.CounterChange) []*Subscription {
	var dropped []*Subscription
	c.mu.RLock()
	for sub := range c.subs {
		if !sub.deliver(chg) {
			dropped = append(dropped, sub)
		}
	}
	c.mu.RUnlock()
	return dropped
}

// drain empties the subscriber set and returns it for closing.
func (c *memChannel) drain() []*Subscription {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[*Subscription]struct{})
	c.mu.Unlock()
	return subs
}
