package broadcast

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"

	"paxcount/internal/model"
	"paxcount/internal/monitor"
)

// MQTTConfig holds the settings for the distributed backend.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// KeepAlive in seconds. Default 60.
	KeepAlive uint16
	// ConnectTimeout bounds the initial connection wait. Default 5s.
	ConnectTimeout time.Duration
	// PublishTimeout bounds a single publish so a dead broker surfaces as an
	// error instead of a stalled mutation. Default 5s.
	PublishTimeout time.Duration
}

func (c *MQTTConfig) setDefaults() {
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

func (c *MQTTConfig) validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("mqtt: broker url is required")
	}
	if _, err := url.Parse(c.BrokerURL); err != nil {
		return fmt.Errorf("mqtt: invalid broker url: %w", err)
	}
	return nil
}

// MQTT is the distributed backend. Channels map one-to-one onto broker
// topics; a counter change published by any process instance reaches
// subscribers on every instance. Publishes are retained so the broker keeps
// the last value per channel as a mirror, but subscribers drop retained
// deliveries — connect-time state always comes from the durable snapshot.
type MQTT struct {
	cfg    MQTTConfig
	logger *zap.SugaredLogger

	cm        *autopaho.ConnectionManager
	connected atomic.Bool

	// mu guards the topics map only; each topic owns the lock for its local
	// subscriber set.
	mu     sync.Mutex
	topics map[string]*memChannel
	closed bool
}

var _ Backend = (*MQTT)(nil)

// NewMQTT validates the configuration and prepares a client. No connection
// is made until Start.
func NewMQTT(cfg MQTTConfig, logger *zap.SugaredLogger) (*MQTT, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &MQTT{
		cfg:    cfg,
		logger: logger,
		topics: make(map[string]*memChannel),
	}, nil
}

// Start launches the connection manager. It returns immediately; the
// manager dials and redials in the background. Use AwaitConnection to wait
// for the first connect.
func (m *MQTT) Start(ctx context.Context) error {
	brokerURL, _ := url.Parse(m.cfg.BrokerURL) // validated in NewMQTT

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     m.cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                m.cfg.ConnectTimeout,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectUsername:               m.cfg.Username,
		ConnectPassword:               []byte(m.cfg.Password),
		OnConnectionUp:                m.onConnectionUp,
		OnConnectError:                m.onConnectError,
		ClientConfig: paho.ClientConfig{
			ClientID:           m.cfg.ClientID,
			OnClientError:      m.onClientError,
			OnServerDisconnect: m.onServerDisconnect,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				m.route,
			},
		},
	}

	m.logger.Infow("starting MQTT broadcast client", "broker", m.cfg.BrokerURL, "clientID", m.cfg.ClientID)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return err
	}
	m.cm = cm
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx expires.
func (m *MQTT) AwaitConnection(ctx context.Context) error {
	if m.cm == nil {
		return fmt.Errorf("mqtt: client not started")
	}
	return m.cm.AwaitConnection(ctx)
}

// Connected reports whether the broker connection is currently up. The
// switch uses this as its reconnect check.
func (m *MQTT) Connected() bool {
	return m.connected.Load()
}

// Publish sends the change to the channel's topic with QoS 1 and the retain
// flag set, making the broker's stored value the last-known mirror.
func (m *MQTT) Publish(ctx context.Context, channel string, chg model.CounterChange) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrBackendClosed
	}
	if m.cm == nil || !m.connected.Load() {
		return ErrBackendUnavailable
	}

	payload, err := model.EncodeCounterChange(chg)
	if err != nil {
		return fmt.Errorf("mqtt: encode change: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()

	if _, err := m.cm.Publish(ctx, &paho.Publish{
		Topic:   channel,
		QoS:     1,
		Retain:  true,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("mqtt: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe attaches a local subscriber to the channel. The broker-side
// SUBSCRIBE is refcounted: one per channel no matter how many local
// subscribers share it, re-sent automatically after every reconnect.
func (m *MQTT) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrBackendClosed
	}
	t := m.topics[channel]
	first := t == nil
	if first {
		t = &memChannel{subs: make(map[*Subscription]struct{})}
		m.topics[channel] = t
	}
	var sub *Subscription
	sub = newSubscription(func() {
		if t.remove(sub) {
			m.dropTopic(channel, t)
		}
	})
	t.add(sub)
	m.mu.Unlock()

	if first {
		m.sendSubscribe(ctx, channel)
	}
	return sub, nil
}

// Close disconnects from the broker and closes every local subscription.
func (m *MQTT) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	topics := m.topics
	m.topics = make(map[string]*memChannel)
	m.mu.Unlock()

	for _, t := range topics {
		for _, sub := range t.drain() {
			sub.Close()
		}
	}

	if m.cm != nil {
		return m.cm.Disconnect(ctx)
	}
	return nil
}

// sendSubscribe issues the broker SUBSCRIBE for a channel. QoS 0: a missed
// frame is always superseded by the next change or a reconnect snapshot, and
// QoS 0 avoids broker-side redelivery duplicates.
func (m *MQTT) sendSubscribe(ctx context.Context, channel string) {
	if !m.connected.Load() {
		// onConnectionUp re-subscribes everything once the broker is back.
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()
	if _, err := m.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: channel, QoS: 0}},
	}); err != nil {
		m.logger.Warnw("broker subscribe failed, will retry on reconnect", "channel", channel, "error", err)
	}
}

// dropTopic removes a channel whose last local subscriber left and lets the
// broker know, off the caller's path so disconnects stay prompt.
func (m *MQTT) dropTopic(channel string, t *memChannel) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if cur, ok := m.topics[channel]; !ok || cur != t || !cur.empty() {
		m.mu.Unlock()
		return
	}
	delete(m.topics, channel)
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		if _, err := m.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{channel}}); err != nil {
			m.logger.Debugw("broker unsubscribe failed", "channel", channel, "error", err)
		}
	}()
}

func (m *MQTT) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	m.connected.Store(true)
	m.logger.Infow("MQTT broker connection established")

	m.mu.Lock()
	channels := make([]string, 0, len(m.topics))
	for channel := range m.topics {
		channels = append(channels, channel)
	}
	m.mu.Unlock()

	// Re-subscribe every channel that has local subscribers; the broker
	// forgot them with the old session.
	for _, channel := range channels {
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: channel, QoS: 0}},
		}); err != nil {
			m.logger.Errorw("re-subscribe failed", "channel", channel, "error", err)
		}
	}
}

func (m *MQTT) onConnectError(err error) {
	m.connected.Store(false)
	m.logger.Warnw("MQTT broker connection failed, retrying", "error", err)
}

func (m *MQTT) onClientError(err error) {
	m.connected.Store(false)
	m.logger.Warnw("MQTT client error", "error", err)
}

func (m *MQTT) onServerDisconnect(d *paho.Disconnect) {
	m.connected.Store(false)
	reason := ""
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	m.logger.Warnw("MQTT broker requested disconnect", "reason", reason)
}

// route dispatches an inbound frame to the channel's local subscribers. It
// runs on the client's reader goroutine and delivers inline — fanning out
// through goroutines would break per-channel ordering. Deliveries never
// block (bounded subscriber buffers), so the reader is never held up.
func (m *MQTT) route(pr paho.PublishReceived) (bool, error) {
	if pr.Packet.Retain {
		// Stored last-value replay on a fresh subscribe; the session's
		// durable snapshot already covers connect-time state.
		return true, nil
	}

	chg, err := model.DecodeCounterChange(pr.Packet.Payload)
	if err != nil {
		m.logger.Warnw("malformed frame on broadcast topic", "topic", pr.Packet.Topic, "error", err)
		return true, nil
	}

	m.mu.Lock()
	t := m.topics[pr.Packet.Topic]
	m.mu.Unlock()
	if t == nil {
		return true, nil
	}

	for _, sub := range t.broadcast(chg) {
		m.logger.Warnw("dropping slow subscriber", "channel", pr.Packet.Topic)
		monitor.SubscribersDropped.Inc()
		sub.Close()
	}
	return true, nil
}
