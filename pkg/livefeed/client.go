// Package livefeed is a client for the passenger count WebSocket feed.
// It dials /ws/{vehicle_id}, surfaces every frame on a channel and dials
// again when the connection drops. The server opens each stream with a
// snapshot frame, so a reconnect self-heals the count without any replay.
// Idle connections are probed with pings so a dead link on a quiet vehicle
// is redialed instead of sitting silent.
package livefeed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// connectionState represents the WebSocket connection status
type connectionState int

const (
	stateDisconnected connectionState = iota
	stateConnected
	stateReconnecting
)

const updateBuffer = 16

// CountUpdate is one frame of the feed: the absolute passenger total
// for a vehicle at the moment the frame was sent.
type CountUpdate struct {
	VehicleID string `json:"vehicle_id"`
	Count     int    `json:"count"`
}

// Feed is a live subscription to one vehicle's passenger count.
type Feed struct {
	url       string
	vehicleID string

	mu       sync.Mutex
	conn     *websocket.Conn
	state    connectionState
	shutdown bool

	updates chan CountUpdate
	cancel  context.CancelFunc

	logger            *zap.Logger
	dialTimeout       time.Duration
	reconnectInterval time.Duration
	pingInterval      time.Duration
	pingTimeout       time.Duration
}

// Dial connects to the count feed for one vehicle. baseURL is the service
// root (http://, https://, ws:// or wss://). The returned Feed keeps itself
// connected until Close is called; ctx bounds only the first dial.
func Dial(ctx context.Context, baseURL, vehicleID string, logger *zap.Logger) (*Feed, error) {
	f, err := newFeed(baseURL, vehicleID, logger)
	if err != nil {
		return nil, err
	}
	if err := f.dial(ctx); err != nil {
		return nil, err
	}
	f.start()
	return f, nil
}

func newFeed(baseURL, vehicleID string, logger *zap.Logger) (*Feed, error) {
	wsURL, err := feedURL(baseURL, vehicleID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		url:               wsURL,
		vehicleID:         vehicleID,
		updates:           make(chan CountUpdate, updateBuffer),
		logger:            logger,
		dialTimeout:       10 * time.Second,
		reconnectInterval: 500 * time.Millisecond,
		pingInterval:      20 * time.Second,
		pingTimeout:       5 * time.Second,
		state:             stateDisconnected,
	}, nil
}

// Updates streams count frames. The channel closes when the feed shuts
// down, either through Close or because a reconnect was abandoned.
func (f *Feed) Updates() <-chan CountUpdate {
	return f.updates
}

// IsConnected reports whether the feed currently holds a live connection.
func (f *Feed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateConnected && f.conn != nil
}

// Close tears down the connection and closes the updates channel.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return nil
	}
	f.shutdown = true
	conn := f.conn
	f.state = stateDisconnected
	f.mu.Unlock()

	if f.cancel != nil {
		f.cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (f *Feed) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	if err != nil {
		return fmt.Errorf("livefeed: dial %s: %w", f.url, err)
	}

	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return errors.New("livefeed: feed closed")
	}
	f.conn = conn
	f.state = stateConnected
	f.mu.Unlock()
	return nil
}

func (f *Feed) start() {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go f.run(ctx)
	go f.pingLoop(ctx)
}

// run owns the read loop and is the only sender on the updates channel.
func (f *Feed) run(ctx context.Context) {
	defer close(f.updates)

	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()

		var update CountUpdate
		if err := wsjson.Read(ctx, conn, &update); err != nil {
			if f.closing() || ctx.Err() != nil {
				return
			}
			f.logger.Warn("count feed connection lost",
				zap.String("vehicle_id", f.vehicleID), zap.Error(err))
			_ = conn.CloseNow()
			if !f.reconnect(ctx) {
				return
			}
			continue
		}
		f.deliver(update)
	}
}

// deliver never blocks the read loop. Frames carry absolute totals, so
// when the consumer lags the stale frame is the one to shed.
func (f *Feed) deliver(u CountUpdate) {
	for {
		select {
		case f.updates <- u:
			return
		default:
		}
		select {
		case <-f.updates:
		default:
		}
	}
}

// reconnect dials until it succeeds or the feed shuts down. It reports
// whether the read loop should resume.
func (f *Feed) reconnect(ctx context.Context) bool {
	f.mu.Lock()
	f.state = stateReconnecting
	f.mu.Unlock()

	ticker := time.NewTicker(f.reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if f.closing() {
				return false
			}
			if err := f.dial(ctx); err != nil {
				f.logger.Warn("count feed reconnect failed",
					zap.String("vehicle_id", f.vehicleID), zap.Error(err))
				continue
			}
			f.logger.Info("count feed reconnected",
				zap.String("vehicle_id", f.vehicleID))
			return true
		}
	}
}

func (f *Feed) closing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func feedURL(baseURL, vehicleID string) (string, error) {
	if vehicleID == "" {
		return "", errors.New("livefeed: vehicle id required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("livefeed: parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("livefeed: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + vehicleID
	return u.String(), nil
}
