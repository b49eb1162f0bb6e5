package realtime

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"paxcount/internal/broadcast"
	"paxcount/internal/model"
	"paxcount/internal/monitor"
)

var ErrHubClosed = errors.New("realtime: hub closed")

// CountReader supplies the snapshot sent to a viewer on connect.
type CountReader interface {
	Get(ctx context.Context, vehicleID string) (int, error)
}

// Hub tracks live viewer sessions. Each session holds its own broadcast
// subscription, so fan-out happens in the broadcast layer; the hub only
// wires sessions up and sweeps them on shutdown.
type Hub struct {
	backend broadcast.Backend
	counts  CountReader
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[*Client]bool
	closed   bool
}

func NewHub(backend broadcast.Backend, counts CountReader, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		backend:  backend,
		counts:   counts,
		logger:   logger,
		sessions: make(map[*Client]bool),
	}
}

// Connect wires one viewer socket to one vehicle's count stream. The
// subscription is attached before the snapshot is read: a change landing
// between the two shows up in the snapshot and is at worst relayed once
// more with the same value, never missed.
func (h *Hub) Connect(ctx context.Context, vehicleID string, conn wsConn) (*Client, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.mu.Unlock()

	sub, err := h.backend.Subscribe(ctx, broadcast.ChannelFor(vehicleID))
	if err != nil {
		return nil, err
	}

	snapshot, err := h.counts.Get(ctx, vehicleID)
	if err != nil {
		if !errors.Is(err, model.ErrVehicleNotFound) {
			sub.Close()
			return nil, err
		}
		// Viewers may attach before the vehicle is registered; they start
		// at zero and pick up the first published change.
		snapshot = 0
	}

	client := &Client{
		hub:       h,
		vehicleID: vehicleID,
		conn:      conn,
		sub:       sub,
		snapshot:  snapshot,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.Close()
		return nil, ErrHubClosed
	}
	h.sessions[client] = true
	h.mu.Unlock()

	monitor.SessionsActive.Inc()
	h.logger.Infow("viewer connected", "vehicle_id", vehicleID, "snapshot", snapshot)
	return client, nil
}

// detach is idempotent; both pumps call it on their way out.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	_, ok := h.sessions[c]
	if ok {
		delete(h.sessions, c)
	}
	h.mu.Unlock()

	if ok {
		c.sub.Close()
		monitor.SessionsActive.Dec()
		h.logger.Infow("viewer disconnected", "vehicle_id", c.vehicleID)
	}
}

// SessionCount reports the number of live viewer sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown refuses new sessions and closes every live one.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.sessions))
	for c := range h.sessions {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.detach(c)
		c.conn.Close()
	}
	h.logger.Infow("realtime hub shut down", "sessions_closed", len(clients))
}
