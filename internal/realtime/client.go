package realtime

import (
	"time"

	"github.com/gorilla/websocket"

	"paxcount/internal/broadcast"
	"paxcount/internal/model"
)

const writeWait = 10 * time.Second

// wsConn is the part of *websocket.Conn the pumps use.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one viewer session: a websocket pinned to a single vehicle.
type Client struct {
	hub       *Hub
	vehicleID string
	conn      wsConn
	sub       *broadcast.Subscription
	snapshot  int
}

// WritePump sends the snapshot frame and then relays every counter change
// until the subscription ends or the socket dies.
func (c *Client) WritePump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	if err := c.write(model.CounterChange{VehicleID: c.vehicleID, Count: c.snapshot}); err != nil {
		c.hub.logger.Warnw("snapshot write failed", "vehicle_id", c.vehicleID, "error", err)
		return
	}

	for chg := range c.sub.Updates() {
		if err := c.write(chg); err != nil {
			c.hub.logger.Warnw("WriteMessage error", "vehicle_id", c.vehicleID, "error", err)
			return
		}
	}

	// Subscription ended: backend shutdown or this viewer fell too far
	// behind. Tell the peer before dropping the socket.
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"), deadline)
}

func (c *Client) write(chg model.CounterChange) error {
	frame, err := model.EncodeCounterChange(chg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// ReadPump drains inbound frames purely to learn when the viewer goes
// away. Viewers only listen; anything they send is ignored.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
