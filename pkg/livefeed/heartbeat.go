package livefeed

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// pingLoop probes the connection between frames. A quiet vehicle can go
// minutes without a count change, so a dead link would otherwise sit
// unnoticed until the next frame. A failed ping force-closes the socket,
// which fails the blocked read and hands control to the reconnect path.
func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.ping(ctx); err != nil {
				if f.closing() || ctx.Err() != nil {
					return
				}
				f.logger.Warn("count feed ping failed",
					zap.String("vehicle_id", f.vehicleID), zap.Error(err))
				f.dropConn()
			}
		}
	}
}

// ping sends one keepalive probe and waits for the pong. Between
// connections there is nothing to probe; the read loop owns redialing.
func (f *Feed) ping(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	state := f.state
	f.mu.Unlock()

	if state != stateConnected || conn == nil {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, f.pingTimeout)
	defer cancel()
	return conn.Ping(pingCtx)
}

// dropConn closes the current connection without marking the feed shut
// down, so the read loop treats it as a lost connection and redials.
func (f *Feed) dropConn() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
}
