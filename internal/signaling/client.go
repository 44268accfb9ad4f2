package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"chime-live/internal/pool"
	"chime-live/internal/presence"
)

const writeTimeout = 10 * time.Second

type frame struct {
	payload []byte
	// closeReason, when set, closes the connection once payload is written.
	closeReason string
}

type client struct {
	gateway *Gateway
	conn    *websocket.Conn
	userID  string
	handle  presence.Handle
	logger  *slog.Logger

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc

	// Last start-matchmaking input, owned by the read loop.
	attrs *pool.Attrs
	prefs *pool.Prefs
}

// enqueue hands payload to the write loop. A client that cannot keep up is
// disconnected rather than allowed to block the sender.
func (c *client) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send buffer full, closing connection")
		c.close(websocket.StatusPolicyViolation, "send buffer full")
		return false
	}
}

func (c *client) sendMessage(msg Message) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal signaling message", "type", msg.Type, "error", err)
		return false
	}
	if c.enqueue(frame{payload: payload}) {
		c.gateway.metrics.ObserveSignal("out", msg.Type)
		return true
	}
	return false
}

func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, f.payload)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "write failed")
				return
			}
			if f.closeReason != "" {
				c.close(websocket.StatusPolicyViolation, f.closeReason)
				return
			}
		}
	}
}

// heartbeatLoop pings the peer and refreshes the presence record. The
// connection is closed when the peer stops answering or the record now names
// another connection.
func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "ping timeout")
				return
			}
			current, err := c.gateway.presence.Touch(ctx, c.userID, c.handle)
			if err != nil {
				c.logger.Warn("refresh presence", "error", err)
				continue
			}
			if !current {
				c.logger.Info("presence record moved to another connection")
				c.close(websocket.StatusPolicyViolation, "superseded")
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	for {
		typ, payload, err := c.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				c.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			c.sendMessage(globalError("unsupported message"))
			continue
		}
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.sendMessage(globalError("invalid payload"))
			continue
		}
		c.gateway.metrics.ObserveSignal("in", msg.Type)
		c.gateway.handle(ctx, c, msg)
	}
}

func (c *client) close(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		cancel := c.cancel
		if cancel == nil {
			cancel = func() {}
		}
		if status == websocket.StatusNormalClosure {
			_ = c.conn.CloseNow()
			cancel()
			return
		}
		// The close handshake needs the read loop running to see the reply.
		go func() {
			_ = c.conn.Close(status, reason)
			cancel()
		}()
	})
}
