package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"chime-live/internal/presence"
)

// BroadcastChannel reaches every instance.
const BroadcastChannel = "signal:all"

// Channel is the pub/sub channel instanceID listens on for messages addressed
// to its connections.
func Channel(instanceID string) string { return "signal:" + instanceID }

// envelope carries an encoded Message to a connection on another instance.
// ConnID is empty for broadcasts.
type envelope struct {
	ConnID      string          `json:"conn,omitempty"`
	Type        string          `json:"type"`
	CloseReason string          `json:"close,omitempty"`
	Message     json.RawMessage `json:"message"`
	Bounce      *bounce         `json:"bounce,omitempty"`
}

// bounce tells the receiving instance whom to send target-unavailable to
// when the addressed connection is no longer there.
type bounce struct {
	To         string `json:"to"`
	InstanceID string `json:"instance"`
	ConnID     string `json:"conn"`
}

func (b *bounce) sender() presence.Handle {
	return presence.Handle{InstanceID: b.InstanceID, ConnID: b.ConnID}
}

func (g *Gateway) relayLoop(ctx context.Context, messages <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("relay subscription closed")
			}
			g.dispatch(ctx, msg)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		g.logger.Warn("discarding malformed relay message", "channel", msg.Channel, "error", err)
		return
	}
	if msg.Channel == BroadcastChannel {
		g.broadcastLocal(env.Type, env.Message)
		return
	}
	c := g.local(env.ConnID)
	if c != nil && c.enqueue(frame{payload: env.Message, closeReason: env.CloseReason}) {
		g.metrics.ObserveSignal("out", env.Type)
		return
	}
	g.logger.Debug("relay target not connected here", "connection_id", env.ConnID, "type", env.Type)
	if env.Bounce == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	if _, err := g.deliverTo(ctx, env.Bounce.sender(), targetUnavailable(env.Bounce.To), ""); err != nil {
		g.logger.Warn("bounce relay message", "to", env.Bounce.To, "sender", env.Bounce.sender().String(), "error", err)
	}
}
