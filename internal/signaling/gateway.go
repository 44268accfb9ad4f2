// Package signaling is the websocket front end of the matchmaker. Each
// connection gets read, write and heartbeat loops; inbound messages drive the
// waiting pool and match engine, and WebRTC offers, answers and ICE
// candidates are relayed between call partners. Messages for a connection
// held by another instance travel over that instance's Redis pub/sub channel.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chime-live/internal/apperrors"
	"chime-live/internal/calls"
	"chime-live/internal/events"
	"chime-live/internal/match"
	"chime-live/internal/observability/logging"
	"chime-live/internal/observability/metrics"
	"chime-live/internal/pool"
	"chime-live/internal/presence"
)

const (
	defaultOperationTimeout = 5 * time.Second
	defaultSendBuffer       = 32
	defaultMaxMessageBytes  = 64 << 10
	defaultMatchGroup       = "signaling"
)

// Config wires a Gateway to the shared store and the event bus.
type Config struct {
	// InstanceID names this process in presence records and relay
	// channels. A random id is used when empty.
	InstanceID string
	Redis      redis.UniversalClient
	Pool       *pool.Pool
	Engine     *match.Engine
	Calls      *calls.Store
	Presence   *presence.Registry
	Bus        events.Bus
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// HeartbeatInterval controls how often clients are pinged and their
	// presence refreshed. Zero uses a third of the presence TTL.
	HeartbeatInterval time.Duration
	// OperationTimeout bounds the store work done for one inbound message.
	OperationTimeout time.Duration
	SendBuffer       int
	MaxMessageBytes  int64
	// OriginPatterns lists the browser origins allowed to open a socket.
	OriginPatterns []string
	// MatchGroup is the bus consumer group shared by every instance.
	MatchGroup string
}

// Gateway owns this instance's websocket connections.
type Gateway struct {
	instanceID string
	redis      redis.UniversalClient
	pool       *pool.Pool
	engine     *match.Engine
	calls      *calls.Store
	presence   *presence.Registry
	bus        events.Bus
	logger     *slog.Logger
	metrics    *metrics.Recorder

	heartbeatInterval time.Duration
	opTimeout         time.Duration
	sendBuffer        int
	maxMessageBytes   int64
	originPatterns    []string
	matchGroup        string

	ready     chan struct{}
	readyOnce sync.Once

	mu    sync.RWMutex
	conns map[string]*client
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Redis == nil || cfg.Pool == nil || cfg.Engine == nil || cfg.Calls == nil || cfg.Presence == nil || cfg.Bus == nil {
		return nil, apperrors.FatalConfig("signaling.new", "redis, pool, engine, calls, presence and bus are required")
	}
	g := &Gateway{
		instanceID:        strings.TrimSpace(cfg.InstanceID),
		redis:             cfg.Redis,
		pool:              cfg.Pool,
		engine:            cfg.Engine,
		calls:             cfg.Calls,
		presence:          cfg.Presence,
		bus:               cfg.Bus,
		metrics:           cfg.Metrics,
		heartbeatInterval: cfg.HeartbeatInterval,
		opTimeout:         cfg.OperationTimeout,
		sendBuffer:        cfg.SendBuffer,
		maxMessageBytes:   cfg.MaxMessageBytes,
		originPatterns:    cfg.OriginPatterns,
		matchGroup:        cfg.MatchGroup,
		ready:             make(chan struct{}),
		conns:             make(map[string]*client),
	}
	if g.instanceID == "" {
		g.instanceID = uuid.NewString()
	}
	if strings.Contains(g.instanceID, "/") {
		return nil, apperrors.FatalConfig("signaling.new", "instance id must not contain '/'")
	}
	g.logger = logging.WithComponent(cfg.Logger, "signaling").With("instance_id", g.instanceID)
	if g.heartbeatInterval <= 0 {
		g.heartbeatInterval = cfg.Presence.TTL() / 3
	}
	if g.opTimeout <= 0 {
		g.opTimeout = defaultOperationTimeout
	}
	if g.sendBuffer <= 0 {
		g.sendBuffer = defaultSendBuffer
	}
	if g.maxMessageBytes <= 0 {
		g.maxMessageBytes = defaultMaxMessageBytes
	}
	if g.matchGroup == "" {
		g.matchGroup = defaultMatchGroup
	}
	return g, nil
}

// InstanceID returns the id this gateway registers connections under.
func (g *Gateway) InstanceID() string { return g.instanceID }

// Ready is closed once Run has subscribed to the relay channel and the match
// topic.
func (g *Gateway) Ready() <-chan struct{} { return g.ready }

// Run consumes relayed messages and committed matches until ctx is done,
// then closes every local connection.
func (g *Gateway) Run(ctx context.Context) error {
	pubsub := g.redis.Subscribe(ctx, Channel(g.instanceID), BroadcastChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return apperrors.Transient("signaling.run", err)
	}
	defer pubsub.Close()

	matches, err := g.bus.Subscribe(ctx, events.TopicMatchComputed, g.matchGroup)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TopicMatchComputed, err)
	}
	defer matches.Close()

	g.readyOnce.Do(func() { close(g.ready) })
	g.logger.Info("signaling gateway ready")

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return g.relayLoop(gctx, pubsub.Channel()) })
	grp.Go(func() error { return g.matchLoop(gctx, matches) })
	err = grp.Wait()
	g.closeAll()
	return err
}

// HandleConnection upgrades the request to a websocket for userID and serves
// it until the connection ends.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request, userID string) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: g.originPatterns})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}
	conn.SetReadLimit(g.maxMessageBytes)

	handle := presence.Handle{InstanceID: g.instanceID, ConnID: uuid.NewString()}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ctx = logging.ContextWithUserID(ctx, userID)
	ctx = logging.ContextWithConnectionID(ctx, handle.ConnID)

	c := &client{
		gateway: g,
		conn:    conn,
		userID:  userID,
		handle:  handle,
		logger:  logging.WithContext(ctx, g.logger),
		send:    make(chan frame, g.sendBuffer),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	g.register(c)
	g.metrics.ConnectionOpened()
	go c.writeLoop(ctx)

	if err := g.connect(ctx, c); err != nil {
		c.logger.Warn("register presence", "error", err)
		payload, _ := json.Marshal(globalError(tryAgainMessage))
		c.enqueue(frame{payload: payload, closeReason: "presence unavailable"})
	} else {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}

	c.readLoop(ctx)
	c.close(websocket.StatusNormalClosure, "")
	g.unregister(c)
	g.metrics.ConnectionClosed()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.WithoutCancel(ctx), g.opTimeout)
	defer cancelCleanup()
	if err := g.Disconnect(cleanupCtx, userID, handle); err != nil {
		c.logger.Warn("disconnect cleanup", "error", err)
	}
}

// connect records c as the user's connection. A connection it replaces is
// told so and closed, and the session it was serving ends with it.
func (g *Gateway) connect(ctx context.Context, c *client) error {
	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	previous, err := g.presence.Connect(opCtx, c.userID, c.handle)
	if err != nil {
		return err
	}
	if !previous.IsZero() {
		c.logger.Info("superseding previous connection", "previous", previous.String())
		notice := Message{Type: TypeDuplicateConnection, Message: supersededMessage}
		if _, err := g.deliverTo(opCtx, previous, notice, "superseded"); err != nil {
			c.logger.Warn("notify superseded connection", "error", err)
		}
		if err := g.endSession(opCtx, c.userID); err != nil {
			c.logger.Warn("end superseded session", "error", err)
		}
	}
	g.BroadcastOnlineCount(opCtx)
	return nil
}

// Disconnect ends the session served by handle: the presence record is
// removed, the user leaves the pool and any active call is ended. Nothing
// else happens when handle has already been superseded.
func (g *Gateway) Disconnect(ctx context.Context, userID string, handle presence.Handle) error {
	removed, err := g.presence.Disconnect(ctx, userID, handle)
	if err != nil {
		g.logger.Warn("remove presence record", "user_id", userID, "error", err)
	} else if !removed {
		return nil
	}
	sessionErr := g.endSession(ctx, userID)
	g.BroadcastOnlineCount(ctx)
	return sessionErr
}

// endSession removes userID from the pool and ends the call they are in,
// including one committed moments ago.
func (g *Gateway) endSession(ctx context.Context, userID string) error {
	var errs []error
	if _, err := g.pool.Dequeue(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	partner, ok, err := g.calls.Partner(ctx, userID)
	if err != nil {
		errs = append(errs, err)
	} else if ok {
		if err := g.endCall(ctx, userID, partner, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EndCall ends the call between userID and partnerID and tells both sides.
// It is safe to call when the partner has already gone. The partner leaves
// the pool only when the two were still in a call: partnerID comes from the
// client, and a stale or forged id must not evict someone who is waiting.
func (g *Gateway) EndCall(ctx context.Context, userID, partnerID string) error {
	return g.endCall(ctx, userID, partnerID, true)
}

func (g *Gateway) endCall(ctx context.Context, userID, partnerID string, notifyEnder bool) error {
	var errs []error
	if _, err := g.pool.Dequeue(ctx, userID); err != nil {
		errs = append(errs, err)
	}
	ended, ok, err := g.calls.End(ctx, userID, partnerID)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if ok {
		// A partner who already moved on is not in this call and keeps
		// their place.
		if _, err := g.pool.Dequeue(ctx, partnerID); err != nil {
			errs = append(errs, err)
		}
		if err := g.bus.Publish(ctx, events.NewCallEnded(ended.CallerID, ended.CalleeID, ended.Seconds())); err != nil {
			g.logger.Warn("publish call-ended", "user_id", userID, "partner_id", partnerID, "error", err)
		} else {
			g.metrics.ObserveBusEvent(string(events.TopicCallEnded), "published")
		}
		if _, err := g.deliver(ctx, partnerID, callEnded(false)); err != nil {
			g.logger.Warn("notify call partner", "partner_id", partnerID, "error", err)
		}
	}
	if notifyEnder {
		if _, err := g.deliver(ctx, userID, callEnded(true)); err != nil {
			g.logger.Warn("notify call ender", "user_id", userID, "error", err)
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) handle(ctx context.Context, c *client, msg Message) {
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	switch msg.Type {
	case TypeStartMatchmaking:
		attrs, prefs := pool.Attrs{}, pool.Prefs{}
		if msg.Attrs != nil {
			attrs = *msg.Attrs
		}
		if msg.Prefs != nil {
			prefs = *msg.Prefs
		}
		c.attrs, c.prefs = &attrs, &prefs
		g.requeue(ctx, c)
	case TypeNext:
		if c.attrs == nil {
			c.sendMessage(globalError("start matchmaking first"))
			return
		}
		if partner := strings.TrimSpace(msg.PartnerID); partner != "" {
			if err := g.EndCall(ctx, c.userID, partner); err != nil {
				g.fail(ctx, c, "next", err)
				return
			}
		}
		g.requeue(ctx, c)
	case TypeLeaveQueue:
		if _, err := g.pool.Dequeue(ctx, c.userID); err != nil {
			g.fail(ctx, c, "leave-queue", err)
		}
	case TypeCallOffer:
		g.relay(ctx, c, msg.To, Message{Type: TypeReceiveCall, Offer: msg.Offer, From: c.userID})
	case TypeCallAccepted:
		g.relay(ctx, c, msg.To, Message{Type: TypeCallAccepted, Answer: msg.Answer, From: c.userID})
	case TypeICECandidate:
		g.relay(ctx, c, msg.To, Message{Type: TypeICECandidate, Candidate: msg.Candidate, From: c.userID})
	case TypeEndCall:
		g.handleEndCall(ctx, c, strings.TrimSpace(msg.PartnerID))
	case TypeOnlineCount:
		n, err := g.presence.OnlineCount(ctx)
		if err != nil {
			g.fail(ctx, c, "online-count", err)
			return
		}
		c.sendMessage(onlineCount(n))
	default:
		c.sendMessage(globalError("unknown message type"))
	}
}

// requeue ends any call the user is in, puts them in the pool with their
// last attributes and tries to match them.
func (g *Gateway) requeue(ctx context.Context, c *client) {
	partner, inCall, err := g.calls.Partner(ctx, c.userID)
	if err != nil {
		g.fail(ctx, c, "start-matchmaking", err)
		return
	}
	if inCall {
		if err := g.EndCall(ctx, c.userID, partner); err != nil {
			g.fail(ctx, c, "start-matchmaking", err)
			return
		}
	}
	if _, err := g.pool.Enqueue(ctx, c.userID, *c.attrs, *c.prefs); err != nil {
		g.fail(ctx, c, "start-matchmaking", err)
		return
	}
	result, err := g.engine.FindMatch(ctx, c.userID)
	switch {
	case apperrors.IsNotFound(err):
		c.sendMessage(Message{Type: TypeWait})
	case err != nil:
		g.fail(ctx, c, "start-matchmaking", err)
	case result.Matched:
		// match-found reaches both users through the match topic.
	case result.PoolSize <= 1:
		c.sendMessage(Message{Type: TypeSelfLoop})
	default:
		c.sendMessage(Message{Type: TypeWait})
	}
}

func (g *Gateway) handleEndCall(ctx context.Context, c *client, partnerID string) {
	if partnerID == "" {
		partner, ok, err := g.calls.Partner(ctx, c.userID)
		if err != nil {
			g.fail(ctx, c, "end-call", err)
			return
		}
		if !ok {
			if _, err := g.pool.Dequeue(ctx, c.userID); err != nil {
				g.fail(ctx, c, "end-call", err)
			}
			return
		}
		partnerID = partner
	}
	if err := g.EndCall(ctx, c.userID, partnerID); err != nil {
		g.fail(ctx, c, "end-call", err)
	}
}

// relay forwards msg to the caller's current call partner. Anyone else, or
// a partner without a live connection, is reported as unavailable.
func (g *Gateway) relay(ctx context.Context, c *client, to string, msg Message) {
	to = strings.TrimSpace(to)
	if to == "" {
		c.sendMessage(globalError("recipient is required"))
		return
	}
	partner, ok, err := g.calls.Partner(ctx, c.userID)
	if err != nil {
		g.fail(ctx, c, msg.Type, err)
		return
	}
	if !ok || partner != to {
		c.sendMessage(targetUnavailable(to))
		return
	}
	handle, online, err := g.presence.Lookup(ctx, to)
	if err != nil {
		c.logger.Warn("look up relay target", "type", msg.Type, "to", to, "error", err)
	}
	if !online {
		c.sendMessage(targetUnavailable(to))
		return
	}
	// A connection that turns out to be gone on the remote instance is
	// reported back through the bounce.
	delivered, err := g.send(ctx, handle, msg, envelope{Bounce: &bounce{
		To:         to,
		InstanceID: c.handle.InstanceID,
		ConnID:     c.handle.ConnID,
	}})
	if err != nil {
		c.logger.Warn("relay signaling message", "type", msg.Type, "to", to, "error", err)
	}
	if !delivered {
		c.sendMessage(targetUnavailable(to))
	}
}

// fail reports err to the client and to the error-logs topic. Validation
// messages are shown as-is; everything else becomes a generic retry hint.
func (g *Gateway) fail(ctx context.Context, c *client, op string, err error) {
	kind := apperrors.KindOf(err)
	message := tryAgainMessage
	var appErr *apperrors.Error
	if kind == apperrors.KindValidation && errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	} else {
		c.logger.Warn("signaling operation failed", "op", op, "error", err)
	}
	c.sendMessage(globalError(message))

	event := events.NewErrorLog("signaling:"+op, c.userID, string(kind), err.Error())
	if err := g.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		c.logger.Debug("publish error log", "error", err)
	}
}

func (g *Gateway) matchLoop(ctx context.Context, sub events.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("match subscription closed")
			}
			g.metrics.ObserveBusEvent(string(event.Topic), "consumed")
			g.deliverMatch(ctx, event)
			if ctx.Err() != nil {
				// Left unacknowledged; the group redelivers it.
				return nil
			}
			if err := sub.Ack(ctx, event); err != nil {
				g.logger.Warn("ack match event", "event_id", event.ID, "error", err)
			}
		}
	}
}

// deliverMatch sends match-found to both users of a committed match. When
// either is no longer reachable the call is torn down and the other side is
// told it ended.
func (g *Gateway) deliverMatch(ctx context.Context, event events.Event) {
	m := event.Match
	if m == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()
	logger := g.logger.With("caller_id", m.CallerID, "callee_id", m.CalleeID)

	partner, ok, err := g.calls.Partner(ctx, m.CallerID)
	if err != nil {
		logger.Warn("load call for match", "error", err)
		return
	}
	if !ok || partner != m.CalleeID {
		logger.Debug("skipping match for a call that already ended", "event_id", event.ID)
		return
	}

	callerOK, err := g.deliver(ctx, m.CallerID, matchFound(m.CalleeID, m.IsInitiator))
	if err != nil {
		logger.Warn("deliver match to caller", "error", err)
	}
	calleeOK, err := g.deliver(ctx, m.CalleeID, matchFound(m.CallerID, !m.IsInitiator))
	if err != nil {
		logger.Warn("deliver match to callee", "error", err)
	}
	if callerOK && calleeOK {
		return
	}

	logger.Info("matched user unreachable, ending call", "caller_reached", callerOK, "callee_reached", calleeOK)
	if _, _, err := g.calls.End(ctx, m.CallerID, m.CalleeID); err != nil {
		logger.Warn("end unreachable call", "error", err)
	}
	if callerOK {
		_, _ = g.deliver(ctx, m.CallerID, callEnded(false))
	}
	if calleeOK {
		_, _ = g.deliver(ctx, m.CalleeID, callEnded(false))
	}
}

// deliver sends msg to userID's current connection, wherever it is held. It
// reports false when the user has no live connection.
func (g *Gateway) deliver(ctx context.Context, userID string, msg Message) (bool, error) {
	handle, ok, err := g.presence.Lookup(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	return g.deliverTo(ctx, handle, msg, "")
}

// deliverTo sends msg to one connection. A non-empty closeReason closes the
// connection once msg is written.
func (g *Gateway) deliverTo(ctx context.Context, handle presence.Handle, msg Message, closeReason string) (bool, error) {
	return g.send(ctx, handle, msg, envelope{CloseReason: closeReason})
}

// send delivers msg to handle, locally or through the owning instance's
// channel with env's options. A published message counts as delivered once
// that instance is listening.
func (g *Gateway) send(ctx context.Context, handle presence.Handle, msg Message, env envelope) (bool, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}
	if handle.InstanceID == g.instanceID {
		c := g.local(handle.ConnID)
		if c == nil {
			return false, nil
		}
		if !c.enqueue(frame{payload: payload, closeReason: env.CloseReason}) {
			return false, nil
		}
		g.metrics.ObserveSignal("out", msg.Type)
		return true, nil
	}
	env.ConnID, env.Type, env.Message = handle.ConnID, msg.Type, payload
	data, err := json.Marshal(env)
	if err != nil {
		return false, err
	}
	receivers, err := g.redis.Publish(ctx, Channel(handle.InstanceID), data).Result()
	if err != nil {
		return false, apperrors.Transient("signaling.relay", err)
	}
	return receivers > 0, nil
}

// BroadcastOnlineCount sends the current online count to every connection
// on every instance.
func (g *Gateway) BroadcastOnlineCount(ctx context.Context) {
	n, err := g.presence.OnlineCount(ctx)
	if err != nil {
		g.logger.Warn("count online users", "error", err)
		return
	}
	g.metrics.SetOnlineUsers(n)
	payload, err := json.Marshal(onlineCount(n))
	if err != nil {
		return
	}
	data, err := json.Marshal(envelope{Type: TypeOnlineCount, Message: payload})
	if err != nil {
		return
	}
	if err := g.redis.Publish(ctx, BroadcastChannel, data).Err(); err != nil {
		g.logger.Warn("publish online count", "error", err)
		g.broadcastLocal(TypeOnlineCount, payload)
	}
}

func (g *Gateway) broadcastLocal(messageType string, payload []byte) {
	g.mu.RLock()
	targets := make([]*client, 0, len(g.conns))
	for _, c := range g.conns {
		targets = append(targets, c)
	}
	g.mu.RUnlock()
	for _, c := range targets {
		if c.enqueue(frame{payload: payload}) {
			g.metrics.ObserveSignal("out", messageType)
		}
	}
}

func (g *Gateway) register(c *client) {
	g.mu.Lock()
	g.conns[c.handle.ConnID] = c
	g.mu.Unlock()
}

func (g *Gateway) unregister(c *client) {
	g.mu.Lock()
	if g.conns[c.handle.ConnID] == c {
		delete(g.conns, c.handle.ConnID)
	}
	g.mu.Unlock()
}

func (g *Gateway) local(connID string) *client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[connID]
}

// ConnectionCount is the number of websocket connections held by this
// instance.
func (g *Gateway) ConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

func (g *Gateway) closeAll() {
	g.mu.RLock()
	targets := make([]*client, 0, len(g.conns))
	for _, c := range g.conns {
		targets = append(targets, c)
	}
	g.mu.RUnlock()
	for _, c := range targets {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}
