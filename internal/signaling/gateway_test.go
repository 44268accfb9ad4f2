package signaling_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chime-live/internal/calls"
	"chime-live/internal/events"
	"chime-live/internal/lock"
	"chime-live/internal/match"
	"chime-live/internal/pool"
	"chime-live/internal/presence"
	"chime-live/internal/signaling"
)

type harness struct {
	srv      *miniredis.Miniredis
	client   redis.UniversalClient
	bus      events.Bus
	pool     *pool.Pool
	calls    *calls.Store
	presence *presence.Registry
	engine   *match.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{srv: srv, client: client, bus: events.NewMemoryBus(64)}
	var err error
	h.pool, err = pool.New(pool.Config{Client: client})
	require.NoError(t, err)
	h.calls, err = calls.New(calls.Config{Client: client})
	require.NoError(t, err)
	h.presence, err = presence.New(presence.Config{Client: client})
	require.NoError(t, err)
	locks, err := lock.NewManager(lock.Config{Client: client})
	require.NoError(t, err)
	h.engine, err = match.New(match.Config{Pool: h.pool, Locks: locks, Calls: h.calls, Publisher: h.bus})
	require.NoError(t, err)
	return h
}

// startGateway runs a gateway behind an httptest server that takes the
// user id from the query string, and returns its websocket URL.
func (h *harness) startGateway(t *testing.T, instanceID string) (*signaling.Gateway, string) {
	t.Helper()
	gw, err := signaling.New(signaling.Config{
		InstanceID:        instanceID,
		Redis:             h.client,
		Pool:              h.pool,
		Engine:            h.engine,
		Calls:             h.calls,
		Presence:          h.presence,
		Bus:               h.bus,
		HeartbeatInterval: time.Hour,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()
	select {
	case <-gw.Ready():
	case err := <-done:
		t.Fatalf("gateway stopped: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("gateway not ready")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.HandleConnection(w, r, r.URL.Query().Get("user"))
	}))
	t.Cleanup(func() {
		cancel()
		<-done
		server.Close()
	})
	return gw, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url, userID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"?user="+userID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, msg))
}

// waitFor reads until a message of type typ arrives, skipping others such as
// online-count broadcasts.
func waitFor(t *testing.T, conn *websocket.Conn, typ string) signaling.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var msg signaling.Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if msg.Type == typ {
			return msg
		}
	}
}

func waitOnline(t *testing.T, h *harness, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok, err := h.presence.Lookup(context.Background(), userID)
		return err == nil && ok
	}, 3*time.Second, 10*time.Millisecond)
}

func startMatchmaking(gender, age, country string) map[string]any {
	return map[string]any{
		"type":  signaling.TypeStartMatchmaking,
		"attrs": map[string]string{"gender": gender, "age": age, "country": country},
	}
}

// matchPair connects alice and bob and matches them. bob is the initiator.
func matchPair(t *testing.T, h *harness, aliceURL, bobURL string) (*websocket.Conn, *websocket.Conn) {
	t.Helper()
	alice := dial(t, aliceURL, "alice")
	bob := dial(t, bobURL, "bob")
	waitOnline(t, h, "alice")
	waitOnline(t, h, "bob")

	send(t, alice, startMatchmaking("male", "22", "NP"))
	waitFor(t, alice, signaling.TypeSelfLoop)

	send(t, bob, startMatchmaking("female", "23", "NP"))
	found := waitFor(t, bob, signaling.TypeMatchFound)
	assert.Equal(t, "alice", found.PartnerID)
	require.NotNil(t, found.IsInitiator)
	assert.True(t, *found.IsInitiator)

	found = waitFor(t, alice, signaling.TypeMatchFound)
	assert.Equal(t, "bob", found.PartnerID)
	require.NotNil(t, found.IsInitiator)
	assert.False(t, *found.IsInitiator)
	return alice, bob
}

func TestMatchAndCallSetup(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")

	ctx := context.Background()
	ended, err := h.bus.Subscribe(ctx, events.TopicCallEnded, "test")
	require.NoError(t, err)
	defer ended.Close()

	alice, bob := matchPair(t, h, url, url)
	size, err := h.pool.Size(ctx)
	require.NoError(t, err)
	assert.Zero(t, size)

	send(t, bob, map[string]any{"type": signaling.TypeCallOffer, "to": "alice", "offer": map[string]string{"sdp": "offer-sdp"}})
	offer := waitFor(t, alice, signaling.TypeReceiveCall)
	assert.Equal(t, "bob", offer.From)
	assert.JSONEq(t, `{"sdp":"offer-sdp"}`, string(offer.Offer))

	send(t, alice, map[string]any{"type": signaling.TypeCallAccepted, "to": "bob", "answer": map[string]string{"sdp": "answer-sdp"}})
	answer := waitFor(t, bob, signaling.TypeCallAccepted)
	assert.Equal(t, "alice", answer.From)
	assert.JSONEq(t, `{"sdp":"answer-sdp"}`, string(answer.Answer))

	send(t, bob, map[string]any{"type": signaling.TypeICECandidate, "to": "alice", "candidate": map[string]any{"candidate": "c1", "sdpMLineIndex": 0}})
	candidate := waitFor(t, alice, signaling.TypeICECandidate)
	assert.Equal(t, "bob", candidate.From)
	assert.JSONEq(t, `{"candidate":"c1","sdpMLineIndex":0}`, string(candidate.Candidate))

	send(t, alice, map[string]any{"type": signaling.TypeEndCall, "partnerId": "bob"})
	mine := waitFor(t, alice, signaling.TypeCallEnded)
	require.NotNil(t, mine.IsEnder)
	assert.True(t, *mine.IsEnder)
	theirs := waitFor(t, bob, signaling.TypeCallEnded)
	require.NotNil(t, theirs.IsEnder)
	assert.False(t, *theirs.IsEnder)

	select {
	case event := <-ended.Events():
		require.NotNil(t, event.CallEnded)
		assert.Equal(t, "alice", event.CallEnded.CallerID)
		assert.Equal(t, "bob", event.CallEnded.CalleeID)
	case <-time.After(3 * time.Second):
		t.Fatal("call-ended event not published")
	}
	assert.False(t, h.srv.Exists(calls.Key("alice")))
	assert.False(t, h.srv.Exists(calls.Key("bob")))
}

func TestRelayOnlyReachesCallPartner(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")

	alice := dial(t, url, "alice")
	dial(t, url, "mallory")
	waitOnline(t, h, "alice")
	waitOnline(t, h, "mallory")

	send(t, alice, map[string]any{"type": signaling.TypeCallOffer, "to": "mallory", "offer": map[string]string{"sdp": "x"}})
	notice := waitFor(t, alice, signaling.TypeTargetUnavailable)
	assert.Equal(t, "mallory", notice.To)

	send(t, alice, map[string]any{"type": signaling.TypeICECandidate, "to": "ghost"})
	notice = waitFor(t, alice, signaling.TypeTargetUnavailable)
	assert.Equal(t, "ghost", notice.To)
}

func TestDuplicateConnectionSupersedesOlder(t *testing.T) {
	h := newHarness(t)
	gw, url := h.startGateway(t, "node-a")

	first := dial(t, url, "u1")
	waitOnline(t, h, "u1")
	before, _, err := h.presence.Lookup(context.Background(), "u1")
	require.NoError(t, err)

	second := dial(t, url, "u1")
	notice := waitFor(t, first, signaling.TypeDuplicateConnection)
	assert.NotEmpty(t, notice.Message)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := first.Read(ctx); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool { return gw.ConnectionCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	after, ok, err := h.presence.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	require.True(t, ok, "the late close of the first connection must not remove the second")
	assert.NotEqual(t, before, after)

	send(t, second, map[string]string{"type": signaling.TypeOnlineCount})
	count := waitFor(t, second, signaling.TypeOnlineCount)
	require.NotNil(t, count.Count)
	assert.EqualValues(t, 1, *count.Count)
}

func TestDisconnectEndsActiveCall(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")
	alice, bob := matchPair(t, h, url, url)

	_ = alice.Close(websocket.StatusNormalClosure, "bye")
	notice := waitFor(t, bob, signaling.TypeCallEnded)
	require.NotNil(t, notice.IsEnder)
	assert.False(t, *notice.IsEnder)

	require.Eventually(t, func() bool {
		_, inCall, err := h.calls.Partner(context.Background(), "bob")
		return err == nil && !inCall
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		_, online, err := h.presence.Lookup(context.Background(), "alice")
		return err == nil && !online
	}, 3*time.Second, 10*time.Millisecond)
}

func TestNextEndsCallAndRequeues(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")
	alice, bob := matchPair(t, h, url, url)

	send(t, alice, map[string]any{"type": signaling.TypeNext, "partnerId": "bob"})
	mine := waitFor(t, alice, signaling.TypeCallEnded)
	assert.True(t, *mine.IsEnder)
	theirs := waitFor(t, bob, signaling.TypeCallEnded)
	assert.False(t, *theirs.IsEnder)
	waitFor(t, alice, signaling.TypeSelfLoop)

	entry, err := h.pool.Get(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "np", entry.Country)
	_, err = h.pool.Get(context.Background(), "bob")
	assert.Error(t, err)
}

func TestEndCallLeavesWaitingPartnerQueued(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")
	alice, bob := matchPair(t, h, url, url)

	// bob moves on first and is back in the pool.
	send(t, bob, map[string]any{"type": signaling.TypeNext, "partnerId": "alice"})
	waitFor(t, bob, signaling.TypeCallEnded)
	waitFor(t, bob, signaling.TypeSelfLoop)
	waitFor(t, alice, signaling.TypeCallEnded)

	// alice's end-call arrives after the call is already over.
	send(t, alice, map[string]any{"type": signaling.TypeEndCall, "partnerId": "bob"})
	mine := waitFor(t, alice, signaling.TypeCallEnded)
	require.NotNil(t, mine.IsEnder)
	assert.True(t, *mine.IsEnder)

	entry, err := h.pool.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", entry.UserID)

	// An id that was never a partner does not evict anyone either.
	carol := dial(t, url, "carol")
	waitOnline(t, h, "carol")
	send(t, carol, map[string]any{"type": signaling.TypeEndCall, "partnerId": "bob"})
	waitFor(t, carol, signaling.TypeCallEnded)
	_, err = h.pool.Get(context.Background(), "bob")
	assert.NoError(t, err)
}

func TestLeaveQueue(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")
	alice := dial(t, url, "alice")
	waitOnline(t, h, "alice")

	send(t, alice, startMatchmaking("male", "30", "IN"))
	waitFor(t, alice, signaling.TypeSelfLoop)
	send(t, alice, map[string]string{"type": signaling.TypeLeaveQueue})

	require.Eventually(t, func() bool {
		n, err := h.pool.Size(context.Background())
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestMatchmakingWaitsWhenNobodyFits(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")
	alice := dial(t, url, "alice")
	carol := dial(t, url, "carol")
	waitOnline(t, h, "alice")
	waitOnline(t, h, "carol")

	send(t, alice, startMatchmaking("male", "22", "NP"))
	waitFor(t, alice, signaling.TypeSelfLoop)

	strict := map[string]any{
		"type":  signaling.TypeStartMatchmaking,
		"attrs": map[string]string{"gender": "female", "age": "35", "country": "US"},
		"prefs": map[string]any{"country": "US", "strict": true},
	}
	send(t, carol, strict)
	waitFor(t, carol, signaling.TypeWait)
}

func TestRejectsMalformedInput(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")
	alice := dial(t, url, "alice")
	waitOnline(t, h, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, alice.Write(ctx, websocket.MessageText, []byte("{not json")))
	msg := waitFor(t, alice, signaling.TypeGlobalError)
	assert.Equal(t, "invalid payload", msg.Message)

	send(t, alice, map[string]any{
		"type":  signaling.TypeStartMatchmaking,
		"attrs": map[string]string{"gender": "male"},
		"prefs": map[string]string{"ageRange": "99-100"},
	})
	msg = waitFor(t, alice, signaling.TypeGlobalError)
	assert.Contains(t, msg.Message, "invalid")

	send(t, alice, map[string]string{"type": "dance"})
	msg = waitFor(t, alice, signaling.TypeGlobalError)
	assert.Equal(t, "unknown message type", msg.Message)
}

func TestCrossInstanceDelivery(t *testing.T) {
	h := newHarness(t)
	_, urlA := h.startGateway(t, "node-a")
	_, urlB := h.startGateway(t, "node-b")
	alice, bob := matchPair(t, h, urlA, urlB)

	handle, ok, err := h.presence.Lookup(context.Background(), "bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-b", handle.InstanceID)

	send(t, alice, map[string]any{"type": signaling.TypeCallAccepted, "to": "bob", "answer": json.RawMessage(`{"sdp":"a"}`)})
	answer := waitFor(t, bob, signaling.TypeCallAccepted)
	assert.Equal(t, "alice", answer.From)

	send(t, bob, map[string]any{"type": signaling.TypeEndCall})
	theirs := waitFor(t, alice, signaling.TypeCallEnded)
	assert.False(t, *theirs.IsEnder)
}

func TestCrossInstanceRelayToGoneConnectionIsReported(t *testing.T) {
	h := newHarness(t)
	_, urlA := h.startGateway(t, "node-a")
	_, urlB := h.startGateway(t, "node-b")
	alice, _ := matchPair(t, h, urlA, urlB)

	// Presence still names node-b, but the connection it points at is gone.
	ctx := context.Background()
	_, err := h.presence.Connect(ctx, "bob", presence.Handle{InstanceID: "node-b", ConnID: "closed-conn"})
	require.NoError(t, err)

	send(t, alice, map[string]any{"type": signaling.TypeCallOffer, "to": "bob", "offer": map[string]string{"sdp": "x"}})
	notice := waitFor(t, alice, signaling.TypeTargetUnavailable)
	assert.Equal(t, "bob", notice.To)
}

func TestRejectsAnonymousConnections(t *testing.T) {
	h := newHarness(t)
	_, url := h.startGateway(t, "node-a")

	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := signaling.New(signaling.Config{})
	require.Error(t, err)

	h := newHarness(t)
	_, err = signaling.New(signaling.Config{
		InstanceID: "bad/id",
		Redis:      h.client,
		Pool:       h.pool,
		Engine:     h.engine,
		Calls:      h.calls,
		Presence:   h.presence,
		Bus:        h.bus,
	})
	require.Error(t, err)
}
