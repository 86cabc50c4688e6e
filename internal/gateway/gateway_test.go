package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	backend "github.com/redis/go-redis/v9"

	"github.com/arclight-systems/arclight/internal/capsule"
	"github.com/arclight-systems/arclight/internal/metrics"
	"github.com/arclight-systems/arclight/internal/push"
	"github.com/arclight-systems/arclight/internal/seq"
)

type recordedAction struct {
	Identity   string
	CapsuleID  string
	Action     capsule.Action
	Resolution string
}

type fakeApplier struct {
	mu      sync.Mutex
	actions []recordedAction
	err     error
}

func (f *fakeApplier) ApplyAction(_ context.Context, identity, capsuleID string, a capsule.Action, resolution string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.actions = append(f.actions, recordedAction{identity, capsuleID, a, resolution})
	return nil
}

type fakePusher struct {
	mu   sync.Mutex
	sent []push.Notification
}

func (f *fakePusher) Send(_ context.Context, n push.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakePusher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type testRig struct {
	hub     *Hub
	srv     *httptest.Server
	applier *fakeApplier
	pusher  *fakePusher
}

func newRig(t *testing.T, queueMax int, tweak func(*Options)) *testRig {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	authority := seq.NewFromClient(client, queueMax, time.Minute)

	opts := Options{
		HeartbeatInterval: time.Minute,
		HeartbeatMisses:   3,
		SendBuffer:        64,
		InboundRate:       1000,
		PushGrace:         20 * time.Millisecond,
		PushPriorities:    []capsule.Priority{capsule.PriorityCritical},
	}
	if tweak != nil {
		tweak(&opts)
	}

	applier := &fakeApplier{}
	pusher := &fakePusher{}
	hub := New(opts, authority, pusher)
	hub.SetActions(applier)
	t.Cleanup(hub.Shutdown)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("identity"))
	}))
	t.Cleanup(srv.Close)

	return &testRig{hub: hub, srv: srv, applier: applier, pusher: pusher}
}

func (r *testRig) dial(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "?identity=" + identity
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

func expectType(t *testing.T, ws *websocket.Conn, msgType string) Envelope {
	t.Helper()
	env := readEnvelope(t, ws)
	if env.Type != msgType {
		t.Fatalf("expected %s, got %s (payload %s)", msgType, env.Type, env.Payload)
	}
	return env
}

func subscribe(t *testing.T, ws *websocket.Conn, channel string, afterSeq uint64) {
	t.Helper()
	payload, _ := json.Marshal(SubscribePayload{
		Channels: []ChannelCursor{{Name: channel, AfterSeq: afterSeq}},
	})
	if err := ws.WriteJSON(ClientMessage{Type: MsgSubscribe, Payload: payload}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func testCapsule(id string, priority capsule.Priority) *capsule.Capsule {
	now := time.Now()
	return &capsule.Capsule{
		ID:        id,
		Title:     "press-04 temperature out of range",
		State:     capsule.StateActive,
		Priority:  priority,
		Channel:   "activities",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestHelloOnConnect(t *testing.T) {
	rig := newRig(t, 64, nil)
	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)
}

func TestSubscribeAndBroadcastOrdering(t *testing.T) {
	rig := newRig(t, 64, nil)
	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)

	subscribe(t, ws, "activities", 0)
	ack := expectType(t, ws, MsgSubscribed)
	if ack.Channel != "activities" || ack.Seq != 0 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, testCapsule("cap-1", capsule.PriorityHigh)); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
	}

	for want := uint64(1); want <= 3; want++ {
		env := expectType(t, ws, MsgCapsuleCreated)
		if env.Seq != want {
			t.Fatalf("expected seq %d, got %d", want, env.Seq)
		}
		var c capsule.Capsule
		if err := json.Unmarshal(env.Payload, &c); err != nil || c.ID != "cap-1" {
			t.Fatalf("bad capsule payload: %s (%v)", env.Payload, err)
		}
	}
}

func TestConcurrentBroadcastOrdering(t *testing.T) {
	rig := newRig(t, 64, nil)
	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)
	subscribe(t, ws, "activities", 0)
	expectType(t, ws, MsgSubscribed)

	const n = 32
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, testCapsule("cap-1", capsule.PriorityHigh)); err != nil {
				t.Errorf("broadcast: %v", err)
			}
		}()
	}
	wg.Wait()

	// Racing broadcasts must still land in sequence order on the wire.
	for want := uint64(1); want <= n; want++ {
		env := expectType(t, ws, MsgCapsuleCreated)
		if env.Seq != want {
			t.Fatalf("out-of-order delivery: expected seq %d, got %d", want, env.Seq)
		}
	}
}

func TestReconnectReplay(t *testing.T) {
	rig := newRig(t, 64, nil)
	ctx := context.Background()

	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)
	subscribe(t, ws, "activities", 0)
	expectType(t, ws, MsgSubscribed)

	if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, testCapsule("cap-1", capsule.PriorityHigh)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if got := expectType(t, ws, MsgCapsuleCreated); got.Seq != 1 {
		t.Fatalf("expected seq 1, got %d", got.Seq)
	}

	ws.Close()
	waitFor(t, func() bool { return rig.hub.ConnectedCount() == 0 })

	// Missed while offline; lands in the offline queue.
	for i := 0; i < 2; i++ {
		if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleUpdated, testCapsule("cap-1", capsule.PriorityHigh)); err != nil {
			t.Fatalf("offline broadcast: %v", err)
		}
	}

	ws2 := rig.dial(t, "client-1")
	expectType(t, ws2, MsgHello)
	subscribe(t, ws2, "activities", 1)

	for want := uint64(2); want <= 3; want++ {
		env := expectType(t, ws2, MsgCapsuleUpdated)
		if env.Seq != want {
			t.Fatalf("expected replayed seq %d, got %d", want, env.Seq)
		}
	}
	ack := expectType(t, ws2, MsgSubscribed)
	if ack.Seq != 3 {
		t.Fatalf("expected ack at head 3, got %d", ack.Seq)
	}
}

func TestReconnectResyncAfterOverflow(t *testing.T) {
	rig := newRig(t, 2, nil)
	ctx := context.Background()

	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)
	subscribe(t, ws, "activities", 0)
	expectType(t, ws, MsgSubscribed)
	ws.Close()
	waitFor(t, func() bool { return rig.hub.ConnectedCount() == 0 })

	// Overflow the bounded queue.
	for i := 0; i < 6; i++ {
		if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, testCapsule("cap-1", capsule.PriorityHigh)); err != nil {
			t.Fatalf("broadcast: %v", err)
		}
	}

	ws2 := rig.dial(t, "client-1")
	expectType(t, ws2, MsgHello)
	subscribe(t, ws2, "activities", 0)

	env := expectType(t, ws2, MsgResyncRequired)
	if env.Channel != "activities" || env.Seq != 6 {
		t.Fatalf("unexpected resync envelope: %+v", env)
	}
}

func TestSlowConsumerDisconnected(t *testing.T) {
	rig := newRig(t, 64, func(o *Options) { o.SendBuffer = 1 })
	ctx := context.Background()

	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)
	subscribe(t, ws, "activities", 0)
	expectType(t, ws, MsgSubscribed)

	// Stop reading and flood with oversized events until the one-slot send
	// buffer and the socket behind it back up.
	stuffed := testCapsule("cap-1", capsule.PriorityHigh)
	stuffed.Description = strings.Repeat("x", 1<<18)
	sent := 0
	for i := 0; i < 64 && rig.hub.ConnectedCount() > 0; i++ {
		if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, stuffed); err != nil {
			t.Fatalf("broadcast %d: %v", i, err)
		}
		sent++
	}
	waitFor(t, func() bool { return rig.hub.ConnectedCount() == 0 })

	// Events delivered before the drop never reached the offline queue, so
	// the reconnect cannot replay from zero and is told to resync.
	ws2 := rig.dial(t, "client-1")
	expectType(t, ws2, MsgHello)
	subscribe(t, ws2, "activities", 0)
	resync := expectType(t, ws2, MsgResyncRequired)
	if resync.Channel != "activities" || resync.Seq != uint64(sent) {
		t.Fatalf("expected resync at head %d, got %+v", sent, resync)
	}

	// Live delivery resumes in order from the channel head.
	if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, testCapsule("cap-2", capsule.PriorityHigh)); err != nil {
		t.Fatalf("broadcast after reconnect: %v", err)
	}
	env := expectType(t, ws2, MsgCapsuleCreated)
	if env.Seq != uint64(sent)+1 {
		t.Fatalf("expected seq %d, got %d", sent+1, env.Seq)
	}
}

func TestReconnectSettlesClientGauge(t *testing.T) {
	rig := newRig(t, 64, nil)
	before := testutil.ToFloat64(metrics.ConnectedClients)

	ws1 := rig.dial(t, "client-1")
	expectType(t, ws1, MsgHello)

	// Same identity reconnects; the displaced connection must give its gauge
	// entry back.
	ws2 := rig.dial(t, "client-1")
	expectType(t, ws2, MsgHello)

	waitFor(t, func() bool { return rig.hub.ConnectedCount() == 1 })
	if got := testutil.ToFloat64(metrics.ConnectedClients) - before; got != 1 {
		t.Fatalf("expected gauge delta 1 after displacement, got %g", got)
	}
}

func TestActionDispatch(t *testing.T) {
	rig := newRig(t, 64, nil)
	ws := rig.dial(t, "operator-7")
	expectType(t, ws, MsgHello)

	payload, _ := json.Marshal(ActionPayload{CapsuleID: "cap-1", Action: "resolve", Resolution: "fixed"})
	if err := ws.WriteJSON(ClientMessage{Type: MsgAction, Payload: payload}); err != nil {
		t.Fatalf("write action: %v", err)
	}
	expectType(t, ws, MsgActionOK)

	rig.applier.mu.Lock()
	defer rig.applier.mu.Unlock()
	if len(rig.applier.actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(rig.applier.actions))
	}
	got := rig.applier.actions[0]
	if got.Identity != "operator-7" || got.Action != capsule.ActionResolve || got.Resolution != "fixed" {
		t.Fatalf("unexpected action record: %+v", got)
	}
}

func TestActionUnknownRejected(t *testing.T) {
	rig := newRig(t, 64, nil)
	ws := rig.dial(t, "operator-7")
	expectType(t, ws, MsgHello)

	payload, _ := json.Marshal(ActionPayload{CapsuleID: "cap-1", Action: "detonate"})
	if err := ws.WriteJSON(ClientMessage{Type: MsgAction, Payload: payload}); err != nil {
		t.Fatalf("write action: %v", err)
	}
	expectType(t, ws, MsgError)
}

func TestPingPong(t *testing.T) {
	rig := newRig(t, 64, nil)
	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)

	if err := ws.WriteJSON(ClientMessage{Type: MsgPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	expectType(t, ws, MsgPong)
}

func TestUnknownMessageType(t *testing.T) {
	rig := newRig(t, 64, nil)
	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)

	if err := ws.WriteJSON(ClientMessage{Type: "wat"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectType(t, ws, MsgError)
}

func TestPushEscalationWhenNobodyConnected(t *testing.T) {
	rig := newRig(t, 64, nil)
	ctx := context.Background()

	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)
	subscribe(t, ws, "activities", 0)
	expectType(t, ws, MsgSubscribed)
	ws.Close()
	waitFor(t, func() bool { return rig.hub.ConnectedCount() == 0 })

	if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, testCapsule("cap-1", capsule.PriorityCritical)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	waitFor(t, func() bool { return rig.pusher.count() == 1 })
	rig.pusher.mu.Lock()
	defer rig.pusher.mu.Unlock()
	if rig.pusher.sent[0].CapsuleID != "cap-1" {
		t.Fatalf("unexpected notification: %+v", rig.pusher.sent[0])
	}
}

func TestNoPushForDeliveredOrLowPriority(t *testing.T) {
	rig := newRig(t, 64, nil)
	ctx := context.Background()

	ws := rig.dial(t, "client-1")
	expectType(t, ws, MsgHello)
	subscribe(t, ws, "activities", 0)
	expectType(t, ws, MsgSubscribed)

	// Delivered to a live client: no escalation even at critical priority.
	if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, testCapsule("cap-1", capsule.PriorityCritical)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	expectType(t, ws, MsgCapsuleCreated)

	ws.Close()
	waitFor(t, func() bool { return rig.hub.ConnectedCount() == 0 })

	// Undelivered but below the eligible priorities: no escalation either.
	if _, err := rig.hub.BroadcastCapsule(ctx, MsgCapsuleCreated, testCapsule("cap-2", capsule.PriorityLow)); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if n := rig.pusher.count(); n != 0 {
		t.Fatalf("expected no push notifications, got %d", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
