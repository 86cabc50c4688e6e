// Package gateway fans validated capsule events out to WebSocket clients.
// Every channel message carries a sequence number allocated by the shared
// ordering authority; clients that miss messages are repaired by replay from
// their offline queue, or told to resync when the gap cannot be covered.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arclight-systems/arclight/internal/capsule"
	"github.com/arclight-systems/arclight/internal/metrics"
	"github.com/arclight-systems/arclight/internal/push"
	"github.com/arclight-systems/arclight/internal/seq"
)

const actionTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ActionApplier applies a capsule lifecycle action on behalf of a client.
type ActionApplier interface {
	ApplyAction(ctx context.Context, identity, capsuleID string, action capsule.Action, resolution string) error
}

// Options tunes the hub's delivery behavior.
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	SendBuffer        int
	InboundRate       int // client messages per minute per connection
	PushGrace         time.Duration
	PushPriorities    []capsule.Priority
}

// Hub tracks connections and subscriptions and routes sequenced messages.
// Subscriptions outlive the connection: a subscribed identity that drops off
// keeps accumulating messages in its offline queue until it reconnects or the
// queue ages out.
type Hub struct {
	opts      Options
	authority *seq.Authority
	actions   ActionApplier
	pusher    push.Dispatcher

	mu    sync.Mutex
	conns map[string]*conn           // identity -> active connection
	subs  map[string]map[string]bool // identity -> subscribed channels
	chans map[string]*sync.Mutex     // channel -> fan-out lock
}

// New creates a hub. pusher may be push.Noop{} when escalation is disabled.
// SetActions must be called before the hub serves connections.
func New(opts Options, authority *seq.Authority, pusher push.Dispatcher) *Hub {
	return &Hub{
		opts:      opts,
		authority: authority,
		pusher:    pusher,
		conns:     make(map[string]*conn),
		subs:      make(map[string]map[string]bool),
		chans:     make(map[string]*sync.Mutex),
	}
}

// SetActions installs the lifecycle action handler. The handler lives above
// the hub (it persists and re-broadcasts), so it is wired in after both sides
// exist.
func (h *Hub) SetActions(a ActionApplier) {
	h.actions = a
}

// ServeWS upgrades an authenticated request and runs the connection until it
// dies. A reconnect for the same identity displaces the previous connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, identity string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[gateway] upgrade error for %s: %v", identity, err)
		return
	}

	c := newConn(h, ws, identity)

	h.mu.Lock()
	if prev, ok := h.conns[identity]; ok {
		// The displaced connection will still unregister, but by then the map
		// points at its replacement, so settle its gauge entry here.
		prev.close()
		metrics.ConnectedClients.Dec()
	}
	h.conns[identity] = c
	h.mu.Unlock()
	metrics.ConnectedClients.Inc()

	c.enqueue(envelope(MsgHello, map[string]any{
		"identity":    identity,
		"server_time": time.Now().UTC().Format(time.RFC3339),
	}))

	go c.writePump()
	c.readPump()
}

// unregister removes a dead connection. The identity's subscriptions stay so
// its offline queues keep filling.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if h.conns[c.identity] == c {
		delete(h.conns, c.identity)
		metrics.ConnectedClients.Dec()
	}
	h.mu.Unlock()
	c.close()
}

// dispatch routes one client message.
func (h *Hub) dispatch(c *conn, msg ClientMessage) {
	switch msg.Type {
	case MsgSubscribe:
		var p SubscribePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || len(p.Channels) == 0 {
			c.enqueue(envelope(MsgError, map[string]string{"error": "invalid subscribe payload"}))
			return
		}
		for _, cursor := range p.Channels {
			h.subscribe(c, cursor)
		}

	case MsgAction:
		var p ActionPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.CapsuleID == "" {
			c.enqueue(envelope(MsgError, map[string]string{"error": "invalid action payload"}))
			return
		}
		h.applyAction(c, p)

	case MsgPing:
		c.enqueue(envelope(MsgPong, nil))

	default:
		c.enqueue(envelope(MsgError, map[string]string{"error": "unknown message type: " + msg.Type}))
	}
}

// channelLock returns the mutex serializing fan-out for one channel. Both
// broadcast and subscription repair hold it, so a live event can never land
// in a send queue ahead of older sequences still being replayed.
func (h *Hub) channelLock(name string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.chans[name]
	if !ok {
		m = &sync.Mutex{}
		h.chans[name] = m
	}
	return m
}

// subscribe registers the channel for the identity and repairs the client's
// view: replay when the offline queue covers the gap, resync otherwise.
func (h *Hub) subscribe(c *conn, cursor ChannelCursor) {
	if cursor.Name == "" {
		c.enqueue(envelope(MsgError, map[string]string{"error": "subscribe requires a channel name"}))
		return
	}

	lock := h.channelLock(cursor.Name)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	if h.subs[c.identity] == nil {
		h.subs[c.identity] = make(map[string]bool)
	}
	fresh := !h.subs[c.identity][cursor.Name]
	h.subs[c.identity][cursor.Name] = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	cur, err := h.authority.Current(ctx, cursor.Name)
	if err != nil {
		log.Printf("[gateway] sequence lookup for %s/%s: %v", c.identity, cursor.Name, err)
		c.enqueue(envelope(MsgError, map[string]string{"error": "subscription failed"}))
		return
	}

	// A first-time subscription has no history to repair; the client starts
	// from the channel head.
	if fresh && cursor.AfterSeq == 0 {
		h.clearQueue(ctx, c.identity, cursor.Name)
		c.enqueue(subscribedAck(cursor.Name, cur))
		return
	}

	msgs, resync, err := h.authority.Replay(ctx, c.identity, cursor.Name, cursor.AfterSeq)
	if err != nil {
		log.Printf("[gateway] replay for %s/%s: %v", c.identity, cursor.Name, err)
		c.enqueue(envelope(MsgError, map[string]string{"error": "replay failed"}))
		return
	}
	if resync {
		metrics.ResyncsRequired.Inc()
		h.clearQueue(ctx, c.identity, cursor.Name)
		data, _ := json.Marshal(Envelope{Type: MsgResyncRequired, Channel: cursor.Name, Seq: cur})
		c.enqueue(data)
		return
	}

	for _, m := range msgs {
		if !c.enqueue(m.Payload) {
			h.dropSlowConsumer(c)
			return
		}
	}
	h.clearQueue(ctx, c.identity, cursor.Name)
	c.enqueue(subscribedAck(cursor.Name, cur))
}

func subscribedAck(channel string, cur uint64) []byte {
	data, _ := json.Marshal(Envelope{Type: MsgSubscribed, Channel: channel, Seq: cur})
	return data
}

func (h *Hub) clearQueue(ctx context.Context, identity, channel string) {
	if err := h.authority.ClearQueue(ctx, identity, channel); err != nil {
		log.Printf("[gateway] clear queue %s/%s: %v", identity, channel, err)
	}
}

func (h *Hub) applyAction(c *conn, p ActionPayload) {
	action := capsule.Action(p.Action)
	if !capsule.ValidAction(action) {
		c.enqueue(envelope(MsgError, map[string]string{"error": "unknown action: " + p.Action}))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	if err := h.actions.ApplyAction(ctx, c.identity, p.CapsuleID, action, p.Resolution); err != nil {
		c.enqueue(envelope(MsgError, map[string]string{
			"error":      err.Error(),
			"capsule_id": p.CapsuleID,
		}))
		return
	}
	c.enqueue(envelope(MsgActionOK, map[string]string{"capsule_id": p.CapsuleID}))
}

// BroadcastCapsule sequences a capsule event onto its channel and delivers it
// to every subscriber: connected clients directly, offline identities via
// their queues. Returns the allocated sequence number.
func (h *Hub) BroadcastCapsule(ctx context.Context, msgType string, c *capsule.Capsule) (uint64, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return 0, err
	}

	// One broadcast at a time per channel: the sequence the authority hands
	// out and the order messages land in send queues must agree.
	lock := h.channelLock(c.Channel)
	lock.Lock()
	defer lock.Unlock()

	seqNo, err := h.authority.Next(ctx, c.Channel)
	if err != nil {
		return 0, err
	}

	data, err := json.Marshal(Envelope{
		Type:    msgType,
		Channel: c.Channel,
		Seq:     seqNo,
		Payload: payload,
	})
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	var online []*conn
	var offline []string
	for identity, channels := range h.subs {
		if !channels[c.Channel] {
			continue
		}
		if cn, ok := h.conns[identity]; ok {
			online = append(online, cn)
		} else {
			offline = append(offline, identity)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, cn := range online {
		if cn.enqueue(data) {
			delivered++
			continue
		}
		// Buffer full: the client is not keeping up. Cut it loose; its
		// reconnect will replay or resync from the offline queue.
		h.dropSlowConsumer(cn)
		offline = append(offline, cn.identity)
	}

	for _, identity := range offline {
		if err := h.authority.Enqueue(ctx, identity, c.Channel, seqNo, data); err != nil {
			log.Printf("[gateway] enqueue for %s/%s: %v", identity, c.Channel, err)
		}
	}

	metrics.MessagesDelivered.WithLabelValues(c.Channel).Add(float64(delivered))

	if msgType == MsgCapsuleCreated && delivered == 0 && h.pushEligible(c.Priority) {
		h.schedulePush(c)
	}
	return seqNo, nil
}

func (h *Hub) dropSlowConsumer(c *conn) {
	log.Printf("[gateway] dropping slow consumer %s", c.identity)
	metrics.SlowConsumerDrops.Inc()
	h.unregister(c)
}

func (h *Hub) pushEligible(p capsule.Priority) bool {
	for _, want := range h.opts.PushPriorities {
		if p == want {
			return true
		}
	}
	return false
}

// schedulePush escalates to a push notification unless a subscriber shows up
// on the channel within the grace window.
func (h *Hub) schedulePush(c *capsule.Capsule) {
	time.AfterFunc(h.opts.PushGrace, func() {
		if h.channelHasAudience(c.Channel) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()

		err := h.pusher.Send(ctx, push.Notification{
			CapsuleID: c.ID,
			Title:     c.Title,
			Priority:  c.Priority,
			Channel:   c.Channel,
			SentAt:    time.Now().UTC(),
		})
		if err != nil {
			log.Printf("[gateway] push for capsule %s: %v", c.ID, err)
			metrics.PushNotifications.WithLabelValues("error").Inc()
			return
		}
		metrics.PushNotifications.WithLabelValues("sent").Inc()
	})
}

func (h *Hub) channelHasAudience(channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for identity := range h.conns {
		if h.subs[identity][channel] {
			return true
		}
	}
	return false
}

// ConnectedCount reports the number of live connections.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.unregister(c)
	}
}
