package gateway

import "encoding/json"

// Client-to-server message types.
const (
	MsgSubscribe = "subscribe"
	MsgAction    = "action"
	MsgPing      = "ping"
)

// Server-to-client message types.
const (
	MsgHello          = "hello"
	MsgSubscribed     = "subscribed"
	MsgCapsuleCreated = "capsule_created"
	MsgCapsuleUpdated = "capsule_updated"
	MsgCapsuleRemoved = "capsule_removed"
	MsgResyncRequired = "resync_required"
	MsgActionOK       = "action_ok"
	MsgPong           = "pong"
	MsgError          = "error"
)

// ClientMessage is the JSON message format for client WebSocket traffic.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the server-to-client message format. Channel and Seq are set on
// sequenced channel messages; control messages carry neither.
type Envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload lists the channels a client wants, each with the last
// sequence it has seen (0 for a fresh subscription).
type SubscribePayload struct {
	Channels []ChannelCursor `json:"channels"`
}

// ChannelCursor is one channel subscription position.
type ChannelCursor struct {
	Name     string `json:"name"`
	AfterSeq uint64 `json:"after_seq"`
}

// ActionPayload is a capsule lifecycle action submitted over the socket.
type ActionPayload struct {
	CapsuleID  string `json:"capsule_id"`
	Action     string `json:"action"`
	Resolution string `json:"resolution,omitempty"`
}

// envelope marshals a control message. payload must marshal cleanly; callers
// only pass locally defined types.
func envelope(msgType string, payload any) []byte {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	data, _ := json.Marshal(Envelope{Type: msgType, Payload: raw})
	return data
}
