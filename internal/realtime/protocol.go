// Package realtime is the websocket protocol spoken between the gateway and clients,
// and a client that implements transport.Realtime over it.
package realtime

import "encoding/json"

// Client to server.
const (
	TypeJoin      = "join"
	TypeLeave     = "leave"
	TypeBroadcast = "broadcast"
	TypeTrack     = "track"
	TypePing      = "ping"
)

// Server to client.
const (
	TypeAck           = "ack"
	TypeError         = "error"
	TypeInsert        = "insert"
	TypePresenceState = "presence_state"
	TypePresenceDiff  = "presence_diff"
	TypePong          = "pong"
)

// Subscription kinds requested in a join.
const (
	KindChanges   = "changes"
	KindBroadcast = "broadcast"
	KindPresence  = "presence"
)

// Envelope is every frame on the wire. Ref correlates a request with its ack or error;
// Sub names the subscription, which is the ref of the join that created it.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Sub     string          `json:"sub,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	Kind string `json:"kind"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// PresenceState maps presence keys to their tracked payloads.
type PresenceState map[string]json.RawMessage

type PresenceDiff struct {
	Joins  PresenceState `json:"joins,omitempty"`
	Leaves PresenceState `json:"leaves,omitempty"`
}

func NewEnvelope(e Envelope, payload interface{}) ([]byte, error) {
	if payload != nil {
		p, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		e.Payload = p
	}
	return json.Marshal(e)
}
