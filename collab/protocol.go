package collab

import (
	"encoding/json"
)

// wire protocol: json text frames over one websocket per (document, principal).
//
// handshake:
//   client -> syncStep1{vector}
//   server -> syncStep2{vector, ops, replica}, then awareness{entries}
// steady state:
//   update{ops} both ways, awareness{entry} both ways
// server only:
//   reset{} after a version restore, clients re-enter syncStep1
//   error{code, reason} before an abnormal close
// liveness is websocket ping/pong, not a protocol message.

const (
	MessageTypeSyncStep1 = "syncStep1"
	MessageTypeSyncStep2 = "syncStep2"
	MessageTypeUpdate    = "update"
	MessageTypeAwareness = "awareness"
	MessageTypeReset     = "reset"
	MessageTypeError     = "error"
)

const (
	ErrorCodeProtocol = 4400
	ErrorCodeMerge    = 4422
)

type Message struct {
	Type    string           `json:"type"`
	Vector  StateVector      `json:"vector,omitempty"`
	Ops     []Op             `json:"ops,omitempty"`
	Entry   *AwarenessEntry  `json:"entry,omitempty"`
	Entries []AwarenessEntry `json:"entries,omitempty"`
	// the replica identity the server assigned to this session
	Replica *Id    `json:"replica,omitempty"`
	Code    int    `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func DecodeMessage(data []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(data, message); err != nil {
		return nil, NewProtocolError("malformed message: %s", err)
	}
	switch message.Type {
	case MessageTypeSyncStep1:
		if message.Vector == nil {
			message.Vector = StateVector{}
		}
	case MessageTypeUpdate:
		if len(message.Ops) == 0 {
			return nil, NewProtocolError("update with no ops")
		}
	case MessageTypeAwareness:
		if message.Entry == nil {
			return nil, NewProtocolError("awareness with no entry")
		}
	case MessageTypeSyncStep2, MessageTypeReset, MessageTypeError:
		// server to client only
	default:
		return nil, NewProtocolError("unknown message type %q", message.Type)
	}
	return message, nil
}

func EncodeMessage(message *Message) ([]byte, error) {
	return json.Marshal(message)
}

func SyncStep1Message(vector StateVector) *Message {
	return &Message{
		Type:   MessageTypeSyncStep1,
		Vector: vector,
	}
}

func SyncStep2Message(vector StateVector, ops []Op, replica Id) *Message {
	return &Message{
		Type:    MessageTypeSyncStep2,
		Vector:  vector,
		Ops:     ops,
		Replica: &replica,
	}
}

func UpdateMessage(ops []Op) *Message {
	return &Message{
		Type: MessageTypeUpdate,
		Ops:  ops,
	}
}

func AwarenessMessage(entry AwarenessEntry) *Message {
	return &Message{
		Type:  MessageTypeAwareness,
		Entry: &entry,
	}
}

func AwarenessSnapshotMessage(entries []AwarenessEntry) *Message {
	return &Message{
		Type:    MessageTypeAwareness,
		Entries: entries,
	}
}

func ResetMessage() *Message {
	return &Message{
		Type: MessageTypeReset,
	}
}

func ErrorMessage(code int, reason string) *Message {
	return &Message{
		Type:   MessageTypeError,
		Code:   code,
		Reason: reason,
	}
}
