package p2p

import "encoding/json"

// ProtocolVersion is the handshake version advertised in hello.
const ProtocolVersion = 2

// MessageType discriminates control messages from one another.
type MessageType string

const (
	MsgHello     MessageType = "hello"
	MsgMeta      MessageType = "meta"
	MsgReady     MessageType = "ready"
	MsgChunk     MessageType = "chunk"
	MsgChunkAck  MessageType = "chunk_ack"
	MsgEnd       MessageType = "end"
	MsgEndAck    MessageType = "end_ack"
	MsgPing      MessageType = "ping"
	MsgPong      MessageType = "pong"
	MsgProgress  MessageType = "progress"
	MsgCancelled MessageType = "cancelled"
	MsgError     MessageType = "error"
)

// envelope is the wire shape shared by every control message: a type tag
// plus an opaque payload decoded by a switch on the tag.
type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HelloPayload is sent by both sides at the start of the handshake.
type HelloPayload struct {
	ProtocolVersion int    `json:"protocolVersion"`
	SessionID       string `json:"sessionId"`
}

// MetaPayload describes the file being sent.
type MetaPayload struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	MIME      string `json:"mime"`
}

// ChunkHeader precedes a binary frame of exactly Size bytes.
type ChunkHeader struct {
	Seq    int   `json:"seq"`
	Offset int64 `json:"offset"`
	Size   int   `json:"size"`
	Total  int64 `json:"total"`
}

// ChunkAckPayload acknowledges cumulative bytes received.
type ChunkAckPayload struct {
	Seq      int   `json:"seq"`
	Received int64 `json:"received"`
}

// EndPayload signals the final chunk has been sent.
type EndPayload struct {
	Attempt int `json:"attempt"`
}

// EndAckPayload confirms the receiver's tally.
type EndAckPayload struct {
	Received int64 `json:"received"`
	Total    int64 `json:"total"`
}

// PingPayload carries a sender timestamp for RTT/liveness purposes.
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// ProgressPayload is the v1-compatibility progress report.
type ProgressPayload struct {
	Received int64 `json:"received"`
	Total    int64 `json:"total"`
}

// CancelledPayload carries the human-readable cancellation reason.
type CancelledPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload carries a human-readable protocol error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// encodeMessage marshals a typed control message into the wire envelope.
func encodeMessage(t MessageType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return json.Marshal(envelope{Type: t, Payload: body})
}

// decodeMessage extracts the message type and leaves the payload for the
// caller to unmarshal into the concrete type it expects.
func decodeMessage(data []byte) (MessageType, json.RawMessage, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return "", nil, err
	}

	return e.Type, e.Payload, nil
}
