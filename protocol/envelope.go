package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestType identifies an inbound WebSocket request.
type RequestType string

const (
	TypeJoin     RequestType = "join"
	TypeLeave    RequestType = "leave"
	TypeSend     RequestType = "send_message"
	TypeRecover  RequestType = "recover"
	TypeMarkRead RequestType = "mark_read"
)

// Envelope wraps every WebSocket frame with a type field.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type JoinRequest struct {
	UserID int64 `json:"user_id"`
}

type SendRequest struct {
	SenderID      int64  `json:"sender_id,omitempty"`
	ReceiverID    int64  `json:"receiver_id"`
	Content       string `json:"content"`
	MessageType   string `json:"message_type,omitempty"`
	FilePath      string `json:"file_path,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type RecoverRequest struct {
	UserID        int64 `json:"user_id,omitempty"`
	LastMessageID int64 `json:"last_message_id"`
}

type ReadRequest struct {
	MessageID int64 `json:"message_id"`
	ReaderID  int64 `json:"reader_id,omitempty"`
}

// ParseEnvelope decodes a frame's outer envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPacket)
	}
	return &env, nil
}

// EncodeEvent renders ev as a JSON envelope.
func EncodeEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(ev.Type), Data: data})
}
