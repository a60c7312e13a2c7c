package protocol

import (
	"strconv"
	"strings"
	"time"

	"dmrelay/models"
)

// EventType identifies an outbound event.
type EventType string

const (
	EventPresenceChanged  EventType = "presence_changed"
	EventNewMessage       EventType = "new_message"
	EventMissedMessages   EventType = "missed_messages"
	EventMessageReceived  EventType = "message_received"
	EventMessageRouted    EventType = "message_routed"
	EventMessageDelivered EventType = "message_delivered"
	EventReadStatus       EventType = "message_read_status"
	EventError            EventType = "error"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	RouteDeliveredLive = "delivered_live"
	RouteQueued        = "queued"
)

// TimeFormat is used for every timestamp on the wire.
const TimeFormat = time.RFC3339Nano

// Event is a message pushed from the relay to one connection.
type Event struct {
	Type EventType
	Data any
}

type PresenceChanged struct {
	UserID   int64     `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

type MessagePayload struct {
	ID          int64     `json:"id"`
	SenderID    int64     `json:"sender_id"`
	ReceiverID  int64     `json:"receiver_id"`
	Content     string    `json:"content"`
	MessageType string    `json:"message_type"`
	FilePath    string    `json:"file_path,omitempty"`
	SenderName  string    `json:"sender_name"`
	CreatedAt   time.Time `json:"created_at"`
}

type MissedMessages struct {
	Messages []MessagePayload `json:"messages"`
}

type MessageReceived struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}

type MessageRouted struct {
	MessageID     int64  `json:"message_id"`
	Route         string `json:"route"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type MessageDelivered struct {
	MessageID     int64     `json:"message_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type ReadStatus struct {
	MessageID int64     `json:"message_id"`
	ReaderID  int64     `json:"reader_id"`
	Status    string    `json:"status"`
	ReadAt    time.Time `json:"read_at"`
}

type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// NewMessagePayload converts a stored message into its wire form.
func NewMessagePayload(m models.Message) MessagePayload {
	p := MessagePayload{
		ID:          m.ID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Content:     m.Content,
		MessageType: string(m.Kind),
		SenderName:  m.SenderName,
		CreatedAt:   m.CreatedAt,
	}
	if m.Kind == models.KindFile {
		p.FilePath = m.Content
	}
	return p
}

// FormatEvent renders ev for the text protocol. Missed messages take one
// header line plus one msg line each.
func FormatEvent(ev Event) string {
	switch d := ev.Data.(type) {
	case PresenceChanged:
		return FormatPacket("presence", itoa(d.UserID), d.Status, d.LastSeen.UTC().Format(TimeFormat))
	case MessagePayload:
		return formatMessage(d)
	case MissedMessages:
		var b strings.Builder
		b.WriteString(FormatPacket("missed", strconv.Itoa(len(d.Messages))))
		for _, m := range d.Messages {
			b.WriteString(formatMessage(m))
		}
		return b.String()
	case MessageReceived:
		return FormatPacket("recv", d.CorrelationID)
	case MessageRouted:
		return FormatPacket("routed", itoa(d.MessageID), d.Route, d.CorrelationID)
	case MessageDelivered:
		return FormatPacket("dlvd", itoa(d.MessageID), d.Timestamp.UTC().Format(TimeFormat), d.CorrelationID)
	case ReadStatus:
		return FormatPacket("read", itoa(d.MessageID), itoa(d.ReaderID), d.ReadAt.UTC().Format(TimeFormat))
	case ErrorPayload:
		return FormatPacket("error", d.Code, d.Message, d.CorrelationID)
	default:
		return FormatPacket(string(ev.Type))
	}
}

func formatMessage(m MessagePayload) string {
	return FormatPacket("msg",
		itoa(m.ID),
		itoa(m.SenderID),
		itoa(m.ReceiverID),
		m.MessageType,
		m.SenderName,
		m.CreatedAt.UTC().Format(TimeFormat),
		m.Content,
	)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
