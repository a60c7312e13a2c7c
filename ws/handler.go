// Package ws serves the relay over WebSocket with JSON envelopes.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"dmrelay/apperr"
	"dmrelay/delivery"
	"dmrelay/models"
	"dmrelay/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const maxFrameSize = 65536

type Options struct {
	PingInterval time.Duration
	WriteWait    time.Duration
}

type Handler struct {
	router   *delivery.Router
	log      zerolog.Logger
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(router *delivery.Router, logger zerolog.Logger, opts Options) *Handler {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}

	return &Handler{
		router: router,
		log:    logger.With().Str("component", "ws").Logger(),
		opts:   opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, h.log)
	session := delivery.NewSession(h.router, client)
	h.log.Info().Str("client", client.ID()).Str("remote", r.RemoteAddr).Msg("client connected")

	go client.writePump(h.opts.PingInterval, h.opts.WriteWait)
	h.readPump(client, session)

	session.Close()
	client.Close()
	h.log.Info().Str("client", client.ID()).Int64("user_id", session.UserID()).Msg("client disconnected")
}

func (h *Handler) readPump(client *Client, session *delivery.Session) {
	pongWait := 2 * h.opts.PingInterval

	client.conn.SetReadLimit(maxFrameSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Str("client", client.ID()).Msg("websocket read failed")
			}
			return
		}

		select {
		case <-client.done:
			return
		default:
		}

		h.handleMessage(client, session, message)
	}
}

func (h *Handler) handleMessage(client *Client, session *delivery.Session, data []byte) {
	req, correlationID, err := decodeRequest(data)
	if err == nil {
		err = session.Handle(context.Background(), req)
	}
	if err == nil {
		return
	}

	switch apperr.CodeOf(err) {
	case apperr.CodeStorage, apperr.CodeInternal, apperr.CodeUnknown:
		h.log.Error().Err(err).Str("client", client.ID()).Str("op", string(req.Op)).Msg("request failed")
	}
	client.Send(delivery.ErrorEvent(err, correlationID))
}

// decodeRequest maps an envelope onto a session request. The correlation id
// is returned separately so that decoding errors can still carry it.
func decodeRequest(data []byte) (delivery.Request, string, error) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		return delivery.Request{}, "", apperr.Validation("Invalid message format")
	}

	switch protocol.RequestType(env.Type) {
	case protocol.TypeJoin:
		var msg protocol.JoinRequest
		if err := unmarshal(env.Data, &msg); err != nil {
			return delivery.Request{}, "", err
		}
		return delivery.Request{Op: delivery.OpJoin, UserID: msg.UserID}, "", nil

	case protocol.TypeLeave:
		return delivery.Request{Op: delivery.OpLeave}, "", nil

	case protocol.TypeSend:
		var msg protocol.SendRequest
		if err := unmarshal(env.Data, &msg); err != nil {
			return delivery.Request{}, "", err
		}
		content := msg.Content
		if content == "" && models.Kind(msg.MessageType) == models.KindFile {
			content = msg.FilePath
		}
		return delivery.Request{
			Op:            delivery.OpSend,
			SenderID:      msg.SenderID,
			ReceiverID:    msg.ReceiverID,
			Content:       content,
			Kind:          models.Kind(msg.MessageType),
			CorrelationID: msg.CorrelationID,
		}, msg.CorrelationID, nil

	case protocol.TypeRecover:
		var msg protocol.RecoverRequest
		if err := unmarshal(env.Data, &msg); err != nil {
			return delivery.Request{}, "", err
		}
		return delivery.Request{Op: delivery.OpRecover, UserID: msg.UserID, LastMessageID: msg.LastMessageID}, "", nil

	case protocol.TypeMarkRead:
		var msg protocol.ReadRequest
		if err := unmarshal(env.Data, &msg); err != nil {
			return delivery.Request{}, "", err
		}
		return delivery.Request{Op: delivery.OpMarkRead, MessageID: msg.MessageID, ReaderID: msg.ReaderID}, "", nil
	}

	return delivery.Request{}, "", apperr.Validation("Unknown message type")
}

func unmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.Validation("Missing message data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("Invalid message data")
	}
	return nil
}
