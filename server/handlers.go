package server

import (
	"context"
	"strconv"
	"strings"

	"dmrelay/apperr"
	"dmrelay/delivery"
	"dmrelay/models"
	"dmrelay/protocol"
)

const defaultHistoryLimit = 100

var commands = []string{
	"ping",
	"reg",
	"auth",
	"join",
	"msg",
	"recover",
	"read",
	"hist",
	"users",
	"help",
	"bye",
}

// handlePacket runs one command. It returns false when the connection
// should be closed.
func (s *Server) handlePacket(ctx context.Context, session *delivery.Session, conn *Conn, pkt *protocol.Packet) bool {
	switch pkt.Type {
	case "ping":
		conn.sendPacket("pong")
	case "reg":
		s.handleRegister(ctx, pkt, conn)
	case "auth":
		s.handleAuth(ctx, session, pkt, conn)
	case "join":
		s.handleJoin(ctx, session, pkt, conn)
	case "msg":
		s.handleMessage(ctx, session, pkt, conn)
	case "recover":
		s.handleRecover(ctx, session, pkt, conn)
	case "read":
		s.handleRead(ctx, session, pkt, conn)
	case "hist":
		s.handleHistory(ctx, session, pkt, conn)
	case "users":
		s.handleUsers(ctx, conn)
	case "help":
		conn.sendPacket("help", commands...)
	case "bye":
		conn.sendPacket("bye")
		return false
	default:
		conn.sendError(pkt.Type, "Unknown command")
	}
	return true
}

func (s *Server) handleRegister(ctx context.Context, pkt *protocol.Packet, conn *Conn) {
	user, err := s.db.CreateUser(ctx, pkt.Field(0), pkt.Field(1))
	if err != nil {
		s.fail(conn, "reg", err)
		return
	}
	conn.sendOK("reg", strconv.FormatInt(user.ID, 10))
}

// handleAuth logs the user in and joins the connection as that user.
func (s *Server) handleAuth(ctx context.Context, session *delivery.Session, pkt *protocol.Packet, conn *Conn) {
	login, password := pkt.Field(0), pkt.Field(1)
	if login == "" || password == "" {
		conn.sendError("auth", "Invalid credentials")
		return
	}

	user, err := s.db.Authenticate(ctx, login, password)
	if err != nil {
		s.fail(conn, "auth", err)
		return
	}

	if err := session.Handle(ctx, delivery.Request{Op: delivery.OpJoin, UserID: user.ID}); err != nil {
		s.fail(conn, "auth", err)
		return
	}
	conn.sendOK("auth", strconv.FormatInt(user.ID, 10), user.Username)
}

func (s *Server) handleJoin(ctx context.Context, session *delivery.Session, pkt *protocol.Packet, conn *Conn) {
	userID, ok := parseID(pkt.Field(0))
	if !ok {
		conn.sendError("join", "Invalid user id")
		return
	}

	if err := session.Handle(ctx, delivery.Request{Op: delivery.OpJoin, UserID: userID}); err != nil {
		s.fail(conn, "join", err)
		return
	}
	conn.sendOK("join", strconv.FormatInt(userID, 10))
}

// handleMessage accepts msg|to|content[|kind[|correlation]]. Acknowledgements
// arrive as recv, routed and dlvd events rather than an ok line.
func (s *Server) handleMessage(ctx context.Context, session *delivery.Session, pkt *protocol.Packet, conn *Conn) {
	receiverID, ok := parseID(pkt.Field(0))
	if !ok {
		conn.sendError("msg", "Recipient required")
		return
	}

	err := session.Handle(ctx, delivery.Request{
		Op:            delivery.OpSend,
		ReceiverID:    receiverID,
		Content:       pkt.Field(1),
		Kind:          models.Kind(pkt.Field(2)),
		CorrelationID: pkt.Field(3),
	})
	if err != nil {
		s.fail(conn, "msg", err)
	}
}

func (s *Server) handleRecover(ctx context.Context, session *delivery.Session, pkt *protocol.Packet, conn *Conn) {
	var lastID int64
	if raw := pkt.Field(0); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			conn.sendError("recover", "Invalid last message id")
			return
		}
		lastID = parsed
	}

	if err := session.Handle(ctx, delivery.Request{Op: delivery.OpRecover, LastMessageID: lastID}); err != nil {
		s.fail(conn, "recover", err)
		return
	}
	conn.sendOK("recover")
}

func (s *Server) handleRead(ctx context.Context, session *delivery.Session, pkt *protocol.Packet, conn *Conn) {
	messageID, ok := parseID(pkt.Field(0))
	if !ok {
		conn.sendError("read", "Message id required")
		return
	}

	if err := session.Handle(ctx, delivery.Request{Op: delivery.OpMarkRead, MessageID: messageID}); err != nil {
		s.fail(conn, "read", err)
		return
	}
	conn.sendOK("read", strconv.FormatInt(messageID, 10))
}

// handleHistory answers hist|peer[|limit[|offset]] with a header line
// hist|peer|count followed by one msg line per message, oldest first.
func (s *Server) handleHistory(ctx context.Context, session *delivery.Session, pkt *protocol.Packet, conn *Conn) {
	userID := session.UserID()
	if userID == 0 {
		conn.sendError("hist", "Join first")
		return
	}

	peerID, ok := parseID(pkt.Field(0))
	if !ok {
		conn.sendError("hist", "Contact required")
		return
	}

	limit := defaultHistoryLimit
	if parsed, err := strconv.Atoi(pkt.Field(1)); err == nil && parsed > 0 {
		limit = parsed
	}
	offset := 0
	if parsed, err := strconv.Atoi(pkt.Field(2)); err == nil && parsed > 0 {
		offset = parsed
	}

	messages, err := s.db.History(ctx, userID, peerID, limit, offset)
	if err != nil {
		s.fail(conn, "hist", err)
		return
	}

	var b strings.Builder
	b.WriteString(protocol.FormatPacket("hist", strconv.FormatInt(peerID, 10), strconv.Itoa(len(messages))))
	for _, m := range messages {
		b.WriteString(protocol.FormatEvent(protocol.Event{
			Type: protocol.EventNewMessage,
			Data: protocol.NewMessagePayload(m),
		}))
	}
	conn.enqueue(b.String())
}

// handleUsers answers with users|count followed by
// user|id|name|status|last_seen lines.
func (s *Server) handleUsers(ctx context.Context, conn *Conn) {
	users, err := s.db.ListUsers(ctx)
	if err != nil {
		s.fail(conn, "users", err)
		return
	}

	var b strings.Builder
	b.WriteString(protocol.FormatPacket("users", strconv.Itoa(len(users))))
	for _, u := range s.registry.Statuses(users) {
		status := protocol.StatusOffline
		if u.Online {
			status = protocol.StatusOnline
		}
		b.WriteString(protocol.FormatPacket("user",
			strconv.FormatInt(u.ID, 10),
			u.Username,
			status,
			u.LastSeen.UTC().Format(protocol.TimeFormat),
		))
	}
	conn.enqueue(b.String())
}

// fail reports err to the client as fail|op|message. Only the error's
// public message is sent.
func (s *Server) fail(conn *Conn, op string, err error) {
	switch apperr.CodeOf(err) {
	case apperr.CodeStorage, apperr.CodeInternal, apperr.CodeUnknown:
		s.log.Error().Err(err).Str("op", op).Msg("command failed")
	}
	conn.sendError(op, apperr.Message(err))
}

func parseID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
