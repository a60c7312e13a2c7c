package delivery

import (
	"context"
	"fmt"
	"sync"

	"dmrelay/apperr"
	"dmrelay/models"
	"dmrelay/presence"
)

// MaxContentLength bounds a message body in bytes.
const MaxContentLength = 8192

// Op is one of the operations a connection can request.
type Op string

const (
	OpJoin     Op = "join"
	OpLeave    Op = "leave"
	OpSend     Op = "send"
	OpRecover  Op = "recover"
	OpMarkRead Op = "mark_read"
)

// Request is a decoded inbound operation. Fields not used by Op are ignored.
type Request struct {
	Op            Op
	UserID        int64 // join, recover
	SenderID      int64 // send; optional, must match the bound user
	ReceiverID    int64
	Content       string
	Kind          models.Kind
	CorrelationID string
	LastMessageID int64 // recover
	MessageID     int64 // mark_read
	ReaderID      int64 // mark_read; optional, must match the bound user
}

type opHandler func(s *Session, ctx context.Context, req Request) ([]Outbound, error)

var opHandlers = map[Op]opHandler{
	OpJoin:     (*Session).join,
	OpLeave:    (*Session).leave,
	OpSend:     (*Session).send,
	OpRecover:  (*Session).resume,
	OpMarkRead: (*Session).markRead,
}

// Session binds one connection to at most one user for its lifetime.
type Session struct {
	router *Router
	handle presence.Handle

	mu     sync.Mutex
	userID int64
}

// NewSession attaches h so it receives presence broadcasts before joining.
// Close detaches it.
func NewSession(router *Router, h presence.Handle) *Session {
	router.presence.Attach(h)
	return &Session{router: router, handle: h}
}

// UserID returns the bound user, or 0.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Handle validates and runs req, then delivers the resulting events.
// A returned error was rejected before reaching the router; nothing has been
// delivered for it.
func (s *Session) Handle(ctx context.Context, req Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.router.log.Error().Interface("panic", rec).Str("op", string(req.Op)).Msg("request handler panicked")
			err = apperr.Internal("Internal error", fmt.Errorf("panic: %v", rec))
		}
	}()

	h, ok := opHandlers[req.Op]
	if !ok {
		return apperr.Validation("Unknown operation")
	}

	outs, err := h(s, ctx, req)
	if err != nil {
		return err
	}
	s.router.Deliver(outs)
	return nil
}

// Close releases the bound user, if any, and detaches the connection.
func (s *Session) Close() {
	s.router.presence.Detach(s.handle)
	outs, _ := s.leave(context.Background(), Request{Op: OpLeave})
	s.router.Deliver(outs)
}

func (s *Session) join(ctx context.Context, req Request) ([]Outbound, error) {
	if err := s.checkUser(ctx, req.UserID); err != nil {
		return nil, err
	}

	outs := s.rebind(req.UserID)
	return append(outs, s.router.Join(req.UserID, s.handle)...), nil
}

func (s *Session) leave(_ context.Context, _ Request) ([]Outbound, error) {
	s.mu.Lock()
	userID := s.userID
	s.userID = 0
	s.mu.Unlock()

	if userID == 0 {
		return nil, nil
	}
	return s.router.Leave(userID, s.handle), nil
}

func (s *Session) send(ctx context.Context, req Request) ([]Outbound, error) {
	sender := s.UserID()
	if sender == 0 {
		return nil, apperr.Validation("Join first")
	}
	if req.SenderID != 0 && req.SenderID != sender {
		return nil, apperr.Validation("Sender does not match session")
	}
	if req.ReceiverID <= 0 {
		return nil, apperr.Validation("Recipient required")
	}
	if req.Content == "" {
		return nil, apperr.Validation("Message content required")
	}
	if len(req.Content) > MaxContentLength {
		return nil, apperr.Validation(fmt.Sprintf("Message content too long (max %d bytes)", MaxContentLength))
	}

	kind := req.Kind
	if kind == "" {
		kind = models.KindText
	}
	if !kind.Valid() {
		return nil, apperr.Validation("Unknown message kind")
	}

	if err := s.checkUser(ctx, req.ReceiverID); err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil, apperr.NotFound("Recipient not found")
		}
		return nil, err
	}

	return s.router.Send(ctx, s.handle, SendInput{
		SenderID:      sender,
		ReceiverID:    req.ReceiverID,
		Content:       req.Content,
		Kind:          kind,
		CorrelationID: req.CorrelationID,
	}), nil
}

func (s *Session) resume(ctx context.Context, req Request) ([]Outbound, error) {
	if req.LastMessageID < 0 {
		return nil, apperr.Validation("Invalid last message id")
	}

	userID := req.UserID
	bound := s.UserID()
	switch {
	case userID == 0 && bound == 0:
		return nil, apperr.Validation("Join first")
	case userID == 0:
		userID = bound
	case bound != 0 && userID != bound:
		return nil, apperr.Validation("User does not match session")
	}

	if err := s.checkUser(ctx, userID); err != nil {
		return nil, err
	}

	outs := s.rebind(userID)
	return append(outs, s.router.Recover(ctx, userID, req.LastMessageID, s.handle)...), nil
}

func (s *Session) markRead(ctx context.Context, req Request) ([]Outbound, error) {
	reader := s.UserID()
	if reader == 0 {
		return nil, apperr.Validation("Join first")
	}
	if req.ReaderID != 0 && req.ReaderID != reader {
		return nil, apperr.Validation("Reader does not match session")
	}
	if req.MessageID <= 0 {
		return nil, apperr.Validation("Message id required")
	}

	return s.router.MarkRead(ctx, req.MessageID, reader)
}

// rebind records userID as the session's user and releases a different user
// previously bound to the same connection.
func (s *Session) rebind(userID int64) []Outbound {
	s.mu.Lock()
	prev := s.userID
	s.userID = userID
	s.mu.Unlock()

	if prev == 0 || prev == userID {
		return nil
	}
	return s.router.Leave(prev, s.handle)
}

func (s *Session) checkUser(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return apperr.Validation("User id required")
	}
	exists, err := s.router.store.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.NotFound("User not found")
	}
	return nil
}
