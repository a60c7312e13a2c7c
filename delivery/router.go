// Package delivery routes direct messages between users.
//
// A message is persisted first and then either pushed to the recipient's live
// connection or queued until the recipient reappears. The lookup of the
// recipient's presence and the forward-or-enqueue decision happen inside one
// routing section, and so do mark-online and drain, so a message can never be
// queued for a user who has just come online or be pushed to a connection
// that has just been replaced.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"dmrelay/apperr"
	"dmrelay/db"
	"dmrelay/metrics"
	"dmrelay/models"
	"dmrelay/pending"
	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/rs/zerolog"
)

// Store is the persistence the router needs.
type Store interface {
	Persist(ctx context.Context, senderID, receiverID int64, content string, kind models.Kind) (*models.Message, error)
	Since(ctx context.Context, userID, minID int64, limit int) ([]models.Message, error)
	Message(ctx context.Context, id int64) (*models.Message, error)
	UserExists(ctx context.Context, id int64) (bool, error)
}

// Outbound is an event addressed to one handle, or to every connected handle
// when Broadcast is set.
type Outbound struct {
	To        presence.Handle
	Broadcast bool
	Event     protocol.Event
}

type Options struct {
	RecoverLimit int
}

type Router struct {
	store    Store
	presence *presence.Registry
	queue    *pending.Queue
	log      zerolog.Logger
	opts     Options
	now      func() time.Time

	// mu is the routing section. gapFilled holds, per recovered user, the
	// highest message id already sent in the missed_messages batch.
	mu        sync.Mutex
	gapFilled map[int64]int64
}

func NewRouter(store Store, registry *presence.Registry, queue *pending.Queue, logger zerolog.Logger, opts Options) *Router {
	if opts.RecoverLimit <= 0 {
		opts.RecoverLimit = 500
	}
	return &Router{
		store:    store,
		presence: registry,
		queue:    queue,
		log:      logger.With().Str("component", "delivery").Logger(),
		opts:     opts,
		now:      time.Now,

		gapFilled: make(map[int64]int64),
	}
}

// SendInput is a validated send request.
type SendInput struct {
	SenderID      int64
	ReceiverID    int64
	Content       string
	Kind          models.Kind
	CorrelationID string
}

// Join binds userID to h and flushes everything queued for the user.
func (r *Router) Join(userID int64, h presence.Handle) []Outbound {
	r.mu.Lock()
	change := r.presence.MarkOnline(userID, h)
	delete(r.gapFilled, userID)
	drained := r.queue.Drain(userID)
	r.forwardLocked(userID, h, drained)
	r.mu.Unlock()

	r.updateGauges()
	r.log.Info().Int64("user_id", userID).Int("drained", len(drained)).Msg("user joined")
	return []Outbound{presenceOutbound(change)}
}

// Recover is Join for a client that reconnects knowing the last message id it
// saw. Messages persisted after that id are sent first as one batch, then the
// pending sequence is drained. Messages already in the batch are not sent twice,
// whether they sit in the queue or are still being routed.
func (r *Router) Recover(ctx context.Context, userID, lastKnownID int64, h presence.Handle) []Outbound {
	gap, queryErr := r.store.Since(ctx, userID, lastKnownID, r.opts.RecoverLimit)
	if queryErr != nil {
		r.log.Error().Err(queryErr).Int64("user_id", userID).Msg("gap-fill query failed")
		gap = nil
	}

	batch := make([]protocol.MessagePayload, 0, len(gap))
	seen := make(map[int64]bool, len(gap))
	var highest int64
	for _, m := range gap {
		batch = append(batch, protocol.NewMessagePayload(m))
		seen[m.ID] = true
		if m.ID > highest {
			highest = m.ID
		}
	}

	r.mu.Lock()
	change := r.presence.MarkOnline(userID, h)
	if highest > 0 {
		r.gapFilled[userID] = highest
	} else {
		delete(r.gapFilled, userID)
	}
	if queryErr != nil {
		r.push(h, ErrorEvent(queryErr, ""))
	}
	r.push(h, protocol.Event{Type: protocol.EventMissedMessages, Data: protocol.MissedMessages{Messages: batch}})

	var rest []models.Message
	for _, m := range r.queue.Drain(userID) {
		if !seen[m.ID] {
			rest = append(rest, m)
		}
	}
	r.forwardLocked(userID, h, rest)
	r.mu.Unlock()

	metrics.GapFilled.Add(float64(len(batch)))
	r.updateGauges()
	r.log.Info().
		Int64("user_id", userID).
		Int64("last_known_id", lastKnownID).
		Int("gap_filled", len(batch)).
		Int("drained", len(rest)).
		Msg("user recovered")
	return []Outbound{presenceOutbound(change)}
}

// Leave unbinds h from userID. Nothing happens when h was already replaced by
// a newer connection or the user is offline.
func (r *Router) Leave(userID int64, h presence.Handle) []Outbound {
	r.mu.Lock()
	change, changed := r.presence.Release(userID, h)
	if changed {
		delete(r.gapFilled, userID)
	}
	r.mu.Unlock()

	if !changed {
		return nil
	}
	r.updateGauges()
	r.log.Info().Int64("user_id", userID).Msg("user left")
	return []Outbound{presenceOutbound(change)}
}

// Send runs the inbound path for one message. message_received is pushed to
// the sender before the message is stored; the returned events follow it:
// routed then delivered, or a single error.
func (r *Router) Send(ctx context.Context, from presence.Handle, in SendInput) []Outbound {
	r.push(from, protocol.Event{Type: protocol.EventMessageReceived, Data: protocol.MessageReceived{CorrelationID: in.CorrelationID}})

	msg, err := r.store.Persist(ctx, in.SenderID, in.ReceiverID, in.Content, in.Kind)
	if err != nil {
		metrics.StorageErrors.Inc()
		r.log.Error().Err(err).
			Int64("sender_id", in.SenderID).
			Int64("receiver_id", in.ReceiverID).
			Str("correlation_id", in.CorrelationID).
			Msg("message dropped")
		if apperr.CodeOf(err) == apperr.CodeUnknown {
			err = apperr.Storage("failed to store message", err)
		}
		return []Outbound{{To: from, Event: ErrorEvent(err, in.CorrelationID)}}
	}
	metrics.MessagesPersisted.WithLabelValues(string(msg.Kind)).Inc()

	route := r.route(*msg)
	metrics.MessagesRouted.WithLabelValues(route).Inc()
	r.updateGauges()

	r.log.Debug().
		Int64("message_id", msg.ID).
		Int64("sender_id", msg.SenderID).
		Int64("receiver_id", msg.ReceiverID).
		Str("route", route).
		Msg("message routed")

	return []Outbound{
		{To: from, Event: protocol.Event{Type: protocol.EventMessageRouted, Data: protocol.MessageRouted{
			MessageID: msg.ID, Route: route, CorrelationID: in.CorrelationID,
		}}},
		{To: from, Event: protocol.Event{Type: protocol.EventMessageDelivered, Data: protocol.MessageDelivered{
			MessageID: msg.ID, CorrelationID: in.CorrelationID, Timestamp: msg.CreatedAt,
		}}},
	}
}

// route forwards msg live or queues it. A handle that refuses the push is
// treated as offline. A message the recipient already got in its
// missed_messages batch counts as delivered without a second push.
func (r *Router) route(msg models.Message) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.presence.HandleOf(msg.ReceiverID); ok {
		if msg.ID <= r.gapFilled[msg.ReceiverID] {
			return protocol.RouteDeliveredLive
		}
		err := h.Send(newMessageEvent(msg))
		if err == nil {
			return protocol.RouteDeliveredLive
		}
		err = apperr.Routing("recipient connection unavailable", err)
		r.log.Warn().Err(err).Int64("receiver_id", msg.ReceiverID).Str("handle", h.ID()).Msg("falling back to queue")
	}

	r.queue.Enqueue(msg.ReceiverID, msg)
	return protocol.RouteQueued
}

// MarkRead forwards a read receipt to the message's sender when online.
// An unknown message id is a NotFound error.
func (r *Router) MarkRead(ctx context.Context, messageID, readerID int64) ([]Outbound, error) {
	msg, err := r.store.Message(ctx, messageID)
	if errors.Is(err, db.ErrNoRows) {
		return nil, apperr.NotFound("Message not found")
	}
	if err != nil {
		return nil, err
	}

	h, ok := r.presence.HandleOf(msg.SenderID)
	metrics.ReadReceipts.WithLabelValues(boolLabel(ok)).Inc()
	if !ok {
		return nil, nil
	}

	return []Outbound{{To: h, Event: protocol.Event{Type: protocol.EventReadStatus, Data: protocol.ReadStatus{
		MessageID: msg.ID,
		ReaderID:  readerID,
		Status:    "read",
		ReadAt:    r.now().UTC(),
	}}}}, nil
}

// Deliver pushes outbound events. Broadcasts reach every connected handle,
// joined or not. Failed pushes are logged and dropped; the owning connection
// is already going away when a push fails.
func (r *Router) Deliver(outs []Outbound) {
	for _, out := range outs {
		if out.Broadcast {
			for _, h := range r.presence.Connections() {
				r.push(h, out.Event)
			}
			continue
		}
		if out.To != nil {
			r.push(out.To, out.Event)
		}
	}
}

func (r *Router) push(h presence.Handle, ev protocol.Event) {
	if err := h.Send(ev); err != nil {
		r.log.Debug().Err(err).Str("handle", h.ID()).Str("event", string(ev.Type)).Msg("push failed")
	}
}

// forwardLocked pushes queued messages in order. When the handle refuses a
// push, that message and every one after it go back to the queue.
func (r *Router) forwardLocked(userID int64, h presence.Handle, msgs []models.Message) {
	for i, m := range msgs {
		if err := h.Send(newMessageEvent(m)); err != nil {
			r.log.Warn().Err(err).Int64("user_id", userID).Int("requeued", len(msgs)-i).Msg("drain interrupted")
			for _, rest := range msgs[i:] {
				r.queue.Enqueue(userID, rest)
			}
			metrics.MessagesDrained.Add(float64(i))
			return
		}
	}
	metrics.MessagesDrained.Add(float64(len(msgs)))
}

func (r *Router) updateGauges() {
	metrics.OnlineUsers.Set(float64(r.presence.Count()))
	metrics.PendingMessages.Set(float64(r.queue.Total()))
}

func presenceOutbound(c presence.Change) Outbound {
	status := protocol.StatusOffline
	if c.Online {
		status = protocol.StatusOnline
	}
	return Outbound{Broadcast: true, Event: protocol.Event{
		Type: protocol.EventPresenceChanged,
		Data: protocol.PresenceChanged{UserID: c.UserID, Status: status, LastSeen: c.LastSeen},
	}}
}

func newMessageEvent(m models.Message) protocol.Event {
	return protocol.Event{Type: protocol.EventNewMessage, Data: protocol.NewMessagePayload(m)}
}

// ErrorEvent converts err into an error event. Errors without a code are
// reported as INTERNAL.
func ErrorEvent(err error, correlationID string) protocol.Event {
	code := apperr.CodeOf(err)
	if code == apperr.CodeUnknown {
		code = apperr.CodeInternal
	}
	return protocol.Event{Type: protocol.EventError, Data: protocol.ErrorPayload{
		Code:          string(code),
		Message:       apperr.Message(err),
		CorrelationID: correlationID,
	}}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
