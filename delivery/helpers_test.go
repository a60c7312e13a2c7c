package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dmrelay/db"
	"dmrelay/models"
	"dmrelay/pending"
	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/rs/zerolog"
)

var errClosed = errors.New("connection closed")

// recorder is a handle that keeps every event pushed to it.
type recorder struct {
	id     string
	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(ev protocol.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errClosed
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) ofType(t protocol.EventType) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) messages() []protocol.MessagePayload {
	var out []protocol.MessagePayload
	for _, ev := range r.ofType(protocol.EventNewMessage) {
		out = append(out, ev.Data.(protocol.MessagePayload))
	}
	return out
}

// memStore is an in-memory Store.
type memStore struct {
	mu          sync.Mutex
	msgs        []models.Message
	users       map[int64]string
	failPersist bool
	// persistGate and sinceGate, when set, hold Persist and Since until
	// they are closed.
	persistGate chan struct{}
	sinceGate   chan struct{}
}

func newMemStore(users ...int64) *memStore {
	s := &memStore{users: make(map[int64]string)}
	for _, id := range users {
		s.users[id] = fmt.Sprintf("user%d", id)
	}
	return s
}

func (s *memStore) Persist(_ context.Context, senderID, receiverID int64, content string, kind models.Kind) (*models.Message, error) {
	if s.persistGate != nil {
		<-s.persistGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPersist {
		return nil, errors.New("disk I/O error")
	}
	m := models.Message{
		ID:         int64(len(s.msgs) + 1),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Kind:       kind,
		CreatedAt:  time.Now().UTC(),
		SenderName: s.users[senderID],
	}
	s.msgs = append(s.msgs, m)
	return &m, nil
}

func (s *memStore) Since(_ context.Context, userID, minID int64, limit int) ([]models.Message, error) {
	if s.sinceGate != nil {
		<-s.sinceGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, m := range s.msgs {
		if m.ReceiverID == userID && m.ID > minID {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) Message(_ context.Context, id int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id <= 0 || id > int64(len(s.msgs)) {
		return nil, db.ErrNoRows
	}
	m := s.msgs[id-1]
	return &m, nil
}

func (s *memStore) UserExists(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[id]
	return ok, nil
}

type fixture struct {
	store    *memStore
	registry *presence.Registry
	queue    *pending.Queue
	router   *Router
}

func newFixture(t *testing.T, users ...int64) *fixture {
	t.Helper()
	if len(users) == 0 {
		users = []int64{1, 2, 3}
	}
	f := &fixture{
		store:    newMemStore(users...),
		registry: presence.NewRegistry(),
		queue:    pending.NewQueue(),
	}
	f.router = NewRouter(f.store, f.registry, f.queue, zerolog.Nop(), Options{})
	return f
}

func eventTypes(outs []Outbound) []protocol.EventType {
	types := make([]protocol.EventType, 0, len(outs))
	for _, o := range outs {
		types = append(types, o.Event.Type)
	}
	return types
}
