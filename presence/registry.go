// Package presence tracks which users currently have a live connection.
//
// A Registry is a single table guarded by one mutex. Every method is safe for
// concurrent use and none of them fail.
package presence

import (
	"sort"
	"sync"
	"time"

	"dmrelay/models"
	"dmrelay/protocol"
)

// Handle is a live connection that events can be pushed to. Send must not
// block on network I/O; implementations buffer and write elsewhere.
type Handle interface {
	ID() string
	Send(ev protocol.Event) error
}

// Change describes a presence transition, ready to be broadcast.
type Change struct {
	UserID   int64
	Online   bool
	LastSeen time.Time
}

type Registry struct {
	mu       sync.Mutex
	online   map[int64]Handle
	lastSeen map[int64]time.Time
	attached map[string]Handle
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		online:   make(map[int64]Handle),
		lastSeen: make(map[int64]time.Time),
		attached: make(map[string]Handle),
		now:      time.Now,
	}
}

// Attach records h as a connected handle whether or not it has joined.
func (r *Registry) Attach(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached[h.ID()] = h
}

func (r *Registry) Detach(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attached, h.ID())
}

// MarkOnline binds userID to h, replacing any previous handle.
func (r *Registry) MarkOnline(userID int64, h Handle) Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	r.online[userID] = h
	r.lastSeen[userID] = now
	return Change{UserID: userID, Online: true, LastSeen: now}
}

// MarkOffline removes userID's mapping. The bool is false when the user was
// already offline, in which case nothing changes.
func (r *Registry) MarkOffline(userID int64) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.online[userID]; !ok {
		return Change{}, false
	}
	return r.removeLocked(userID), true
}

// Release is MarkOffline restricted to the case where h is still the bound
// handle. A connection that was replaced by a newer join releases nothing.
func (r *Registry) Release(userID int64, h Handle) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.online[userID]
	if !ok || cur.ID() != h.ID() {
		return Change{}, false
	}
	return r.removeLocked(userID), true
}

func (r *Registry) removeLocked(userID int64) Change {
	now := r.now().UTC()
	delete(r.online, userID)
	r.lastSeen[userID] = now
	return Change{UserID: userID, Online: false, LastSeen: now}
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.online[userID]
	return ok
}

func (r *Registry) HandleOf(userID int64) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.online[userID]
	return h, ok
}

// LastSeen returns the last recorded transition for userID, or now when the
// user has never been seen.
func (r *Registry) LastSeen(userID int64) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.lastSeen[userID]; ok {
		return t
	}
	return r.now().UTC()
}

// Statuses annotates users with their current presence.
func (r *Registry) Statuses(users []models.User) []models.UserStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.UserStatus, 0, len(users))
	for _, u := range users {
		_, online := r.online[u.ID]
		lastSeen, ok := r.lastSeen[u.ID]
		if !ok {
			lastSeen = r.now().UTC()
		}
		out = append(out, models.UserStatus{ID: u.ID, Username: u.Username, Online: online, LastSeen: lastSeen})
	}
	return out
}

// Handles returns a snapshot of every bound handle.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]Handle, 0, len(r.online))
	for _, h := range r.online {
		handles = append(handles, h)
	}
	return handles
}

// Connections returns a snapshot of every attached or bound handle, each once.
func (r *Registry) Connections() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]Handle, 0, len(r.attached)+len(r.online))
	for _, h := range r.attached {
		handles = append(handles, h)
	}
	for _, h := range r.online {
		if _, ok := r.attached[h.ID()]; !ok {
			handles = append(handles, h)
		}
	}
	return handles
}

// Online returns the ids of online users in ascending order.
func (r *Registry) Online() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]int64, 0, len(r.online))
	for id := range r.online {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.online)
}
