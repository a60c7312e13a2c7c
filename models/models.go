package models

import "time"

type User struct {
	ID        int64
	Username  string
	Password  string // hashed
	CreatedAt time.Time
}

// Kind is the payload type of a message.
type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file" // Content holds a file reference token
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	return k == KindText || k == KindFile
}

type Message struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Content    string
	Kind       Kind
	CreatedAt  time.Time
	SenderName string // filled on read, not stored
}

// UserStatus is a user as shown in the directory listing.
type UserStatus struct {
	ID       int64
	Username string
	Online   bool
	LastSeen time.Time
}
