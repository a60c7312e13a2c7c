package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"dmrelay/apperr"
	"dmrelay/models"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrNoRows = errors.New("no rows found")

const timeLayout = time.RFC3339Nano

type DB struct {
	conn *sql.DB
	now  func() time.Time
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn, now: time.Now}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id, id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return db.migrate()
}

// migrate performs auto-migration for columns added after the first schema
func (db *DB) migrate() error {
	if !db.columnExists("messages", "message_type") {
		if _, err := db.conn.Exec("ALTER TABLE messages ADD COLUMN message_type TEXT NOT NULL DEFAULT 'text'"); err != nil {
			return err
		}
	}
	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

// User methods

// MinPasswordLength is the shortest password CreateUser accepts.
const MinPasswordLength = 6

// CreateUser registers a new user and returns it with its assigned id.
func (db *DB) CreateUser(ctx context.Context, username, password string) (*models.User, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, apperr.Validation("Username and password required")
	}
	if len(password) < MinPasswordLength {
		return nil, apperr.Validation(fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, apperr.Internal("failed to hash password", err)
	}

	now := db.now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		username, string(hashed), now.Format(timeLayout),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return nil, apperr.AlreadyExists("Username already exists")
		}
		return nil, apperr.Storage("failed to create user", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Storage("failed to create user", err)
	}

	return &models.User{ID: id, Username: username, Password: string(hashed), CreatedAt: now}, nil
}

// Authenticate returns the user when the password matches.
func (db *DB) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	var u models.User
	var created string
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, username, password, created_at FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.Password, &created)
	if err == sql.ErrNoRows {
		return nil, apperr.Unauthenticated("Invalid username or password")
	}
	if err != nil {
		return nil, apperr.Storage("failed to load user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return nil, apperr.Unauthenticated("Invalid username or password")
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}

func (db *DB) UserExists(ctx context.Context, id int64) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, apperr.Storage("failed to look up user", err)
	}
	return count > 0, nil
}

// ListUsers returns every registered user ordered by id.
func (db *DB) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT id, username, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, apperr.Storage("failed to list users", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		var created string
		if err := rows.Scan(&u.ID, &u.Username, &created); err != nil {
			return nil, apperr.Storage("failed to list users", err)
		}
		u.CreatedAt, _ = time.Parse(timeLayout, created)
		users = append(users, u)
	}

	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("failed to list users", err)
	}
	return users, nil
}

// SenderName resolves a user id to a display name. Unknown ids get a
// placeholder instead of an error.
func (db *DB) SenderName(ctx context.Context, senderID int64) string {
	var name string
	err := db.conn.QueryRowContext(ctx, "SELECT username FROM users WHERE id = ?", senderID).Scan(&name)
	if err != nil || name == "" {
		return placeholderName(senderID)
	}
	return name
}

func placeholderName(id int64) string {
	return fmt.Sprintf("User %d", id)
}

// Message methods

// Persist stores a message, assigning its id and creation time.
func (db *DB) Persist(ctx context.Context, senderID, receiverID int64, content string, kind models.Kind) (*models.Message, error) {
	now := db.now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender_id, receiver_id, content, message_type, created_at) VALUES (?, ?, ?, ?, ?)",
		senderID, receiverID, content, string(kind), now.Format(timeLayout),
	)
	if err != nil {
		return nil, apperr.Storage("failed to store message", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Storage("failed to store message", err)
	}

	return &models.Message{
		ID:         id,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Kind:       kind,
		CreatedAt:  now,
		SenderName: db.SenderName(ctx, senderID),
	}, nil
}

const selectMessages = `
	SELECT m.id, m.sender_id, m.receiver_id, m.content, m.message_type, m.created_at, COALESCE(u.username, '')
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id
`

// History returns one page of the conversation between a and b. Pages are
// counted from the most recent message; each page is in ascending order.
func (db *DB) History(ctx context.Context, a, b int64, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	if offset < 0 {
		offset = 0
	}

	query := selectMessages + `
		WHERE (m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.id DESC
		LIMIT ? OFFSET ?
	`
	messages, err := db.queryMessages(ctx, query, a, b, b, a, limit, offset)
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Since returns messages received by userID with id greater than minID,
// oldest first.
func (db *DB) Since(ctx context.Context, userID, minID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}

	query := selectMessages + `
		WHERE m.receiver_id = ? AND m.id > ?
		ORDER BY m.id ASC
		LIMIT ?
	`
	return db.queryMessages(ctx, query, userID, minID, limit)
}

// Message returns a single message by id.
func (db *DB) Message(ctx context.Context, id int64) (*models.Message, error) {
	messages, err := db.queryMessages(ctx, selectMessages+" WHERE m.id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, ErrNoRows
	}
	return &messages[0], nil
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Storage("failed to query messages", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var kind, created, name string
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &kind, &created, &name); err != nil {
			return nil, apperr.Storage("failed to read message", err)
		}

		m.Kind = models.Kind(kind)
		m.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, apperr.Storage("failed to read message", err)
		}
		m.SenderName = strings.TrimSpace(name)
		if m.SenderName == "" {
			m.SenderName = placeholderName(m.SenderID)
		}

		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, apperr.Storage("failed to query messages", err)
	}
	return messages, nil
}
