package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"dmrelay/apperr"
	"dmrelay/db"
	"dmrelay/presence"
	"dmrelay/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	db       *db.DB
	registry *presence.Registry
	log      zerolog.Logger
}

func NewHandler(database *db.DB, registry *presence.Registry, logger zerolog.Logger) *Handler {
	return &Handler{db: database, registry: registry, log: logger.With().Str("component", "api").Logger()}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// Fail maps err's code to a status and sends its public message.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(apperr.CodeOf(err))
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.Error(w, status, apperr.Message(err))
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type HealthResponse struct {
	Status      string `json:"status"` // "healthy" or "degraded"
	Version     string `json:"version"`
	OnlineUsers int    `json:"online_users"`
	Timestamp   string `json:"timestamp"`
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	if err := h.db.Ping(ctx); err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	h.JSON(w, code, HealthResponse{
		Status:      status,
		Version:     version,
		OnlineUsers: h.registry.Count(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

type CredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AccountResponse struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	user, err := h.db.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.log.Info().Int64("user_id", user.ID).Str("username", user.Username).Msg("user registered")
	h.JSON(w, http.StatusCreated, AccountResponse{UserID: user.ID, Username: user.Username})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		h.Error(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.db.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	h.JSON(w, http.StatusOK, AccountResponse{UserID: user.ID, Username: user.Username})
}

type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

// Users lists every registered user with their presence.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	users, err := h.db.ListUsers(r.Context())
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	resp := make([]UserResponse, 0, len(users))
	for _, u := range h.registry.Statuses(users) {
		status := protocol.StatusOffline
		if u.Online {
			status = protocol.StatusOnline
		}
		resp = append(resp, UserResponse{
			ID:       u.ID,
			Username: u.Username,
			Status:   status,
			LastSeen: u.LastSeen.UTC().Format(protocol.TimeFormat),
		})
	}

	h.JSON(w, http.StatusOK, resp)
}

// Messages returns one page of the conversation between users a and b.
// Without a limit the whole conversation is returned.
func (h *Handler) Messages(w http.ResponseWriter, r *http.Request) {
	a, errA := strconv.ParseInt(chi.URLParam(r, "a"), 10, 64)
	b, errB := strconv.ParseInt(chi.URLParam(r, "b"), 10, 64)
	if errA != nil || errB != nil || a <= 0 || b <= 0 {
		h.Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid offset")
		return
	}

	messages, err := h.db.History(r.Context(), a, b, limit, offset)
	if err != nil {
		h.Fail(w, r, err)
		return
	}

	resp := make([]protocol.MessagePayload, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, protocol.NewMessagePayload(m))
	}
	h.JSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Validation("invalid " + key)
	}
	return v, nil
}
