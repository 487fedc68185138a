package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	myMiddleware "github.com/rentdesk/messaging/internal/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (Dev mode)
	},
}

type Handler struct {
	service  *Service
	validate *validator.Validate
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s, validate: validator.New()}
}

// Routes registers the messaging endpoints. r must already authenticate requests.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/conversations", h.ListConversations)
	r.Post("/api/conversations", h.StartConversation)
	r.Get("/api/conversations/{id}", h.GetConversation)
	r.Delete("/api/conversations/{id}", h.DeleteConversation)
	r.Get("/api/conversations/{id}/messages", h.GetChatHistory)
	r.Post("/api/conversations/{id}/messages", h.SendMessage)
	r.Post("/api/conversations/{id}/read", h.MarkRead)
	r.Delete("/api/messages/{id}", h.UnsendMessage)
	r.Get("/api/unread", h.UnreadCount)

	r.Get("/ws/conversations", h.ServeConversationFeed)
	r.Get("/ws/conversations/{id}/messages", h.ServeMessageFeed)
}

type startConversationRequest struct {
	OtherUserID     string           `json:"otherUserId" validate:"required"`
	PropertyContext *PropertyContext `json:"propertyContext" validate:"omitempty"`
}

// sendMessageRequest leaves content checks to SendRequest.normalize, which owns
// MaxContentLength.
type sendMessageRequest struct {
	Content        string      `json:"content"`
	Type           MessageType `json:"type" validate:"omitempty,oneof=text image file"`
	AttachmentRef  string      `json:"attachmentRef"`
	AttachmentName string      `json:"attachmentName"`
}

type deleteConversationRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req startConversationRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.service.CreateOrFindConversation(r.Context(), userID, req.OtherUserID, req.PropertyContext)
	if err != nil {
		writeError(w, "start conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversationId": id})
}

func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := h.service.GetConversation(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, "get conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	views, err := h.service.ListConversations(r.Context(), userID)
	if err != nil {
		writeError(w, "list conversations", err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) DeleteConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userRole, _ := myMiddleware.RoleFrom(r.Context())

	// The body is optional.
	var req deleteConversationRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	outcome, err := h.service.DeleteConversation(r.Context(), chi.URLParam(r, "id"), userID, userRole, req.Reason)
	if err != nil {
		writeError(w, "delete conversation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]DeleteOutcome{"outcome": outcome})
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a positive number", http.StatusBadRequest)
			return
		}
		limit = n
	}

	msgs, err := h.service.History(r.Context(), chi.URLParam(r, "id"), userID, limit)
	if err != nil {
		writeError(w, "load history", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	userRole, _ := myMiddleware.RoleFrom(r.Context())

	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	id, err := h.service.SendMessage(r.Context(), SendRequest{
		ConversationID: chi.URLParam(r, "id"),
		SenderID:       userID,
		SenderRole:     userRole,
		Content:        req.Content,
		Type:           req.Type,
		AttachmentRef:  req.AttachmentRef,
		AttachmentName: req.AttachmentName,
	})
	if err != nil {
		writeError(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (h *Handler) UnsendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if err := h.service.UnsendMessage(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		writeError(w, "unsend message", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := h.service.MarkRead(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, "mark read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": n})
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	n, err := h.service.GetUnreadCount(r.Context(), userID)
	if err != nil {
		writeError(w, "unread count", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// ServeConversationFeed streams the caller's conversation list over a websocket.
func (h *Handler) ServeConversationFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates, err := h.service.SubscribeConversations(ctx, userID)
	if err != nil {
		writeError(w, "subscribe conversations", err)
		return
	}
	serveFeed(ctx, cancel, w, r, "conversations", updates)
}

// ServeMessageFeed streams the messages of one conversation over a websocket.
func (h *Handler) ServeMessageFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := myMiddleware.UserFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	updates, err := h.service.SubscribeMessages(ctx, chi.URLParam(r, "id"), userID)
	if err != nil {
		writeError(w, "subscribe messages", err)
		return
	}
	serveFeed(ctx, cancel, w, r, "messages", updates)
}

// FeedFrame is one snapshot pushed over a feed websocket.
type FeedFrame[T any] struct {
	Feed string `json:"feed"`
	Data T      `json:"data"`
}

// serveFeed upgrades the connection and pumps snapshots until the client goes
// away or the feed ends. Clients only talk back with control frames.
func serveFeed[T any](ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, r *http.Request, name string, updates <-chan T) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "feed", name, "err", err)
		return
	}

	go readPump(conn, cancel)
	writePump(ctx, conn, name, updates)
}

// readPump drains the connection so that pongs and close frames are handled,
// and cancels the feed once the peer is gone.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug("feed client disconnected", "err", err)
			}
			return
		}
	}
}

func writePump[T any](ctx context.Context, conn *websocket.Conn, name string, updates <-chan T) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case snap, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The feed ended; the client is expected to resubscribe.
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "feed ended"))
				return
			}
			if err := conn.WriteJSON(FeedFrame[T]{Feed: name, Data: snap}); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// StatusFor maps a messaging error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrNotParticipant), errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, op string, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Error(op+" failed", "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
