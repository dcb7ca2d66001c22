package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"barterhub/cmd/internal/auth"
)

const defaultMaxBodyBytes = 1 << 20 // 1 MiB

// Handler exposes the chat REST surface. Both it and the websocket gateway
// call the same Service, so a message posted here is broadcast to live
// sockets exactly like one posted over the socket.
type Handler struct {
	log      *slog.Logger
	svc      *Service
	verifier auth.Verifier

	cookieName   string
	maxBodyBytes int64
}

// NewHandler constructs the REST handler.
func NewHandler(log *slog.Logger, svc *Service, verifier auth.Verifier, cookieName string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	if cookieName == "" {
		cookieName = auth.DefaultCookieName
	}
	return &Handler{
		log:          log,
		svc:          svc,
		verifier:     verifier,
		cookieName:   cookieName,
		maxBodyBytes: defaultMaxBodyBytes,
	}
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("GET /api/chat/conversations", h.withPrincipal(h.handleListConversations))
	mux.HandleFunc("GET /api/chat/conversations/{id}/messages", h.withPrincipal(h.handleMessages))
	mux.HandleFunc("POST /api/chat/messages", h.withPrincipal(h.handleSendMessage))
	mux.HandleFunc("POST /api/products/{id}/interest", h.withPrincipal(h.handleInterest))
}

// withPrincipal authenticates the request before the handler runs.
// Missing or invalid credentials answer 401 with no detail.
func (h *Handler) withPrincipal(next func(http.ResponseWriter, *http.Request, auth.Principal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := auth.CredentialFromRequest(r, h.cookieName)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		principal, err := h.verifier.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next(w, r, principal)
	}
}

// ---- responses ----

type conversationResponse struct {
	ID               int64     `json:"id"`
	UserA            int64     `json:"user_a"`
	UserB            int64     `json:"user_b"`
	ProductID        *int64    `json:"product_id,omitempty"`
	LastMessage      string    `json:"last_message,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
	OtherUserID      int64     `json:"other_user_id"`
	OtherUserName    string    `json:"other_user_name,omitempty"`
	OtherUserPicture string    `json:"other_user_picture,omitempty"`
	ProductTitle     string    `json:"product_title,omitempty"`
}

type messageResponse struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	Content        string    `json:"content"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

type listConversationsResponse struct {
	Conversations []conversationResponse `json:"conversations"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type sendMessageRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
	ClientMsgID    string `json:"client_msg_id,omitempty"`
}

type sendMessageResponse struct {
	Message messageResponse `json:"message"`
}

type interestResponse struct {
	ConversationID int64 `json:"conversation_id"`
	ProductID      int64 `json:"product_id"`
	OwnerID        int64 `json:"owner_id"`
}

// ---- handlers ----

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	summaries, err := h.svc.Conversations(r.Context(), p.ID)
	if err != nil {
		h.log.Error("chat.http.conversations.fail", "user_id", p.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not load conversations")
		return
	}

	out := make([]conversationResponse, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, conversationResponse{
			ID:               s.ID,
			UserA:            s.UserA,
			UserB:            s.UserB,
			ProductID:        s.ProductID,
			LastMessage:      s.LastMessage,
			UpdatedAt:        s.UpdatedAt,
			OtherUserID:      s.OtherUserID,
			OtherUserName:    s.OtherUserName,
			OtherUserPicture: s.OtherUserPicture,
			ProductTitle:     s.ProductTitle,
		})
	}
	writeJSON(w, http.StatusOK, listConversationsResponse{Conversations: out})
}

// handleMessages returns the history window and, as a side effect, marks the
// counterpart's messages as read for the caller.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	conversationID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid conversation id")
		return
	}

	msgs, err := h.svc.History(r.Context(), conversationID, p.ID)
	if err != nil {
		h.writeServiceError(w, p, err, "chat.http.messages.fail")
		return
	}

	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{Messages: out})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.ConversationID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "missing conversation_id")
		return
	}

	msg, err := h.svc.Send(r.Context(), req.ConversationID, p.ID, req.Content, req.ClientMsgID)
	if err != nil {
		h.writeServiceError(w, p, err, "chat.http.send.fail")
		return
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{Message: toMessageResponse(msg)})
}

func (h *Handler) handleInterest(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	productID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid product id")
		return
	}

	conv, product, err := h.svc.ExpressInterest(r.Context(), p.ID, productID)
	if err != nil {
		switch {
		case errors.Is(err, ErrProductNotFound):
			writeError(w, http.StatusNotFound, "not_found", "product not found")
		case errors.Is(err, ErrOwnProduct):
			writeError(w, http.StatusUnprocessableEntity, "own_product", "cannot express interest in your own product")
		default:
			h.log.Error("chat.http.interest.fail", "user_id", p.ID, "product_id", productID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal", "could not register interest")
		}
		return
	}

	writeJSON(w, http.StatusOK, interestResponse{
		ConversationID: conv.ID,
		ProductID:      product.ID,
		OwnerID:        product.OwnerID,
	})
}

// writeServiceError maps pipeline errors onto HTTP statuses. Unlike the
// websocket path, REST distinguishes 404 from 403: the status line leaks
// nothing a list request would not already reveal to the caller.
func (h *Handler) writeServiceError(w http.ResponseWriter, p auth.Principal, err error, event string) {
	switch {
	case errors.Is(err, ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, ErrNotParticipant):
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
	case errors.Is(err, ErrEmptyContent):
		writeError(w, http.StatusBadRequest, "empty_message", "message content is empty")
	case errors.Is(err, ErrContentTooLong):
		writeError(w, http.StatusBadRequest, "message_too_long", "message content too long")
	default:
		h.log.Error(event, "user_id", p.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "request failed")
	}
}

func toMessageResponse(m Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ---- json helpers ----

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
