package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/rallychat/internal/middleware"
	"github.com/hitoshi/rallychat/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限。
const maxRequestBodyBytes = 64 << 10

// ConversationService は会話ハンドラーが必要とする会話操作。
type ConversationService interface {
	// List はユーザーの会話一覧を新しい順に返す。
	List(ctx context.Context, userID string) ([]model.ConversationSummary, error)
	// Resolve は2者間の会話IDを取得または作成する。
	Resolve(ctx context.Context, userA, userB string) (string, error)
	// Participant はユーザーが参加者である会話を返す。該当しなければnil。
	Participant(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
}

// MessageService は会話ハンドラーが必要とするメッセージ操作。
type MessageService interface {
	History(ctx context.Context, conversationID string) ([]model.Message, error)
	Append(ctx context.Context, conversationID, senderID, content string) (*model.Message, error)
}

// ConversationHandler は会話とメッセージのHTTPハンドラー。
type ConversationHandler struct {
	conversations ConversationService
	messages      MessageService
	logger        *slog.Logger
}

// NewConversationHandler はConversationHandlerを生成する。
func NewConversationHandler(conversations ConversationService, messages MessageService, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		messages:      messages,
		logger:        logger,
	}
}

// ListConversations はユーザーの会話一覧を返す。
// GET /api/conversations
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	summaries, err := h.conversations.List(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toConversationResponses(summaries))
}

// StartConversation は相手ユーザーとの会話を取得または作成する。
// POST /api/conversations
func (h *ConversationHandler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	var req startConversationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id, err := h.conversations.Resolve(r.Context(), userID, req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, startConversationResponse{ID: id})
}

// ListMessages は会話のメッセージ履歴を古い順に返す。
// GET /api/conversations/{id}/messages
func (h *ConversationHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")
	if !h.requireParticipant(w, r, conversationID, userID) {
		return
	}

	msgs, err := h.messages.History(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toMessageResponses(msgs))
}

// SendMessage は会話へメッセージを送信する。
// POST /api/conversations/{id}/messages
func (h *ConversationHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	conversationID := chi.URLParam(r, "id")

	var req sendMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !h.requireParticipant(w, r, conversationID, userID) {
		return
	}

	msg, err := h.messages.Append(r.Context(), conversationID, userID, req.Content)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMessageResponse(*msg))
}

func (h *ConversationHandler) currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// requireParticipant はユーザーが会話の参加者であることを確認する。
// 参加者でない場合は会話の存在を明かさず404を返す。
func (h *ConversationHandler) requireParticipant(w http.ResponseWriter, r *http.Request, conversationID, userID string) bool {
	conv, err := h.conversations.Participant(r.Context(), conversationID, userID)
	if err != nil {
		h.writeError(w, r, err)
		return false
	}
	if conv == nil {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewConversationNotFoundError(conversationID))
		return false
	}
	return true
}

func (h *ConversationHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := middleware.StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("リクエストの処理に失敗しました",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteErrorResponse(w, status, model.ToAPIError(err))
}

// decodeBody はJSONボディを読み取る。失敗時は400を書き込みfalseを返す。
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return false
	}
	return true
}
