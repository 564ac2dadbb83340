package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/thread"
)

// messageResponse はメッセージのAPIレスポンス。
type messageResponse struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	Status         string     `json:"status,omitempty"`
}

// profileResponse は相手ユーザーの公開情報。
type profileResponse struct {
	ID              string  `json:"id"`
	DisplayName     string  `json:"display_name"`
	FirstName       *string `json:"first_name,omitempty"`
	LastName        *string `json:"last_name,omitempty"`
	ProfilePhotoURL *string `json:"profile_photo_url,omitempty"`
	Role            string  `json:"role"`
}

// conversationResponse は会話一覧の1行。
type conversationResponse struct {
	ID                string           `json:"id"`
	Counterpart       profileResponse  `json:"counterpart"`
	LastMessage       *messageResponse `json:"last_message,omitempty"`
	LastMessageFromMe bool             `json:"last_message_from_me"`
	LastMessageAt     *time.Time       `json:"last_message_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// startConversationRequest は会話開始リクエストのボディ。
type startConversationRequest struct {
	UserID string `json:"user_id"`
}

// startConversationResponse は会話開始のレスポンス。
type startConversationResponse struct {
	ID string `json:"id"`
}

// sendMessageRequest はメッセージ送信リクエストのボディ。
type sendMessageRequest struct {
	Content string `json:"content"`
}

func toMessageResponse(m model.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
	}
}

func toDisplayMessageResponse(m model.DisplayMessage) messageResponse {
	resp := toMessageResponse(m.Message)
	resp.Status = string(m.Status)
	return resp
}

func toMessageResponses(msgs []model.Message) []messageResponse {
	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageResponse(m)
	}
	return out
}

func toProfileResponse(p model.Profile) profileResponse {
	return profileResponse{
		ID:              p.ID,
		DisplayName:     p.DisplayName(),
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		ProfilePhotoURL: p.ProfilePhotoURL,
		Role:            string(p.Role),
	}
}

func toConversationResponses(summaries []model.ConversationSummary) []conversationResponse {
	out := make([]conversationResponse, len(summaries))
	for i, s := range summaries {
		resp := conversationResponse{
			ID:                s.Conversation.ID,
			Counterpart:       toProfileResponse(s.Counterpart),
			LastMessageFromMe: s.LastMessageFromMe,
			LastMessageAt:     s.Conversation.LastMessageAt,
			CreatedAt:         s.Conversation.CreatedAt,
		}
		if s.LastMessage != nil {
			m := toMessageResponse(*s.LastMessage)
			resp.LastMessage = &m
		}
		out[i] = resp
	}
	return out
}

func toThreadMessages(snap thread.Snapshot) []messageResponse {
	out := make([]messageResponse, len(snap.Messages))
	for i, m := range snap.Messages {
		out[i] = toDisplayMessageResponse(m)
	}
	return out
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// invalidRequestError はリクエストボディの解析失敗を表す。
func invalidRequestError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}
