package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/rallychat/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// NewErrorResponseBody はAPIErrorをレスポンスボディに変換する。
func NewErrorResponseBody(apiErr *model.APIError) ErrorResponseBody {
	return ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(NewErrorResponseBody(apiErr))
}

// WriteError はエラーの分類に応じたステータスコードでエラーレスポンスを書き込む。
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorResponse(w, StatusFor(err), model.ToAPIError(err))
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.ToAPIError(nil))
}

// StatusFor はエラーに対応するHTTPステータスコードを返す。
func StatusFor(err error) int {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case model.ErrCodeUnauthorized:
			return http.StatusUnauthorized
		case model.ErrCodeConversationNotFound:
			return http.StatusNotFound
		case model.ErrCodeValidation:
			return http.StatusBadRequest
		}
	}

	if errors.Is(err, model.ErrValidation) {
		return http.StatusBadRequest
	}

	switch model.KindOf(err) {
	case model.KindResolutionFailed:
		return http.StatusBadGateway
	case model.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func csrfError() *model.APIError {
	return &model.APIError{
		Code:     "CSRF_VALIDATION_FAILED",
		Message:  "リクエストの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// RateLimitError はレート制限超過を表す。
func RateLimitError() *model.APIError {
	return &model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエスト回数が上限に達しました。",
		Category: "validation",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
