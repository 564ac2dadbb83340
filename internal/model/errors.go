// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, conversation, realtime, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeResolutionFailed     = "RESOLUTION_FAILED"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeStoreUnavailable     = "STORE_UNAVAILABLE"
	ErrCodeSubscriptionError    = "SUBSCRIPTION_ERROR"
	ErrCodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
)

// ErrorKind はメッセージングコアのエラー分類。
type ErrorKind string

const (
	// KindResolutionFailed は会話の取得/作成に失敗したことを表す。
	KindResolutionFailed ErrorKind = "ResolutionFailed"
	// KindValidation は入力不正（空メッセージ、不正な参加者など）を表す。
	KindValidation ErrorKind = "ValidationError"
	// KindStoreUnavailable はストアへの読み書きの一時的な失敗を表す。
	KindStoreUnavailable ErrorKind = "StoreUnavailable"
	// KindSubscription はライブイベントバスの接続/解除の失敗を表す。
	KindSubscription ErrorKind = "SubscriptionError"
)

// CoreError は分類付きのエラー。原因エラーをラップする。
type CoreError struct {
	Kind ErrorKind
	Op   string // 失敗した操作名
	Msg  string // 補足（任意）
	Err  error  // 原因（任意）
}

// Error はerrorインターフェースを実装する。
func (e *CoreError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因エラーを返す。
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is は同じKindのCoreErrorと一致させる。
// errors.Is(err, model.ErrValidation) の形で分類判定できる。
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// 分類判定用のセンチネル。
var (
	ErrResolutionFailed = &CoreError{Kind: KindResolutionFailed}
	ErrValidation       = &CoreError{Kind: KindValidation}
	ErrStoreUnavailable = &CoreError{Kind: KindStoreUnavailable}
	ErrSubscription     = &CoreError{Kind: KindSubscription}
)

// NewValidationError は入力不正エラーを生成する。
func NewValidationError(op, msg string) *CoreError {
	return &CoreError{Kind: KindValidation, Op: op, Msg: msg}
}

// NewResolutionFailedError は会話解決の失敗エラーを生成する。
func NewResolutionFailedError(op string, err error) *CoreError {
	return &CoreError{Kind: KindResolutionFailed, Op: op, Err: err}
}

// NewStoreUnavailableError はストア障害エラーを生成する。
func NewStoreUnavailableError(op string, err error) *CoreError {
	return &CoreError{Kind: KindStoreUnavailable, Op: op, Err: err}
}

// NewSubscriptionError は購読エラーを生成する。
func NewSubscriptionError(op string, err error) *CoreError {
	return &CoreError{Kind: KindSubscription, Op: op, Err: err}
}

// KindOf はエラーチェーンからErrorKindを取り出す。分類できない場合は空文字列を返す。
func KindOf(err error) ErrorKind {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// ToAPIError はエラーをユーザー向けのAPIErrorに変換する。
// 分類できないエラーは内部エラーとして扱う。
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	// 解決失敗の原因が入力不正の場合は入力不正として扱う
	if ve := validationCause(err); ve != nil {
		msg := "入力内容が不正です。"
		if ve.Msg != "" {
			msg = fmt.Sprintf("入力内容が不正です: %s", ve.Msg)
		}
		return &APIError{
			Code:     ErrCodeValidation,
			Message:  msg,
			Category: "validation",
			Action:   "入力内容を確認してください。",
		}
	}

	switch KindOf(err) {
	case KindResolutionFailed:
		return &APIError{
			Code:     ErrCodeResolutionFailed,
			Message:  "会話を開始できませんでした。",
			Category: "conversation",
			Action:   "しばらく待ってから再度お試しください。",
		}
	case KindStoreUnavailable:
		return &APIError{
			Code:     ErrCodeStoreUnavailable,
			Message:  "メッセージの読み書きに失敗しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	case KindSubscription:
		return &APIError{
			Code:     ErrCodeSubscriptionError,
			Message:  "リアルタイム更新が切断されました。",
			Category: "realtime",
			Action:   "会話を選択し直してください。",
		}
	default:
		return &APIError{
			Code:     "INTERNAL_ERROR",
			Message:  "内部エラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}
}

// validationCause はエラーチェーン中の入力不正エラーを返す。
func validationCause(err error) *CoreError {
	for err != nil {
		if ce, ok := err.(*CoreError); ok && ce.Kind == KindValidation {
			return ce
		}
		err = errors.Unwrap(err)
	}
	return nil
}

// NewConversationNotFoundError は会話未検出エラーを生成する。
func NewConversationNotFoundError(conversationID string) *APIError {
	return &APIError{
		Code:     ErrCodeConversationNotFound,
		Message:  fmt.Sprintf("指定された会話が見つかりません: %s", conversationID),
		Category: "conversation",
		Action:   "会話一覧から選択し直してください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}
