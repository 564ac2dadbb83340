package model

import (
	"strings"
	"time"
)

// TransientIDPrefix は楽観的エコー用の一時IDに付与する接頭辞。
// サーバー採番のIDとは名前空間が重ならない。
const TransientIDPrefix = "temp-"

// Message は会話内の1メッセージを表す。作成後は不変。
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// IsTransient は一時IDを持つローカルのメッセージかどうかを返す。
func (m Message) IsTransient() bool {
	return IsTransientID(m.ID)
}

// IsTransientID はIDが一時ID名前空間に属するかどうかを返す。
func IsTransientID(id string) bool {
	return strings.HasPrefix(id, TransientIDPrefix)
}

// DeliveryStatus は画面に表示しているメッセージの確定状態を表す。
type DeliveryStatus string

const (
	// DeliveryPending は送信中（サーバー未確定）。
	DeliveryPending DeliveryStatus = "pending"
	// DeliveryConfirmed はサーバーで確定済み。
	DeliveryConfirmed DeliveryStatus = "confirmed"
	// DeliveryFailed は送信に失敗した一時メッセージ。
	DeliveryFailed DeliveryStatus = "failed"
)

// DisplayMessage はスレッドに表示するメッセージと、その確定状態。
type DisplayMessage struct {
	Message
	Status DeliveryStatus
}
