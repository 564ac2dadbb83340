package model

import (
	"strings"
	"time"
)

// Conversation は2者間の会話スレッドを表す。
// 参加者の順序を問わないペアにつき1件だけ存在する。
type Conversation struct {
	ID            string
	ParticipantA  string
	ParticipantB  string
	LastMessageAt *time.Time
	CreatedAt     time.Time
}

// HasParticipant は指定ユーザーが会話の参加者かどうかを返す。
func (c Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}

// CounterpartOf は指定ユーザーではない側の参加者IDを返す。
// userIDが参加者でない場合は空文字列を返す。
func (c Conversation) CounterpartOf(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// CanonicalPair は順序を正規化したユーザーIDのペアを返す。
// 小さい方が先頭になる。会話の一意性判定に使う。
func CanonicalPair(a, b string) (string, string) {
	if strings.Compare(a, b) <= 0 {
		return a, b
	}
	return b, a
}

// ConversationSummary は会話一覧の1行分を表す。
// 相手のプロフィールと最新メッセージを結合したもの。
type ConversationSummary struct {
	Conversation      Conversation
	Counterpart       Profile
	LastMessage       *Message
	LastMessageFromMe bool
}
