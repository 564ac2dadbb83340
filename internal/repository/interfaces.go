// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/rallychat/internal/model"
)

// ConversationRepository は会話データの永続化インターフェース。
type ConversationRepository interface {
	// GetOrCreate は順序を問わないユーザーペアの会話IDを返す。存在しなければ作成する。
	// 同時に呼ばれても同じIDを返す。
	GetOrCreate(ctx context.Context, userA, userB string) (string, error)

	// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Conversation, error)

	// ListByParticipant は指定ユーザーが参加する会話を、最新メッセージの新しい順に返す。
	// メッセージの無い会話は末尾に作成日時順で並ぶ。
	ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error)
}

// MessageRepository はメッセージデータの永続化インターフェース。
type MessageRepository interface {
	// Create はメッセージを挿入し、サーバー採番のIDと作成日時を含む行を返す。
	// 送信者が会話の参加者でない場合はErrNotParticipantを返す。
	Create(ctx context.Context, conversationID, senderID, content string) (*model.Message, error)

	// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Message, error)

	// ListByConversation は会話の全メッセージを作成日時の昇順で返す。
	// 同時刻のメッセージは挿入順に並ぶ。
	ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error)

	// LatestByConversationIDs は各会話の最新メッセージを会話IDをキーに返す。
	// メッセージの無い会話はマップに含まれない。
	LatestByConversationIDs(ctx context.Context, conversationIDs []string) (map[string]*model.Message, error)
}

// ProfileRepository はプロフィールの読み取りインターフェース。
// プロフィールは外部の認証基盤が管理する。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// FindByIDs は複数IDのプロフィールをIDをキーに返す。見つからないIDは含まれない。
	FindByIDs(ctx context.Context, ids []string) (map[string]*model.Profile, error)
}

// SessionRepository はセッションの読み取りインターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// MatchRepository は選手とコーチのマッチング状態の永続化インターフェース。
type MatchRepository interface {
	// MarkMessaged は選手とコーチのマッチの選手側ステータスを「連絡済み」に更新する。
	// 更新した行数を返す。マッチが存在しない場合は0を返す。
	MarkMessaged(ctx context.Context, playerID, coachID string) (int64, error)
}
