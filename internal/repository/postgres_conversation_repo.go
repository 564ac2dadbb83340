package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/rallychat/internal/model"
)

// PostgresConversationRepo はPostgreSQLを使用した会話リポジトリ。
type PostgresConversationRepo struct {
	db *sql.DB
}

// NewPostgresConversationRepo はPostgresConversationRepoを生成する。
func NewPostgresConversationRepo(db *sql.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

// GetOrCreate はストアド関数 get_or_create_conversation を呼び出す。
// 一意制約とON CONFLICTによりDB側で原子性が保証される。
func (r *PostgresConversationRepo) GetOrCreate(ctx context.Context, userA, userB string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT get_or_create_conversation($1, $2)`,
		userA, userB,
	).Scan(&id)
	if err != nil {
		switch pqCode(err) {
		case pqInvalidParameterValue, pqInvalidTextRepr, pqForeignKeyViolation:
			return "", fmt.Errorf("%w: %v", ErrInvalidParticipants, err)
		}
		return "", fmt.Errorf("会話の取得または作成に失敗しました: %w", err)
	}
	return id, nil
}

// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
func (r *PostgresConversationRepo) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	conv := &model.Conversation{}
	var lastMessageAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, participant_a, participant_b, last_message_at, created_at
		 FROM conversations WHERE id = $1`,
		id,
	).Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &lastMessageAt, &conv.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if pqCode(err) == pqInvalidTextRepr {
		// UUIDとして不正なIDは存在しない会話として扱う
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("会話の取得に失敗しました: %w", err)
	}
	if lastMessageAt.Valid {
		conv.LastMessageAt = &lastMessageAt.Time
	}
	return conv, nil
}

// ListByParticipant は指定ユーザーが参加する会話一覧を返す。
func (r *PostgresConversationRepo) ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, participant_a, participant_b, last_message_at, created_at
		 FROM conversations
		 WHERE participant_a = $1 OR participant_b = $1
		 ORDER BY last_message_at DESC NULLS LAST, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("会話一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var convs []*model.Conversation
	for rows.Next() {
		conv := &model.Conversation{}
		var lastMessageAt sql.NullTime
		if err := rows.Scan(&conv.ID, &conv.ParticipantA, &conv.ParticipantB, &lastMessageAt, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("会話行の読み取りに失敗しました: %w", err)
		}
		if lastMessageAt.Valid {
			t := lastMessageAt.Time
			conv.LastMessageAt = &t
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("会話一覧の走査に失敗しました: %w", err)
	}
	return convs, nil
}

// compile-time interface check
var _ ConversationRepository = (*PostgresConversationRepo)(nil)
