package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/rallychat/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, created_at, read_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*model.Message, error) {
	msg := &model.Message{}
	var readAt sql.NullTime
	if err := s.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt, &readAt); err != nil {
		return nil, err
	}
	if readAt.Valid {
		msg.ReadAt = &readAt.Time
	}
	return msg, nil
}

// Create はメッセージを挿入する。IDと作成日時はDBが採番する。
// 挿入トリガーが会話のlast_message_at更新とライブバスへの通知を行う。
func (r *PostgresMessageRepo) Create(ctx context.Context, conversationID, senderID, content string) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (conversation_id, sender_id, content)
		 VALUES ($1, $2, $3)
		 RETURNING `+messageColumns,
		conversationID, senderID, content,
	)
	msg, err := scanMessage(row)
	if err != nil {
		switch pqCode(err) {
		case pqInsufficientPrivilege, pqForeignKeyViolation, pqInvalidTextRepr:
			return nil, fmt.Errorf("%w: %v", ErrNotParticipant, err)
		case pqCheckViolation:
			return nil, fmt.Errorf("メッセージ本文が不正です: %w", err)
		}
		return nil, fmt.Errorf("メッセージの作成に失敗しました: %w", err)
	}
	return msg, nil
}

// FindByID は指定IDのメッセージを取得する。見つからない場合はnilを返す。
func (r *PostgresMessageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`,
		id,
	)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return msg, nil
}

// ListByConversation は会話の全メッセージを古い順に返す。
func (r *PostgresMessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+messageColumns+`
		 FROM messages
		 WHERE conversation_id = $1
		 ORDER BY created_at ASC, seq ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("メッセージ履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	msgs := []*model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("メッセージ行の読み取りに失敗しました: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージ履歴の走査に失敗しました: %w", err)
	}
	return msgs, nil
}

// LatestByConversationIDs は各会話の最新メッセージを1クエリで取得する。
func (r *PostgresMessageRepo) LatestByConversationIDs(ctx context.Context, conversationIDs []string) (map[string]*model.Message, error) {
	latest := make(map[string]*model.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return latest, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT ON (conversation_id) `+messageColumns+`
		 FROM messages
		 WHERE conversation_id = ANY($1)
		 ORDER BY conversation_id, created_at DESC, seq DESC`,
		pq.Array(conversationIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("最新メッセージの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("最新メッセージ行の読み取りに失敗しました: %w", err)
		}
		latest[msg.ConversationID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("最新メッセージの走査に失敗しました: %w", err)
	}
	return latest, nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
