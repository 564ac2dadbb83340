// Package message はメッセージの追記と履歴読み込みを提供する。
package message

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/repository"
	"github.com/hitoshi/rallychat/internal/security"
)

// Publisher は永続化済みメッセージをライブバスへ中継する。
// LISTEN/NOTIFYを使う構成ではDBトリガーが通知するため不要。
type Publisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

// Store はメッセージストアのアダプター。
// 入力検証とサニタイズを行い、リポジトリへの読み書きをエラー分類付きで提供する。
type Store struct {
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	profiles      repository.ProfileRepository
	matches       repository.MatchRepository
	sanitizer     security.TextSanitizer
	publisher     Publisher
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	maxLength     int
}

// Option はStoreの任意設定。
type Option func(*Store)

// WithPublisher は追記後にメッセージを中継するPublisherを設定する。
func WithPublisher(p Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore はStoreを生成する。maxLengthが0以下の場合は長さを制限しない。
func NewStore(
	messages repository.MessageRepository,
	conversations repository.ConversationRepository,
	profiles repository.ProfileRepository,
	matches repository.MatchRepository,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
	maxLength int,
	opts ...Option,
) *Store {
	s := &Store{
		messages:      messages,
		conversations: conversations,
		profiles:      profiles,
		matches:       matches,
		sanitizer:     sanitizer,
		metrics:       metrics.Nop{},
		logger:        logger,
		maxLength:     maxLength,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeContent は送信前の本文を検証・正規化する。
// 前後の空白を除去し、空であればValidationErrorを返す。
// ネットワーク呼び出しの前にクライアント側でも同じ検証を使う。
func NormalizeContent(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", model.NewValidationError("message.normalize", "message content is empty")
	}
	return trimmed, nil
}

// Append はメッセージを追記し、サーバー採番のIDを持つMessageを返す。
// 会話のlast_message_atはストア側で更新される。
func (s *Store) Append(ctx context.Context, conversationID, senderID, content string) (*model.Message, error) {
	const op = "message.append"

	text, err := s.prepare(content)
	if err != nil {
		s.metrics.RecordMessageFailed(string(model.KindValidation))
		return nil, err
	}

	msg, err := s.messages.Create(ctx, conversationID, senderID, text)
	if err != nil {
		if errors.Is(err, repository.ErrNotParticipant) {
			s.metrics.RecordMessageFailed(string(model.KindValidation))
			return nil, &model.CoreError{Kind: model.KindValidation, Op: op, Msg: "sender is not a participant of the conversation", Err: err}
		}
		s.metrics.RecordMessageFailed(string(model.KindStoreUnavailable))
		s.logger.Error("メッセージの追記に失敗しました",
			slog.String("conversation_id", conversationID),
			slog.String("sender_id", senderID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewStoreUnavailableError(op, err)
	}
	s.metrics.RecordMessageSent()

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, *msg); err != nil {
			// 永続化済みのため送信は成功として返す
			s.logger.Warn("メッセージの中継に失敗しました",
				slog.String("message_id", msg.ID),
				slog.String("conversation_id", msg.ConversationID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.markOutreach(ctx, msg)

	return msg, nil
}

func (s *Store) prepare(content string) (string, error) {
	text, err := NormalizeContent(content)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(s.sanitizer.Sanitize(text))
	if text == "" {
		return "", model.NewValidationError("message.append", "message content has no text")
	}
	if s.maxLength > 0 && utf8.RuneCountInString(text) > s.maxLength {
		return "", model.NewValidationError("message.append", "message content is too long")
	}
	return text, nil
}

// markOutreach はコーチから選手への送信時に、マッチの選手側ステータスを更新する。
// 失敗しても送信結果には影響させない。
func (s *Store) markOutreach(ctx context.Context, msg *model.Message) {
	if s.matches == nil || s.conversations == nil || s.profiles == nil {
		return
	}

	conv, err := s.conversations.FindByID(ctx, msg.ConversationID)
	if err != nil || conv == nil {
		if err != nil {
			s.logger.Warn("マッチ状態更新のための会話取得に失敗しました",
				slog.String("conversation_id", msg.ConversationID),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	recipientID := conv.CounterpartOf(msg.SenderID)
	if recipientID == "" {
		return
	}

	profiles, err := s.profiles.FindByIDs(ctx, []string{msg.SenderID, recipientID})
	if err != nil {
		s.logger.Warn("マッチ状態更新のためのプロフィール取得に失敗しました",
			slog.String("conversation_id", msg.ConversationID),
			slog.String("error", err.Error()),
		)
		return
	}
	sender, recipient := profiles[msg.SenderID], profiles[recipientID]
	if sender == nil || recipient == nil {
		return
	}
	if sender.Role != model.RoleCoach || recipient.Role != model.RoleAthlete {
		return
	}

	n, err := s.matches.MarkMessaged(ctx, recipient.ID, sender.ID)
	if err != nil {
		s.logger.Warn("マッチ状態の更新に失敗しました",
			slog.String("player_id", recipient.ID),
			slog.String("coach_id", sender.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.metrics.RecordOutreachMarked()
		s.logger.Info("マッチ状態を連絡済みに更新しました",
			slog.String("player_id", recipient.ID),
			slog.String("coach_id", sender.ID),
		)
	}
}

// History は会話の全メッセージを作成日時の昇順で返す。
func (s *Store) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := s.messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return nil, model.NewStoreUnavailableError("message.history", err)
	}
	history := make([]model.Message, 0, len(rows))
	for _, m := range rows {
		history = append(history, *m)
	}
	return history, nil
}

// Get は指定IDのメッセージを返す。見つからない場合はnilを返す。
// ライブバスの通知はIDのみを運ぶため、本体はここで読み直す。
func (s *Store) Get(ctx context.Context, id string) (*model.Message, error) {
	msg, err := s.messages.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStoreUnavailableError("message.get", err)
	}
	return msg, nil
}

// LatestPerConversation は各会話の最新メッセージを返す。
// メッセージの無い会話もキーとして含み、値はnilになる。
func (s *Store) LatestPerConversation(ctx context.Context, conversationIDs []string) (map[string]*model.Message, error) {
	latest, err := s.messages.LatestByConversationIDs(ctx, conversationIDs)
	if err != nil {
		return nil, model.NewStoreUnavailableError("message.latest", err)
	}
	result := make(map[string]*model.Message, len(conversationIDs))
	for _, id := range conversationIDs {
		result[id] = latest[id]
	}
	return result, nil
}
