// Package session は1クライアント分のメッセージング状態をまとめる。
// スレッド表示のControllerと受信箱のNotifierを組み合わせ、
// 状態が変わるたびにObserverへ通知する。
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/notifier"
	"github.com/hitoshi/rallychat/internal/thread"
)

// Resolver は会話の解決と参加者確認を行う。conversation.Resolverが満たす。
type Resolver interface {
	Resolve(ctx context.Context, userA, userB string) (string, error)
	Participant(ctx context.Context, conversationID, userID string) (*model.Conversation, error)
}

// Observer はセッションの状態変化を受け取る。
// 呼び出しは状態ごとに直列で、Observerからセッションを操作してはならない。
type Observer interface {
	ThreadChanged(snap thread.Snapshot)
	ConversationsChanged(summaries []model.ConversationSummary)
}

// Deps はセッションの依存。
type Deps struct {
	Store       thread.Store
	Bus         thread.Bus
	Lister      notifier.Lister
	Resolver    Resolver
	DedupWindow time.Duration
	Metrics     metrics.MetricsCollector
	Logger      *slog.Logger
}

// Session は1ユーザー1接続分の状態。
type Session struct {
	userID   string
	resolver Resolver
	thread   *thread.Controller
	notifier *notifier.Notifier
	logger   *slog.Logger
}

// New はセッションを生成する。obsはnilでもよい。
func New(userID string, deps Deps, obs Observer) *Session {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("user_id", userID))
	mc := deps.Metrics
	if mc == nil {
		mc = metrics.Nop{}
	}

	threadOpts := []thread.Option{
		thread.WithMetrics(mc),
		thread.WithLogger(log),
	}
	if deps.DedupWindow > 0 {
		threadOpts = append(threadOpts, thread.WithDedupWindow(deps.DedupWindow))
	}
	notifierOpts := []notifier.Option{notifier.WithLogger(log)}
	if obs != nil {
		threadOpts = append(threadOpts, thread.WithOnChange(obs.ThreadChanged))
		notifierOpts = append(notifierOpts, notifier.WithOnChange(obs.ConversationsChanged))
	}

	ctrl := thread.New(userID, deps.Store, deps.Bus, threadOpts...)
	return &Session{
		userID:   userID,
		resolver: deps.Resolver,
		thread:   ctrl,
		notifier: notifier.New(userID, deps.Lister, ctrl, deps.Bus, notifierOpts...),
		logger:   log,
	}
}

// UserID はセッションのユーザーIDを返す。
func (s *Session) UserID() string {
	return s.userID
}

// Open は会話一覧を読み込んで受信箱を購読する。
// 会話が未選択で一覧が空でなければ、先頭の会話を選択する。
func (s *Session) Open(ctx context.Context) error {
	summaries, err := s.notifier.Mount(ctx)
	if err != nil {
		return err
	}
	if s.thread.ConversationID() == "" && len(summaries) > 0 {
		return s.thread.Select(ctx, summaries[0].Conversation.ID)
	}
	return nil
}

// Select は参加している会話を選択する。
// 参加者でない会話や存在しない会話は会話未検出エラーを返す。
func (s *Session) Select(ctx context.Context, conversationID string) error {
	conv, err := s.resolver.Participant(ctx, conversationID, s.userID)
	if err != nil {
		return err
	}
	if conv == nil {
		return model.NewConversationNotFoundError(conversationID)
	}
	return s.thread.Select(ctx, conversationID)
}

// Deselect は選択を解除する。
func (s *Session) Deselect() {
	s.thread.Deselect()
}

// Send は選択中の会話へ送信し、成功したら会話一覧を取り直す。
func (s *Session) Send(ctx context.Context, text string) (*model.Message, error) {
	saved, err := s.thread.Send(ctx, text)
	if err != nil {
		return nil, err
	}
	if _, err := s.notifier.Refresh(ctx); err != nil {
		s.logger.Warn("送信後の会話一覧の更新に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return saved, nil
}

// StartConversation は相手との会話を取得または作成して選択する。
// 新しい会話の場合は一覧の取り直しで受信箱の購読対象にも加わる。
func (s *Session) StartConversation(ctx context.Context, otherUserID string) (string, error) {
	id, err := s.resolver.Resolve(ctx, s.userID, otherUserID)
	if err != nil {
		return "", err
	}
	if _, err := s.notifier.Refresh(ctx); err != nil {
		s.logger.Warn("会話開始後の会話一覧の更新に失敗しました",
			slog.String("conversation_id", id),
			slog.String("error", err.Error()),
		)
	}
	if err := s.thread.Select(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// Thread はスレッド表示の現在の状態を返す。
func (s *Session) Thread() thread.Snapshot {
	return s.thread.Snapshot()
}

// Conversations は最後に読み込んだ会話一覧を返す。
func (s *Session) Conversations() []model.ConversationSummary {
	return s.notifier.Summaries()
}

// Close は全購読を閉じる。何度呼んでもよい。
func (s *Session) Close() {
	s.notifier.Close()
	s.thread.Close()
}
