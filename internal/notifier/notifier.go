// Package notifier はユーザーが参加する全会話の新着を監視する。
//
// 選択中以外の会話に相手からメッセージが届いた場合はその会話へ自動で切り替え、
// 会話一覧を取り直す。一覧の会話集合が変わった場合は購読を張り直す。
package notifier

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/hitoshi/rallychat/internal/conversation"
	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/realtime"
	"github.com/hitoshi/rallychat/internal/thread"
)

// Lister は会話一覧を返す。
type Lister interface {
	List(ctx context.Context, userID string) ([]model.ConversationSummary, error)
}

// Selector は選択中の会話を参照・変更する。thread.Controllerが満たす。
type Selector interface {
	ConversationID() string
	Select(ctx context.Context, conversationID string) error
}

// Notifier は会話一覧と受信箱の購読を管理する。
type Notifier struct {
	userID   string
	lister   Lister
	selector Selector
	bus      thread.Bus
	onChange func([]model.ConversationSummary)
	logger   *slog.Logger

	// ctx はイベント起因の処理に使う。Closeで取り消す。
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	summaries []model.ConversationSummary
	ids       []string
	sub       *realtime.Subscription
	closed    bool

	notifyMu sync.Mutex
}

// Option はNotifierの任意設定。
type Option func(*Notifier)

// WithOnChange は会話一覧が更新されるたびに呼ばれるコールバックを設定する。
func WithOnChange(fn func([]model.ConversationSummary)) Option {
	return func(n *Notifier) { n.onChange = fn }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) { n.logger = l }
}

// New はNotifierを生成する。
func New(userID string, lister Lister, selector Selector, bus thread.Bus, opts ...Option) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		userID:   userID,
		lister:   lister,
		selector: selector,
		bus:      bus,
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Mount は会話一覧を読み込み、全会話の受信箱購読を開始する。
func (n *Notifier) Mount(ctx context.Context) ([]model.ConversationSummary, error) {
	return n.Refresh(ctx)
}

// Refresh は会話一覧を取り直す。会話集合が変わった場合は購読を張り直す。
// 購読の張り直しに失敗しても一覧は更新し、SubscriptionErrorを返す。
func (n *Notifier) Refresh(ctx context.Context) ([]model.ConversationSummary, error) {
	summaries, err := n.lister.List(ctx, n.userID)
	if err != nil {
		return nil, err
	}
	ids := conversation.IDs(summaries)
	slices.Sort(ids)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return summaries, nil
	}
	n.summaries = summaries

	var subErr error
	if n.sub == nil || !slices.Equal(ids, n.ids) {
		subErr = n.resubscribeLocked(ids)
	}
	n.mu.Unlock()

	n.notify()
	return summaries, subErr
}

// resubscribeLocked は受信箱購読を張り直す。n.muを保持して呼ぶ。
func (n *Notifier) resubscribeLocked(ids []string) error {
	if n.sub != nil {
		n.sub.Close()
		n.sub = nil
	}
	n.ids = ids
	if len(ids) == 0 {
		return nil
	}

	sub, err := n.bus.Subscribe(
		realtime.ForConversations(ids),
		n.handle,
		realtime.OnError(n.onLiveError),
	)
	if err != nil {
		n.logger.Error("受信箱の購読に失敗しました",
			slog.String("user_id", n.userID),
			slog.String("error", err.Error()),
		)
		return err
	}
	n.sub = sub
	return nil
}

// handle は受信箱に届いたメッセージを処理する。
// 選択中の会話へのメッセージは何もしない。
func (n *Notifier) handle(msg model.Message) {
	if msg.ConversationID == n.selector.ConversationID() {
		return
	}

	if msg.SenderID != n.userID {
		if err := n.selector.Select(n.ctx, msg.ConversationID); err != nil {
			n.logger.Warn("新着メッセージの会話へ切り替えられませんでした",
				slog.String("conversation_id", msg.ConversationID),
				slog.String("error", err.Error()),
			)
		}
	}

	if _, err := n.Refresh(n.ctx); err != nil {
		n.logger.Warn("会話一覧の更新に失敗しました",
			slog.String("user_id", n.userID),
			slog.String("error", err.Error()),
		)
	}
}

func (n *Notifier) onLiveError(err error) {
	n.logger.Warn("受信箱の購読が切断されました",
		slog.String("user_id", n.userID),
		slog.String("error", err.Error()),
	)
	n.mu.Lock()
	n.sub = nil
	n.mu.Unlock()
}

// Summaries は最後に読み込んだ会話一覧を返す。
func (n *Notifier) Summaries() []model.ConversationSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.ConversationSummary(nil), n.summaries...)
}

// Subscribed は受信箱購読の対象会話IDを返す。
func (n *Notifier) Subscribed() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub == nil {
		return nil
	}
	return append([]string(nil), n.ids...)
}

// Close は購読を閉じ、以降のイベント処理を止める。何度呼んでもよい。
func (n *Notifier) Close() {
	n.cancel()
	n.mu.Lock()
	n.closed = true
	if n.sub != nil {
		n.sub.Close()
		n.sub = nil
	}
	n.mu.Unlock()
}

func (n *Notifier) notify() {
	if n.onChange == nil {
		return
	}
	n.notifyMu.Lock()
	defer n.notifyMu.Unlock()
	n.onChange(n.Summaries())
}
