// Package thread はアクティブな会話1件の表示状態を管理する。
//
// Controllerは履歴の読み込み、ライブ購読、楽観的エコー付きの送信、
// 重複排除を扱う状態機械。状態は Idle → Loading → Live → Idle と遷移する。
package thread

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/rallychat/internal/message"
	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/realtime"
)

// State はControllerの状態。
type State int

const (
	// Idle は会話が選択されていない状態。
	Idle State = iota
	// Loading は履歴を読み込み中の状態。
	Loading
	// Live は履歴の読み込みが終わり、ライブ購読中の状態。
	Live
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Live:
		return "live"
	default:
		return "unknown"
	}
}

var errClosed = errors.New("thread controller is closed")

// DefaultDedupWindow は楽観的エコーと確定メッセージを内容で突き合わせる時間幅の既定値。
const DefaultDedupWindow = 30 * time.Second

// Store はControllerが使うメッセージストアの操作。
type Store interface {
	History(ctx context.Context, conversationID string) ([]model.Message, error)
	Append(ctx context.Context, conversationID, senderID, content string) (*model.Message, error)
}

// Bus はライブイベントバスの購読操作。
type Bus interface {
	Subscribe(filter realtime.Filter, handler realtime.Handler, opts ...realtime.SubscribeOption) (*realtime.Subscription, error)
}

// Snapshot はControllerの表示状態のコピー。
type Snapshot struct {
	State          State
	ConversationID string
	Messages       []model.DisplayMessage
	// LiveErr はライブ購読が失われた場合の原因。再選択するまで自動では復旧しない。
	LiveErr error
}

// Controller はアクティブな会話のスレッド表示を管理する。
// すべてのメソッドは複数のgoroutineから呼び出してよい。
type Controller struct {
	userID      string
	store       Store
	bus         Bus
	dedupWindow time.Duration
	now         func() time.Time
	onChange    func(Snapshot)
	metrics     metrics.MetricsCollector
	logger      *slog.Logger

	mu             sync.Mutex
	state          State
	conversationID string
	generation     uint64
	cancelLoad     context.CancelFunc
	sub            *realtime.Subscription
	messages       []model.DisplayMessage
	liveErr        error
	closed         bool

	notifyMu sync.Mutex
}

// Option はControllerの任意設定。
type Option func(*Controller)

// WithDedupWindow は内容による突き合わせの時間幅を設定する。
func WithDedupWindow(d time.Duration) Option {
	return func(c *Controller) { c.dedupWindow = d }
}

// WithClock は一時メッセージのタイムスタンプに使う時計を設定する。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithOnChange は表示状態が変わるたびに呼ばれるコールバックを設定する。
// コールバックは直列に呼ばれ、最後に届くSnapshotが常に最新になる。
// コールバックからControllerの状態を変更してはならない。
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New はuserIDのユーザーとして動作するControllerを生成する。
func New(userID string, store Store, bus Bus, opts ...Option) *Controller {
	c := &Controller{
		userID:      userID,
		store:       store,
		bus:         bus,
		dedupWindow: DefaultDedupWindow,
		now:         time.Now,
		metrics:     metrics.Nop{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Select は会話を選択し、履歴を読み込んでからライブ購読を開始する。
// 直前の購読は読み込みの前に同期的に閉じる。
// 読み込み中に別の会話が選択された場合、この読み込み結果は破棄され、nilを返す。
// ライブ購読を開けなかった場合も履歴は表示したままLiveに遷移し、SubscriptionErrorを返す。
func (c *Controller) Select(ctx context.Context, conversationID string) error {
	const op = "thread.select"
	if conversationID == "" {
		return model.NewValidationError(op, "conversation id is required")
	}

	loadCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return model.NewSubscriptionError(op, errClosed)
	}
	c.releaseLocked()
	c.generation++
	gen := c.generation
	c.state = Loading
	c.conversationID = conversationID
	c.messages = nil
	c.liveErr = nil
	c.cancelLoad = cancel
	c.mu.Unlock()
	c.notify()

	history, err := c.store.History(loadCtx, conversationID)

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		cancel()
		c.metrics.RecordStaleLoadDiscarded()
		c.logger.Debug("古い履歴読み込みを破棄しました",
			slog.String("conversation_id", conversationID),
		)
		return nil
	}
	c.cancelLoad = nil
	cancel()

	if err != nil {
		c.state = Idle
		c.conversationID = ""
		c.mu.Unlock()
		c.notify()
		return err
	}

	c.messages = make([]model.DisplayMessage, 0, len(history))
	for _, m := range history {
		c.messages = append(c.messages, model.DisplayMessage{Message: m, Status: model.DeliveryConfirmed})
	}

	sub, subErr := c.bus.Subscribe(
		realtime.ForConversation(conversationID),
		c.handlerFor(gen),
		realtime.OnError(c.onLiveError(gen)),
	)
	c.sub = sub
	c.state = Live
	if subErr != nil {
		c.liveErr = subErr
		c.logger.Error("会話のライブ購読に失敗しました",
			slog.String("conversation_id", conversationID),
			slog.String("error", subErr.Error()),
		)
	}
	c.mu.Unlock()
	c.notify()

	return subErr
}

// Deselect は選択を解除し、購読を閉じてIdleに戻る。
func (c *Controller) Deselect() {
	c.mu.Lock()
	c.releaseLocked()
	c.generation++
	c.state = Idle
	c.conversationID = ""
	c.messages = nil
	c.liveErr = nil
	c.mu.Unlock()
	c.notify()
}

// Close は選択を解除し、以降のSelectを拒否する。セッション終了時に呼ぶ。
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Deselect()
}

// releaseLocked は購読と進行中の読み込みを解放する。c.muを保持して呼ぶ。
func (c *Controller) releaseLocked() {
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
	if c.sub != nil {
		c.sub.Close()
		c.sub = nil
	}
}

// Send は本文を送信する。Liveの場合のみ有効。
// 一時IDを持つメッセージをストアへの書き込み前に表示へ追加する。
// 書き込みに失敗した場合、一時メッセージはfailedとして残り、エラーを返す。
func (c *Controller) Send(ctx context.Context, text string) (*model.Message, error) {
	const op = "thread.send"

	content, err := message.NormalizeContent(text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != Live {
		c.mu.Unlock()
		return nil, model.NewValidationError(op, "no conversation is open")
	}
	gen := c.generation
	conversationID := c.conversationID
	transient := model.DisplayMessage{
		Message: model.Message{
			ID:             model.TransientIDPrefix + uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       c.userID,
			Content:        content,
			CreatedAt:      c.now(),
		},
		Status: model.DeliveryPending,
	}
	c.messages = append(c.messages, transient)
	c.mu.Unlock()
	c.notify()

	saved, err := c.store.Append(ctx, conversationID, c.userID, content)

	c.mu.Lock()
	if gen != c.generation {
		// 送信中に会話が切り替わった。表示は既に別の会話のもの。
		c.mu.Unlock()
		return saved, err
	}
	if err != nil {
		if i := c.indexLocked(transient.ID); i >= 0 {
			c.messages[i].Status = model.DeliveryFailed
		}
		c.mu.Unlock()
		c.notify()
		return nil, err
	}
	c.confirmLocked(transient.ID, *saved)
	c.mu.Unlock()
	c.notify()

	return saved, nil
}

// confirmLocked は一時メッセージを確定メッセージで置き換える。
// ライブバスの配信が先に届いていた場合は一時メッセージを取り除く。
func (c *Controller) confirmLocked(transientID string, saved model.Message) {
	ti := c.indexLocked(transientID)
	if ti < 0 {
		// 内容による突き合わせで既に置き換え済み
		return
	}
	if c.indexLocked(saved.ID) >= 0 {
		c.messages = append(c.messages[:ti], c.messages[ti+1:]...)
		return
	}
	c.messages[ti] = model.DisplayMessage{Message: saved, Status: model.DeliveryConfirmed}
}

func (c *Controller) handlerFor(gen uint64) realtime.Handler {
	return func(msg model.Message) {
		c.mu.Lock()
		if gen != c.generation || c.state != Live || msg.ConversationID != c.conversationID {
			c.mu.Unlock()
			return
		}
		changed := c.applyLocked(msg)
		c.mu.Unlock()
		if changed {
			c.notify()
		}
	}
}

// applyLocked はライブバスから届いたメッセージを表示に反映する。
// 同じIDが既にあれば何もしない。同じ送信者・同じ内容の送信中の一時メッセージが
// 時間幅内にあればそれを置き換える。どちらでもなければ末尾に追加する。
func (c *Controller) applyLocked(msg model.Message) bool {
	if c.indexLocked(msg.ID) >= 0 {
		return false
	}

	for i, dm := range c.messages {
		if dm.Status != model.DeliveryPending || !dm.IsTransient() {
			continue
		}
		if dm.SenderID != msg.SenderID || dm.Content != msg.Content {
			continue
		}
		if absDuration(msg.CreatedAt.Sub(dm.CreatedAt)) > c.dedupWindow {
			continue
		}
		c.messages[i] = model.DisplayMessage{Message: msg, Status: model.DeliveryConfirmed}
		return true
	}

	c.messages = append(c.messages, model.DisplayMessage{Message: msg, Status: model.DeliveryConfirmed})
	return true
}

func (c *Controller) onLiveError(gen uint64) func(error) {
	return func(err error) {
		c.mu.Lock()
		if gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.sub = nil
		c.liveErr = err
		c.mu.Unlock()
		c.notify()
	}
}

func (c *Controller) indexLocked(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// State は現在の状態を返す。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID は選択中の会話IDを返す。未選択の場合は空文字列。
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Snapshot は現在の表示状態のコピーを返す。
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:          c.state,
		ConversationID: c.conversationID,
		Messages:       append([]model.DisplayMessage(nil), c.messages...),
		LiveErr:        c.liveErr,
	}
}

func (c *Controller) notify() {
	if c.onChange == nil {
		return
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.onChange(c.Snapshot())
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
