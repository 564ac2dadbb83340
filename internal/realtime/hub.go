// Package realtime はメッセージ挿入イベントのライブ配信を提供する。
//
// Hubはプロセス内の購読を管理し、供給元（PostgreSQLのLISTEN/NOTIFY、
// またはRedis Pub/Sub）から受け取ったイベントをFilterに一致する購読へ配る。
// 購読ごとに専用のgoroutineがハンドラーを呼び出すため、
// 同一の購読に対するハンドラー呼び出しは直列で、受信順が保たれる。
package realtime

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/model"
)

// Handler は挿入イベントを受け取るコールバック。
type Handler func(msg model.Message)

// Sink は供給元からのイベントを受け取る。
type Sink interface {
	Deliver(msg model.Message)
}

var (
	errHubClosed      = errors.New("hub is closed")
	errBufferOverflow = errors.New("subscription buffer overflow")
	errInvalidFilter  = errors.New("invalid subscription filter")
)

// Hub はプロセス内の購読を管理する。
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool

	buffer  int
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewHub はHubを生成する。bufferは購読ごとの未処理イベントの上限。
func NewHub(buffer int, mc metrics.MetricsCollector, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Hub{
		subs:    make(map[string]*Subscription),
		buffer:  buffer,
		metrics: mc,
		logger:  logger,
	}
}

// SubscribeOption は購読の任意設定。
type SubscribeOption func(*Subscription)

// OnError は購読がエラーで破棄されたときに呼ばれるコールバックを設定する。
// コールバックは購読の破棄後に1回だけ呼ばれる。
func OnError(fn func(err error)) SubscribeOption {
	return func(s *Subscription) { s.onError = fn }
}

// Subscribe はFilterに一致する挿入イベントのハンドラーを登録する。
func (h *Hub) Subscribe(filter Filter, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	const op = "realtime.subscribe"

	if !filter.Valid() || handler == nil {
		return nil, model.NewSubscriptionError(op, errInvalidFilter)
	}

	sub := &Subscription{
		id:      uuid.NewString(),
		filter:  filter,
		handler: handler,
		events:  make(chan model.Message, h.buffer),
		done:    make(chan struct{}),
		hub:     h,
	}
	for _, opt := range opts {
		opt(sub)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, model.NewSubscriptionError(op, errHubClosed)
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	h.metrics.RecordSubscriptionOpened(filter.Scope())
	h.logger.Debug("購読を開始しました",
		slog.String("subscription_id", sub.id),
		slog.String("filter", filter.String()),
	)

	go sub.dispatch()
	return sub, nil
}

// Deliver はイベントを一致する全購読のキューに入れる。ブロックしない。
// キューが満杯の購読はSubscriptionErrorとして破棄する。
func (h *Hub) Deliver(msg model.Message) {
	var overflowed []*Subscription

	h.mu.RLock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(msg.ConversationID) {
			continue
		}
		select {
		case sub.events <- msg:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range overflowed {
		sub.fail(model.NewSubscriptionError("realtime.deliver", errBufferOverflow))
	}
}

// Len は開いている購読数を返す。
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close は全購読を閉じ、以降の購読を拒否する。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub) remove(sub *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return false
	}
	delete(h.subs, sub.id)
	return true
}

// Subscription は登録済みの購読ハンドル。Closeで解除する。
type Subscription struct {
	id      string
	filter  Filter
	handler Handler
	onError func(err error)

	events chan model.Message
	done   chan struct{}
	once   sync.Once
	err    error
	hub    *Hub
}

// ID は購読IDを返す。
func (s *Subscription) ID() string { return s.id }

// Filter は購読のFilterを返す。
func (s *Subscription) Filter() Filter { return s.filter }

// Done は購読が閉じられると閉じるチャネルを返す。
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err は購読がエラーで破棄された場合にその原因を返す。
// Doneが閉じる前、またはCloseで閉じた場合はnil。
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close は購読を解除する。何度呼んでもよい。
// 戻った後に新しいハンドラー呼び出しは始まらない。実行中の呼び出しは待たない。
// ハンドラーの中から呼び出してもよい。
func (s *Subscription) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Subscription) fail(err error) {
	if s.shutdown(err) {
		s.hub.metrics.RecordSubscriptionError(s.filter.Scope())
		s.hub.logger.Error("購読をエラーで破棄しました",
			slog.String("subscription_id", s.id),
			slog.String("filter", s.filter.String()),
			slog.String("error", err.Error()),
		)
		if s.onError != nil {
			go s.onError(err)
		}
	}
}

// shutdown は購読を1回だけ閉じる。閉じたのがこの呼び出しならtrueを返す。
func (s *Subscription) shutdown(err error) bool {
	closed := false
	s.once.Do(func() {
		s.err = err
		close(s.done)
		if s.hub.remove(s) {
			s.hub.metrics.RecordSubscriptionClosed(s.filter.Scope())
		}
		closed = true
	})
	return closed
}

func (s *Subscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.events:
			// 閉じた後に取り出したイベントは捨てる
			select {
			case <-s.done:
				return
			default:
			}
			s.handler(msg)
		}
	}
}
