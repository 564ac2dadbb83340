package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/model"
)

// DefaultNotifyChannel はmessagesの挿入トリガーがpg_notifyするチャネル名。
const DefaultNotifyChannel = "message_inserted"

// pingInterval は無通知が続いたときに接続を確認する間隔。
const pingInterval = 90 * time.Second

// MessageLoader は通知されたIDからメッセージ本体を読み込む。
type MessageLoader interface {
	Get(ctx context.Context, id string) (*model.Message, error)
}

// notification はトリガーが送るペイロード。本文はNOTIFYの上限を避けるため含まない。
type notification struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// PGSource はPostgreSQLのLISTEN/NOTIFYを購読し、挿入イベントをSinkに流す。
// 通知はコミット順に届くため、同一会話内の順序が保たれる。
type PGSource struct {
	databaseURL  string
	channel      string
	minReconnect time.Duration
	maxReconnect time.Duration
	loader       MessageLoader
	sink         Sink
	metrics      metrics.MetricsCollector
	logger       *slog.Logger
}

// NewPGSource はPGSourceを生成する。
func NewPGSource(
	databaseURL string,
	minReconnect, maxReconnect time.Duration,
	loader MessageLoader,
	sink Sink,
	mc metrics.MetricsCollector,
	logger *slog.Logger,
) *PGSource {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &PGSource{
		databaseURL:  databaseURL,
		channel:      DefaultNotifyChannel,
		minReconnect: minReconnect,
		maxReconnect: maxReconnect,
		loader:       loader,
		sink:         sink,
		metrics:      mc,
		logger:       logger,
	}
}

// Run はctxがキャンセルされるまで通知を受信する。
// 切断時はpq.Listenerが再接続する。再接続までの間に失われた通知は再送されない。
func (s *PGSource) Run(ctx context.Context) error {
	listener := pq.NewListener(s.databaseURL, s.minReconnect, s.maxReconnect, s.onListenerEvent)
	defer listener.Close()

	if err := listener.Listen(s.channel); err != nil {
		return model.NewSubscriptionError("realtime.pg_listen", fmt.Errorf("LISTEN %s: %w", s.channel, err))
	}

	s.logger.Info("ライブバスの受信を開始しました",
		slog.String("source", "postgres"),
		slog.String("channel", s.channel),
	)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ライブバスの受信を停止しました", slog.String("source", "postgres"))
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// 再接続直後はnilが届く
				continue
			}
			s.handle(ctx, n.Extra)
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					s.logger.Warn("LISTEN接続の確認に失敗しました", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// handle は1件の通知を処理する。
func (s *PGSource) handle(ctx context.Context, payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil || n.ID == "" {
		s.logger.Warn("不正な通知ペイロードを無視しました", slog.String("payload", payload))
		return
	}

	msg, err := s.loader.Get(ctx, n.ID)
	if err != nil {
		s.logger.Error("通知されたメッセージの読み込みに失敗しました",
			slog.String("message_id", n.ID),
			slog.String("conversation_id", n.ConversationID),
			slog.String("error", err.Error()),
		)
		return
	}
	if msg == nil {
		return
	}

	s.metrics.RecordBusEvent("postgres")
	s.sink.Deliver(*msg)
}

func (s *PGSource) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.logger.Debug("LISTEN接続を確立しました")
	case pq.ListenerEventDisconnected:
		s.logger.Warn("LISTEN接続が切断されました", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		s.logger.Info("LISTEN接続を再確立しました")
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("LISTEN接続の試行に失敗しました", slog.Any("error", err))
	}
}
