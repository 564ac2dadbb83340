package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/model"
)

// DefaultRedisChannel はインスタンス間でメッセージを中継するPub/Subチャネル名。
const DefaultRedisChannel = "rallychat:messages"

// wireMessage はRedis上のメッセージ表現。
type wireMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// RedisRelay はRedis Pub/Subを使ってインスタンス間で挿入イベントを中継する。
// 送信側はPublishし、全インスタンス（送信元を含む）がRunで受信してSinkへ流す。
type RedisRelay struct {
	client  *redis.Client
	channel string
	sink    Sink
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewRedisRelay はRedisRelayを生成する。
func NewRedisRelay(client *redis.Client, sink Sink, mc metrics.MetricsCollector, logger *slog.Logger) *RedisRelay {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &RedisRelay{
		client:  client,
		channel: DefaultRedisChannel,
		sink:    sink,
		metrics: mc,
		logger:  logger,
	}
}

// Publish は永続化済みメッセージを中継チャネルに送る。
func (r *RedisRelay) Publish(ctx context.Context, msg model.Message) error {
	payload, err := encodeWire(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	return nil
}

// Run はctxがキャンセルされるまで中継チャネルを受信する。
// go-redisのPubSubは切断時に自動で再購読する。
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// 購読の確立を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		return model.NewSubscriptionError("realtime.redis_subscribe", err)
	}

	r.logger.Info("ライブバスの受信を開始しました",
		slog.String("source", "redis"),
		slog.String("channel", r.channel),
	)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("ライブバスの受信を停止しました", slog.String("source", "redis"))
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := decodeWire(m.Payload)
			if err != nil {
				r.logger.Warn("不正な中継ペイロードを無視しました", slog.String("error", err.Error()))
				continue
			}
			r.metrics.RecordBusEvent("redis")
			r.sink.Deliver(msg)
		}
	}
}

func encodeWire(msg model.Message) ([]byte, error) {
	b, err := json.Marshal(wireMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return b, nil
}

func decodeWire(payload string) (model.Message, error) {
	var w wireMessage
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return model.Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if w.ID == "" || w.ConversationID == "" {
		return model.Message{}, fmt.Errorf("message id and conversation id are required")
	}
	return model.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		CreatedAt:      w.CreatedAt,
	}, nil
}
