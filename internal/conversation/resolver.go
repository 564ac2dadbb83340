// Package conversation は会話の同一性解決と会話一覧の集約を提供する。
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/rallychat/internal/metrics"
	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/repository"
)

// Resolver はユーザーペアから一意の会話IDを解決する。
// 作成の原子性はストアのget-or-create関数に委ね、ここでは1回だけ呼び出す。
type Resolver struct {
	repo    repository.ConversationRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// NewResolver はResolverを生成する。mcがnilの場合はメトリクスを記録しない。
func NewResolver(repo repository.ConversationRepository, mc metrics.MetricsCollector, logger *slog.Logger) *Resolver {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Resolver{repo: repo, metrics: mc, logger: logger}
}

// Resolve は2ユーザー間の会話IDを返す。存在しなければ作成する。
// 入力不正の場合はValidationErrorを原因に持つResolutionFailedを返す。
func (r *Resolver) Resolve(ctx context.Context, userA, userB string) (string, error) {
	const op = "conversation.resolve"

	if userA == "" || userB == "" || userA == userB {
		return "", model.NewResolutionFailedError(op,
			model.NewValidationError(op, "participants must be two distinct users"))
	}

	start := time.Now()
	id, err := r.repo.GetOrCreate(ctx, userA, userB)
	r.metrics.RecordResolutionLatency(time.Since(start))
	if err != nil {
		if errors.Is(err, repository.ErrInvalidParticipants) {
			return "", model.NewResolutionFailedError(op,
				&model.CoreError{Kind: model.KindValidation, Op: op, Msg: "participants must be existing users", Err: err})
		}
		r.logger.Error("会話の解決に失敗しました",
			slog.String("user_a", userA),
			slog.String("user_b", userB),
			slog.String("error", err.Error()),
		)
		return "", model.NewResolutionFailedError(op, err)
	}
	return id, nil
}

// Participant は指定ユーザーが参加する会話を返す。
// 会話が存在しない、または参加者でない場合はnilを返す。
func (r *Resolver) Participant(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := r.repo.FindByID(ctx, conversationID)
	if err != nil {
		return nil, model.NewStoreUnavailableError("conversation.participant", err)
	}
	if conv == nil || !conv.HasParticipant(userID) {
		return nil, nil
	}
	return conv, nil
}
