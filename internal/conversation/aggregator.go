package conversation

import (
	"context"
	"sort"
	"time"

	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/repository"
)

// LatestReader は会話ごとの最新メッセージを一括で読み込む。
type LatestReader interface {
	LatestPerConversation(ctx context.Context, conversationIDs []string) (map[string]*model.Message, error)
}

// Aggregator はユーザーの会話一覧を、相手のプロフィールと最新メッセージ付きで組み立てる。
// 副作用を持たないため、イベントのたびに何度呼び出してもよい。
type Aggregator struct {
	conversations repository.ConversationRepository
	profiles      repository.ProfileRepository
	latest        LatestReader
}

// NewAggregator はAggregatorを生成する。
func NewAggregator(conversations repository.ConversationRepository, profiles repository.ProfileRepository, latest LatestReader) *Aggregator {
	return &Aggregator{
		conversations: conversations,
		profiles:      profiles,
		latest:        latest,
	}
}

// List はuserIDが参加する全会話を、最新メッセージの新しい順に返す。
// プロフィールと最新メッセージはそれぞれ1回の一括読み込みで取得し、メモリ上で結合する。
func (a *Aggregator) List(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	const op = "conversation.list"

	convs, err := a.conversations.ListByParticipant(ctx, userID)
	if err != nil {
		return nil, model.NewStoreUnavailableError(op, err)
	}
	if len(convs) == 0 {
		return []model.ConversationSummary{}, nil
	}

	convIDs := make([]string, 0, len(convs))
	profileIDs := []string{userID}
	for _, c := range convs {
		convIDs = append(convIDs, c.ID)
		profileIDs = append(profileIDs, c.CounterpartOf(userID))
	}

	profiles, err := a.profiles.FindByIDs(ctx, profileIDs)
	if err != nil {
		return nil, model.NewStoreUnavailableError(op, err)
	}
	latest, err := a.latest.LatestPerConversation(ctx, convIDs)
	if err != nil {
		return nil, model.NewStoreUnavailableError(op, err)
	}

	var myRole model.Role
	if me := profiles[userID]; me != nil {
		myRole = me.Role
	}

	summaries := make([]model.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		counterpartID := c.CounterpartOf(userID)
		if counterpartID == "" {
			// 参加者でない会話は返さない
			continue
		}

		counterpart := model.Profile{ID: counterpartID, Role: myRole.Counterpart()}
		if p := profiles[counterpartID]; p != nil {
			counterpart = *p
		}

		summary := model.ConversationSummary{
			Conversation: *c,
			Counterpart:  counterpart,
			LastMessage:  latest[c.ID],
		}
		if summary.LastMessage != nil {
			summary.LastMessageFromMe = summary.LastMessage.SenderID == userID
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return newerFirst(summaries[i].Conversation.LastMessageAt, summaries[j].Conversation.LastMessageAt)
	})
	return summaries, nil
}

// newerFirst はaがbより先に並ぶべきかを返す。nilは末尾に並ぶ。
func newerFirst(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

// IDs は一覧の会話IDを順に返す。
func IDs(summaries []model.ConversationSummary) []string {
	ids := make([]string, len(summaries))
	for i, s := range summaries {
		ids[i] = s.Conversation.ID
	}
	return ids
}
