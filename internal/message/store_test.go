package message

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/rallychat/internal/logger"
	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/repository"
	"github.com/hitoshi/rallychat/internal/security"
)

// --- モック ---

type mockMessageRepo struct {
	createFn    func(ctx context.Context, conversationID, senderID, content string) (*model.Message, error)
	findByIDFn  func(ctx context.Context, id string) (*model.Message, error)
	listFn      func(ctx context.Context, conversationID string) ([]*model.Message, error)
	latestFn    func(ctx context.Context, ids []string) (map[string]*model.Message, error)
	createCalls int
}

func (m *mockMessageRepo) Create(ctx context.Context, conversationID, senderID, content string) (*model.Message, error) {
	m.createCalls++
	if m.createFn != nil {
		return m.createFn(ctx, conversationID, senderID, content)
	}
	return &model.Message{
		ID:             "msg-1",
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now(),
	}, nil
}
func (m *mockMessageRepo) FindByID(ctx context.Context, id string) (*model.Message, error) {
	return m.findByIDFn(ctx, id)
}
func (m *mockMessageRepo) ListByConversation(ctx context.Context, conversationID string) ([]*model.Message, error) {
	return m.listFn(ctx, conversationID)
}
func (m *mockMessageRepo) LatestByConversationIDs(ctx context.Context, ids []string) (map[string]*model.Message, error) {
	return m.latestFn(ctx, ids)
}

type mockConvRepo struct {
	conv *model.Conversation
}

func (m *mockConvRepo) GetOrCreate(ctx context.Context, userA, userB string) (string, error) {
	return "", nil
}
func (m *mockConvRepo) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	return m.conv, nil
}
func (m *mockConvRepo) ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error) {
	return nil, nil
}

type mockProfileRepo struct {
	profiles map[string]*model.Profile
}

func (m *mockProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	return m.profiles[id], nil
}
func (m *mockProfileRepo) FindByIDs(ctx context.Context, ids []string) (map[string]*model.Profile, error) {
	out := make(map[string]*model.Profile)
	for _, id := range ids {
		if p, ok := m.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type mockMatchRepo struct {
	markFn func(ctx context.Context, playerID, coachID string) (int64, error)
	calls  []string
}

func (m *mockMatchRepo) MarkMessaged(ctx context.Context, playerID, coachID string) (int64, error) {
	m.calls = append(m.calls, playerID+"/"+coachID)
	if m.markFn != nil {
		return m.markFn(ctx, playerID, coachID)
	}
	return 1, nil
}

type mockPublisher struct {
	published []model.Message
	err       error
}

func (m *mockPublisher) Publish(ctx context.Context, msg model.Message) error {
	m.published = append(m.published, msg)
	return m.err
}

var (
	_ repository.MessageRepository      = (*mockMessageRepo)(nil)
	_ repository.ConversationRepository = (*mockConvRepo)(nil)
	_ repository.ProfileRepository      = (*mockProfileRepo)(nil)
	_ repository.MatchRepository        = (*mockMatchRepo)(nil)
)

const (
	athleteID = "athlete-1"
	coachID   = "coach-1"
	convID    = "conv-1"
)

func newTestStore(msgRepo *mockMessageRepo, matchRepo *mockMatchRepo, opts ...Option) *Store {
	conv := &model.Conversation{ID: convID, ParticipantA: athleteID, ParticipantB: coachID}
	profiles := &mockProfileRepo{profiles: map[string]*model.Profile{
		athleteID: {ID: athleteID, Role: model.RoleAthlete},
		coachID:   {ID: coachID, Role: model.RoleCoach},
	}}
	return NewStore(msgRepo, &mockConvRepo{conv: conv}, profiles, matchRepo,
		security.NewTextSanitizer(), logger.Discard(), 100, opts...)
}

// --- テスト ---

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"通常の本文", "hello", "hello", false},
		{"前後の空白を除去", "  hello \n", "hello", false},
		{"空文字", "", "", true},
		{"空白のみ", "   \t\n ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeContent(tt.input)
			if tt.wantErr {
				if !errors.Is(err, model.ErrValidation) {
					t.Fatalf("expected ValidationError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("NormalizeContent(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestStore_Append_Success(t *testing.T) {
	msgRepo := &mockMessageRepo{}
	pub := &mockPublisher{}
	store := newTestStore(msgRepo, &mockMatchRepo{}, WithPublisher(pub))

	msg, err := store.Append(context.Background(), convID, athleteID, "  hello coach  ")
	if err != nil {
		t.Fatalf("Append returned error: %v", err)
	}
	if msg.Content != "hello coach" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello coach")
	}
	if msg.ID == "" || model.IsTransientID(msg.ID) {
		t.Errorf("expected server id, got %q", msg.ID)
	}
	if len(pub.published) != 1 || pub.published[0].ID != msg.ID {
		t.Errorf("published = %+v, want the appended message", pub.published)
	}
}

func TestStore_Append_RejectsEmptyBeforeStore(t *testing.T) {
	msgRepo := &mockMessageRepo{}
	store := newTestStore(msgRepo, &mockMatchRepo{})

	for _, input := range []string{"", "   ", "<script>alert(1)</script>", "<b> </b>"} {
		_, err := store.Append(context.Background(), convID, athleteID, input)
		if !errors.Is(err, model.ErrValidation) {
			t.Errorf("Append(%q) error = %v, want ValidationError", input, err)
		}
	}
	if msgRepo.createCalls != 0 {
		t.Errorf("repository should not be called for invalid content, calls = %d", msgRepo.createCalls)
	}
}

func TestStore_Append_TooLong(t *testing.T) {
	msgRepo := &mockMessageRepo{}
	store := newTestStore(msgRepo, &mockMatchRepo{})

	_, err := store.Append(context.Background(), convID, athleteID, strings.Repeat("あ", 101))
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ValidationError, got %v", err)
	}

	// 上限ちょうどは許可される
	if _, err := store.Append(context.Background(), convID, athleteID, strings.Repeat("あ", 100)); err != nil {
		t.Errorf("content at the limit should be accepted: %v", err)
	}
}

func TestStore_Append_StoreFailure(t *testing.T) {
	msgRepo := &mockMessageRepo{
		createFn: func(ctx context.Context, conversationID, senderID, content string) (*model.Message, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	pub := &mockPublisher{}
	store := newTestStore(msgRepo, &mockMatchRepo{}, WithPublisher(pub))

	_, err := store.Append(context.Background(), convID, athleteID, "hello")
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("expected StoreUnavailable, got %v", err)
	}
	if len(pub.published) != 0 {
		t.Error("failed append should not be published")
	}
}

func TestStore_Append_NotParticipant(t *testing.T) {
	msgRepo := &mockMessageRepo{
		createFn: func(ctx context.Context, conversationID, senderID, content string) (*model.Message, error) {
			return nil, fmt.Errorf("%w: denied", repository.ErrNotParticipant)
		},
	}
	store := newTestStore(msgRepo, &mockMatchRepo{})

	_, err := store.Append(context.Background(), convID, "stranger", "hello")
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestStore_Append_PublishFailureDoesNotFailSend(t *testing.T) {
	pub := &mockPublisher{err: errors.New("redis down")}
	store := newTestStore(&mockMessageRepo{}, &mockMatchRepo{}, WithPublisher(pub))

	if _, err := store.Append(context.Background(), convID, athleteID, "hello"); err != nil {
		t.Errorf("publish failure should not fail the send: %v", err)
	}
}

func TestStore_Append_Outreach(t *testing.T) {
	t.Run("コーチから選手への送信でマッチ状態を更新する", func(t *testing.T) {
		matches := &mockMatchRepo{}
		store := newTestStore(&mockMessageRepo{}, matches)

		if _, err := store.Append(context.Background(), convID, coachID, "We'd like you on the team"); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
		if len(matches.calls) != 1 || matches.calls[0] != athleteID+"/"+coachID {
			t.Errorf("MarkMessaged calls = %v, want [%s/%s]", matches.calls, athleteID, coachID)
		}
	})

	t.Run("選手からの送信では更新しない", func(t *testing.T) {
		matches := &mockMatchRepo{}
		store := newTestStore(&mockMessageRepo{}, matches)

		if _, err := store.Append(context.Background(), convID, athleteID, "Thanks coach"); err != nil {
			t.Fatalf("Append returned error: %v", err)
		}
		if len(matches.calls) != 0 {
			t.Errorf("MarkMessaged should not be called, calls = %v", matches.calls)
		}
	})

	t.Run("更新失敗は送信を失敗させない", func(t *testing.T) {
		matches := &mockMatchRepo{
			markFn: func(ctx context.Context, playerID, coachID string) (int64, error) {
				return 0, errors.New("timeout")
			},
		}
		store := newTestStore(&mockMessageRepo{}, matches)

		if _, err := store.Append(context.Background(), convID, coachID, "hi"); err != nil {
			t.Errorf("outreach failure should not fail the send: %v", err)
		}
	})
}

func TestStore_History(t *testing.T) {
	t1 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgRepo := &mockMessageRepo{
		listFn: func(ctx context.Context, conversationID string) ([]*model.Message, error) {
			return []*model.Message{
				{ID: "m1", ConversationID: conversationID, Content: "one", CreatedAt: t1},
				{ID: "m2", ConversationID: conversationID, Content: "two", CreatedAt: t1.Add(time.Minute)},
				{ID: "m3", ConversationID: conversationID, Content: "three", CreatedAt: t1.Add(2 * time.Minute)},
			}, nil
		},
	}
	store := newTestStore(msgRepo, &mockMatchRepo{})

	history, err := store.History(context.Background(), convID)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	want := []string{"m1", "m2", "m3"}
	if len(history) != len(want) {
		t.Fatalf("len(history) = %d, want %d", len(history), len(want))
	}
	for i, id := range want {
		if history[i].ID != id {
			t.Errorf("history[%d].ID = %s, want %s", i, history[i].ID, id)
		}
	}
}

func TestStore_History_StoreFailure(t *testing.T) {
	msgRepo := &mockMessageRepo{
		listFn: func(ctx context.Context, conversationID string) ([]*model.Message, error) {
			return nil, errors.New("boom")
		},
	}
	store := newTestStore(msgRepo, &mockMatchRepo{})

	if _, err := store.History(context.Background(), convID); !errors.Is(err, model.ErrStoreUnavailable) {
		t.Errorf("expected StoreUnavailable, got %v", err)
	}
}

func TestStore_LatestPerConversation_IncludesEmptyConversations(t *testing.T) {
	msgRepo := &mockMessageRepo{
		latestFn: func(ctx context.Context, ids []string) (map[string]*model.Message, error) {
			return map[string]*model.Message{"c1": {ID: "m9", ConversationID: "c1"}}, nil
		},
	}
	store := newTestStore(msgRepo, &mockMatchRepo{})

	latest, err := store.LatestPerConversation(context.Background(), []string{"c1", "c2"})
	if err != nil {
		t.Fatalf("LatestPerConversation returned error: %v", err)
	}
	if latest["c1"] == nil || latest["c1"].ID != "m9" {
		t.Errorf("latest[c1] = %+v", latest["c1"])
	}
	msg, ok := latest["c2"]
	if !ok {
		t.Error("c2 should be present with a nil message")
	}
	if msg != nil {
		t.Errorf("latest[c2] = %+v, want nil", msg)
	}
}
