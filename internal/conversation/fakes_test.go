package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/repository"
)

// fakeConvRepo はget-or-createを排他的に行うインメモリの会話ストア。
type fakeConvRepo struct {
	mu        sync.Mutex
	byPair    map[[2]string]*model.Conversation
	byID      map[string]*model.Conversation
	order     []*model.Conversation
	nextID    int
	listErr   error
	createErr error
	calls     int
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		byPair: make(map[[2]string]*model.Conversation),
		byID:   make(map[string]*model.Conversation),
	}
}

func (f *fakeConvRepo) GetOrCreate(ctx context.Context, userA, userB string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.createErr != nil {
		return "", f.createErr
	}
	a, b := model.CanonicalPair(userA, userB)
	if c, ok := f.byPair[[2]string{a, b}]; ok {
		return c.ID, nil
	}
	f.nextID++
	c := &model.Conversation{
		ID:           fmt.Sprintf("conv-%d", f.nextID),
		ParticipantA: a,
		ParticipantB: b,
		CreatedAt:    time.Now(),
	}
	f.byPair[[2]string{a, b}] = c
	f.byID[c.ID] = c
	f.order = append(f.order, c)
	return c.ID, nil
}

func (f *fakeConvRepo) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeConvRepo) ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*model.Conversation
	for _, c := range f.order {
		if c.HasParticipant(userID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// touch は会話のlast_message_atを更新する。
func (f *fakeConvRepo) touch(id string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[id].LastMessageAt = &at
}

func (f *fakeConvRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeProfileRepo struct {
	profiles map[string]*model.Profile
	err      error
	calls    int
}

func (f *fakeProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	return f.profiles[id], f.err
}

func (f *fakeProfileRepo) FindByIDs(ctx context.Context, ids []string) (map[string]*model.Profile, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*model.Profile)
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

type fakeLatest struct {
	latest map[string]*model.Message
	calls  int
}

func (f *fakeLatest) LatestPerConversation(ctx context.Context, ids []string) (map[string]*model.Message, error) {
	f.calls++
	out := make(map[string]*model.Message, len(ids))
	for _, id := range ids {
		out[id] = f.latest[id]
	}
	return out, nil
}

var errStoreDown = errors.New("store down")

var (
	_ repository.ConversationRepository = (*fakeConvRepo)(nil)
	_ repository.ProfileRepository      = (*fakeProfileRepo)(nil)
	_ LatestReader                      = (*fakeLatest)(nil)
)

func strPtr(s string) *string { return &s }
