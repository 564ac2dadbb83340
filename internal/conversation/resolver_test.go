package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hitoshi/rallychat/internal/logger"
	"github.com/hitoshi/rallychat/internal/model"
	"github.com/hitoshi/rallychat/internal/repository"
)

func TestResolver_Resolve_ConcurrentCallsShareOneID(t *testing.T) {
	repo := newFakeConvRepo()
	resolver := NewResolver(repo, nil, logger.Discard())

	const n = 50
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "athlete-1", "coach-1"
			if i%2 == 1 {
				a, b = b, a
			}
			ids[i], errs[i] = resolver.Resolve(context.Background(), a, b)
		}(i)
	}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("call %d returned error: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Errorf("call %d returned %s, want %s", i, ids[i], ids[0])
		}
	}
	if got := repo.count(); got != 1 {
		t.Errorf("conversation count = %d, want 1", got)
	}
}

// ダブルクリック相当の連続呼び出し
func TestResolver_Resolve_DoubleInvocation(t *testing.T) {
	repo := newFakeConvRepo()
	resolver := NewResolver(repo, nil, logger.Discard())
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "athlete-1", "coach-1")
	if err != nil {
		t.Fatalf("first Resolve returned error: %v", err)
	}
	second, err := resolver.Resolve(ctx, "athlete-1", "coach-1")
	if err != nil {
		t.Fatalf("second Resolve returned error: %v", err)
	}
	if first != second {
		t.Errorf("Resolve returned %s then %s", first, second)
	}
	if repo.count() != 1 {
		t.Errorf("conversation count = %d, want 1", repo.count())
	}
	if repo.calls != 2 {
		t.Errorf("store should be called exactly once per Resolve, calls = %d", repo.calls)
	}
}

func TestResolver_Resolve_InvalidInput(t *testing.T) {
	repo := newFakeConvRepo()
	resolver := NewResolver(repo, nil, logger.Discard())

	tests := []struct {
		name  string
		userA string
		userB string
	}{
		{"同一ユーザー", "u1", "u1"},
		{"空のユーザーA", "", "u2"},
		{"空のユーザーB", "u1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.Resolve(context.Background(), tt.userA, tt.userB)
			if !errors.Is(err, model.ErrResolutionFailed) {
				t.Errorf("expected ResolutionFailed, got %v", err)
			}
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected ValidationError in chain, got %v", err)
			}
		})
	}
	if repo.calls != 0 {
		t.Errorf("store should not be called for invalid input, calls = %d", repo.calls)
	}
}

func TestResolver_Resolve_StoreErrors(t *testing.T) {
	t.Run("ストア障害はResolutionFailed", func(t *testing.T) {
		repo := newFakeConvRepo()
		repo.createErr = errStoreDown
		resolver := NewResolver(repo, nil, logger.Discard())

		_, err := resolver.Resolve(context.Background(), "a", "b")
		if !errors.Is(err, model.ErrResolutionFailed) {
			t.Errorf("expected ResolutionFailed, got %v", err)
		}
		if errors.Is(err, model.ErrValidation) {
			t.Error("store failure should not be classified as validation")
		}
		if !errors.Is(err, errStoreDown) {
			t.Error("cause should be preserved")
		}
	})

	t.Run("存在しないユーザーは入力不正", func(t *testing.T) {
		repo := newFakeConvRepo()
		repo.createErr = fmt.Errorf("%w: fk", repository.ErrInvalidParticipants)
		resolver := NewResolver(repo, nil, logger.Discard())

		_, err := resolver.Resolve(context.Background(), "a", "ghost")
		if !errors.Is(err, model.ErrResolutionFailed) || !errors.Is(err, model.ErrValidation) {
			t.Errorf("expected ResolutionFailed wrapping ValidationError, got %v", err)
		}
	})
}

func TestResolver_Participant(t *testing.T) {
	repo := newFakeConvRepo()
	resolver := NewResolver(repo, nil, logger.Discard())
	ctx := context.Background()

	id, _ := resolver.Resolve(ctx, "athlete-1", "coach-1")

	conv, err := resolver.Participant(ctx, id, "athlete-1")
	if err != nil || conv == nil {
		t.Fatalf("Participant = %v, %v; want conversation", conv, err)
	}

	conv, err = resolver.Participant(ctx, id, "stranger")
	if err != nil || conv != nil {
		t.Errorf("Participant(stranger) = %v, %v; want nil, nil", conv, err)
	}

	conv, err = resolver.Participant(ctx, "missing", "athlete-1")
	if err != nil || conv != nil {
		t.Errorf("Participant(missing) = %v, %v; want nil, nil", conv, err)
	}
}
