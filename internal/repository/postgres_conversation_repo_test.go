package repository

import (
	"context"
	"errors"
	"testing"
)

func TestPostgresConversationRepo_ImplementsInterface(t *testing.T) {
	var _ ConversationRepository = (*PostgresConversationRepo)(nil)
}

func TestPostgresConversationRepo_GetOrCreate(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresConversationRepo(db)
	ctx := context.Background()

	athlete := createProfile(t, db, "athlete", "Sam")
	coach := createProfile(t, db, "coach", "Lee")

	id1, err := repo.GetOrCreate(ctx, athlete, coach)
	if err != nil {
		t.Fatalf("GetOrCreate returned error: %v", err)
	}
	id2, err := repo.GetOrCreate(ctx, coach, athlete)
	if err != nil {
		t.Fatalf("GetOrCreate (reversed) returned error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("GetOrCreate returned different ids for the same pair: %s, %s", id1, id2)
	}

	conv, err := repo.FindByID(ctx, id1)
	if err != nil {
		t.Fatalf("FindByID returned error: %v", err)
	}
	if conv == nil {
		t.Fatal("expected conversation, got nil")
	}
	if !conv.HasParticipant(athlete) || !conv.HasParticipant(coach) {
		t.Errorf("conversation participants = (%s, %s)", conv.ParticipantA, conv.ParticipantB)
	}
	if conv.LastMessageAt != nil {
		t.Errorf("new conversation should have nil LastMessageAt, got %v", conv.LastMessageAt)
	}
}

func TestPostgresConversationRepo_GetOrCreate_SameUser(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresConversationRepo(db)

	user := createProfile(t, db, "athlete", "")
	_, err := repo.GetOrCreate(context.Background(), user, user)
	if !errors.Is(err, ErrInvalidParticipants) {
		t.Errorf("expected ErrInvalidParticipants, got %v", err)
	}
}

func TestPostgresConversationRepo_FindByID_NotFound(t *testing.T) {
	db := openTestDB(t)
	repo := NewPostgresConversationRepo(db)

	for _, id := range []string{"00000000-0000-0000-0000-000000000000", "not-a-uuid"} {
		conv, err := repo.FindByID(context.Background(), id)
		if err != nil {
			t.Fatalf("FindByID(%q) returned error: %v", id, err)
		}
		if conv != nil {
			t.Errorf("FindByID(%q) = %+v, want nil", id, conv)
		}
	}
}

func TestPostgresConversationRepo_ListByParticipant_OrdersByLastMessage(t *testing.T) {
	db := openTestDB(t)
	convRepo := NewPostgresConversationRepo(db)
	msgRepo := NewPostgresMessageRepo(db)
	ctx := context.Background()

	me := createProfile(t, db, "athlete", "Me")
	quiet := createProfile(t, db, "coach", "Quiet")
	older := createProfile(t, db, "coach", "Older")
	newer := createProfile(t, db, "coach", "Newer")

	quietID, _ := convRepo.GetOrCreate(ctx, me, quiet)
	olderID, _ := convRepo.GetOrCreate(ctx, me, older)
	newerID, _ := convRepo.GetOrCreate(ctx, me, newer)

	if _, err := msgRepo.Create(ctx, olderID, me, "first"); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if _, err := msgRepo.Create(ctx, newerID, newer, "second"); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	convs, err := convRepo.ListByParticipant(ctx, me)
	if err != nil {
		t.Fatalf("ListByParticipant returned error: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("len(convs) = %d, want 3", len(convs))
	}
	want := []string{newerID, olderID, quietID}
	for i, id := range want {
		if convs[i].ID != id {
			t.Errorf("convs[%d].ID = %s, want %s", i, convs[i].ID, id)
		}
	}
}
