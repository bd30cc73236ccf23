package chat

import (
	"context"
	"fmt"
	"testing"
)

func TestInsertMessageOrGetExisting_UniqueClientID(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	sess := mkSession(t, repo, 20)

	cid := "repo-unique-1"
	first := &Message{
		SessionID:  sess.SessionID,
		UserID:     20,
		Role:       "user",
		ActionType: ActionGeneralChat,
		Content:    "once",
		ClientID:   &cid,
	}
	stored, inserted, err := repo.InsertMessageOrGetExisting(context.Background(), first)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatalf("first insert not reported as new")
	}

	cid2 := cid
	again, inserted, err := repo.InsertMessageOrGetExisting(context.Background(), &Message{
		SessionID:  sess.SessionID,
		UserID:     20,
		Role:       "user",
		ActionType: ActionGeneralChat,
		Content:    "once",
		ClientID:   &cid2,
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate insert reported as new")
	}
	if again.ID != stored.ID {
		t.Fatalf("duplicate returned different row: %d vs %d", again.ID, stored.ID)
	}

	var cnt int64
	db.Model(&Message{}).Where("client_id = ?", cid).Count(&cnt)
	if cnt != 1 {
		t.Fatalf("expected 1 row for client id, got %d", cnt)
	}
}

func TestInsertMessageOrGetExisting_NilClientIDNeverCollides(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	sess := mkSession(t, repo, 21)

	for i := 0; i < 3; i++ {
		_, inserted, err := repo.InsertMessageOrGetExisting(context.Background(), &Message{
			SessionID:  sess.SessionID,
			UserID:     21,
			Role:       "user",
			ActionType: ActionGeneralChat,
			Content:    fmt.Sprintf("anon-%d", i),
		})
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if !inserted {
			t.Fatalf("insert %d not reported as new", i)
		}
	}

	msgs, err := repo.ListMessagesAsc(context.Background(), 21, sess.SessionID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(msgs))
	}
}

func TestListMessages_KeysetPagination(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	sess := mkSession(t, repo, 22)

	for i := 0; i < 7; i++ {
		if err := repo.InsertMessage(context.Background(), &Message{
			SessionID:  sess.SessionID,
			UserID:     22,
			Role:       "user",
			ActionType: ActionGeneralChat,
			Content:    fmt.Sprintf("m-%d", i),
		}); err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
	}

	page1, err := repo.ListMessages(context.Background(), 22, sess.SessionID, 3, 0)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if len(page1) != 3 {
		t.Fatalf("page 1 size %d", len(page1))
	}
	if page1[0].Content != "m-6" {
		t.Fatalf("page 1 starts at %q, want newest", page1[0].Content)
	}

	page2, err := repo.ListMessages(context.Background(), 22, sess.SessionID, 3, page1[len(page1)-1].ID)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if len(page2) != 3 {
		t.Fatalf("page 2 size %d", len(page2))
	}
	if page2[0].Content != "m-3" {
		t.Fatalf("page 2 starts at %q", page2[0].Content)
	}
	if page2[0].ID >= page1[len(page1)-1].ID {
		t.Fatalf("pages overlap")
	}
}

func TestDeactivateSession_HiddenFromListingHistorySurvives(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	sess := mkSession(t, repo, 23)

	if err := repo.InsertMessage(context.Background(), &Message{
		SessionID:  sess.SessionID,
		UserID:     23,
		Role:       "user",
		ActionType: ActionGeneralChat,
		Content:    "kept",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := repo.DeactivateSession(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	listed, err := repo.ListSessions(context.Background(), 23, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	for _, s := range listed {
		if s.SessionID == sess.SessionID {
			t.Fatalf("deactivated session still listed")
		}
	}

	msgs, err := repo.ListMessagesAsc(context.Background(), 23, sess.SessionID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "kept" {
		t.Fatalf("history lost after deactivation: %+v", msgs)
	}
}

func TestCreateJobOrGetExisting_IdempotencyKey(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepo(db)
	sess := mkSession(t, repo, 24)

	key := "job-key-1"
	mk := func() *Job {
		id, err := NewSessionID()
		if err != nil {
			t.Fatalf("ulid: %v", err)
		}
		return &Job{
			ID:             id,
			UserID:         24,
			SessionID:      sess.SessionID,
			Prompt:         "queued prompt",
			IdempotencyKey: &key,
			Status:         JobQueued,
		}
	}

	first, created, err := repo.CreateJobOrGetExisting(context.Background(), mk())
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created {
		t.Fatalf("first create not reported as new")
	}

	second, created, err := repo.CreateJobOrGetExisting(context.Background(), mk())
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("duplicate key reported as new")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate key returned different job: %s vs %s", second.ID, first.ID)
	}
}
