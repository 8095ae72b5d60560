package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rivulet-ai/rivulet/internal/common"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Chat{}, &Message{}, &Branch{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewRepo(openTestDB(t)), "test-model")
}

func seedChat(t *testing.T, svc *Service, userID uint64) *Chat {
	t.Helper()
	c, err := svc.CreateChat(context.Background(), userID, "hello", "", nil)
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return c
}

func seedMessage(t *testing.T, svc *Service, chatID, role, content string, at time.Time, branchID *string) *Message {
	t.Helper()
	m := &Message{
		ID:        common.NewUUID(),
		ChatID:    chatID,
		Role:      role,
		Content:   content,
		IsActive:  true,
		BranchID:  branchID,
		CreatedAt: at,
	}
	if err := svc.Repo().InsertMessage(context.Background(), m); err != nil {
		t.Fatalf("insert message: %v", err)
	}
	return m
}

func TestCreateChatDefaults(t *testing.T) {
	svc := newTestService(t)
	c, err := svc.CreateChat(context.Background(), 1, "", "", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Title != "New chat" || c.Model != "test-model" {
		t.Fatalf("unexpected defaults: title=%q model=%q", c.Title, c.Model)
	}
}

func TestOwnershipHidesChat(t *testing.T) {
	svc := newTestService(t)
	c := seedChat(t, svc, 1)

	if _, err := svc.GetChat(context.Background(), 2, c.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found for non-owner, got %v", err)
	}
	if _, err := svc.GetChat(context.Background(), 1, c.ID); err != nil {
		t.Fatalf("owner lookup failed: %v", err)
	}
}

func TestSoftDeleteKeepsRow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := seedChat(t, svc, 1)
	m := seedMessage(t, svc, c.ID, RoleUser, "hi", time.Now(), nil)

	if err := svc.DeleteMessage(ctx, 1, m.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}

	msgs, err := svc.ListMessages(ctx, 1, c.ID, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("soft-deleted message still listed")
	}
	got, err := svc.Repo().GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("soft-deleted message not retrievable by id: %v", err)
	}
	if got.IsActive {
		t.Fatalf("expected is_active=false")
	}
}

func TestBranchSplice(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := seedChat(t, svc, 1)

	t0 := time.Now().Add(-time.Hour)
	m1 := seedMessage(t, svc, c.ID, RoleUser, "one", t0, nil)
	fork := seedMessage(t, svc, c.ID, RoleAssistant, "two", t0.Add(time.Minute), nil)
	// same creation time as the fork but a different message: must be excluded
	twin := seedMessage(t, svc, c.ID, RoleUser, "twin", fork.CreatedAt, nil)
	after := seedMessage(t, svc, c.ID, RoleUser, "three", t0.Add(2*time.Minute), nil)

	b, err := svc.CreateBranch(ctx, 1, c.ID, fork.ID, "alt")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}
	onBranch := seedMessage(t, svc, c.ID, RoleUser, "four", t0.Add(3*time.Minute), &b.ID)

	msgs, err := svc.ListMessages(ctx, 1, c.ID, &b.ID)
	if err != nil {
		t.Fatalf("list branch: %v", err)
	}
	want := []string{m1.ID, fork.ID, onBranch.ID}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, id := range want {
		if msgs[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, msgs[i].ID)
		}
	}
	for _, m := range msgs {
		if m.ID == twin.ID || m.ID == after.ID {
			t.Fatalf("main-line message %s leaked into branch view", m.ID)
		}
	}

	// the main line is unaffected by the branch
	main, err := svc.ListMessages(ctx, 1, c.ID, nil)
	if err != nil {
		t.Fatalf("list main: %v", err)
	}
	if len(main) != 4 {
		t.Fatalf("expected 4 main-line messages, got %d", len(main))
	}
	for _, m := range main {
		if m.ID == onBranch.ID {
			t.Fatalf("branch-tagged message leaked into main line")
		}
	}
}

func TestBranchForkMustBelongToChat(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c1 := seedChat(t, svc, 1)
	c2 := seedChat(t, svc, 1)
	m := seedMessage(t, svc, c2.ID, RoleUser, "hi", time.Now(), nil)

	if _, err := svc.CreateBranch(ctx, 1, c1.ID, m.ID, ""); err == nil {
		t.Fatalf("expected error forking from another chat's message")
	}
}

func TestBranchDefaultNames(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := seedChat(t, svc, 1)
	m := seedMessage(t, svc, c.ID, RoleAssistant, "hi", time.Now(), nil)

	b1, err := svc.CreateBranch(ctx, 1, c.ID, m.ID, "")
	if err != nil {
		t.Fatalf("first branch: %v", err)
	}
	b2, err := svc.CreateBranch(ctx, 1, c.ID, m.ID, "")
	if err != nil {
		t.Fatalf("second branch: %v", err)
	}
	if b1.Name != "Branch 1" || b2.Name != "Branch 2" {
		t.Fatalf("unexpected default names: %q, %q", b1.Name, b2.Name)
	}
}

func TestBranchOfWrongChatRejected(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c1 := seedChat(t, svc, 1)
	c2 := seedChat(t, svc, 1)
	m := seedMessage(t, svc, c1.ID, RoleUser, "hi", time.Now(), nil)
	b, err := svc.CreateBranch(ctx, 1, c1.ID, m.ID, "")
	if err != nil {
		t.Fatalf("create branch: %v", err)
	}

	if _, err := svc.ListMessages(ctx, 1, c2.ID, &b.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not-found listing another chat's branch, got %v", err)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := seedChat(t, svc, 1)
	m := seedMessage(t, svc, c.ID, RoleUser, "hi", time.Now(), nil)
	if _, err := svc.CreateBranch(ctx, 1, c.ID, m.ID, ""); err != nil {
		t.Fatalf("create branch: %v", err)
	}

	if err := svc.DeleteChat(ctx, 1, c.ID); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if _, err := svc.Repo().GetChat(ctx, c.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("chat row survived delete: %v", err)
	}
	if _, err := svc.Repo().GetMessage(ctx, m.ID); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("message row survived delete: %v", err)
	}
	branches, err := svc.Repo().ListBranches(ctx, c.ID)
	if err != nil {
		t.Fatalf("list branches: %v", err)
	}
	if len(branches) != 0 {
		t.Fatalf("branch rows survived delete")
	}
}

func TestPatchChatShare(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	c := seedChat(t, svc, 1)

	on := true
	got, err := svc.PatchChat(ctx, 1, c.ID, nil, nil, nil, nil, &on)
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if !got.IsShared || got.ShareID == nil || *got.ShareID == "" {
		t.Fatalf("expected share id issued, got shared=%v id=%v", got.IsShared, got.ShareID)
	}

	off := false
	got, err = svc.PatchChat(ctx, 1, c.ID, nil, nil, nil, nil, &off)
	if err != nil {
		t.Fatalf("unshare: %v", err)
	}
	if got.IsShared || got.ShareID != nil {
		t.Fatalf("expected share revoked")
	}
}
