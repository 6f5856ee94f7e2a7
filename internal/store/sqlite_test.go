package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"wablast/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "wablast.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustCreateSession(t *testing.T, st Store, id string) {
	t.Helper()
	err := st.CreateSession(context.Background(), SessionRecord{
		ID:        id,
		Status:    SessionNotAuth,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

func mustCreateSubmission(t *testing.T, st Store, subID, sessID string, recipients ...string) {
	t.Helper()
	items := make([]SendItem, 0, len(recipients))
	for i, r := range recipients {
		items = append(items, SendItem{
			Seq:       i,
			Recipient: r,
			Content:   "hello " + r,
			Status:    ItemPending,
		})
	}
	err := st.CreateSubmission(context.Background(), SubmissionRecord{
		ID:        subID,
		SessionID: sessID,
		CreatedAt: time.Now(),
	}, items)
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	mustCreateSession(t, st, "s1")

	rec, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.Status != SessionNotAuth {
		t.Fatalf("Status = %s, want NOT_AUTH", rec.Status)
	}

	if err := st.SetSessionStatus(ctx, "s1", SessionQRPairing); err != nil {
		t.Fatalf("SetSessionStatus: %v", err)
	}
	if err := st.SetSessionPaired(ctx, "s1", "628123", "Alice", []byte("creds")); err != nil {
		t.Fatalf("SetSessionPaired: %v", err)
	}

	rec, _ = st.GetSession(ctx, "s1")
	if rec.Status != SessionPaired || rec.Phone != "628123" || string(rec.Credentials) != "creds" {
		t.Fatalf("unexpected record after pairing: %+v", rec)
	}

	if err := st.ClearSessionCredentials(ctx, "s1"); err != nil {
		t.Fatalf("ClearSessionCredentials: %v", err)
	}
	rec, _ = st.GetSession(ctx, "s1")
	if len(rec.Credentials) != 0 {
		t.Fatalf("credentials not cleared: %q", rec.Credentials)
	}

	if err := st.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := st.GetSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession after delete = %v, want ErrNotFound", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.GetSession(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSession = %v, want ErrNotFound", err)
	}
	if err := st.SetSessionStatus(ctx, "nope", SessionPaired); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetSessionStatus = %v, want ErrNotFound", err)
	}
	if err := st.DeleteSession(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteSession = %v, want ErrNotFound", err)
	}
}

func TestCreateSubmissionDuplicateRecipientAtomic(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")

	err := st.CreateSubmission(ctx, SubmissionRecord{ID: "b1", SessionID: "s1", CreatedAt: time.Now()}, []SendItem{
		{Seq: 0, Recipient: "111", Content: "a", Status: ItemPending},
		{Seq: 1, Recipient: "111", Content: "b", Status: ItemPending},
	})
	if !errors.Is(err, ErrDuplicateRecipient) {
		t.Fatalf("CreateSubmission = %v, want ErrDuplicateRecipient", err)
	}

	// nothing may survive the failed transaction
	if _, err := st.GetSubmission(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSubmission after failed create = %v, want ErrNotFound", err)
	}
}

func TestClaimNextItemExclusive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")
	mustCreateSubmission(t, st, "b1", "s1", "111", "222")

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		it, err := st.ClaimNextItem(ctx, []string{"s1"})
		if err != nil {
			t.Fatalf("ClaimNextItem: %v", err)
		}
		if it == nil {
			t.Fatal("ClaimNextItem returned nil with pending items left")
		}
		if seen[it.ID] {
			t.Fatalf("item %d claimed twice", it.ID)
		}
		seen[it.ID] = true
		if it.Status != ItemInProgress {
			t.Fatalf("claimed status = %s, want IN_PROGRESS", it.Status)
		}
		if it.SessionID != "s1" {
			t.Fatalf("claimed SessionID = %q, want s1", it.SessionID)
		}
		if it.Attempts != 1 {
			t.Fatalf("Attempts = %d, want 1", it.Attempts)
		}
	}

	it, err := st.ClaimNextItem(ctx, []string{"s1"})
	if err != nil {
		t.Fatalf("ClaimNextItem (drained): %v", err)
	}
	if it != nil {
		t.Fatalf("expected no claimable item, got %+v", it)
	}
}

func TestClaimOrderAndSessionFilter(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")
	mustCreateSession(t, st, "s2")
	mustCreateSubmission(t, st, "b1", "s1", "111", "222")
	mustCreateSubmission(t, st, "b2", "s2", "333")

	// only s2 is eligible
	it, err := st.ClaimNextItem(ctx, []string{"s2"})
	if err != nil || it == nil {
		t.Fatalf("ClaimNextItem: %v, %+v", err, it)
	}
	if it.Recipient != "333" {
		t.Fatalf("Recipient = %s, want 333", it.Recipient)
	}

	// s1 items come back in seq order
	it, _ = st.ClaimNextItem(ctx, []string{"s1", "s2"})
	if it == nil || it.Recipient != "111" {
		t.Fatalf("first s1 claim = %+v, want recipient 111", it)
	}

	// empty eligible set claims nothing
	it, err = st.ClaimNextItem(ctx, nil)
	if err != nil || it != nil {
		t.Fatalf("ClaimNextItem(nil) = %+v, %v; want nil, nil", it, err)
	}
}

func TestItemOutcomesAndProgress(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")
	mustCreateSubmission(t, st, "b1", "s1", "111", "222", "333")

	first, _ := st.ClaimNextItem(ctx, []string{"s1"})
	second, _ := st.ClaimNextItem(ctx, []string{"s1"})

	if err := st.MarkItemSent(ctx, first.ID); err != nil {
		t.Fatalf("MarkItemSent: %v", err)
	}
	if err := st.MarkItemFailed(ctx, second.ID, "recipient unreachable"); err != nil {
		t.Fatalf("MarkItemFailed: %v", err)
	}

	p, err := st.Progress(ctx, "b1")
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	want := ProgressCounts{Total: 3, Pending: 1, Sent: 1, Failed: 1}
	if p != want {
		t.Fatalf("Progress = %+v, want %+v", p, want)
	}
	if p.Done() {
		t.Fatal("Done() = true with a pending item")
	}

	items, err := st.ListItems(ctx, "b1")
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("ListItems len = %d, want 3", len(items))
	}
	if items[1].Status != ItemFailed || items[1].Error != "recipient unreachable" {
		t.Fatalf("failed item = %+v", items[1])
	}
}

func TestRequeueItem(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")
	mustCreateSubmission(t, st, "b1", "s1", "111")

	it, _ := st.ClaimNextItem(ctx, []string{"s1"})
	if err := st.RequeueItem(ctx, it.ID); err != nil {
		t.Fatalf("RequeueItem: %v", err)
	}

	again, err := st.ClaimNextItem(ctx, []string{"s1"})
	if err != nil || again == nil {
		t.Fatalf("ClaimNextItem after requeue: %v, %+v", err, again)
	}
	if again.ID != it.ID {
		t.Fatalf("reclaimed ID = %d, want %d", again.ID, it.ID)
	}
	if again.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", again.Attempts)
	}
}

func TestRequeueStale(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")
	mustCreateSubmission(t, st, "b1", "s1", "111", "222")

	if it, _ := st.ClaimNextItem(ctx, []string{"s1"}); it == nil {
		t.Fatal("claim failed")
	}

	// cutoff in the past: the fresh claim is not stale yet
	n, err := st.RequeueStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued %d, want 0", n)
	}

	// cutoff in the future sweeps the claim back
	n, err = st.RequeueStale(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	p, _ := st.Progress(ctx, "b1")
	if p.Pending != 2 || p.InProgress != 0 {
		t.Fatalf("Progress after sweep = %+v", p)
	}
}

func TestRequeueStaleCutoffIsInclusive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")
	mustCreateSubmission(t, st, "b1", "s1", "111")

	if it, _ := st.ClaimNextItem(ctx, []string{"s1"}); it == nil {
		t.Fatal("claim failed")
	}

	// A claim recorded in the same millisecond as the cutoff must requeue:
	// the startup sweep uses time.Now(), which can land in the claim's
	// millisecond on a fast restart.
	n, err := st.RequeueStale(ctx, time.Now())
	if err != nil {
		t.Fatalf("RequeueStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}

	it, err := st.ClaimNextItem(ctx, []string{"s1"})
	if err != nil || it == nil {
		t.Fatalf("item not claimable after sweep: %v, %v", it, err)
	}
}

func TestMarkSubmissionCompletedOnce(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")
	mustCreateSubmission(t, st, "b1", "s1", "111")

	won, err := st.MarkSubmissionCompleted(ctx, "b1", time.Now())
	if err != nil {
		t.Fatalf("MarkSubmissionCompleted: %v", err)
	}
	if !won {
		t.Fatal("first stamp must win")
	}

	won, err = st.MarkSubmissionCompleted(ctx, "b1", time.Now())
	if err != nil {
		t.Fatalf("MarkSubmissionCompleted (second): %v", err)
	}
	if won {
		t.Fatal("second stamp must lose")
	}

	if won, _ := st.MarkSubmissionCompleted(ctx, "nope", time.Now()); won {
		t.Fatal("unknown submission must not win")
	}
}

func TestPruneCompleted(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")

	// b1 completes; b2 stays pending
	mustCreateSubmission(t, st, "b1", "s1", "111")
	mustCreateSubmission(t, st, "b2", "s1", "222")
	it, _ := st.ClaimNextItem(ctx, []string{"s1"})
	if it.Recipient != "111" {
		t.Fatalf("unexpected claim order: %s", it.Recipient)
	}
	if err := st.MarkItemSent(ctx, it.ID); err != nil {
		t.Fatalf("MarkItemSent: %v", err)
	}

	n, err := st.PruneCompleted(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneCompleted: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}

	if _, err := st.GetSubmission(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("b1 should be pruned, got %v", err)
	}
	if _, err := st.GetSubmission(ctx, "b2"); err != nil {
		t.Fatalf("b2 should survive: %v", err)
	}
}

func TestListSubmissions(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	mustCreateSession(t, st, "s1")
	mustCreateSession(t, st, "s2")
	mustCreateSubmission(t, st, "b1", "s1", "111")
	mustCreateSubmission(t, st, "b2", "s2", "222")

	all, err := st.ListSubmissions(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListSubmissions: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len = %d, want 2", len(all))
	}

	one, err := st.ListSubmissions(ctx, "s2", 10)
	if err != nil {
		t.Fatalf("ListSubmissions(s2): %v", err)
	}
	if len(one) != 1 || one[0].ID != "b2" {
		t.Fatalf("filtered = %+v", one)
	}
}
