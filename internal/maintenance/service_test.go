package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"wablast/internal/store"
	"wablast/pkg/logx"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	if err := st.CreateSession(ctx, store.SessionRecord{ID: "s1", Status: store.SessionPaired, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	err := st.CreateSubmission(ctx, store.SubmissionRecord{ID: "b1", SessionID: "s1", CreatedAt: time.Now()},
		[]store.SendItem{{Recipient: "111", Content: "x"}})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
}

func TestReapRequeuesExpiredClaims(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	seed(t, st)
	ctx := context.Background()

	if it, _ := st.ClaimNextItem(ctx, []string{"s1"}); it == nil {
		t.Fatal("claim failed")
	}

	// fresh claim survives a reap with the default TTL
	svc := New(Config{}, st, logx.Nop())
	svc.reap()
	p, _ := st.Progress(ctx, "b1")
	if p.InProgress != 1 {
		t.Fatalf("fresh claim reaped: %+v", p)
	}

	// zero-ish TTL: the claim is already expired
	svc = New(Config{ClaimTTL: time.Nanosecond}, st, logx.Nop())
	time.Sleep(time.Millisecond)
	svc.reap()
	p, _ = st.Progress(ctx, "b1")
	if p.Pending != 1 || p.InProgress != 0 {
		t.Fatalf("expired claim not reaped: %+v", p)
	}
}

func TestPruneKeepsUnfinishedWork(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	seed(t, st)
	ctx := context.Background()

	// pending item: retention may never delete it
	svc := New(Config{Retention: time.Nanosecond}, st, logx.Nop())
	time.Sleep(time.Millisecond)
	svc.prune()
	if _, err := st.GetSubmission(ctx, "b1"); err != nil {
		t.Fatalf("unfinished submission pruned: %v", err)
	}

	it, _ := st.ClaimNextItem(ctx, []string{"s1"})
	if err := st.MarkItemSent(ctx, it.ID); err != nil {
		t.Fatalf("MarkItemSent: %v", err)
	}
	svc.prune()
	if _, err := st.GetSubmission(ctx, "b1"); err == nil {
		t.Fatal("completed submission past retention must be pruned")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	svc := New(Config{}, st, logx.Nop())
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)
	svc.Stop(ctx)
}
