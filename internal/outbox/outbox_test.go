package outbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"voicegateway/internal/store"
)

func newTestOutbox(t *testing.T) (*Outbox, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st.DB(), 0), st
}

func TestClaimMarkPublished(t *testing.T) {
	ob, st := newTestOutbox(t)
	ctx := context.Background()
	_ = st

	if _, err := ob.Enqueue(ctx, "s1", "chat", "c1", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	events, token, err := ob.Claim(ctx, "s1", 10, 30*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}

	// A second claimant must not see the row while the lease is live.
	events2, _, err := ob.Claim(ctx, "s1", 10, 30*time.Second)
	if err != nil {
		t.Fatalf("Claim (second): %v", err)
	}
	if len(events2) != 0 {
		t.Fatalf("second claimant saw %d events, want 0", len(events2))
	}

	ids := []string{events[0].ID}
	if err := ob.MarkPublished(ctx, ids, token); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	pending, err := ob.PendingCount(ctx, "s1")
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if pending != 0 {
		t.Errorf("PendingCount = %d, want 0", pending)
	}
}

func TestClaimExpiredLeaseReclaimed(t *testing.T) {
	ob, _ := newTestOutbox(t)
	ctx := context.Background()

	if _, err := ob.Enqueue(ctx, "s1", "chat", "c1", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	events, token1, err := ob.Claim(ctx, "s1", 10, 0) // zero lease: expires immediately
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}

	events2, token2, err := ob.Claim(ctx, "s1", 10, 0)
	if err != nil {
		t.Fatalf("Claim (reclaim): %v", err)
	}
	if len(events2) != 1 {
		t.Fatalf("reclaim len = %d, want 1", len(events2))
	}

	// The original claimant's token no longer matches; MarkPublished
	// using the stale token must be silently ignored.
	if err := ob.MarkPublished(ctx, []string{events[0].ID}, token1); err != nil {
		t.Fatalf("MarkPublished (stale): %v", err)
	}
	pending, _ := ob.PendingCount(ctx, "s1")
	if pending != 1 {
		t.Errorf("PendingCount after stale mark = %d, want 1 (still unpublished)", pending)
	}

	if err := ob.MarkPublished(ctx, []string{events2[0].ID}, token2); err != nil {
		t.Fatalf("MarkPublished (current): %v", err)
	}
	pending, _ = ob.PendingCount(ctx, "s1")
	if pending != 0 {
		t.Errorf("PendingCount after correct mark = %d, want 0", pending)
	}
}

func TestReleaseDeadLettersAfterMaxAttempts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ob := New(st.DB(), 2)
	ctx := context.Background()

	if _, err := ob.Enqueue(ctx, "s1", "chat", "c1", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 0; i < 2; i++ {
		events, token, err := ob.Claim(ctx, "s1", 10, 0)
		if err != nil {
			t.Fatalf("Claim: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("iteration %d: len(events) = %d, want 1", i, len(events))
		}
		dead, err := ob.Release(ctx, []string{events[0].ID}, token)
		if err != nil {
			t.Fatalf("Release: %v", err)
		}
		if i == 0 && len(dead) != 0 {
			t.Errorf("iteration 0: expected no dead-letters yet, got %d", len(dead))
		}
		if i == 1 && len(dead) != 1 {
			t.Errorf("iteration 1: expected 1 dead-letter, got %d", len(dead))
		}
	}

	events, _, err := ob.Claim(ctx, "s1", 10, 0)
	if err != nil {
		t.Fatalf("Claim after dead-letter: %v", err)
	}
	if len(events) != 0 {
		t.Error("dead-lettered event must not be claimable again")
	}
}

// TestClaimOrdersByIDWhichOrdersByCreation covers spec §4.3's per-key
// ordering guarantee (end-to-end scenario 4): two sequential mutations
// against the same channel must enqueue outbox rows whose ids sort in
// the same order they were created, and Claim must hand them back in
// that order.
func TestClaimOrdersByIDWhichOrdersByCreation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, err := st.DB().Exec(`INSERT INTO channels (id, server_id, name, created_at) VALUES ('c1', 's1', 'general', 0)`); err != nil {
		t.Fatalf("seed channel: %v", err)
	}

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := st.PostChat(context.Background(), store.ChatMessage{
			ServerID: "s1", ChannelID: "c1", AuthorID: "u1", Text: "hi", CreatedAt: time.Now(),
		}, store.OutboxInsert{Topic: "chat", Key: "c1", Payload: "{}"})
		if err != nil {
			t.Fatalf("PostChat %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	if ids[0] >= ids[1] {
		t.Fatalf("id(t1)=%q must sort before id(t2)=%q", ids[0], ids[1])
	}

	ob := New(st.DB(), 0)
	events, _, err := ob.Claim(context.Background(), "s1", 10, 30*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].ID != ids[0] || events[1].ID != ids[1] {
		t.Fatalf("Claim order = [%s, %s], want [%s, %s]", events[0].ID, events[1].ID, ids[0], ids[1])
	}
}

func TestRunPublisherCycle(t *testing.T) {
	ob, _ := newTestOutbox(t)
	ctx := context.Background()

	if _, err := ob.Enqueue(ctx, "s1", "chat", "c1", "{}"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var published []Event
	runPublishCycle(ctx, ob, "s1", 30*time.Second, 10, func(ctx context.Context, events []Event) error {
		published = append(published, events...)
		return nil
	})

	if len(published) != 1 {
		t.Fatalf("len(published) = %d, want 1", len(published))
	}
	pending, _ := ob.PendingCount(ctx, "s1")
	if pending != 0 {
		t.Errorf("PendingCount = %d, want 0", pending)
	}
}
