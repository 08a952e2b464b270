package store

import (
	"context"
	"testing"
	"time"
)

func mkMessages(snowflakes ...int64) []Message {
	out := make([]Message, 0, len(snowflakes))
	for _, sf := range snowflakes {
		out = append(out, Message{
			UserID:    "u1",
			Username:  "alice",
			Content:   "hi",
			Snowflake: sf,
			CreatedAt: time.Now().UTC(),
		})
	}
	return out
}

func TestInsertBatchAssignsIDs(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	rows, err := s.InsertBatch(context.Background(), mkMessages(10, 20, 30))
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows=%d want=3", len(rows))
	}
	seen := map[string]bool{}
	for _, r := range rows {
		if r.ID == "" {
			t.Fatalf("empty persistence id for snowflake=%d", r.Snowflake)
		}
		if seen[r.ID] {
			t.Fatalf("duplicate persistence id %q", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestInsertBatchIdempotentPerSnowflake(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	first, err := s.InsertBatch(ctx, mkMessages(10, 20))
	if err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}
	// Retry the same batch (simulating a flush retry after partial failure).
	second, err := s.InsertBatch(ctx, mkMessages(10, 20))
	if err != nil {
		t.Fatalf("retry InsertBatch: %v", err)
	}

	if len(second) != 2 {
		t.Fatalf("retry rows=%d want=2", len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("retry changed persistence id: %q vs %q", first[i].ID, second[i].ID)
		}
	}

	all, err := s.FetchBefore(ctx, nil, 10)
	if err != nil {
		t.Fatalf("FetchBefore: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("store rows=%d want=2 (no duplicates)", len(all))
	}
}

func TestFetchBeforeCursorAndOrder(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()
	if _, err := s.InsertBatch(ctx, mkMessages(10, 20, 30, 40, 50)); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	before := int64(40)
	rows, err := s.FetchBefore(ctx, &before, 2)
	if err != nil {
		t.Fatalf("FetchBefore: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d want=2", len(rows))
	}
	// Newest first, all strictly below the cursor.
	if rows[0].Snowflake != 30 || rows[1].Snowflake != 20 {
		t.Fatalf("got snowflakes %d,%d want 30,20", rows[0].Snowflake, rows[1].Snowflake)
	}
}

func TestToggleReactionAddRemoveCycle(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	delta, err := s.ToggleReaction(ctx, "msg-1", "u1", 128077)
	if err != nil || delta != 1 {
		t.Fatalf("first toggle: delta=%d err=%v, want +1", delta, err)
	}
	if got := s.ReactionCount("msg-1", 128077); got != 1 {
		t.Fatalf("count=%d want=1", got)
	}

	// Same user, same emoji: toggles off.
	delta, err = s.ToggleReaction(ctx, "msg-1", "u1", 128077)
	if err != nil || delta != -1 {
		t.Fatalf("second toggle: delta=%d err=%v, want -1", delta, err)
	}
	if got := s.ReactionCount("msg-1", 128077); got != 0 {
		t.Fatalf("count=%d want=0 after removal", got)
	}
}

func TestToggleReactionCountsPerUserAndEmoji(t *testing.T) {
	t.Parallel()

	s := NewInMemoryStore()
	ctx := context.Background()

	if _, err := s.ToggleReaction(ctx, "msg-1", "u1", 128077); err != nil {
		t.Fatalf("toggle u1: %v", err)
	}
	if _, err := s.ToggleReaction(ctx, "msg-1", "u2", 128077); err != nil {
		t.Fatalf("toggle u2: %v", err)
	}
	if _, err := s.ToggleReaction(ctx, "msg-1", "u1", 128514); err != nil {
		t.Fatalf("toggle other emoji: %v", err)
	}

	if got := s.ReactionCount("msg-1", 128077); got != 2 {
		t.Fatalf("count=%d want=2 (two users)", got)
	}
	if got := s.ReactionCount("msg-1", 128514); got != 1 {
		t.Fatalf("count=%d want=1 (separate emoji)", got)
	}

	if _, err := s.ToggleReaction(ctx, "", "u1", 128077); err == nil {
		t.Fatal("empty messageId accepted")
	}
	if _, err := s.ToggleReaction(ctx, "msg-1", "", 128077); err == nil {
		t.Fatal("empty userId accepted")
	}
}
