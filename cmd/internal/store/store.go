// Package store persists chat messages and serves cursor range reads.
package store

import (
	"context"
	"time"
)

// Message is the canonical message representation.
// ID is the relational row id; it stays empty until the message is flushed.
type Message struct {
	ID        string
	UserID    string
	Username  string
	Content   string
	Snowflake int64
	CreatedAt time.Time
}

// InsertedRow reports the persistence id assigned to one snowflake.
type InsertedRow struct {
	ID        string
	Snowflake int64
}

// MessageStore persists message batches and answers range queries.
//
// Requirements:
//   - InsertBatch is idempotent per snowflake: retrying a batch after a
//     partial failure must not duplicate rows, and every input row gets a
//     persistence id back.
//   - FetchBefore returns rows with snowflake strictly below the cursor
//     (unbounded when nil), newest first, at most limit rows.
//   - ToggleReaction flips one (message, user, emoji) reaction: adding when
//     absent (+1), removing when present (-1). The delta is what clients
//     apply to their counters.
type MessageStore interface {
	InsertBatch(ctx context.Context, msgs []Message) ([]InsertedRow, error)
	FetchBefore(ctx context.Context, before *int64, limit int) ([]Message, error)
	ToggleReaction(ctx context.Context, messageID, userID string, emojiCode int) (delta int, err error)
	Close() error
}
