package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const memMaxMessages = 100_000

// InMemoryStore is a dev-only fallback when DB is not configured.
// It mirrors PostgresStore semantics:
//   - InsertBatch: idempotent per snowflake, persistence id for every row
//   - FetchBefore: snowflake < cursor, newest first, capped at limit
type InMemoryStore struct {
	mu        sync.Mutex
	rows      map[int64]Message        // snowflake -> persisted row
	reactions map[reactionKey]struct{} // toggled-on reactions
	counts    map[countKey]int         // per-message emoji counters
}

type reactionKey struct {
	messageID string
	userID    string
	emojiCode int
}

type countKey struct {
	messageID string
	emojiCode int
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		rows:      make(map[int64]Message),
		reactions: make(map[reactionKey]struct{}),
		counts:    make(map[countKey]int),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// InsertBatch persists a batch with idempotency per snowflake.
func (s *InMemoryStore) InsertBatch(ctx context.Context, msgs []Message) ([]InsertedRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InsertedRow, 0, len(msgs))
	for _, m := range msgs {
		if m.Snowflake <= 0 {
			return nil, errors.New("store: invalid snowflake")
		}
		if existing, ok := s.rows[m.Snowflake]; ok {
			out = append(out, InsertedRow{ID: existing.ID, Snowflake: m.Snowflake})
			continue
		}
		m.ID = uuid.NewString()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		s.rows[m.Snowflake] = m
		out = append(out, InsertedRow{ID: m.ID, Snowflake: m.Snowflake})
	}

	// Bound memory to avoid unbounded growth in dev.
	if len(s.rows) > memMaxMessages {
		s.trimOldestLocked()
	}

	return out, nil
}

// FetchBefore returns up to limit rows with snowflake < before, newest first.
func (s *InMemoryStore) FetchBefore(ctx context.Context, before *int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, errors.New("store: non-positive limit")
	}

	s.mu.Lock()
	snap := make([]Message, 0, len(s.rows))
	for sf, m := range s.rows {
		if before != nil && sf >= *before {
			continue
		}
		snap = append(snap, m)
	}
	s.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool { return snap[i].Snowflake > snap[j].Snowflake })
	if len(snap) > limit {
		snap = snap[:limit]
	}
	return snap, nil
}

// ToggleReaction flips one (message, user, emoji) reaction.
func (s *InMemoryStore) ToggleReaction(ctx context.Context, messageID, userID string, emojiCode int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(messageID) == "" || strings.TrimSpace(userID) == "" {
		return 0, errors.New("store: missing messageId or userId")
	}

	rk := reactionKey{messageID: messageID, userID: userID, emojiCode: emojiCode}
	ck := countKey{messageID: messageID, emojiCode: emojiCode}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reactions[rk]; ok {
		delete(s.reactions, rk)
		s.counts[ck]--
		if s.counts[ck] <= 0 {
			delete(s.counts, ck)
		}
		return -1, nil
	}

	s.reactions[rk] = struct{}{}
	s.counts[ck]++
	return 1, nil
}

// ReactionCount reports the current counter for one (message, emoji) pair.
// Test helper surface; the wire protocol only ever ships deltas.
func (s *InMemoryStore) ReactionCount(messageID string, emojiCode int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[countKey{messageID: messageID, emojiCode: emojiCode}]
}

func (s *InMemoryStore) trimOldestLocked() {
	keys := make([]int64, 0, len(s.rows))
	for sf := range s.rows {
		keys = append(keys, sf)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, sf := range keys[:len(keys)-memMaxMessages] {
		delete(s.rows, sf)
	}
}
