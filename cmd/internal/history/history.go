// Package history answers paginated history queries by merging persisted
// rows with messages still resident in the write-ahead buffer.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"ripple/cmd/internal/ingest"
	"ripple/cmd/internal/metrics"
	"ripple/cmd/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Page is one window of merged history, sorted ascending by snowflake.
type Page struct {
	Messages []store.Message
	HasMore  bool
}

// Service merges the relational store's range reads with the buffer's
// unflushed state. Identifiers are int64 end to end: converting a snowflake
// through a float loses precision above 2^53 and is a correctness bug.
type Service struct {
	log   *slog.Logger
	store store.MessageStore
	buf   *ingest.Buffer
}

// NewService constructs a history Service.
func NewService(log *slog.Logger, st store.MessageStore, buf *ingest.Buffer) *Service {
	return &Service{log: log, store: st, buf: buf}
}

// GetHistory returns up to limit messages with snowflake strictly below
// before (unbounded when nil), combining persisted and buffered sources.
//
// Dedup is by identifier: when a message exists in both sources the
// persisted copy wins so its persistence id survives the merge. A store
// failure is surfaced whole; no partial merge is returned.
//
// HasMore reports whether the store's page came back full. This is a known
// approximation: it can claim more history when exactly limit rows remain.
func (s *Service) GetHistory(ctx context.Context, limit int, before *int64) (Page, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	rows, err := s.store.FetchBefore(ctx, before, limit)
	if err != nil {
		metrics.HistoryQueries.WithLabelValues("fail").Inc()
		s.log.Error("history.fetch.fail", "err", err)
		return Page{}, fmt.Errorf("history: %w", err)
	}

	merged := make(map[int64]store.Message, limit)
	for _, m := range s.buf.SnapshotBefore(before, limit) {
		merged[m.Snowflake] = m
	}
	for _, m := range rows {
		merged[m.Snowflake] = m
	}

	out := make([]store.Message, 0, len(merged))
	for _, m := range merged {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Snowflake < out[j].Snowflake })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}

	metrics.HistoryQueries.WithLabelValues("ok").Inc()
	return Page{
		Messages: out,
		HasMore:  len(rows) == limit,
	}, nil
}
