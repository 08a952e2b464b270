// Package ingest implements the write-ahead buffer, the adaptive batch
// flusher, and the ingestion service that wires stamping, broadcast,
// buffering, and acknowledgment together.
package ingest

import (
	"errors"
	"sort"
	"sync"
	"time"

	"ripple/cmd/internal/metrics"
	"ripple/cmd/internal/store"
)

// DefaultShard is the routing key used when no sharding is configured.
// The buffer is designed for N shards; the service currently routes
// everything to one global shard.
const DefaultShard = "global"

// ErrBufferFull is the admission-control rejection: the shard already holds
// its cap of accepted-but-unpersisted messages. Surfaced to the sender as
// server-busy, never queued anyway.
var ErrBufferFull = errors.New("ingest: buffer full")

// Entry is one accepted-but-unpersisted message plus its delivery bookkeeping.
// SessionID routes the eventual acknowledgment back to the originating
// connection; it is never persisted.
type Entry struct {
	Msg        store.Message
	SessionID  string
	EnqueuedAt time.Time
}

type shard struct {
	// queue is the flush queue, head = oldest. Popped at flush start and
	// re-filled at the front when persistence fails.
	queue []Entry
	// wal mirrors every accepted entry by snowflake from acceptance until
	// confirmed persisted. The read side merges against it.
	wal map[int64]Entry
	// inFlight serializes flushes per shard so within-shard persist order
	// stays non-decreasing.
	inFlight bool
}

// Buffer is the sharded in-memory write-ahead buffer.
//
// All mutations go through one mutex: the source design relied on a
// single-threaded event loop for atomicity, which a multi-goroutine server
// must replace with explicit locking.
type Buffer struct {
	mu     sync.Mutex
	cap    int
	shards map[string]*shard
}

// NewBuffer constructs a Buffer with a per-shard admission cap.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 5000
	}
	return &Buffer{
		cap:    capacity,
		shards: make(map[string]*shard),
	}
}

// Cap returns the per-shard admission cap.
func (b *Buffer) Cap() int { return b.cap }

// Enqueue appends an entry to the shard's queue and WAL.
//
// Admission counts unflushed messages (WAL occupancy), so an in-flight batch
// still holds its slot until persistence is confirmed.
func (b *Buffer) Enqueue(key string, e Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.shardLocked(key)
	if len(s.wal) >= b.cap {
		return ErrBufferFull
	}

	s.queue = append(s.queue, e)
	s.wal[e.Msg.Snowflake] = e
	metrics.BufferDepth.Set(float64(b.depthLocked()))
	return nil
}

// QueueLen returns the shard's current flush-queue length.
func (b *Buffer) QueueLen(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.shards[key]; ok {
		return len(s.queue)
	}
	return 0
}

// Unflushed returns the shard's accepted-but-unpersisted message count.
func (b *Buffer) Unflushed(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.shards[key]; ok {
		return len(s.wal)
	}
	return 0
}

// OldestAge returns how long the head of the shard's queue has been waiting,
// or zero when the queue is empty.
func (b *Buffer) OldestAge(key string, now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shards[key]
	if !ok || len(s.queue) == 0 {
		return 0
	}
	return now.Sub(s.queue[0].EnqueuedAt)
}

// Keys returns the routing keys of all shards with a non-empty queue.
func (b *Buffer) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.shards))
	for k, s := range b.shards {
		if len(s.queue) > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// PopBatch removes up to n entries from the shard's head and marks the shard
// in-flight. It returns ok=false when the shard is empty or a flush is
// already in flight; callers must later call Confirm or Requeue exactly once.
func (b *Buffer) PopBatch(key string, n int) ([]Entry, bool) {
	if n <= 0 {
		return nil, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.shards[key]
	if !ok || s.inFlight || len(s.queue) == 0 {
		return nil, false
	}

	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := make([]Entry, n)
	copy(batch, s.queue[:n])
	s.queue = append(s.queue[:0], s.queue[n:]...)
	s.inFlight = true
	return batch, true
}

// Confirm drops the batch's WAL entries after confirmed persistence and
// clears the shard's in-flight mark.
func (b *Buffer) Confirm(key string, batch []Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.shards[key]
	if !ok {
		return
	}
	for _, e := range batch {
		delete(s.wal, e.Msg.Snowflake)
	}
	s.inFlight = false
	metrics.BufferDepth.Set(float64(b.depthLocked()))
}

// Requeue pushes a failed batch back to the FRONT of the shard's queue,
// preserving relative order for the retry, and clears the in-flight mark.
// WAL entries are untouched: the messages are still unpersisted.
func (b *Buffer) Requeue(key string, batch []Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.shardLocked(key)
	s.queue = append(append(make([]Entry, 0, len(batch)+len(s.queue)), batch...), s.queue...)
	s.inFlight = false
}

// SnapshotBefore returns unpersisted messages with snowflake strictly below
// the cursor (unbounded when nil), across all shards, keeping only the
// newest limit entries. The result is sorted ascending by snowflake.
func (b *Buffer) SnapshotBefore(before *int64, limit int) []store.Message {
	if limit <= 0 {
		return nil
	}

	b.mu.Lock()
	out := make([]store.Message, 0, limit)
	for _, s := range b.shards {
		for sf, e := range s.wal {
			if before != nil && sf >= *before {
				continue
			}
			out = append(out, e.Msg)
		}
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Snowflake < out[j].Snowflake })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (b *Buffer) shardLocked(key string) *shard {
	s, ok := b.shards[key]
	if !ok {
		s = &shard{wal: make(map[int64]Entry)}
		b.shards[key] = s
	}
	return s
}

func (b *Buffer) depthLocked() int {
	n := 0
	for _, s := range b.shards {
		n += len(s.wal)
	}
	return n
}
