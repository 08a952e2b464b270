package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"ripple/cmd/internal/ids"
	"ripple/cmd/internal/metrics"
	"ripple/cmd/internal/store"
	v1 "ripple/shared/contracts/chat/v1"
)

// EventSink is the outbound push abstraction the ingest pipeline emits into.
// The connection registry implements it; tests substitute a fake.
type EventSink interface {
	// Broadcast delivers an envelope to every live connection.
	Broadcast(env v1.Envelope)
	// BroadcastExcept delivers to every connection except one session.
	BroadcastExcept(sessionID string, env v1.Envelope)
	// SendTo delivers to a single session. Returns false if the session is
	// gone or its queue is saturated; acks are best-effort by design.
	SendTo(sessionID string, env v1.Envelope) bool
}

// FlushConfig tunes the batch flusher. The halving/doubling thresholds are
// heuristics, not contracts; the self-tuning policy itself is fixed.
type FlushConfig struct {
	// BatchSize is the starting adaptive batch size.
	BatchSize int
	// MinBatch / MaxBatch bound the adaptive batch size.
	MinBatch int
	MaxBatch int

	// Interval is the periodic flush tick.
	Interval time.Duration
	// PressureAge flushes a shard early once its oldest entry is this stale.
	PressureAge time.Duration
	// LowLatency / HighLatency steer adaptation: flushing faster than
	// LowLatency doubles the batch, slower than HighLatency halves it.
	LowLatency  time.Duration
	HighLatency time.Duration

	// MaxConcurrent caps simultaneous in-flight flushes across all shards.
	MaxConcurrent int64
}

func (c FlushConfig) withDefaults() FlushConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MinBatch <= 0 {
		c.MinBatch = 50
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 1000
	}
	if c.MinBatch > c.MaxBatch {
		c.MinBatch = c.MaxBatch
	}
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.PressureAge <= 0 {
		c.PressureAge = 150 * time.Millisecond
	}
	if c.LowLatency <= 0 {
		c.LowLatency = 50 * time.Millisecond
	}
	if c.HighLatency <= 0 {
		c.HighLatency = 200 * time.Millisecond
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// Flusher drains buffer shards into the message store.
//
// Concurrency model:
//   - At most MaxConcurrent flushes run at once (weighted semaphore, a
//     counting gate, not a single flag).
//   - Flushes for one shard are serialized by the buffer's in-flight mark,
//     preserving non-decreasing persist order within a shard.
//   - A failed flush requeues its batch at the shard's head and never blocks
//     or poisons other shards.
type Flusher struct {
	log   *slog.Logger
	buf   *Buffer
	store store.MessageStore
	sink  EventSink
	cfg   FlushConfig
	sem   *semaphore.Weighted

	mu        sync.Mutex
	runCtx    context.Context
	batchSize int
	lastFlush time.Time
}

// NewFlusher constructs a Flusher. Zero config fields take defaults.
func NewFlusher(log *slog.Logger, buf *Buffer, st store.MessageStore, sink EventSink, cfg FlushConfig) *Flusher {
	cfg = cfg.withDefaults()
	f := &Flusher{
		log:       log,
		buf:       buf,
		store:     st,
		sink:      sink,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		runCtx:    context.Background(),
		batchSize: cfg.BatchSize,
	}
	metrics.FlushBatchSize.Set(float64(cfg.BatchSize))
	return f
}

// BatchSize returns the current adaptive batch size.
func (f *Flusher) BatchSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batchSize
}

// PressureAge returns the configured early-flush age threshold.
func (f *Flusher) PressureAge() time.Duration { return f.cfg.PressureAge }

// Run ticks until ctx is done, kicking a flush for every non-empty shard.
// Kicked flushes use this context, not the context of whichever request
// handler triggered them.
func (f *Flusher) Run(ctx context.Context) {
	f.mu.Lock()
	f.runCtx = ctx
	f.mu.Unlock()

	t := time.NewTicker(f.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, key := range f.buf.Keys() {
				f.Kick(key)
			}
		}
	}
}

// Kick starts an asynchronous flush attempt for one shard if the concurrency
// ceiling allows. It never blocks the caller.
func (f *Flusher) Kick(key string) {
	if !f.sem.TryAcquire(1) {
		return
	}

	f.mu.Lock()
	ctx := f.runCtx
	f.mu.Unlock()

	go func() {
		defer f.sem.Release(1)
		f.flushShard(ctx, key)
	}()
}

// Drain synchronously flushes every shard until empty or err. Used at
// shutdown for a best-effort final persist of buffered messages.
func (f *Flusher) Drain(ctx context.Context) {
	for _, key := range f.buf.Keys() {
		for f.buf.QueueLen(key) > 0 {
			if err := ctx.Err(); err != nil {
				return
			}
			if !f.flushShard(ctx, key) {
				return
			}
		}
	}
}

// flushShard runs one flush attempt. Returns true when a batch persisted.
func (f *Flusher) flushShard(ctx context.Context, key string) bool {
	size := f.adjustBatchSize(time.Now())

	batch, ok := f.buf.PopBatch(key, size)
	if !ok {
		return false
	}

	// Defensive re-ordering: concurrent producers may interleave slightly
	// out of order before buffering.
	sort.Slice(batch, func(i, j int) bool { return batch[i].Msg.Snowflake < batch[j].Msg.Snowflake })

	msgs := make([]store.Message, len(batch))
	for i, e := range batch {
		msgs[i] = e.Msg
	}

	start := time.Now()
	rows, err := f.store.InsertBatch(ctx, msgs)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.FlushBatches.WithLabelValues("fail").Inc()
		f.log.Error("flush.fail", "shard", key, "batch", len(batch), "err", err)
		f.buf.Requeue(key, batch)
		return false
	}

	metrics.FlushBatches.WithLabelValues("ok").Inc()
	f.buf.Confirm(key, batch)
	f.acknowledge(batch, rows)

	f.log.Debug("flush.ok", "shard", key, "batch", len(batch), "took_ms", time.Since(start).Milliseconds())
	return true
}

// adjustBatchSize applies the doubling/halving policy based on the time
// since the previous flush attempt and returns the size to use now.
func (f *Flusher) adjustBatchSize(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.lastFlush.IsZero() {
		delta := now.Sub(f.lastFlush)
		switch {
		case delta < f.cfg.LowLatency:
			f.batchSize = min(f.batchSize*2, f.cfg.MaxBatch)
		case delta > f.cfg.HighLatency:
			f.batchSize = max(f.batchSize/2, f.cfg.MinBatch)
		}
	}
	f.lastFlush = now

	metrics.FlushBatchSize.Set(float64(f.batchSize))
	return f.batchSize
}

// acknowledge routes persistence confirmations to each entry's originating
// session: a single message:ack when a sender has one message in the batch,
// message:ack:batch when it has several.
func (f *Flusher) acknowledge(batch []Entry, rows []store.InsertedRow) {
	idBySnowflake := make(map[int64]string, len(rows))
	for _, r := range rows {
		idBySnowflake[r.Snowflake] = r.ID
	}

	bySession := make(map[string][]Entry)
	order := make([]string, 0, len(batch))
	for _, e := range batch {
		if e.SessionID == "" {
			continue
		}
		if _, ok := bySession[e.SessionID]; !ok {
			order = append(order, e.SessionID)
		}
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}

	now := time.Now().UTC()
	for _, session := range order {
		entries := bySession[session]

		if len(entries) == 1 {
			e := entries[0]
			env, err := seal(v1.TypeMessageAck, now, v1.MessageAckPayload{
				ID:        idBySnowflake[e.Msg.Snowflake],
				Snowflake: e.Msg.Snowflake,
			})
			if err != nil {
				f.log.Error("ack.seal.fail", "err", err)
				continue
			}
			f.sink.SendTo(session, env)
			continue
		}

		sfs := make([]int64, 0, len(entries))
		for _, e := range entries {
			sfs = append(sfs, e.Msg.Snowflake)
		}
		env, err := seal(v1.TypeMessageAckBatch, now, v1.MessageAckBatchPayload{Snowflakes: sfs})
		if err != nil {
			f.log.Error("ack.seal.fail", "err", err)
			continue
		}
		f.sink.SendTo(session, env)
	}
}

func seal(typ string, ts time.Time, payload any) (v1.Envelope, error) {
	id, err := ids.NewULID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Seal(typ, id, ts, payload)
}
