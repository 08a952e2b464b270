// Package snowflake generates 64-bit time-ordered message identifiers.
//
// An ID packs a millisecond delta from a fixed epoch, an origin id, and a
// per-millisecond sequence counter into one int64. The bit widths are a
// deployment contract: changing them breaks ordering comparisons between
// old and new ids.
package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Epoch is the fixed reference point: 2020-01-01T00:00:00Z in Unix millis.
const Epoch int64 = 1577836800000

// Bit layout: 41 bits time delta | 10 bits origin | 12 bits sequence.
const (
	originBits = 10
	seqBits    = 12

	// MaxOrigin is the largest permitted origin id (inclusive).
	MaxOrigin = 1<<originBits - 1

	seqMask     = 1<<seqBits - 1
	originShift = seqBits
	timeShift   = originBits + seqBits
)

// ErrClockRegression is returned when the wall clock moves backward relative
// to the generator's last observed time. The generator never hands out a
// stale identifier; callers must surface this, not retry with the same clock.
var ErrClockRegression = errors.New("snowflake: clock moved backwards")

// ID is a 64-bit time-ordered unique message identifier.
type ID int64

// Time returns the embedded timestamp, truncated to milliseconds.
func (id ID) Time() time.Time {
	ms := int64(id)>>timeShift + Epoch
	return time.UnixMilli(ms).UTC()
}

// Origin returns the embedded origin id.
func (id ID) Origin() int {
	return int(int64(id) >> originShift & MaxOrigin)
}

// Seq returns the embedded per-millisecond sequence counter.
func (id ID) Seq() int {
	return int(int64(id) & seqMask)
}

// Generator produces strictly increasing IDs from a single logical clock.
// It is safe for concurrent use; calls serialize on an internal mutex.
// Uniqueness across processes holds only when origin ids are distinct.
type Generator struct {
	mu     sync.Mutex
	origin int64
	now    func() time.Time
	last   int64
	seq    int64
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// New constructs a Generator for the given origin id.
func New(origin int, opts ...Option) (*Generator, error) {
	if origin < 0 || origin > MaxOrigin {
		return nil, fmt.Errorf("snowflake: origin %d out of range [0,%d]", origin, MaxOrigin)
	}
	g := &Generator{
		origin: int64(origin),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Next returns the next identifier.
//
// Within one millisecond the sequence counter increments; on wraparound the
// generator spins until the clock advances. A clock observed behind the last
// recorded time is fatal for the call and surfaces ErrClockRegression.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms < g.last {
		return 0, fmt.Errorf("%w: last=%d now=%d", ErrClockRegression, g.last, ms)
	}

	if ms == g.last {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// Sequence exhausted for this millisecond: wait the clock out.
			for ms <= g.last {
				ms = g.now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.last = ms

	return ID((ms-Epoch)<<timeShift | g.origin<<originShift | g.seq), nil
}
