// Package buffer provides the bounded per-stream event store used for
// subscriber recovery. Each stream owns one EventBuffer; StreamBuffers is
// the lazily-populated collection keyed by stream ID.
package buffer

import (
	"sync"
	"time"

	"github.com/ghostflow-ai/ghostflow/pkg/events"
)

// BufferedEvent wraps a stored event with bookkeeping used by eviction and
// stats.
type BufferedEvent struct {
	Event       events.Event
	InsertedAt  time.Time
	AccessCount int
}

// Coverage describes what the buffer can serve for a requested offset.
//
// CanRecover is true when the requested offset is at or below the highest
// buffered offset, or when the stream has not yet emitted past the requested
// offset (empty buffer, nothing lost). MissingCount counts gaps within
// [MinAvailable, offset), i.e. offsets evicted from the middle of the
// retained window. Offsets before MinAvailable are permanently lost and not
// counted.
type Coverage struct {
	HasExact     bool    `json:"has_exact"`
	MinAvailable *uint64 `json:"min_available,omitempty"`
	MaxAvailable *uint64 `json:"max_available,omitempty"`
	CanRecover   bool    `json:"can_recover"`
	MissingCount int     `json:"missing_count"`
}

// Stats is a point-in-time snapshot of buffer occupancy.
type Stats struct {
	Size          int     `json:"size"`
	MaxSize       int     `json:"max_size"`
	MinOffset     *uint64 `json:"min_offset,omitempty"`
	MaxOffset     *uint64 `json:"max_offset,omitempty"`
	TotalAppended uint64  `json:"total_appended"`
	TotalEvicted  uint64  `json:"total_evicted"`
}

// EventBuffer is a bounded ring of recent events for one stream, indexed
// both by insertion order (for eviction) and by offset (for random access).
// All operations serialize through the buffer mutex.
type EventBuffer struct {
	mu sync.Mutex

	maxSize int
	maxAge  time.Duration // zero disables age-based expiry

	order   []uint64 // insertion order; offsets are monotone, so order[0] is the smallest
	entries map[uint64]*BufferedEvent

	// highest tracks the largest offset ever appended, surviving eviction.
	// Coverage uses it to distinguish "nothing emitted yet" from "emitted
	// and lost".
	highest       *uint64
	totalAppended uint64
	totalEvicted  uint64
}

// DefaultMaxSize is the per-stream buffer capacity when none is configured.
const DefaultMaxSize = 1000

// New creates a buffer with the given capacity and age limit. maxSize <= 0
// falls back to DefaultMaxSize; maxAge <= 0 disables age-based expiry.
func New(maxSize int, maxAge time.Duration) *EventBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &EventBuffer{
		maxSize: maxSize,
		maxAge:  maxAge,
		entries: make(map[uint64]*BufferedEvent),
	}
}

// Append inserts an event, evicting the smallest-offset entry when full.
// Returns false only for a duplicate offset, which would violate the
// per-stream uniqueness invariant.
func (b *EventBuffer) Append(e events.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.entries[e.Offset]; dup {
		return false
	}

	if len(b.order) >= b.maxSize {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.entries, oldest)
		b.totalEvicted++
	}

	b.order = append(b.order, e.Offset)
	b.entries[e.Offset] = &BufferedEvent{Event: e, InsertedAt: time.Now()}
	b.totalAppended++
	off := e.Offset
	if b.highest == nil || off > *b.highest {
		b.highest = &off
	}
	return true
}

// Get returns the event at the exact offset.
func (b *EventBuffer) Get(offset uint64) (events.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[offset]
	if !ok {
		return events.Event{}, false
	}
	entry.AccessCount++
	return entry.Event, true
}

// GetFrom returns buffered events with offset >= the requested offset in
// ascending order, up to limit (limit <= 0 means no limit).
func (b *EventBuffer) GetFrom(offset uint64, limit int) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []events.Event
	for _, off := range b.order {
		if off < offset {
			continue
		}
		entry := b.entries[off]
		entry.AccessCount++
		out = append(out, entry.Event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Coverage reports recovery feasibility for the requested offset.
func (b *EventBuffer) Coverage(offset uint64) Coverage {
	b.mu.Lock()
	defer b.mu.Unlock()

	cov := Coverage{}
	if len(b.order) == 0 {
		// Empty buffer: recoverable only if the stream never emitted past
		// the requested offset; otherwise those events are gone.
		cov.CanRecover = b.highest == nil || offset > *b.highest
		return cov
	}

	minOff := b.order[0]
	maxOff := b.order[0]
	for _, off := range b.order {
		if off < minOff {
			minOff = off
		}
		if off > maxOff {
			maxOff = off
		}
	}
	cov.MinAvailable = &minOff
	cov.MaxAvailable = &maxOff
	_, cov.HasExact = b.entries[offset]
	cov.CanRecover = offset <= maxOff

	// Gaps within the retained window only; anything before MinAvailable
	// is permanently lost, not "missing".
	for off := minOff; off < offset; off++ {
		if _, ok := b.entries[off]; !ok {
			cov.MissingCount++
		}
	}
	return cov
}

// CleanupExpired removes entries older than the buffer's age limit. No-op
// when no age limit is configured.
func (b *EventBuffer) CleanupExpired() int {
	if b.maxAge <= 0 {
		return 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-b.maxAge)
	removed := 0
	kept := b.order[:0]
	for _, off := range b.order {
		entry := b.entries[off]
		if entry.InsertedAt.Before(cutoff) {
			delete(b.entries, off)
			removed++
			continue
		}
		kept = append(kept, off)
	}
	b.order = kept
	return removed
}

// Clear drops all entries but keeps the high-water mark, so Coverage still
// knows events existed.
func (b *EventBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = nil
	b.entries = make(map[uint64]*BufferedEvent)
}

// Stats returns a snapshot of occupancy counters.
func (b *EventBuffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Size:          len(b.order),
		MaxSize:       b.maxSize,
		TotalAppended: b.totalAppended,
		TotalEvicted:  b.totalEvicted,
	}
	if len(b.order) > 0 {
		minOff, maxOff := b.order[0], b.order[0]
		for _, off := range b.order {
			if off < minOff {
				minOff = off
			}
			if off > maxOff {
				maxOff = off
			}
		}
		s.MinOffset = &minOff
		s.MaxOffset = &maxOff
	}
	return s
}

// Recent returns up to n buffered events, newest first.
func (b *EventBuffer) Recent(n int) []events.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.order) == 0 {
		return nil
	}
	if n > len(b.order) {
		n = len(b.order)
	}
	out := make([]events.Event, 0, n)
	for i := len(b.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, b.entries[b.order[i]].Event)
	}
	return out
}
