package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostflow-ai/ghostflow/pkg/events"
)

func chunkAt(offset uint64) events.Event {
	return events.NewChunk("text", true).WithOffset(offset, "sess")
}

func TestAppendAndGet(t *testing.T) {
	b := New(10, 0)

	require.True(t, b.Append(chunkAt(0)))
	require.True(t, b.Append(chunkAt(1)))

	e, ok := b.Get(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.Offset)

	_, ok = b.Get(5)
	assert.False(t, ok)
}

func TestAppendRejectsDuplicateOffset(t *testing.T) {
	b := New(10, 0)

	require.True(t, b.Append(chunkAt(3)))
	assert.False(t, b.Append(chunkAt(3)))

	stats := b.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.TotalAppended)
}

func TestAppendEvictsOldestWhenFull(t *testing.T) {
	b := New(3, 0)

	for off := uint64(0); off < 5; off++ {
		require.True(t, b.Append(chunkAt(off)))
	}

	stats := b.Stats()
	assert.Equal(t, 3, stats.Size)
	assert.Equal(t, uint64(2), stats.TotalEvicted)
	require.NotNil(t, stats.MinOffset)
	require.NotNil(t, stats.MaxOffset)
	assert.Equal(t, uint64(2), *stats.MinOffset)
	assert.Equal(t, uint64(4), *stats.MaxOffset)

	_, ok := b.Get(0)
	assert.False(t, ok)
	_, ok = b.Get(2)
	assert.True(t, ok)
}

func TestGetFrom(t *testing.T) {
	b := New(10, 0)
	for off := uint64(0); off < 6; off++ {
		require.True(t, b.Append(chunkAt(off)))
	}

	got := b.GetFrom(2, 0)
	require.Len(t, got, 4)
	assert.Equal(t, uint64(2), got[0].Offset)
	assert.Equal(t, uint64(5), got[3].Offset)

	limited := b.GetFrom(0, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, uint64(0), limited[0].Offset)
	assert.Equal(t, uint64(1), limited[1].Offset)

	assert.Empty(t, b.GetFrom(10, 0))
}

func TestCoverageExact(t *testing.T) {
	b := New(10, 0)
	for off := uint64(0); off < 3; off++ {
		require.True(t, b.Append(chunkAt(off)))
	}

	cov := b.Coverage(1)
	assert.True(t, cov.HasExact)
	assert.True(t, cov.CanRecover)
	assert.Equal(t, 0, cov.MissingCount)
	require.NotNil(t, cov.MinAvailable)
	assert.Equal(t, uint64(0), *cov.MinAvailable)
}

func TestCoverageAfterEviction(t *testing.T) {
	// Capacity 3, offsets 0..4 appended: 0 and 1 are evicted. A client
	// resuming from offset 1 cannot get the exact event, but offsets 2..4
	// remain and nothing inside the retained window is missing.
	b := New(3, 0)
	for off := uint64(0); off < 5; off++ {
		require.True(t, b.Append(chunkAt(off)))
	}

	cov := b.Coverage(1)
	assert.False(t, cov.HasExact)
	assert.True(t, cov.CanRecover)
	assert.Equal(t, 0, cov.MissingCount)
	require.NotNil(t, cov.MinAvailable)
	require.NotNil(t, cov.MaxAvailable)
	assert.Equal(t, uint64(2), *cov.MinAvailable)
	assert.Equal(t, uint64(4), *cov.MaxAvailable)
}

func TestCoverageBeyondBuffered(t *testing.T) {
	b := New(10, 0)
	require.True(t, b.Append(chunkAt(0)))
	require.True(t, b.Append(chunkAt(1)))

	cov := b.Coverage(5)
	assert.False(t, cov.HasExact)
	assert.False(t, cov.CanRecover)
}

func TestCoverageEmptyBuffer(t *testing.T) {
	b := New(10, 0)

	// Nothing ever appended: any offset is still ahead of the stream.
	cov := b.Coverage(0)
	assert.True(t, cov.CanRecover)
	assert.Nil(t, cov.MinAvailable)

	// Events existed but were cleared: offsets at or below the high-water
	// mark are gone for good.
	require.True(t, b.Append(chunkAt(0)))
	require.True(t, b.Append(chunkAt(1)))
	b.Clear()

	assert.False(t, b.Coverage(1).CanRecover)
	assert.True(t, b.Coverage(2).CanRecover)
}

func TestCleanupExpired(t *testing.T) {
	b := New(10, 50*time.Millisecond)
	require.True(t, b.Append(chunkAt(0)))
	require.True(t, b.Append(chunkAt(1)))

	time.Sleep(80 * time.Millisecond)
	require.True(t, b.Append(chunkAt(2)))

	removed := b.CleanupExpired()
	assert.Equal(t, 2, removed)

	stats := b.Stats()
	assert.Equal(t, 1, stats.Size)
	_, ok := b.Get(2)
	assert.True(t, ok)
}

func TestCleanupExpiredDisabled(t *testing.T) {
	b := New(10, 0)
	require.True(t, b.Append(chunkAt(0)))
	assert.Equal(t, 0, b.CleanupExpired())
	assert.Equal(t, 1, b.Stats().Size)
}

func TestRecent(t *testing.T) {
	b := New(10, 0)
	for off := uint64(0); off < 5; off++ {
		require.True(t, b.Append(chunkAt(off)))
	}

	recent := b.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, uint64(4), recent[0].Offset)
	assert.Equal(t, uint64(2), recent[2].Offset)

	assert.Len(t, b.Recent(100), 5)
	assert.Nil(t, b.Recent(0))
}

func TestStreamBuffers(t *testing.T) {
	sb := NewStreamBuffers(5, 0)

	b1 := sb.GetOrCreate("stream-1")
	require.NotNil(t, b1)
	assert.Same(t, b1, sb.GetOrCreate("stream-1"))
	assert.Equal(t, 1, sb.Len())

	_, ok := sb.Get("stream-2")
	assert.False(t, ok)

	sb.GetOrCreate("stream-2")
	assert.Equal(t, 2, sb.Len())

	sb.Remove("stream-1")
	assert.Equal(t, 1, sb.Len())
	_, ok = sb.Get("stream-1")
	assert.False(t, ok)

	sb.Clear()
	assert.Equal(t, 0, sb.Len())
}

func TestStreamBuffersCleanupExpired(t *testing.T) {
	sb := NewStreamBuffers(10, 30*time.Millisecond)
	sb.GetOrCreate("a").Append(chunkAt(0))
	sb.GetOrCreate("b").Append(chunkAt(0))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 2, sb.CleanupExpired())
}
