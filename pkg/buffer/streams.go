package buffer

import (
	"sync"
	"time"
)

// StreamBuffers holds one EventBuffer per stream, created lazily on first
// use and dropped when the stream is cleaned up.
type StreamBuffers struct {
	mu      sync.Mutex
	maxSize int
	maxAge  time.Duration
	buffers map[string]*EventBuffer
}

// NewStreamBuffers creates the collection. maxSize and maxAge apply to every
// buffer it creates.
func NewStreamBuffers(maxSize int, maxAge time.Duration) *StreamBuffers {
	return &StreamBuffers{
		maxSize: maxSize,
		maxAge:  maxAge,
		buffers: make(map[string]*EventBuffer),
	}
}

// GetOrCreate returns the buffer for the stream, creating it on first call.
func (s *StreamBuffers) GetOrCreate(streamID string) *EventBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[streamID]
	if !ok {
		b = New(s.maxSize, s.maxAge)
		s.buffers[streamID] = b
	}
	return b
}

// Get returns the buffer for the stream if one exists.
func (s *StreamBuffers) Get(streamID string) (*EventBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[streamID]
	return b, ok
}

// Remove drops the stream's buffer entirely.
func (s *StreamBuffers) Remove(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, streamID)
}

// CleanupExpired runs age-based expiry on every buffer and returns the total
// number of removed entries.
func (s *StreamBuffers) CleanupExpired() int {
	s.mu.Lock()
	all := make([]*EventBuffer, 0, len(s.buffers))
	for _, b := range s.buffers {
		all = append(all, b)
	}
	s.mu.Unlock()

	removed := 0
	for _, b := range all {
		removed += b.CleanupExpired()
	}
	return removed
}

// Clear drops all buffers.
func (s *StreamBuffers) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = make(map[string]*EventBuffer)
}

// Len returns the number of tracked streams.
func (s *StreamBuffers) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}
