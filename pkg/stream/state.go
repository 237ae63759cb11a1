// Package stream implements the execution substrate for agent runs: the
// lifecycle state machine, per-stream offset assignment, the bounded replay
// buffer integration, and client subscription tracking.
package stream

import (
	"sync"
	"time"
)

// Status is a stream lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Terminal reports whether the status is final. Terminal streams never
// transition again; their metadata is retained for replay until cleanup.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// validTransitions is the lifecycle graph. Absence means the transition is
// rejected.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusError},
	StatusRunning: {StatusPaused, StatusCompleted, StatusCancelled, StatusError},
	StatusPaused:  {StatusRunning, StatusCancelled, StatusError},
}

func canTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the registry record for one stream. The registry hands out
// clones; callers never see the live struct.
type Session struct {
	ID            string
	TaskID        string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	NextOffset    uint64
	ErrorMessage  string
	Checkpoint    map[string]any
	ClientCount   int
	ShowThinking  bool
	TotalEvents   uint64
	LastEventType string
}

// Clone returns a deep copy safe to hand outside the registry lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	if s.Checkpoint != nil {
		out.Checkpoint = make(map[string]any, len(s.Checkpoint))
		for k, v := range s.Checkpoint {
			out.Checkpoint[k] = v
		}
	}
	return &out
}

// ClientSubscription tracks one connected subscriber of a stream.
type ClientSubscription struct {
	ClientID      string
	StreamID      string
	ConnectedAt   time.Time
	LastOffset    *uint64 // highest offset acknowledged, nil before the first ack
	ResumedFrom   *uint64 // offset the client asked to resume from, nil for fresh connects
	RecoveryCount int
}

// Clone returns a copy safe to hand outside the registry lock.
func (c *ClientSubscription) Clone() *ClientSubscription {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastOffset != nil {
		v := *c.LastOffset
		out.LastOffset = &v
	}
	if c.ResumedFrom != nil {
		v := *c.ResumedFrom
		out.ResumedFrom = &v
	}
	return &out
}

// StateStats is a snapshot of registry occupancy.
type StateStats struct {
	TotalStreams    int            `json:"total_streams"`
	ActiveStreams   int            `json:"active_streams"`
	TerminalStreams int            `json:"terminal_streams"`
	TotalClients    int            `json:"total_clients"`
	ByStatus        map[Status]int `json:"by_status"`
}

// State is the in-memory stream registry. One instance per process; all
// access serializes through its mutex and returns clones.
type State struct {
	mu       sync.Mutex
	sessions map[string]*Session
	clients  map[string]map[string]*ClientSubscription // streamID -> clientID -> sub
}

// NewState creates an empty registry.
func NewState() *State {
	return &State{
		sessions: make(map[string]*Session),
		clients:  make(map[string]map[string]*ClientSubscription),
	}
}

// CreateStream registers a new stream in pending status.
func (st *State) CreateStream(streamID, taskID string, showThinking bool) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.sessions[streamID]; exists {
		return nil, ErrStreamAlreadyExists
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           streamID,
		TaskID:       taskID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ShowThinking: showThinking,
	}
	st.sessions[streamID] = s
	return s.Clone(), nil
}

// GetStream returns a snapshot of the stream record.
func (st *State) GetStream(streamID string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return s.Clone(), nil
}

// UpdateStreamStatus applies a lifecycle transition. Terminal states are
// frozen: any transition attempt from one returns ErrStreamCompleted.
func (st *State) UpdateStreamStatus(streamID string, to Status) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if s.Status.Terminal() {
		return nil, ErrStreamCompleted
	}
	if !canTransition(s.Status, to) {
		return nil, &InvalidTransitionError{StreamID: streamID, From: s.Status, To: to}
	}

	now := time.Now().UTC()
	s.Status = to
	s.UpdatedAt = now
	switch {
	case to == StatusRunning && s.StartedAt == nil:
		s.StartedAt = &now
	case to.Terminal():
		s.CompletedAt = &now
	}
	return s.Clone(), nil
}

// MarkError transitions the stream to error status and records the message.
func (st *State) MarkError(streamID, message string) (*Session, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if s.Status.Terminal() {
		return nil, ErrStreamCompleted
	}

	now := time.Now().UTC()
	s.Status = StatusError
	s.ErrorMessage = message
	s.UpdatedAt = now
	s.CompletedAt = &now
	return s.Clone(), nil
}

// DeleteStream removes the stream record and all of its subscriptions.
func (st *State) DeleteStream(streamID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[streamID]; !ok {
		return ErrStreamNotFound
	}
	delete(st.sessions, streamID)
	delete(st.clients, streamID)
	return nil
}

// GetTaskStreams returns snapshots of all streams belonging to a task.
func (st *State) GetTaskStreams(taskID string) []*Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*Session
	for _, s := range st.sessions {
		if s.TaskID == taskID {
			out = append(out, s.Clone())
		}
	}
	return out
}

// NextOffset assigns and returns the next per-stream offset. The first call
// on a pending stream implicitly moves it to running; producers may start
// emitting before the status update lands.
func (st *State) NextOffset(streamID string) (uint64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[streamID]
	if !ok {
		return 0, ErrStreamNotFound
	}
	if s.Status.Terminal() {
		return 0, ErrStreamCompleted
	}
	if s.Status == StatusPending {
		now := time.Now().UTC()
		s.Status = StatusRunning
		s.StartedAt = &now
		s.UpdatedAt = now
	}

	off := s.NextOffset
	s.NextOffset++
	s.TotalEvents++
	return off, nil
}

// RecordEventType notes the variant of the most recently emitted event.
func (st *State) RecordEventType(streamID, eventType string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[streamID]; ok {
		s.LastEventType = eventType
	}
}

// SetCheckpoint stores opaque checkpoint data for the stream.
func (st *State) SetCheckpoint(streamID string, data map[string]any) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	s.Checkpoint = data
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// RegisterClient records a subscription. maxClients <= 0 disables the cap.
func (st *State) RegisterClient(streamID, clientID string, resumeFrom *uint64, maxClients int) (*ClientSubscription, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[streamID]
	if !ok {
		return nil, ErrStreamNotFound
	}

	subs := st.clients[streamID]
	if subs == nil {
		subs = make(map[string]*ClientSubscription)
		st.clients[streamID] = subs
	}
	if maxClients > 0 && len(subs) >= maxClients {
		if _, reconnect := subs[clientID]; !reconnect {
			return nil, ErrTooManyClients
		}
	}

	sub := &ClientSubscription{
		ClientID:    clientID,
		StreamID:    streamID,
		ConnectedAt: time.Now().UTC(),
	}
	if resumeFrom != nil {
		v := *resumeFrom
		sub.ResumedFrom = &v
		sub.RecoveryCount = 1
		if prev, ok := subs[clientID]; ok {
			sub.RecoveryCount = prev.RecoveryCount + 1
		}
	}
	subs[clientID] = sub
	s.ClientCount = len(subs)
	return sub.Clone(), nil
}

// DisconnectClient removes a subscription. Unknown clients are a no-op:
// disconnect must be idempotent because the transport and the reaper can
// race to report the same departure.
func (st *State) DisconnectClient(streamID, clientID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	subs, ok := st.clients[streamID]
	if !ok {
		return
	}
	delete(subs, clientID)
	if s, ok := st.sessions[streamID]; ok {
		s.ClientCount = len(subs)
	}
	if len(subs) == 0 {
		delete(st.clients, streamID)
	}
}

// GetClient returns a snapshot of one subscription.
func (st *State) GetClient(streamID, clientID string) (*ClientSubscription, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sub, ok := st.clients[streamID][clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return sub.Clone(), nil
}

// GetStreamClients returns snapshots of every subscription on a stream.
func (st *State) GetStreamClients(streamID string) []*ClientSubscription {
	st.mu.Lock()
	defer st.mu.Unlock()

	var out []*ClientSubscription
	for _, sub := range st.clients[streamID] {
		out = append(out, sub.Clone())
	}
	return out
}

// UpdateClientOffset records an acknowledged offset. Acks only move forward;
// a stale ack arriving out of order is ignored.
func (st *State) UpdateClientOffset(streamID, clientID string, offset uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	sub, ok := st.clients[streamID][clientID]
	if !ok {
		return ErrClientNotFound
	}
	if sub.LastOffset == nil || offset > *sub.LastOffset {
		v := offset
		sub.LastOffset = &v
	}
	return nil
}

// ValidateOffset checks that a resume offset is not beyond what the stream
// has assigned so far.
func (st *State) ValidateOffset(streamID string, offset uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	if offset > s.NextOffset {
		return ErrInvalidOffset
	}
	return nil
}

// CleanupOldStreams deletes terminal streams whose completion is older than
// the retention window, returning the removed stream IDs.
func (st *State) CleanupOldStreams(retention time.Duration) []string {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	var removed []string
	for id, s := range st.sessions {
		if !s.Status.Terminal() || s.CompletedAt == nil {
			continue
		}
		if s.CompletedAt.Before(cutoff) {
			delete(st.sessions, id)
			delete(st.clients, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Stats returns a snapshot of registry occupancy.
func (st *State) Stats() StateStats {
	st.mu.Lock()
	defer st.mu.Unlock()

	stats := StateStats{
		TotalStreams: len(st.sessions),
		ByStatus:     make(map[Status]int),
	}
	for _, s := range st.sessions {
		stats.ByStatus[s.Status]++
		if s.Status.Terminal() {
			stats.TerminalStreams++
		} else {
			stats.ActiveStreams++
		}
	}
	for _, subs := range st.clients {
		stats.TotalClients += len(subs)
	}
	return stats
}
