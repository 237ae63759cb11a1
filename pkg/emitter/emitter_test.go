package emitter

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostflow-ai/ghostflow/pkg/events"
)

func newTestEmitter(t *testing.T, cfg Config) *Emitter {
	t.Helper()
	e := New(cfg, nil)
	t.Cleanup(e.Close)
	return e
}

func decodeFrame(t *testing.T, frame string) events.WireEvent {
	t.Helper()
	var data string
	for _, line := range strings.Split(frame, "\n") {
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			data += after
		}
	}
	var raw struct {
		Type     events.Type `json:"type"`
		Offset   uint64      `json:"offset"`
		Sequence uint64      `json:"sequence"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &raw))
	return events.WireEvent{Type: raw.Type, Offset: raw.Offset, Sequence: raw.Sequence}
}

func TestEmitDeliversFrame(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4})
	clientID, conn := e.RegisterClient("", "stream-1")
	require.NotEmpty(t, clientID)
	require.NoError(t, e.Attach(clientID))

	ev := events.NewChunk("hello", true).WithOffset(0, "stream-1")
	queued, err := e.Emit(clientID, ev, 0)
	require.NoError(t, err)
	assert.True(t, queued)

	frame := <-conn.queue
	assert.True(t, strings.HasPrefix(frame, "id: 0\nevent: chunk\n"))
	wire := decodeFrame(t, frame)
	assert.Equal(t, events.TypeChunk, wire.Type)
	assert.Equal(t, uint64(0), wire.Offset)
}

func TestEmitUnknownClient(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4})
	ev := events.NewChunk("x", true)
	_, err := e.Emit("nobody", ev, 0)
	assert.ErrorIs(t, err, ErrClientDisconnected)
}

func TestEmitTimeoutOnFullQueue(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 1})
	clientID, _ := e.RegisterClient("c1", "stream-1")

	ev := events.NewChunk("x", true)
	queued, err := e.Emit(clientID, ev, 0)
	require.NoError(t, err)
	require.True(t, queued)

	queued, err = e.Emit(clientID, ev, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestEmitToStreamSharedSequence(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4})
	_, connA := e.RegisterClient("a", "stream-1")
	_, connB := e.RegisterClient("b", "stream-1")
	require.NoError(t, e.Attach("a"))
	require.NoError(t, e.Attach("b"))

	result := e.EmitToStream("stream-1", events.NewChunk("x", true).WithOffset(3, "stream-1"))
	assert.Equal(t, map[string]bool{"a": true, "b": true}, result)

	wireA := decodeFrame(t, <-connA.queue)
	wireB := decodeFrame(t, <-connB.queue)
	assert.Equal(t, wireA.Sequence, wireB.Sequence)
	assert.Equal(t, uint64(3), wireA.Offset)
}

func TestEmitToStreamExcludes(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4})
	e.RegisterClient("a", "stream-1")
	e.RegisterClient("b", "stream-1")
	require.NoError(t, e.Attach("a"))
	require.NoError(t, e.Attach("b"))

	result := e.EmitToStream("stream-1", events.NewChunk("x", true), "b")
	assert.Equal(t, map[string]bool{"a": true}, result)
}

func TestEmitToStreamSkipsUnattached(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4})
	_, conn := e.RegisterClient("a", "stream-1")

	// Registered but not attached: replay window still open.
	result := e.EmitToStream("stream-1", events.NewChunk("live", true))
	assert.Empty(t, result)
	assert.Empty(t, conn.queue)
}

func TestEmitToStreamReportsSlowClient(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 1})
	e.RegisterClient("slow", "stream-1")
	require.NoError(t, e.Attach("slow"))

	ev := events.NewChunk("x", true)
	assert.Equal(t, map[string]bool{"slow": true}, e.EmitToStream("stream-1", ev))
	assert.Equal(t, map[string]bool{"slow": false}, e.EmitToStream("stream-1", ev))
}

func TestEmitBatchStopsAtFirstFailure(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 2})
	clientID, _ := e.RegisterClient("c1", "stream-1")

	batch := []events.Event{
		events.NewChunk("1", true),
		events.NewChunk("2", true),
		events.NewChunk("3", true),
	}
	n, err := e.EmitBatch(clientID, batch, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestUnregisterClosesQueueAfterDrain(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4})
	clientID, conn := e.RegisterClient("c1", "stream-1")

	_, err := e.Emit(clientID, events.NewChunk("a", true), 0)
	require.NoError(t, err)
	_, err = e.Emit(clientID, events.NewChunk("b", true), 0)
	require.NoError(t, err)

	e.UnregisterClient(clientID)
	e.UnregisterClient(clientID) // idempotent

	// Queued frames remain readable, then the channel closes.
	var got []string
	for frame := range conn.queue {
		got = append(got, frame)
	}
	assert.Len(t, got, 2)

	_, err = e.Emit(clientID, events.NewChunk("c", true), 0)
	assert.ErrorIs(t, err, ErrClientDisconnected)
}

func TestEventStreamUnregistersOnContextCancel(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4})
	clientID, _ := e.RegisterClient("c1", "stream-1")

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.EventStream(ctx, clientID)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after context cancel")
	}
	assert.Equal(t, 0, e.ClientCount())
}

func TestHeartbeatOverflowMarksStale(t *testing.T) {
	e := newTestEmitter(t, Config{
		QueueSize:         1,
		HeartbeatInterval: 10 * time.Millisecond,
		EnableHeartbeats:  true,
	})
	clientID, _ := e.RegisterClient("c1", "stream-1")

	// Fill the queue so the next heartbeat cannot be delivered.
	queued, err := e.Emit(clientID, events.NewChunk("x", true), 0)
	require.NoError(t, err)
	require.True(t, queued)

	require.Eventually(t, func() bool {
		return e.DisconnectStaleClients() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, e.ClientCount())
}

func TestDisconnectStaleClientsIdleTimeout(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4, StaleTimeout: 20 * time.Millisecond})
	e.RegisterClient("idle", "stream-1")

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, e.DisconnectStaleClients())
	assert.Equal(t, 0, e.ClientCount())
}

func TestReRegisterReplacesConnection(t *testing.T) {
	e := newTestEmitter(t, Config{QueueSize: 4})
	_, old := e.RegisterClient("c1", "stream-1")
	require.NoError(t, e.Attach("c1"))

	_, fresh := e.RegisterClient("c1", "stream-1")
	require.NotSame(t, old, fresh)

	// The old queue is closed; the fresh one is live but unattached.
	_, ok := <-old.queue
	assert.False(t, ok)
	assert.Equal(t, 1, e.ClientCount())
	assert.Equal(t, 0, e.StreamClientCount("stream-1"))
}

func TestClose(t *testing.T) {
	e := New(Config{QueueSize: 4}, nil)
	e.RegisterClient("a", "s1")
	e.RegisterClient("b", "s2")

	e.Close()
	assert.Equal(t, 0, e.ClientCount())
}
