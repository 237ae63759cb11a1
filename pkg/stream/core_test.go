package stream

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostflow-ai/ghostflow/pkg/emitter"
	"github.com/ghostflow-ai/ghostflow/pkg/events"
)

func newTestCore(t *testing.T, cfg Config) *Core {
	t.Helper()
	em := emitter.New(emitter.Config{QueueSize: 100}, nil)
	core := NewCore(cfg, em, nil)
	t.Cleanup(func() {
		core.Stop()
		em.Close()
	})
	return core
}

// feedProducer forwards events from a channel until it closes, honoring
// cancellation.
func feedProducer(feed <-chan events.Event) Producer {
	return func(ctx context.Context, out chan<- events.Event) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-feed:
				if !ok {
					return nil
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

type frame struct {
	Type   events.Type
	Offset uint64
}

func parseFrame(t *testing.T, raw string) frame {
	t.Helper()
	var data string
	for _, line := range strings.Split(raw, "\n") {
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			data += after
		}
	}
	var decoded struct {
		Type   events.Type `json:"type"`
		Offset uint64      `json:"offset"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &decoded))
	return frame{Type: decoded.Type, Offset: decoded.Offset}
}

// collect drains the channel until it closes or the deadline hits.
func collect(t *testing.T, ch <-chan string, deadline time.Duration) []frame {
	t.Helper()
	var out []frame
	timer := time.After(deadline)
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return out
			}
			if strings.HasPrefix(raw, ":") {
				continue
			}
			out = append(out, parseFrame(t, raw))
		case <-timer:
			t.Fatalf("channel did not close, got %d frames", len(out))
		}
	}
}

func TestStreamLifecycle(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	ctx := context.Background()
	clientID, ch, err := core.ConnectClient(ctx, "s1", "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, clientID)

	feed := make(chan events.Event, 4)
	feed <- events.NewChunk("a", true)
	feed <- events.NewChunk("b", true)
	feed <- events.NewToolStart("calc", map[string]any{"x": 1}, "call-1")
	close(feed)
	require.NoError(t, core.StartStream("s1", feedProducer(feed)))

	frames := collect(t, ch, 2*time.Second)
	require.Len(t, frames, 4)
	for i, f := range frames {
		assert.Equal(t, uint64(i), f.Offset)
	}
	assert.Equal(t, events.TypeChunk, frames[0].Type)
	assert.Equal(t, events.TypeToolStart, frames[2].Type)
	assert.Equal(t, events.TypeComplete, frames[3].Type)

	sess, err := core.StreamStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sess.Status)
}

func TestProducerCompleteEventCarriesFinalOffset(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	_, ch, err := core.ConnectClient(context.Background(), "s1", "", nil)
	require.NoError(t, err)

	tokens := 42
	feed := make(chan events.Event, 3)
	feed <- events.NewChunk("a", true)
	feed <- events.NewChunk("b", true)
	feed <- events.NewComplete(0, &tokens, "end_turn")
	close(feed)
	require.NoError(t, core.StartStream("s1", feedProducer(feed)))

	var complete *string
	for raw := range ch {
		if strings.Contains(raw, "event: complete") {
			v := raw
			complete = &v
		}
	}
	require.NotNil(t, complete)

	var data string
	for _, line := range strings.Split(*complete, "\n") {
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			data += after
		}
	}
	var wire struct {
		Data struct {
			FinalOffset  uint64 `json:"final_offset"`
			TotalTokens  *int   `json:"total_tokens"`
			FinishReason string `json:"finish_reason"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &wire))
	assert.Equal(t, uint64(1), wire.Data.FinalOffset)
	require.NotNil(t, wire.Data.TotalTokens)
	assert.Equal(t, 42, *wire.Data.TotalTokens)
	assert.Equal(t, "end_turn", wire.Data.FinishReason)
}

func TestCancelStream(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	_, ch, err := core.ConnectClient(context.Background(), "s1", "", nil)
	require.NoError(t, err)

	started := make(chan struct{})
	producer := func(ctx context.Context, out chan<- events.Event) error {
		out <- events.NewChunk("partial", true)
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}
	require.NoError(t, core.StartStream("s1", producer))
	<-started

	begin := time.Now()
	require.NoError(t, core.CancelStream(context.Background(), "s1", "user request"))
	assert.Less(t, time.Since(begin), 5*time.Second)

	frames := collect(t, ch, 2*time.Second)
	require.NotEmpty(t, frames)
	assert.Equal(t, events.TypeCancelled, frames[len(frames)-1].Type)

	sess, err := core.StreamStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sess.Status)

	// Second cancel: already terminal.
	err = core.CancelStream(context.Background(), "s1", "again")
	assert.ErrorIs(t, err, ErrStreamCompleted)
}

func TestCancelPendingStream(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	require.NoError(t, core.CancelStream(context.Background(), "s1", "never started"))

	sess, err := core.StreamStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sess.Status)
}

func TestProducerErrorFinalizesStream(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	_, ch, err := core.ConnectClient(context.Background(), "s1", "", nil)
	require.NoError(t, err)

	producer := func(ctx context.Context, out chan<- events.Event) error {
		out <- events.NewChunk("before failure", true)
		return &CodedError{Code: "PROVIDER_ERROR", Message: "upstream 503", Recoverable: true}
	}
	require.NoError(t, core.StartStream("s1", producer))

	frames := collect(t, ch, 2*time.Second)
	require.Len(t, frames, 2)
	assert.Equal(t, events.TypeError, frames[1].Type)

	sess, err := core.StreamStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, sess.Status)
	assert.Equal(t, "upstream 503", sess.ErrorMessage)
}

func TestTerminalReplay(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	feed := make(chan events.Event, 3)
	feed <- events.NewChunk("a", true)
	feed <- events.NewChunk("b", true)
	feed <- events.NewChunk("c", true)
	close(feed)
	require.NoError(t, core.StartStream("s1", feedProducer(feed)))

	require.Eventually(t, func() bool {
		s, err := core.StreamStatus("s1")
		return err == nil && s.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	// Full replay.
	_, ch, err := core.ConnectClient(context.Background(), "s1", "", nil)
	require.NoError(t, err)
	frames := collect(t, ch, 2*time.Second)
	require.Len(t, frames, 4)
	assert.Equal(t, events.TypeComplete, frames[3].Type)

	// Partial replay from an offset.
	from := uint64(2)
	_, ch, err = core.ConnectClient(context.Background(), "s1", "", &from)
	require.NoError(t, err)
	frames = collect(t, ch, 2*time.Second)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(2), frames[0].Offset)
	assert.Equal(t, events.TypeComplete, frames[1].Type)
}

func TestResumeReplaysBeforeLive(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	feed := make(chan events.Event)
	require.NoError(t, core.StartStream("s1", feedProducer(feed)))

	for i := 0; i < 3; i++ {
		feed <- events.NewChunk("early", true)
	}

	// Wait until all three are assigned before reconnecting.
	require.Eventually(t, func() bool {
		s, err := core.StreamStatus("s1")
		return err == nil && s.NextOffset == 3
	}, 2*time.Second, 5*time.Millisecond)

	from := uint64(0)
	_, ch, err := core.ConnectClient(context.Background(), "s1", "rejoiner", &from)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		feed <- events.NewChunk("late", true)
	}
	close(feed)

	frames := collect(t, ch, 2*time.Second)
	require.Len(t, frames, 6)
	for i, f := range frames {
		assert.Equal(t, uint64(i), f.Offset, "frame %d out of order", i)
	}
	assert.Equal(t, events.TypeComplete, frames[5].Type)
}

func TestConnectInvalidOffset(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	from := uint64(99)
	_, _, err = core.ConnectClient(context.Background(), "s1", "", &from)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	_, _, err = core.ConnectClient(context.Background(), "missing", "", nil)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestConnectClientCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentClients = 1
	core := newTestCore(t, cfg)
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	_, _, err = core.ConnectClient(context.Background(), "s1", "c1", nil)
	require.NoError(t, err)

	_, _, err = core.ConnectClient(context.Background(), "s1", "c2", nil)
	assert.ErrorIs(t, err, ErrTooManyClients)
}

func TestRecoveryDisabledIgnoresResume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableRecovery = false
	core := newTestCore(t, cfg)
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	feed := make(chan events.Event)
	require.NoError(t, core.StartStream("s1", feedProducer(feed)))
	feed <- events.NewChunk("a", true)

	require.Eventually(t, func() bool {
		s, err := core.StreamStatus("s1")
		return err == nil && s.NextOffset == 1
	}, 2*time.Second, 5*time.Millisecond)

	from := uint64(0)
	_, ch, err := core.ConnectClient(context.Background(), "s1", "", &from)
	require.NoError(t, err)
	close(feed)

	// No replay of offset 0: only the terminal frame arrives.
	frames := collect(t, ch, 2*time.Second)
	require.Len(t, frames, 1)
	assert.Equal(t, events.TypeComplete, frames[0].Type)
}

func TestCheckpointEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 2
	core := newTestCore(t, cfg)
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	_, ch, err := core.ConnectClient(context.Background(), "s1", "", nil)
	require.NoError(t, err)

	feed := make(chan events.Event, 4)
	for i := 0; i < 4; i++ {
		feed <- events.NewChunk("x", true)
	}
	close(feed)
	require.NoError(t, core.StartStream("s1", feedProducer(feed)))

	frames := collect(t, ch, 2*time.Second)
	var checkpoints int
	for _, f := range frames {
		if f.Type == events.TypeOffset {
			checkpoints++
		}
	}
	assert.Equal(t, 2, checkpoints)

	sess, err := core.StreamStatus("s1")
	require.NoError(t, err)
	assert.NotNil(t, sess.Checkpoint)
}

func TestRecoveryInfo(t *testing.T) {
	core := newTestCore(t, DefaultConfig())
	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)

	feed := make(chan events.Event, 2)
	feed <- events.NewChunk("a", true)
	feed <- events.NewChunk("b", true)
	close(feed)
	require.NoError(t, core.StartStream("s1", feedProducer(feed)))

	require.Eventually(t, func() bool {
		s, err := core.StreamStatus("s1")
		return err == nil && s.Status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	info, err := core.RecoveryInfo("s1", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, info.Status)
	assert.Equal(t, uint64(3), info.NextOffset)
	assert.True(t, info.Coverage.HasExact)
	assert.True(t, info.Coverage.CanRecover)

	_, err = core.RecoveryInfo("missing", 0)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStopCancelsActiveStreams(t *testing.T) {
	em := emitter.New(emitter.Config{QueueSize: 10}, nil)
	defer em.Close()
	core := NewCore(DefaultConfig(), em, nil)
	core.Start()

	_, err := core.CreateStream("s1", "task-1", false)
	require.NoError(t, err)
	require.NoError(t, core.StartStream("s1", func(ctx context.Context, out chan<- events.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	done := make(chan struct{})
	go func() {
		core.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}

	sess, err := core.StreamStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, sess.Status)
}
