package pirpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker drives the far end of a transport pipe with a per-method
// handler. A handler returns the frames to emit in order.
type fakeWorker struct {
	transport *ChannelTransport
	handlers  map[string]func(req *Frame) []*Frame

	mu       sync.Mutex
	received []*Frame
}

func newFakeWorker(transport *ChannelTransport) *fakeWorker {
	w := &fakeWorker{
		transport: transport,
		handlers:  make(map[string]func(req *Frame) []*Frame),
	}
	go w.serve()
	return w
}

func (w *fakeWorker) handle(method string, fn func(req *Frame) []*Frame) {
	w.mu.Lock()
	w.handlers[method] = fn
	w.mu.Unlock()
}

func (w *fakeWorker) serve() {
	ctx := context.Background()
	for {
		frame, err := w.transport.Recv(ctx)
		if err != nil {
			return
		}
		w.mu.Lock()
		w.received = append(w.received, frame)
		handler := w.handlers[frame.Method]
		w.mu.Unlock()
		if handler == nil {
			continue
		}
		for _, out := range handler(frame) {
			if err := w.transport.Send(ctx, out); err != nil {
				return
			}
		}
	}
}

func (w *fakeWorker) push(frame *Frame) {
	_ = w.transport.Send(context.Background(), frame)
}

func respond(req *Frame, result any) *Frame {
	raw, _ := json.Marshal(result)
	return &Frame{Type: FrameResponse, ID: req.ID, Result: raw}
}

func respondError(req *Frame, code, message string) *Frame {
	return &Frame{Type: FrameResponse, ID: req.ID, Error: &WireError{Code: code, Message: message}}
}

func chunkFrame(req *Frame, chunk StreamChunk) *Frame {
	raw, _ := json.Marshal(chunk)
	return &Frame{Type: FrameStream, RequestID: req.ID, Chunk: raw}
}

func newTestClient(t *testing.T, opts ...ClientOption) (*Client, *fakeWorker) {
	t.Helper()
	near, far := Pipe()
	worker := newFakeWorker(far)
	client := NewClient(near, opts...)
	t.Cleanup(func() { _ = client.Close() })
	return client, worker
}

func TestInitRoundTrip(t *testing.T) {
	client, worker := newTestClient(t)
	createdAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	worker.handle(MethodSessionInit, func(req *Frame) []*Frame {
		var params InitRequest
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "anthropic", params.Provider)
		assert.Equal(t, "claude-sonnet-4", params.Model)
		return []*Frame{respond(req, &InitResponse{
			SessionID: "sess-1",
			Provider:  params.Provider,
			Model:     params.Model,
			Tools:     params.Tools,
			CreatedAt: createdAt,
		})}
	})

	resp, err := client.Init(context.Background(), &InitRequest{
		Provider: "anthropic",
		Model:    "claude-sonnet-4",
		Tools:    []string{"read", "bash"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, []string{"read", "bash"}, resp.Tools)
	assert.True(t, resp.CreatedAt.Equal(createdAt))
}

func TestCallSurfacesWorkerError(t *testing.T) {
	client, worker := newTestClient(t)
	worker.handle(MethodSessionSwitchModel, func(req *Frame) []*Frame {
		return []*Frame{respondError(req, "UNSUPPORTED_MODEL", "model not available")}
	})

	err := client.SwitchModel(context.Background(), "nonexistent")
	require.Error(t, err)
	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, "UNSUPPORTED_MODEL", wireErr.Code)
}

func TestCallTimesOutWithoutResponse(t *testing.T) {
	client, _ := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := client.Status(ctx)
	require.Error(t, err)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, MethodSessionStatus, timeoutErr.Method)
}

func TestConcurrentCallsCorrelateByID(t *testing.T) {
	client, worker := newTestClient(t)
	// Replies arrive out of request order; correlation must still match
	// each caller with its own result.
	var pending []*Frame
	var mu sync.Mutex
	worker.handle(MethodSessionSend, func(req *Frame) []*Frame {
		mu.Lock()
		defer mu.Unlock()
		pending = append(pending, req)
		if len(pending) < 3 {
			return nil
		}
		var out []*Frame
		for i := len(pending) - 1; i >= 0; i-- {
			var params SendRequest
			_ = json.Unmarshal(pending[i].Params, &params)
			out = append(out, respond(pending[i], &SendResponse{
				MessageID: "msg-" + params.Content,
				Content:   "echo " + params.Content,
			}))
		}
		return out
	})

	var wg sync.WaitGroup
	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := client.Send(context.Background(), &SendRequest{Content: fmt.Sprint(i)})
			if assert.NoError(t, err) {
				results[i] = resp.MessageID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 3; i++ {
		assert.Equal(t, "msg-"+fmt.Sprint(i), results[i])
	}
}

func TestStreamDeliversChunksInOrderAndCloses(t *testing.T) {
	client, worker := newTestClient(t)
	worker.handle(MethodSessionSendStream, func(req *Frame) []*Frame {
		return []*Frame{
			chunkFrame(req, StreamChunk{Type: ChunkContent, Content: "hel"}),
			chunkFrame(req, StreamChunk{Type: ChunkContent, Content: "lo"}),
			chunkFrame(req, StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{ID: "tc-1", Name: "read"}}),
			chunkFrame(req, StreamChunk{Type: ChunkDone}),
		}
	})

	chunks, err := client.SendStream(context.Background(), &SendRequest{Content: "hi"})
	require.NoError(t, err)

	var got []StreamChunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.Len(t, got, 4)
	assert.Equal(t, "hel", got[0].Content)
	assert.Equal(t, "lo", got[1].Content)
	assert.Equal(t, "tc-1", got[2].ToolCall.ID)
	assert.Equal(t, ChunkDone, got[3].Type)
}

func TestStreamEndsOnErrorChunk(t *testing.T) {
	client, worker := newTestClient(t)
	worker.handle(MethodSessionSendStream, func(req *Frame) []*Frame {
		return []*Frame{
			chunkFrame(req, StreamChunk{Type: ChunkContent, Content: "partial"}),
			chunkFrame(req, StreamChunk{Type: ChunkError, Error: "provider overloaded"}),
		}
	})

	chunks, err := client.SendStream(context.Background(), &SendRequest{Content: "hi"})
	require.NoError(t, err)

	var got []StreamChunk
	for chunk := range chunks {
		got = append(got, chunk)
	}
	require.Len(t, got, 2)
	assert.Equal(t, ChunkError, got[1].Type)
	assert.Equal(t, "provider overloaded", got[1].Error)
}

func TestSlowConsumerReceivesEveryChunk(t *testing.T) {
	// More chunks than the stream buffer: the read loop blocks instead of
	// dropping, so a slow consumer still sees the full sequence.
	client, worker := newTestClient(t, WithStreamBuffer(4))
	const total = 100
	worker.handle(MethodSessionSendStream, func(req *Frame) []*Frame {
		var out []*Frame
		for i := 0; i < total; i++ {
			out = append(out, chunkFrame(req, StreamChunk{Type: ChunkContent, Content: fmt.Sprint(i)}))
		}
		out = append(out, chunkFrame(req, StreamChunk{Type: ChunkDone}))
		return out
	})

	chunks, err := client.SendStream(context.Background(), &SendRequest{Content: "go"})
	require.NoError(t, err)

	count := 0
	for chunk := range chunks {
		if chunk.Type == ChunkContent {
			assert.Equal(t, fmt.Sprint(count), chunk.Content)
			count++
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, total, count)
}

func TestNotificationsDemuxedFromCalls(t *testing.T) {
	client, worker := newTestClient(t)
	worker.handle(MethodSessionStatus, func(req *Frame) []*Frame {
		data, _ := json.Marshal(ModelChangeData{Model: "claude-opus-4", Previous: "claude-sonnet-4"})
		return []*Frame{
			{Type: FrameNotification, Event: EventModelChange, Data: data},
			respond(req, &StatusResponse{SessionID: "sess-1", State: "active"}),
		}
	})

	resp, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "active", resp.State)

	select {
	case notification := <-client.Notifications():
		assert.Equal(t, EventModelChange, notification.Event)
		var data ModelChangeData
		require.NoError(t, json.Unmarshal(notification.Data, &data))
		assert.Equal(t, "claude-opus-4", data.Model)
		assert.Equal(t, "claude-sonnet-4", data.Previous)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestUnsolicitedNotification(t *testing.T) {
	client, worker := newTestClient(t)
	data, _ := json.Marshal(map[string]string{"state": "paused"})
	worker.push(&Frame{Type: FrameNotification, Event: EventStatusChange, Data: data})

	select {
	case notification := <-client.Notifications():
		assert.Equal(t, EventStatusChange, notification.Event)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	client, _ := newTestClient(t)

	errs := make(chan error, 1)
	go func() {
		_, err := client.Status(context.Background())
		errs <- err
	}()
	// Let the call register before tearing down.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail on close")
	}
}

func TestCallAfterCloseFails(t *testing.T) {
	client, _ := newTestClient(t)
	require.NoError(t, client.Close())

	_, err := client.Status(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestTransportFailureClosesNotifications(t *testing.T) {
	near, far := Pipe()
	client := NewClient(near)
	require.NoError(t, far.Close())

	select {
	case _, ok := <-client.Notifications():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("notification channel not closed after transport failure")
	}
	_, err := client.Status(context.Background())
	require.Error(t, err)
}

func TestTreeOperationsRoundTrip(t *testing.T) {
	client, worker := newTestClient(t)
	worker.handle(MethodTreeBranch, func(req *Frame) []*Frame {
		var params TreeBranchRequest
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, "node-5", params.FromNodeID)
		assert.Equal(t, "experiment", params.Name)
		return []*Frame{respond(req, nil)}
	})
	worker.handle(MethodTreeCompact, func(req *Frame) []*Frame {
		var params TreeCompactRequest
		require.NoError(t, json.Unmarshal(req.Params, &params))
		assert.Equal(t, 4000, params.Threshold)
		return []*Frame{respond(req, nil)}
	})

	require.NoError(t, client.TreeBranch(context.Background(), "node-5", "experiment"))
	require.NoError(t, client.TreeCompact(context.Background(), 4000))
}

func TestWireErrorMessage(t *testing.T) {
	assert.Equal(t, "RATE_LIMIT: too many requests", (&WireError{Code: "RATE_LIMIT", Message: "too many requests"}).Error())
	assert.Equal(t, "boom", (&WireError{Message: "boom"}).Error())
}

func TestWireFieldNames(t *testing.T) {
	raw, err := json.Marshal(&SendRequest{
		Content:     "hi",
		ToolResults: []ToolResult{{ToolCallID: "tc-1", Result: "ok"}},
		Checkpoint:  true,
	})
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "content")
	assert.Contains(t, decoded, "tool_results")
	assert.Contains(t, decoded, "checkpoint")

	raw, err = json.Marshal(&InitRequest{Provider: "openai", Model: "gpt-4o", Tools: []string{}, SystemPrompt: "be brief"})
	require.NoError(t, err)
	decoded = nil
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "system_prompt")
	assert.NotContains(t, decoded, "worktree_path")
}
