// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pirpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultCallTimeout bounds a request/response round trip when the
	// caller's context carries no deadline.
	DefaultCallTimeout = 30 * time.Second
	// DefaultStreamBuffer is the per-stream chunk channel capacity. When
	// the consumer lags, the read loop blocks rather than buffer
	// unboundedly.
	DefaultStreamBuffer = 64
	// defaultNotificationBuffer bounds the notification channel; overflow
	// drops the oldest-pending event with a warning.
	defaultNotificationBuffer = 128
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("pirpc: client closed")

// TimeoutError reports a call that did not complete within its deadline.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pirpc: %s timed out after %s", e.Method, e.Timeout)
}

// Transport moves frames to and from a worker. Implementations must be
// safe for one concurrent sender and one concurrent receiver.
type Transport interface {
	Send(ctx context.Context, frame *Frame) error
	Recv(ctx context.Context) (*Frame, error)
	Close() error
}

// Client speaks the worker protocol over a Transport. It correlates
// responses by request id, demultiplexes notifications and stream chunks,
// and enforces per-call deadlines.
type Client struct {
	transport Transport
	logger    *slog.Logger

	callTimeout  time.Duration
	streamBuffer int

	mu       sync.Mutex
	pending  map[string]chan *Frame
	streams  map[string]chan StreamChunk
	closed   bool
	closeErr error

	notifications chan Notification

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCallTimeout sets the default round-trip deadline.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithStreamBuffer sets the per-stream chunk channel capacity.
func WithStreamBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.streamBuffer = n
		}
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient wraps a transport and starts the read loop.
func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport:     transport,
		logger:        slog.Default(),
		callTimeout:   DefaultCallTimeout,
		streamBuffer:  DefaultStreamBuffer,
		pending:       make(map[string]chan *Frame),
		streams:       make(map[string]chan StreamChunk),
		notifications: make(chan Notification, defaultNotificationBuffer),
		loopDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.loopCtx, c.loopCancel = context.WithCancel(context.Background())
	go c.readLoop()
	return c
}

// Notifications returns the server-initiated event channel. It is closed
// when the client shuts down.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Call performs one request/response round trip. A context without a
// deadline gets the client's default call timeout. result may be nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	timeout := c.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	frame, err := c.newRequest(method, params)
	if err != nil {
		return err
	}
	reply := make(chan *Frame, 1)
	if err := c.registerPending(frame.ID, reply); err != nil {
		return err
	}
	defer c.unregisterPending(frame.ID)

	if err := c.transport.Send(ctx, frame); err != nil {
		return fmt.Errorf("pirpc: send %s: %w", method, err)
	}

	select {
	case response := <-reply:
		return decodeResponse(method, response, result)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Method: method, Timeout: timeout}
		}
		return ctx.Err()
	case <-c.loopCtx.Done():
		return c.closeReason()
	}
}

// Stream performs a request whose reply arrives as a finite chunk
// sequence. The returned channel is closed after the done or error chunk,
// or when ctx is cancelled. The consumer must drain it; a lagging consumer
// blocks the read loop once the buffer fills.
func (c *Client) Stream(ctx context.Context, method string, params any) (<-chan StreamChunk, error) {
	frame, err := c.newRequest(method, params)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, c.streamBuffer)
	if err := c.registerStream(frame.ID, chunks); err != nil {
		return nil, err
	}

	if err := c.transport.Send(ctx, frame); err != nil {
		c.unregisterStream(frame.ID)
		return nil, fmt.Errorf("pirpc: send %s: %w", method, err)
	}

	out := make(chan StreamChunk, c.streamBuffer)
	go func() {
		defer close(out)
		defer c.unregisterStream(frame.ID)
		for {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					return
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				if chunk.Type == ChunkDone || chunk.Type == ChunkError {
					return
				}
			case <-ctx.Done():
				return
			case <-c.loopCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the client down. In-flight calls fail with ErrClientClosed
// and open streams terminate.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = ErrClientClosed
	c.mu.Unlock()

	c.loopCancel()
	err := c.transport.Close()
	<-c.loopDone
	return err
}

func (c *Client) newRequest(method string, params any) (*Frame, error) {
	frame := &Frame{
		Type:   FrameRequest,
		ID:     uuid.NewString(),
		Method: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("pirpc: encode %s params: %w", method, err)
		}
		frame.Params = raw
	}
	return frame, nil
}

func (c *Client) registerPending(id string, reply chan *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closeErr
	}
	c.pending[id] = reply
	return nil
}

func (c *Client) unregisterPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) registerStream(id string, chunks chan StreamChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.closeErr
	}
	c.streams[id] = chunks
	return nil
}

func (c *Client) unregisterStream(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *Client) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrClientClosed
}

// readLoop demultiplexes incoming frames until the transport fails or the
// client closes.
func (c *Client) readLoop() {
	defer close(c.loopDone)
	defer close(c.notifications)
	for {
		frame, err := c.transport.Recv(c.loopCtx)
		if err != nil {
			c.failAll(err)
			return
		}
		switch frame.Type {
		case FrameNotification:
			c.dispatchNotification(frame)
		case FrameStream:
			c.dispatchStreamChunk(frame)
		default:
			c.dispatchResponse(frame)
		}
	}
}

func (c *Client) dispatchResponse(frame *Frame) {
	c.mu.Lock()
	reply, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("pirpc: response for unknown request", "id", frame.ID)
		return
	}
	reply <- frame
}

func (c *Client) dispatchStreamChunk(frame *Frame) {
	c.mu.Lock()
	chunks, ok := c.streams[frame.RequestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("pirpc: stream chunk for unknown request", "requestId", frame.RequestID)
		return
	}

	var chunk StreamChunk
	if err := json.Unmarshal(frame.Chunk, &chunk); err != nil {
		chunk = StreamChunk{Type: ChunkError, Error: fmt.Sprintf("malformed chunk: %v", err)}
	}
	// Blocks when the consumer lags; bounded by the stream buffer.
	select {
	case chunks <- chunk:
	case <-c.loopCtx.Done():
		return
	}
	if chunk.Type == ChunkDone || chunk.Type == ChunkError {
		c.mu.Lock()
		if current, ok := c.streams[frame.RequestID]; ok && current == chunks {
			delete(c.streams, frame.RequestID)
		}
		c.mu.Unlock()
		close(chunks)
	}
}

func (c *Client) dispatchNotification(frame *Frame) {
	notification := Notification{Event: frame.Event, Data: frame.Data}
	select {
	case c.notifications <- notification:
	default:
		c.logger.Warn("pirpc: notification channel full, dropping event",
			"event", frame.Event)
	}
}

// failAll terminates all pending calls and streams after a transport
// failure.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeErr = fmt.Errorf("pirpc: transport failed: %w", err)
	}
	pending := c.pending
	streams := c.streams
	c.pending = make(map[string]chan *Frame)
	c.streams = make(map[string]chan StreamChunk)
	c.mu.Unlock()

	for id, reply := range pending {
		reply <- &Frame{
			Type:  FrameResponse,
			ID:    id,
			Error: &WireError{Code: "TRANSPORT_FAILED", Message: err.Error()},
		}
	}
	for _, chunks := range streams {
		close(chunks)
	}
	c.loopCancel()
}

// decodeResponse unwraps a response frame into result.
func decodeResponse(method string, frame *Frame, result any) error {
	if frame.Error != nil {
		return fmt.Errorf("pirpc: %s: %w", method, frame.Error)
	}
	if result == nil || len(frame.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Result, result); err != nil {
		return fmt.Errorf("pirpc: decode %s result: %w", method, err)
	}
	return nil
}
