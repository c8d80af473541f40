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
	"errors"
	"sync"
)

// ErrTransportClosed is returned by Send/Recv on a closed transport.
var ErrTransportClosed = errors.New("pirpc: transport closed")

// ChannelTransport is an in-memory Transport backed by frame channels.
// Pipe returns a connected pair for in-process workers and tests.
type ChannelTransport struct {
	in  chan *Frame
	out chan *Frame

	closeOnce *sync.Once
	done      chan struct{}
}

// Pipe creates two connected transports. Frames sent on one side arrive on
// the other.
func Pipe() (*ChannelTransport, *ChannelTransport) {
	ab := make(chan *Frame, 16)
	ba := make(chan *Frame, 16)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &ChannelTransport{in: ba, out: ab, done: done, closeOnce: once}
	b := &ChannelTransport{in: ab, out: ba, done: done, closeOnce: once}
	return a, b
}

func (t *ChannelTransport) Send(ctx context.Context, frame *Frame) error {
	select {
	case t.out <- frame:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ChannelTransport) Recv(ctx context.Context) (*Frame, error) {
	select {
	case frame := <-t.in:
		return frame, nil
	case <-t.done:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts both directions down. Closing either side closes the pair.
func (t *ChannelTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}
