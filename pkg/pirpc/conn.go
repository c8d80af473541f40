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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// connReadBuffer bounds a single frame's wire size (16 MiB).
const connReadBuffer = 16 << 20

// ConnTransport frames messages as newline-delimited JSON over a stream
// connection. Safe for one concurrent sender and one concurrent receiver,
// matching the Transport contract.
type ConnTransport struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
}

// NewConnTransport wraps an established connection.
func NewConnTransport(conn net.Conn) *ConnTransport {
	return &ConnTransport{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 64<<10),
	}
}

// Dial connects to a worker endpoint. Accepted forms: "tcp://host:port",
// "unix:///path/to.sock", "http(s)://host:port" (treated as a tcp address),
// and a bare "host:port".
func Dial(ctx context.Context, endpoint string) (*ConnTransport, error) {
	network, address, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("pirpc: dial %s: %w", endpoint, err)
	}
	return NewConnTransport(conn), nil
}

func parseEndpoint(endpoint string) (network, address string, err error) {
	if endpoint == "" {
		return "", "", fmt.Errorf("pirpc: empty endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		return "tcp", endpoint, nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", "", fmt.Errorf("pirpc: invalid endpoint %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "tcp", "http", "https":
		host := u.Host
		if u.Port() == "" {
			return "", "", fmt.Errorf("pirpc: endpoint %q needs an explicit port", endpoint)
		}
		return "tcp", host, nil
	case "unix":
		return "unix", u.Path, nil
	default:
		return "", "", fmt.Errorf("pirpc: unsupported endpoint scheme %q", u.Scheme)
	}
}

// Send writes one frame as a JSON line.
func (t *ConnTransport) Send(ctx context.Context, frame *Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("pirpc: encode frame: %w", err)
	}
	payload = append(payload, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(payload); err != nil {
		return fmt.Errorf("pirpc: write frame: %w", err)
	}
	return nil
}

// Recv blocks until the next frame arrives or the connection closes. The
// context is checked on entry; in-flight reads are interrupted by Close,
// not by cancellation.
func (t *ConnTransport) Recv(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := t.readLine()
	if err != nil {
		return nil, err
	}
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return nil, fmt.Errorf("pirpc: decode frame: %w", err)
	}
	return &frame, nil
}

func (t *ConnTransport) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, isPrefix, err := readSlice(t.reader)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
		if len(buf) > connReadBuffer {
			return nil, fmt.Errorf("pirpc: frame exceeds %d bytes", connReadBuffer)
		}
		if !isPrefix {
			return buf, nil
		}
	}
}

func readSlice(r *bufio.Reader) ([]byte, bool, error) {
	line, err := r.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return line, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return line, false, nil
}

// Close shuts the connection down, unblocking any pending Recv.
func (t *ConnTransport) Close() error {
	return t.conn.Close()
}
