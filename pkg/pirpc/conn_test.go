package pirpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{"tcp://worker:9000", "tcp", "worker:9000", false},
		{"http://worker:9000", "tcp", "worker:9000", false},
		{"https://worker:9443", "tcp", "worker:9443", false},
		{"worker:9000", "tcp", "worker:9000", false},
		{"unix:///run/pi.sock", "unix", "/run/pi.sock", false},
		{"http://worker", "", "", true},
		{"ftp://worker:9000", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		network, address, err := parseEndpoint(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.wantNetwork, network, tt.in)
		assert.Equal(t, tt.wantAddress, address, tt.in)
	}
}

func TestConnTransportRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	a := NewConnTransport(left)
	b := NewConnTransport(right)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	go func() {
		_ = a.Send(ctx, &Frame{Type: FrameRequest, ID: "r1", Method: MethodSessionStatus})
	}()

	frame, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, FrameRequest, frame.Type)
	assert.Equal(t, "r1", frame.ID)
	assert.Equal(t, MethodSessionStatus, frame.Method)
}

func TestConnTransportCloseUnblocksRecv(t *testing.T) {
	left, right := net.Pipe()
	transport := NewConnTransport(left)
	defer right.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := transport.Recv(context.Background())
		errCh <- err
	}()

	require.NoError(t, transport.Close())
	assert.Error(t, <-errCh)
}

func TestConnTransportClientIntegration(t *testing.T) {
	left, right := net.Pipe()
	workerSide := NewConnTransport(right)
	client := NewClient(NewConnTransport(left))
	defer client.Close()
	defer workerSide.Close()

	// Minimal worker loop answering one status call.
	go func() {
		frame, err := workerSide.Recv(context.Background())
		if err != nil {
			return
		}
		_ = workerSide.Send(context.Background(), &Frame{
			Type:   FrameResponse,
			ID:     frame.ID,
			Result: []byte(`{"session_id":"s1","state":"active"}`),
		})
	}()

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s1", status.SessionID)
	assert.Equal(t, "active", status.State)
}
