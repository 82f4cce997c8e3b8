package shared_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cloudide/wsrpc/shared"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type frame struct {
	endpointID string
	data       []byte
}

func (f frame) fields(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(f.data, &fields), "frame: %s", f.data)
	return fields
}

// recordingTransport captures every outbound frame. Broadcast frames carry an
// empty endpoint.
type recordingTransport struct {
	mu      sync.Mutex
	closed  map[string]bool
	sendErr error
	frames  chan frame
}

var _ shared.EndpointTransport = (*recordingTransport)(nil)

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		closed: make(map[string]bool),
		frames: make(chan frame, 256),
	}
}

func (r *recordingTransport) Send(endpointID string, data []byte) error {
	r.mu.Lock()
	err := r.sendErr
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.frames <- frame{endpointID: endpointID, data: append([]byte(nil), data...)}
	return nil
}

func (r *recordingTransport) Broadcast(data []byte) error {
	return r.Send("", data)
}

func (r *recordingTransport) IsClosed(endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed[endpointID]
}

func (r *recordingTransport) setClosed(endpointID string, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[endpointID] = closed
}

func (r *recordingTransport) failSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

func (r *recordingTransport) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return frame{}
	}
}

func (r *recordingTransport) expectNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-r.frames:
		t.Fatalf("unexpected outbound frame to %q: %s", f.endpointID, f.data)
	case <-time.After(wait):
	}
}

// loopbackTransport delivers frames straight into a peer manager as if they
// came from the endpoint named from.
type loopbackTransport struct {
	from string
	peer *shared.Manager
}

func (l *loopbackTransport) Send(_ string, data []byte) error {
	data = append([]byte(nil), data...)
	go l.peer.Dispatch(context.Background(), l.from, data)
	return nil
}

func (l *loopbackTransport) Broadcast(data []byte) error {
	return l.Send("", data)
}

func (l *loopbackTransport) IsClosed(string) bool { return false }

func newTestManager(t *testing.T, transport shared.EndpointTransport, options ...shared.ManagerOption) *shared.Manager {
	t.Helper()
	m, err := shared.NewManager(zap.NewNop(), transport, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
	})
	return m
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
