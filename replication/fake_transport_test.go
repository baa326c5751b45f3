package replication

import (
	"context"
	"sync"

	"github.com/coreflow/flowctl/proto"
)

// fakeComputeTransport is an in-memory transport.Transport standing in
// for a single compute replica's connection, used by this package's
// tests to inject responses and observe exactly which commands were
// sent to that replica.
type fakeComputeTransport struct {
	mu       sync.Mutex
	sentCmds []interface{}

	respCh chan proto.ComputeResponse
}

func newFakeComputeTransport() *fakeComputeTransport {
	return &fakeComputeTransport{respCh: make(chan proto.ComputeResponse, 8)}
}

func (f *fakeComputeTransport) Reconnect(ctx context.Context) error { return nil }

func (f *fakeComputeTransport) Send(ctx context.Context, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentCmds = append(f.sentCmds, v)
	return nil
}

func (f *fakeComputeTransport) Recv(ctx context.Context) (interface{}, error) {
	select {
	case r := <-f.respCh:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeComputeTransport) Close() error { return nil }

func (f *fakeComputeTransport) sent() []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out = make([]interface{}, len(f.sentCmds))
	copy(out, f.sentCmds)
	return out
}
