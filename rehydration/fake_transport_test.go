package rehydration

import (
	"context"
	"sync"
)

// fakeTransport is an in-memory transport.Transport used by the
// package's tests to observe exactly what a RehydratingClient sends
// across successive connections, and to inject recv errors/closures
// to force rehydration.
type fakeTransport struct {
	mu sync.Mutex

	connects      int
	nextReconnect error // consumed (and cleared) by the next Reconnect call

	connsSent [][]interface{}
	recvCh    chan recvMsg
}

type recvMsg struct {
	v   interface{}
	err error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recvCh: make(chan recvMsg)}
}

func (f *fakeTransport) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if f.nextReconnect != nil {
		var err = f.nextReconnect
		f.nextReconnect = nil
		return err
	}
	f.connsSent = append(f.connsSent, nil)
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var last = len(f.connsSent) - 1
	f.connsSent[last] = append(f.connsSent[last], v)
	return nil
}

func (f *fakeTransport) Recv(ctx context.Context) (interface{}, error) {
	select {
	case m := <-f.recvCh:
		return m.v, m.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Close() error { return nil }

// sentOnConnection returns the commands sent on the given 0-indexed
// connection attempt (one entry per successful Reconnect).
func (f *fakeTransport) sentOnConnection(n int) []interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n >= len(f.connsSent) {
		return nil
	}
	var out = make([]interface{}, len(f.connsSent[n]))
	copy(out, f.connsSent[n])
	return out
}

func (f *fakeTransport) connectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connsSent)
}
