package controller

import (
	"context"
	"sync"

	"github.com/coreflow/flowctl/orchestrator"
)

// fakeGateway is an orchestrator.Gateway test double that records every
// EnsureService/DropService call instead of talking to Kubernetes.
type fakeGateway struct {
	mu      sync.Mutex
	ensured []string
	dropped []string
}

func newFakeGateway() *fakeGateway { return &fakeGateway{} }

func (g *fakeGateway) EnsureService(_ context.Context, name string, _ orchestrator.ServiceSpec) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensured = append(g.ensured, name)
	return name + ":6877", nil
}

func (g *fakeGateway) DropService(_ context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dropped = append(g.dropped, name)
	return nil
}

func (g *fakeGateway) WatchServices(ctx context.Context) (<-chan orchestrator.ServiceEvent, error) {
	var out = make(chan orchestrator.ServiceEvent)
	go func() {
		defer close(out)
		<-ctx.Done()
	}()
	return out, nil
}

func (g *fakeGateway) Namespace(string) orchestrator.Gateway { return g }

func (g *fakeGateway) droppedNames() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out = make([]string, len(g.dropped))
	copy(out, g.dropped)
	return out
}

// fakeTransport is a transport.Transport test double that always
// (re)connects successfully and never produces a response, blocking
// Recv until the context driving it is cancelled.
type fakeTransport struct{}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (f *fakeTransport) Reconnect(ctx context.Context) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, v interface{}) error { return nil }

func (f *fakeTransport) Recv(ctx context.Context) (interface{}, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeTransport) Close() error { return nil }
