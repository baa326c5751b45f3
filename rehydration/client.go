// Package rehydration implements the Rehydrating Client: a per-backend
// actor that records a minimal command log and replays it to a freshly
// (re)connected backend process, hiding transport failures from the
// rest of the control plane (spec.md §4.2).
//
// The state machine (Rehydrate / Pump / Done) is written once, generic
// over the command and response types of a backend, and is grounded
// directly on
// original_source/src/storage/src/client/controller/rehydration.rs's
// RehydrationTask, adapted to Go channels and goroutines the way
// broker/append_fsm.go pumps a blocking recv() into a channel consumed
// by a single select loop.
package rehydration

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/coreflow/flowctl/internal/chanutil"
	"github.com/coreflow/flowctl/metrics"
	"github.com/coreflow/flowctl/transport"
)

// CommandSet supplies the backend-specific absorb/replay rules that
// parameterize a Client: which commands are stateful (spec.md §4.2's
// IngestSources/CreateDataflows/AllowCompaction/DropInstance), how to
// fold a stateful command into the log, and what to replay on a fresh
// connection. Implementations (StorageCommands, ComputeCommands) own
// their own log state; the Client itself is stateless with respect to
// command semantics.
type CommandSet[C any] interface {
	// IsStateful reports whether cmd must be absorbed into the log.
	// Transient commands (Peek, CancelPeek, Subscribe) return false and
	// are forwarded without being recorded.
	IsStateful(cmd C) bool
	// Absorb folds a stateful command into the log. Called exactly
	// once per outbound stateful command, before it is sent.
	Absorb(cmd C)
	// Replay returns the commands that bring a freshly connected
	// backend up to the currently recorded state.
	Replay() []C
}

type clientState int

const (
	stateRehydrate clientState = iota
	statePump
	stateDone
)

// Client is a RehydratingClient generic over a backend's command type
// C and response type R.
type Client[C any, R any] struct {
	transport transport.Transport
	commands  CommandSet[C]

	cmdQueue  *chanutil.Unbounded[C]
	respQueue *chanutil.Unbounded[R]
	doneCh    chan struct{}

	maxBackoff time.Duration
	// backend labels this Client's reconnect/command metrics ("storage"
	// or "compute"); defaults to "unknown" when WithBackendLabel isn't
	// supplied.
	backend string
}

// Option configures a Client at construction time.
type Option[C any, R any] func(*Client[C, R])

// WithMaxBackoff overrides the default 32s reconnect backoff cap
// (spec.md §9 open question #1).
func WithMaxBackoff[C any, R any](d time.Duration) Option[C, R] {
	return func(c *Client[C, R]) { c.maxBackoff = d }
}

// WithBackendLabel sets the "backend" label ("storage" or "compute")
// attached to this Client's metrics.ReconnectsTotal and
// metrics.CommandsSentTotal observations.
func WithBackendLabel[C any, R any](label string) Option[C, R] {
	return func(c *Client[C, R]) { c.backend = label }
}

// NewClient constructs a Client wrapping t, and immediately starts its
// background rehydration task. The task runs until ctx is cancelled or
// the caller stops sending commands and calls Close.
func NewClient[C any, R any](ctx context.Context, t transport.Transport, commands CommandSet[C], opts ...Option[C, R]) *Client[C, R] {
	var c = &Client[C, R]{
		transport:  t,
		commands:   commands,
		cmdQueue:   chanutil.NewUnbounded[C](),
		respQueue:  chanutil.NewUnbounded[R](),
		doneCh:     make(chan struct{}),
		maxBackoff: DefaultMaxBackoff,
		backend:    "unknown",
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run(ctx)
	return c
}

// Send delivers cmd to the backend, absorbing it into the command log
// first if it is stateful. Send never blocks (the command queue is
// unbounded).
func (c *Client[C, R]) Send(cmd C) {
	c.cmdQueue.In() <- cmd
}

// Responses returns the channel of responses forwarded from the
// backend. It is closed once the Client reaches its Done state.
func (c *Client[C, R]) Responses() <-chan R {
	return c.respQueue.Out()
}

// Close signals the Client to shut down once any in-flight work
// drains. It is not idempotent: closing the command queue more than
// once panics, so callers must call Close exactly once.
func (c *Client[C, R]) Close() {
	c.cmdQueue.Close()
}

// Done returns a channel closed once the background task has fully
// exited and the underlying transport has been released.
func (c *Client[C, R]) Done() <-chan struct{} { return c.doneCh }

func (c *Client[C, R]) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.respQueue.Close()

	var bo = newBackoff(c.maxBackoff)
	var state = stateRehydrate
	for {
		switch state {
		case stateRehydrate:
			state = c.stepRehydrate(ctx, bo)
		case statePump:
			state = c.stepPump(ctx)
		case stateDone:
			_ = c.transport.Close()
			return
		}
	}
}

// stepRehydrate reconnects with clamped exponential backoff (spec.md
// §4.2), then replays the recorded log: a synthetic IngestSources (or
// compute analog) for every live spec, followed by the recorded
// sinces, exactly as CommandSet.Replay constructs them.
func (c *Client[C, R]) stepRehydrate(ctx context.Context, bo *backoff) clientState {
	for {
		if ctx.Err() != nil {
			return stateDone
		}
		if err := c.transport.Reconnect(ctx); err == nil {
			metrics.ReconnectsTotal.WithLabelValues(c.backend, "ok").Inc()
			break
		} else {
			metrics.ReconnectsTotal.WithLabelValues(c.backend, "error").Inc()
			log.WithError(err).Warn("rehydration: error connecting to backend, retrying")
			select {
			case <-time.After(bo.next()):
			case <-ctx.Done():
				return stateDone
			}
		}
	}
	bo.reset()

	for _, cmd := range c.commands.Replay() {
		if err := c.transport.Send(ctx, cmd); err != nil {
			log.WithError(err).Warn("rehydration: error replaying command, reconnecting")
			return stateRehydrate
		}
		metrics.CommandsSentTotal.WithLabelValues(c.backend).Inc()
	}
	return statePump
}

type recvResult[R any] struct {
	value R
	err   error
	// closed reports a graceful peer close (transport.Recv returned
	// nil, nil).
	closed bool
}

// stepPump forwards commands to, and responses from, the backend until
// either side signals failure: a closed command queue transitions to
// Done, and a send/recv failure transitions back to Rehydrate.
func (c *Client[C, R]) stepPump(ctx context.Context) clientState {
	var recvCh = make(chan recvResult[R])
	var stopRecv = make(chan struct{})
	go c.pumpRecv(ctx, recvCh, stopRecv)
	defer close(stopRecv)

	for {
		select {
		case cmd, ok := <-c.cmdQueue.Out():
			if !ok {
				return stateDone
			}
			if c.commands.IsStateful(cmd) {
				c.commands.Absorb(cmd)
			}
			if err := c.transport.Send(ctx, cmd); err != nil {
				log.WithError(err).Warn("rehydration: send failed, reconnecting")
				_ = c.transport.Close() // unblock the concurrent recv
				return stateRehydrate
			}
			metrics.CommandsSentTotal.WithLabelValues(c.backend).Inc()

		case rr := <-recvCh:
			if rr.err != nil {
				log.WithError(rr.err).Warn("rehydration: backend produced error, reconnecting")
				return stateRehydrate
			}
			if rr.closed {
				log.Warn("rehydration: backend gracefully closed connection, reconnecting")
				return stateRehydrate
			}
			select {
			case c.respQueue.In() <- rr.value:
			case <-ctx.Done():
				return stateDone
			}

		case <-ctx.Done():
			return stateDone
		}
	}
}

// pumpRecv repeatedly calls transport.Recv and forwards each result to
// out, stopping after the first error or graceful close (the caller
// will reconnect), or when told to stop.
func (c *Client[C, R]) pumpRecv(ctx context.Context, out chan<- recvResult[R], stop <-chan struct{}) {
	for {
		v, err := c.transport.Recv(ctx)

		var rr recvResult[R]
		switch {
		case err != nil:
			rr.err = err
		case v == nil:
			rr.closed = true
		default:
			typed, ok := v.(R)
			if !ok {
				rr.err = fmt.Errorf("rehydration: unexpected response type %T", v)
			} else {
				rr.value = typed
			}
		}

		select {
		case out <- rr:
		case <-stop:
			return
		}
		if rr.err != nil || rr.closed {
			return
		}
	}
}
