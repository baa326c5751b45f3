// Package transport implements the Reconnecting Transport: a
// connection to one backend process that can be asked to reconnect,
// and that sends/receives commands and responses with explicit failure
// signalling. The transport itself is oblivious to command/response
// semantics; it only frames and delivers opaque values.
package transport

import (
	"context"
)

// Transport is the capability a RehydratingClient drives. recv()
// returning (nil, nil) signals a graceful close by the peer, which
// higher layers treat identically to an error: both trigger
// rehydration (spec.md §4.1).
type Transport interface {
	// Reconnect (re)establishes the underlying connection. It may be
	// called repeatedly; callers are expected to retry with backoff.
	Reconnect(ctx context.Context) error
	// Send delivers one command to the backend.
	Send(ctx context.Context, v interface{}) error
	// Recv blocks for the next response from the backend. A nil value
	// with a nil error indicates a graceful peer close.
	Recv(ctx context.Context) (interface{}, error)
	// Close releases any resources held by the transport.
	Close() error
}
