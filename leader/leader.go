// Package leader implements a single-key etcd leader election guarding
// entry into serving the Controller Multiplexer, an ambient HA concern
// layered on top of spec.md's control plane (SPEC_FULL.md §4.7).
//
// The campaign/watch/resign shape mirrors consumer/resolver.go's
// watch method: block until a condition holds, tear down local state
// the moment that condition is revoked.
package leader

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// DefaultKey is the etcd key campaigned for by every flowctld process
// in a given deployment; exactly one holder at a time is the leader.
const DefaultKey = "/flowctl/leader"

// ErrNotLeader is returned by operations that require leadership once
// it has been lost.
var ErrNotLeader = errors.New("not leader")

// Elector campaigns for a single leader key and exposes a channel that
// closes the moment leadership is lost, so the caller can tear down
// whatever it was doing while leading.
type Elector struct {
	client  *clientv3.Client
	session *concurrency.Session
	elec    *concurrency.Election
	key     string

	lost chan struct{}
}

// New constructs an Elector over key using client. The etcd session
// backing it uses client's default lease TTL; callers that need a
// shorter failover window should configure the session via
// concurrency.WithTTL on a custom session and use NewWithSession.
func New(client *clientv3.Client, key string) (*Elector, error) {
	session, err := concurrency.NewSession(client)
	if err != nil {
		return nil, errors.Wrap(err, "new etcd session")
	}
	return NewWithSession(client, session, key), nil
}

// NewWithSession constructs an Elector over an already-established
// concurrency.Session, letting the caller control lease TTL.
func NewWithSession(client *clientv3.Client, session *concurrency.Session, key string) *Elector {
	return &Elector{
		client:  client,
		session: session,
		elec:    concurrency.NewElection(session, key),
		key:     key,
		lost:    make(chan struct{}),
	}
}

// Campaign blocks until this Elector becomes the leader for its key,
// or ctx is cancelled. Once it returns nil, Lost() will close when the
// etcd session ends (e.g. lease expiry) or ctx is cancelled. Resign
// alone does not close Lost().
func (e *Elector) Campaign(ctx context.Context, value string) error {
	if err := e.elec.Campaign(ctx, value); err != nil {
		return errors.Wrap(err, "campaign")
	}
	go e.watch(ctx)
	return nil
}

// Lost returns a channel closed once this Elector's leadership has
// ended, for the caller to select against alongside its own work the
// way consumer/resolver.go's watch tears down local replicas on an
// Etcd partition.
func (e *Elector) Lost() <-chan struct{} { return e.lost }

// Resign voluntarily gives up leadership of the key. The session stays
// open, so it neither closes Lost() nor cancels anything by itself.
func (e *Elector) Resign(ctx context.Context) error {
	return errors.Wrap(e.elec.Resign(ctx), "resign")
}

// Close releases the underlying etcd session's lease, immediately
// making this key available to other campaigners.
func (e *Elector) Close() error {
	return errors.Wrap(e.session.Close(), "close session")
}

func (e *Elector) watch(ctx context.Context) {
	defer close(e.lost)

	select {
	case <-e.session.Done():
		log.WithField("key", e.key).Warn("leader: etcd session ended, leadership lost")
	case <-ctx.Done():
	}
}
