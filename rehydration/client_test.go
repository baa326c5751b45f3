package rehydration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/proto"
)

// TestRehydrationReplaysInstallThenCompaction implements spec.md §8
// scenario 2: after a replica crashes and reconnects, the first two
// messages it observes are CreateDataflows([d1_spec]) then
// AllowCompaction([(d1, [3])]).
func TestRehydrationReplaysInstallThenCompaction(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var ft = newFakeTransport()
	var log = NewComputeCommands()
	var client = NewClient[proto.ComputeCommand, proto.ComputeResponse](ctx, ft, log)
	defer client.Close()

	require.Eventually(t, func() bool { return ft.connectionCount() >= 1 }, time.Second, time.Millisecond)

	var d1 = proto.DataflowSpec{Id: id.GlobalId(1), Plan: "select 1"}
	client.Send(proto.CreateDataflows{Specs: []proto.DataflowSpec{d1}})
	client.Send(proto.ComputeAllowCompaction{
		Frontiers: []proto.CollectionFrontierUpdate{
			{Id: id.GlobalId(1), Frontier: frontier.Single[frontier.Mztime](3)},
		},
	})

	require.Eventually(t, func() bool { return len(ft.sentOnConnection(0)) >= 4 }, time.Second, time.Millisecond)

	// Kill the replica's transport: inject a recv error, forcing
	// rehydration.
	ft.recvCh <- recvMsg{err: assertErr{}}

	require.Eventually(t, func() bool { return ft.connectionCount() >= 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(ft.sentOnConnection(1)) >= 2 }, time.Second, time.Millisecond)

	var replayed = ft.sentOnConnection(1)
	var gotDataflows, ok1 = replayed[0].(proto.CreateDataflows)
	require.True(t, ok1, "expected CreateDataflows, got %T", replayed[0])
	require.Len(t, gotDataflows.Specs, 1)
	assert.Equal(t, d1.Id, gotDataflows.Specs[0].Id)

	var gotCompaction, ok2 = replayed[1].(proto.ComputeAllowCompaction)
	require.True(t, ok2, "expected ComputeAllowCompaction, got %T", replayed[1])
	require.Len(t, gotCompaction.Frontiers, 1)
	assert.True(t, gotCompaction.Frontiers[0].Frontier.Equal(frontier.Single[frontier.Mztime](3)))
}

// TestAbsorbIdempotence: installing the same spec twice leaves the
// command log unchanged after the second absorb (spec.md §8).
func TestAbsorbIdempotence(t *testing.T) {
	var log = NewComputeCommands()
	var d1 = proto.DataflowSpec{Id: id.GlobalId(5), Plan: "select 2"}

	log.Absorb(proto.CreateDataflows{Specs: []proto.DataflowSpec{d1}})
	var first = log.Replay()

	log.Absorb(proto.CreateDataflows{Specs: []proto.DataflowSpec{d1}})
	var second = log.Replay()

	assert.Equal(t, first, second)
}

// TestCompactionJoinLaw: absorbing AllowCompaction(c, f1) then
// AllowCompaction(c, f2) is observationally equivalent to absorbing
// AllowCompaction(c, join(f1, f2)) (spec.md §8).
func TestCompactionJoinLaw(t *testing.T) {
	var collID = id.GlobalId(9)
	var f1 = frontier.Single[frontier.Mztime](3)
	var f2 = frontier.Single[frontier.Mztime](7)

	var sequential = NewComputeCommands()
	sequential.Absorb(proto.ComputeAllowCompaction{Frontiers: []proto.CollectionFrontierUpdate{{Id: collID, Frontier: f1}}})
	sequential.Absorb(proto.ComputeAllowCompaction{Frontiers: []proto.CollectionFrontierUpdate{{Id: collID, Frontier: f2}}})

	var joined = NewComputeCommands()
	joined.Absorb(proto.ComputeAllowCompaction{Frontiers: []proto.CollectionFrontierUpdate{{Id: collID, Frontier: frontier.Join(f1, f2)}}})

	assert.Equal(t, sequential.Replay(), joined.Replay())
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated backend error" }
