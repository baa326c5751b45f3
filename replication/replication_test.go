package replication

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/proto"
)

// TestFrontierMeetAdvancesOnSlowestReplica implements spec.md §8
// scenario 1: the instance-level frontier published upward is the
// meet (most conservative) of every replica's reported frontier, and
// only advances once every replica has passed a time.
func TestFrontierMeetAdvancesOnSlowestReplica(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var r = New(ctx, "1")
	var fast = newFakeComputeTransport()
	var slow = newFakeComputeTransport()
	r.AddReplica(ctx, id.ReplicaId(1), fast)
	r.AddReplica(ctx, id.ReplicaId(2), slow)

	var collID = id.GlobalId(1)

	fast.respCh <- proto.FrontierUppers{Updates: []proto.CollectionFrontierUpdate{
		{Id: collID, Frontier: frontier.Single[frontier.Mztime](10)},
	}}
	// The fast replica alone cannot advance the published frontier
	// past the slow replica's unreported state.
	select {
	case resp := <-r.Responses():
		t.Fatalf("unexpected early response before slow replica reports: %+v", resp)
	case <-time.After(50 * time.Millisecond):
	}

	slow.respCh <- proto.FrontierUppers{Updates: []proto.CollectionFrontierUpdate{
		{Id: collID, Frontier: frontier.Single[frontier.Mztime](4)},
	}}

	var got Response
	require.Eventually(t, func() bool {
		select {
		case got = <-r.Responses():
			fu, ok := got.Inner.(proto.FrontierUppers)
			return ok && len(fu.Updates) == 1 && fu.Updates[0].Frontier.Equal(frontier.Single[frontier.Mztime](4))
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

// TestPeekDedupFirstAnswerWins implements spec.md §8 scenario 3: of
// two replicas answering the same peek, only the first response is
// forwarded upward, and the remaining replica is sent a CancelPeeks
// for that uuid.
func TestPeekDedupFirstAnswerWins(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var r = New(ctx, "1")
	var r1 = newFakeComputeTransport()
	var r2 = newFakeComputeTransport()
	r.AddReplica(ctx, id.ReplicaId(1), r1)
	r.AddReplica(ctx, id.ReplicaId(2), r2)

	var peekID = uuid.New()
	r.Send(proto.Peek{CollectionId: id.GlobalId(1), Uuid: peekID})

	require.Eventually(t, func() bool { return len(r1.sent()) > 0 && len(r2.sent()) > 0 }, time.Second, time.Millisecond)

	r1.respCh <- proto.PeekResponse{Uuid: peekID, Result: proto.PeekResult{Rows: [][]byte{[]byte("row")}}}

	var first Response
	require.Eventually(t, func() bool {
		select {
		case first = <-r.Responses():
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	var pr, ok = first.Inner.(proto.PeekResponse)
	require.True(t, ok)
	require.Equal(t, peekID, pr.Uuid)

	// r2 should have been told to cancel the now-resolved peek.
	require.Eventually(t, func() bool {
		for _, v := range r2.sent() {
			if cp, ok := v.(proto.CancelPeeks); ok && len(cp.Uuids) == 1 && cp.Uuids[0] == peekID {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	// A late answer from r2 for the same uuid is dropped, not forwarded.
	r2.respCh <- proto.PeekResponse{Uuid: peekID, Result: proto.PeekResult{Rows: [][]byte{[]byte("stale")}}}
	select {
	case resp := <-r.Responses():
		t.Fatalf("unexpected duplicate peek response forwarded: %+v", resp)
	case <-time.After(50 * time.Millisecond):
	}
}
