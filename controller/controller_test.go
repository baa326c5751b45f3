package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/orchestrator"
	"github.com/coreflow/flowctl/proto"
	"github.com/coreflow/flowctl/rehydration"
)

func newTestMux(t *testing.T) (*Mux, *fakeGateway) {
	t.Helper()
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)

	var gw = newFakeGateway()
	var storage = rehydration.NewClient[proto.StorageCommand, proto.StorageResponse](
		ctx, newFakeTransport(), rehydration.NewStorageCommands())
	return New(storage, gw), gw
}

// TestDropNonEmptyInstanceRejected implements spec.md §8 scenario 5:
// drop_instance on an instance with live replicas is a ProgrammerError,
// and the orchestrator never observes a drop_service call for it until
// every replica has actually been removed.
func TestDropNonEmptyInstanceRejected(t *testing.T) {
	var mux, gw = newTestMux(t)
	var ctx = context.Background()
	var instanceID = id.ComputeInstanceId(1)
	var replicaID = id.ReplicaId(1)

	require.NoError(t, mux.CreateInstance(ctx, instanceID, proto.LoggingConfig{}))
	require.NoError(t, mux.AddReplica(ctx, instanceID, replicaID, newFakeTransport()))

	func() {
		defer func() {
			var r = recover()
			require.NotNil(t, r, "drop_instance with a live replica must panic")
			var pe, ok = r.(ProgrammerError)
			require.True(t, ok, "panic value must be a ProgrammerError, got %T", r)
			assert.Contains(t, pe.Reason, "1 live replicas")
		}()
		_ = mux.DropInstance(instanceID)
	}()

	// The panic must have happened before any orchestrator call: the
	// instance-level service is never dropped while replicas remain.
	assert.Empty(t, gw.droppedNames())

	require.NoError(t, mux.DropReplica(ctx, instanceID, replicaID, false))
	require.NoError(t, mux.DropInstance(instanceID))

	// Only once the instance was truly empty did the orchestrator
	// observe the instance-level drop_service call.
	assert.Equal(t, []string{orchestrator.ServiceName(instanceID, 0)}, gw.droppedNames())

	_, err := mux.Instance(instanceID)
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

// TestReadyIsCancelSafe implements spec.md §8 scenario 6: cancelling
// the context passed to Ready before a response has arrived is
// equivalent to never having called Ready at all, and once a response
// has been stashed, a second Ready call (even with an already-cancelled
// context) returns immediately without consuming another value.
func TestReadyIsCancelSafe(t *testing.T) {
	var mux, _ = newTestMux(t)

	var cancelledCtx, cancel = context.WithCancel(context.Background())
	cancel()
	require.Error(t, mux.Ready(cancelledCtx))
	require.Nil(t, mux.stash, "a cancelled Ready must not stash anything")

	go func() {
		mux.merged <- ControllerResponse{Storage: proto.LinearizedTimestamps{BindingFeedback: 7}}
	}()

	require.Eventually(t, func() bool {
		return mux.Ready(context.Background()) == nil
	}, time.Second, time.Millisecond)
	require.NotNil(t, mux.stash)

	// A second Ready call, even with an already-cancelled context, must
	// return nil immediately: the stash is already populated, so Ready
	// never touches m.merged again.
	var alreadyCancelled, cancel2 = context.WithCancel(context.Background())
	cancel2()
	assert.NoError(t, mux.Ready(alreadyCancelled))

	resp, err := mux.Process()
	require.NoError(t, err)
	require.NotNil(t, resp)
	var lt, ok = resp.Storage.(proto.LinearizedTimestamps)
	require.True(t, ok)
	assert.Equal(t, uint64(7), lt.BindingFeedback)
}
