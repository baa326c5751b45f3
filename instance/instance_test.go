package instance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/proto"
	"github.com/coreflow/flowctl/replication"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	var ctx, cancel = context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var repl = replication.New(ctx, "1")
	return New(id.ComputeInstanceId(1), proto.LoggingConfig{}, repl)
}

// TestAllowCompactionBackwardRejected implements spec.md §8 scenario
// 4: after since=[5], allow_compaction(c, [3]) is a typed validation
// failure and since remains [5].
func TestAllowCompactionBackwardRejected(t *testing.T) {
	var s = newTestState(t)
	var collID = id.GlobalId(1)

	require.NoError(t, s.CreateDataflows([]proto.DataflowSpec{{Id: collID}}))
	require.NoError(t, s.AllowCompaction([]proto.CollectionFrontierUpdate{
		{Id: collID, Frontier: frontier.Single[frontier.Mztime](5)},
	}))

	var err = s.AllowCompaction([]proto.CollectionFrontierUpdate{
		{Id: collID, Frontier: frontier.Single[frontier.Mztime](3)},
	})
	assert.ErrorIs(t, err, ErrCompactionBackward)

	assert.True(t, s.frontiers[collID].since.Equal(frontier.Single[frontier.Mztime](5)))
}

func TestCreateDataflowsRejectsUnknownInput(t *testing.T) {
	var s = newTestState(t)
	var err = s.CreateDataflows([]proto.DataflowSpec{{Id: id.GlobalId(2), Inputs: []id.GlobalId{id.GlobalId(99)}}})
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestCreateDataflowsRejectsSinceExceedsAsOf(t *testing.T) {
	var s = newTestState(t)
	var src = id.GlobalId(1)
	require.NoError(t, s.CreateDataflows([]proto.DataflowSpec{{Id: src}}))
	require.NoError(t, s.AllowCompaction([]proto.CollectionFrontierUpdate{
		{Id: src, Frontier: frontier.Single[frontier.Mztime](10)},
	}))

	var err = s.CreateDataflows([]proto.DataflowSpec{{
		Id:     id.GlobalId(2),
		Inputs: []id.GlobalId{src},
		AsOf:   frontier.Single[frontier.Mztime](3),
	}})
	assert.ErrorIs(t, err, ErrSinceExceedsAsOf)
}

func TestPeekOutsideFrontierRejected(t *testing.T) {
	var s = newTestState(t)
	var collID = id.GlobalId(1)
	require.NoError(t, s.CreateDataflows([]proto.DataflowSpec{{Id: collID}}))

	s.UpdateWriteFrontiers([]proto.CollectionFrontierUpdate{
		{Id: collID, Frontier: frontier.Single[frontier.Mztime](5)},
	})

	var _, err = s.Peek(collID, frontier.Mztime(5))
	assert.ErrorIs(t, err, ErrPeekOutsideFrontier)

	_, err = s.Peek(collID, frontier.Mztime(3))
	assert.NoError(t, err)
}
