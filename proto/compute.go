package proto

import (
	"time"

	"github.com/google/uuid"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
)

// ComputeCommand is the sum type of commands emitted to a compute
// host. CreateInstance, DropInstance, CreateDataflows, and
// AllowCompaction are stateful; Peek and CancelPeeks are transient.
type ComputeCommand interface {
	isComputeCommand()
}

// CreateInstance initializes a freshly (re)connected compute process
// with its logging dataflows.
type CreateInstance struct {
	Logging LoggingConfig
}

func (CreateInstance) isComputeCommand() {}

// DropInstance tears down the compute host's instance-level state.
type DropInstance struct{}

func (DropInstance) isComputeCommand() {}

// CreateDataflows installs the given dataflows.
type CreateDataflows struct {
	Specs []DataflowSpec
}

func (CreateDataflows) isComputeCommand() {}

// ComputeAllowCompaction instructs the compute host that it may compact each
// named collection up to the given frontier.
type ComputeAllowCompaction struct {
	Frontiers []CollectionFrontierUpdate
}

func (ComputeAllowCompaction) isComputeCommand() {}

// Peek requests a one-shot point-in-time read. Transient: not
// recorded in the command log, and not replayed across a reconnect
// (spec.md §9, open question #2).
type Peek struct {
	CollectionId id.GlobalId
	Uuid         uuid.UUID
	Timestamp    frontier.Mztime
	Finishing    bool
	TraceCtx     string
}

func (Peek) isComputeCommand() {}

// CancelPeeks cancels any outstanding peeks with the given uuids.
// Transient.
type CancelPeeks struct {
	Uuids []uuid.UUID
}

func (CancelPeeks) isComputeCommand() {}

// ComputeResponse is the sum type of responses consumed from a
// compute host.
type ComputeResponse interface {
	isComputeResponse()
}

func (FrontierUppers) isComputeResponse() {}

// PeekResult is the outcome of a Peek: either a set of row bytes, or a
// backend-reported evaluation error (surfaced verbatim per spec.md
// §7).
type PeekResult struct {
	Rows [][]byte
	Err  string // empty iff the peek succeeded
}

// PeekResponse answers a single outstanding Peek.
type PeekResponse struct {
	Uuid     uuid.UUID
	Result   PeekResult
	TraceCtx string
}

func (PeekResponse) isComputeResponse() {}

// SubscribeBatch is one incremental batch of a Subscribe's output.
type SubscribeBatch struct {
	Updates []byte
}

// SubscribeResponse reports either a batch or the terminal dropped-at
// frontier of a subscription's virtual output collection.
type SubscribeResponse struct {
	Id        id.GlobalId
	Batch     *SubscribeBatch
	DroppedAt frontier.Frontier[frontier.Mztime] // non-nil iff this is a termination
}

func (SubscribeResponse) isComputeResponse() {}

// Heartbeat is periodically emitted by a replica for operator
// visibility; it carries no correctness meaning (spec.md §4.3/§9).
type Heartbeat struct {
	ReplicaId id.ReplicaId
	WallTime  time.Time
}

func (Heartbeat) isComputeResponse() {}

// ComputeReplicaHeartbeat is the controller-visible event the
// multiplexer surfaces upward in place of a raw Heartbeat (spec.md
// §4.3: "the multiplexer surfaces these as ComputeReplicaHeartbeat
// events"; spec.md §6). It carries no correctness meaning; the
// instance's recorded last_heartbeat is updated as a side effect of
// observing one, not by consumers of this type.
type ComputeReplicaHeartbeat struct {
	ReplicaId id.ReplicaId
	WallTime  time.Time
}

func (ComputeReplicaHeartbeat) isComputeResponse() {}
