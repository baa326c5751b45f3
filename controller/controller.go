// Package controller implements the Controller Multiplexer: the
// top-level facade that owns the Storage client, the map of Compute
// Instance States, and a select-loop producing a unified response
// stream to the coordinator (spec.md §4.5).
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/instance"
	"github.com/coreflow/flowctl/internal/taskgroup"
	"github.com/coreflow/flowctl/metrics"
	"github.com/coreflow/flowctl/orchestrator"
	"github.com/coreflow/flowctl/proto"
	"github.com/coreflow/flowctl/rehydration"
	"github.com/coreflow/flowctl/replication"
	"github.com/coreflow/flowctl/transport"
)

// ProgrammerError is panicked by operations that detect a caller
// contract violation the type system cannot prevent (spec.md §7:
// "abort the controller"). It is recovered only at the top of
// cmd/flowctld/main.go, never inside this package or instance, so a
// violation cannot be silently swallowed partway through a mutation.
type ProgrammerError struct{ Reason string }

func (e ProgrammerError) Error() string { return "programmer error: " + e.Reason }

var (
	// ErrInstanceExists is returned by CreateInstance when the id is
	// already known, per spec.md §4.5's "idempotent failure".
	ErrInstanceExists   = errors.New("compute instance already exists")
	ErrInstanceNotFound = errors.New("compute instance not found")
	ErrReplicaNotFound  = errors.New("replica not found")
)

// ControllerResponse is the externally visible event produced by
// Process, spec.md §4.5. Exactly one of Storage or Replica is set: a
// response with Storage != nil came from the single Storage
// Rehydrating Client and has no owning compute instance; otherwise it
// came from InstanceId's Active Replication fan-out.
type ControllerResponse struct {
	InstanceId id.ComputeInstanceId
	Replica    replication.Response

	Storage proto.StorageResponse
}

type computeInstance struct {
	state *instance.State
	repl  *replication.Replication
	ctx   context.Context
	stop  context.CancelFunc
}

// Mux is the Controller Multiplexer.
type Mux struct {
	mu sync.Mutex

	storage *rehydration.Client[proto.StorageCommand, proto.StorageResponse]
	orch    orchestrator.Gateway

	instances map[id.ComputeInstanceId]*computeInstance

	merged chan ControllerResponse
	stash  *ControllerResponse
	// stashedAt is when stash was populated, used to observe
	// metrics.ControllerResponseLatency once Process consumes it.
	stashedAt time.Time
}

// New constructs a Mux backed by storage (the single Storage
// Rehydrating Client) and orch (the orchestrator gateway used to
// provision managed replica services).
func New(storage *rehydration.Client[proto.StorageCommand, proto.StorageResponse], orch orchestrator.Gateway) *Mux {
	var m = &Mux{
		storage:   storage,
		orch:      orch,
		instances: make(map[id.ComputeInstanceId]*computeInstance),
		merged:    make(chan ControllerResponse),
	}
	go m.pumpStorage()
	return m
}

// Storage returns the handle to the single Storage Rehydrating
// Client (spec.md §4.5).
func (m *Mux) Storage() *rehydration.Client[proto.StorageCommand, proto.StorageResponse] {
	return m.storage
}

// CreateInstance creates a fresh Compute Instance State. Re-creating
// an existing id is an idempotent failure, not a panic: the
// coordinator may legitimately race a retry against its own prior
// call (spec.md §4.5).
func (m *Mux) CreateInstance(ctx context.Context, instanceID id.ComputeInstanceId, logging proto.LoggingConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.instances[instanceID]; exists {
		return errors.Wrapf(ErrInstanceExists, "instance %s", instanceID)
	}

	var instCtx, cancel = context.WithCancel(ctx)
	var repl = replication.New(instCtx, instanceID.String())
	m.instances[instanceID] = &computeInstance{
		state: instance.New(instanceID, logging, repl),
		repl:  repl,
		ctx:   instCtx,
		stop:  cancel,
	}
	go m.pumpInstance(instanceID, repl)
	return nil
}

// DropInstance removes a Compute Instance State. It is a
// ProgrammerError (spec.md §4.4: "cannot drop instance with live
// replicas") to call this while replicas remain attached.
func (m *Mux) DropInstance(instanceID id.ComputeInstanceId) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ci, ok = m.instances[instanceID]
	if !ok {
		return errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}
	if n := ci.state.ReplicaCount(); n > 0 {
		panic(ProgrammerError{Reason: fmt.Sprintf("drop_instance called with %d live replicas", n)})
	}

	delete(m.instances, instanceID)
	ci.stop()
	return m.orch.DropService(context.Background(), orchestrator.ServiceName(instanceID, 0))
}

// AddReplica wires up a Rehydrating Client for replicaID over a
// transport the caller constructed (e.g. to an externally hosted
// process). It does not contact the orchestrator; EnsureManagedReplica
// covers orchestrator-managed replicas.
func (m *Mux) AddReplica(ctx context.Context, instanceID id.ComputeInstanceId, replicaID id.ReplicaId, t transport.Transport) error {
	m.mu.Lock()
	var ci, ok = m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}

	ci.repl.AddReplica(ctx, replicaID, t)
	ci.state.AddReplica(replicaID)
	return nil
}

// EnsureManagedReplica asks the orchestrator to stand up a managed
// service for replicaID, sized by profile, then dials it and wires up
// a Rehydrating Client the same way AddReplica does for an externally
// hosted one.
func (m *Mux) EnsureManagedReplica(ctx context.Context, instanceID id.ComputeInstanceId, replicaID id.ReplicaId, profile proto.ReplicaSizeProfile, az string, dial func(addr string) (transport.Transport, error)) error {
	var name = orchestrator.ServiceName(instanceID, replicaID)
	var addr, err = m.orch.EnsureService(ctx, name, orchestrator.ServiceSpec{Profile: profile, AvailabilityZone: az})
	if err != nil {
		return errors.Wrapf(err, "ensure service %s", name)
	}
	t, err := dial(addr)
	if err != nil {
		return errors.Wrapf(err, "dial %s at %s", name, addr)
	}
	return m.AddReplica(ctx, instanceID, replicaID, t)
}

// DropReplica removes replicaID from instanceID, and drops its
// backing service if it was orchestrator-managed.
func (m *Mux) DropReplica(ctx context.Context, instanceID id.ComputeInstanceId, replicaID id.ReplicaId, managed bool) error {
	m.mu.Lock()
	var ci, ok = m.instances[instanceID]
	m.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}

	ci.repl.RemoveReplica(replicaID)
	ci.state.RemoveReplica(replicaID)

	if managed {
		return m.orch.DropService(ctx, orchestrator.ServiceName(instanceID, replicaID))
	}
	return nil
}

// Instance returns the Compute Instance State for instanceID, for
// callers (e.g. a SQL-facing RPC layer) that need to issue
// create_dataflows/peek/allow_compaction directly.
func (m *Mux) Instance(instanceID id.ComputeInstanceId) (*instance.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ci, ok = m.instances[instanceID]
	if !ok {
		return nil, errors.Wrapf(ErrInstanceNotFound, "instance %s", instanceID)
	}
	return ci.state, nil
}

// pumpInstance forwards one compute instance's merged replication
// responses into the Mux-wide merged channel, tagged with their
// instance id.
func (m *Mux) pumpInstance(instanceID id.ComputeInstanceId, repl *replication.Replication) {
	for resp := range repl.Responses() {
		m.merged <- ControllerResponse{InstanceId: instanceID, Replica: resp}
	}
}

// pumpStorage forwards the single Storage Rehydrating Client's
// response stream into the Mux-wide merged channel, the storage-side
// counterpart to pumpInstance: without it LinearizedTimestamps and
// storage FrontierUppers could never reach Ready/Process (spec.md §2,
// §4.5, §6).
func (m *Mux) pumpStorage() {
	for resp := range m.storage.Responses() {
		m.merged <- ControllerResponse{Storage: resp}
	}
}

// Ready awaits the next response from any backend. It is cancel-safe:
// dropping ctx mid-select and recalling Ready is equivalent to never
// having called it, because the stash is only populated once a value
// has actually been received off m.merged — select's unchosen cases
// never consume (spec.md §4.5).
//
// Contract: Ready and Process must never be called concurrently by
// the same caller; that contract violation is documented, not
// defended against with an extra lock, matching spec.md §7's
// treatment of such misuse as a programmer error.
func (m *Mux) Ready(ctx context.Context) error {
	m.mu.Lock()
	var alreadyStashed = m.stash != nil
	m.mu.Unlock()
	if alreadyStashed {
		return nil
	}

	select {
	case resp := <-m.merged:
		m.mu.Lock()
		m.stash = &resp
		m.stashedAt = time.Now()
		m.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process consumes the stashed response, folds it into the owning
// instance's state (frontiers, peek table), and returns the
// externally visible event, or nil if the event was purely internal
// bookkeeping (spec.md §4.5). Not cancel-safe: must not be awaited in
// a racing select, and must only be called after Ready has returned
// nil.
func (m *Mux) Process() (*ControllerResponse, error) {
	m.mu.Lock()
	var resp = m.stash
	var stashedAt = m.stashedAt
	m.stash = nil
	if resp == nil {
		m.mu.Unlock()
		panic(ProgrammerError{Reason: "process called with nothing stashed; Ready must return nil first"})
	}
	metrics.ControllerResponseLatency.Observe(time.Since(stashedAt).Seconds())
	if resp.Storage != nil {
		m.mu.Unlock()
		// Storage responses have no owning compute instance to fold
		// state into; pass them upward as-is (spec.md §6:
		// FrontierUppers, LinearizedTimestamps).
		return resp, nil
	}

	var ci, ok = m.instances[resp.InstanceId]
	m.mu.Unlock()

	if !ok {
		log.WithField("instance", resp.InstanceId).Warn("controller: response for instance removed mid-flight, dropping")
		return nil, nil
	}

	switch v := resp.Replica.Inner.(type) {
	case proto.FrontierUppers:
		ci.state.UpdateWriteFrontiers(v.Updates)
		return resp, nil
	case proto.PeekResponse:
		return resp, nil
	case proto.SubscribeResponse:
		return resp, nil
	case proto.Heartbeat:
		ci.state.RecordHeartbeat(v.ReplicaId, v.WallTime)
		resp.Replica.Inner = proto.ComputeReplicaHeartbeat{ReplicaId: v.ReplicaId, WallTime: v.WallTime}
		return resp, nil
	default:
		return resp, nil
	}
}

// Serve queues the Mux's background tasks (the merged-response pump
// for every instance already runs as its own goroutine started by
// CreateInstance; Serve here owns the orchestrator watch loop) onto
// tasks, the way consumer/service.go's QueueTasks assembles a
// service's long-lived goroutines.
func (m *Mux) Serve(ctx context.Context, tasks *taskgroup.Group) {
	tasks.Queue("orchestrator-watch", func() error {
		return m.watchServices(tasks.Context())
	})
}

// InstanceEvent reports an orchestrator-observed service coming or
// going, demultiplexed by service name (spec.md §4.5).
type InstanceEvent struct {
	InstanceId id.ComputeInstanceId
	ReplicaId  id.ReplicaId
	Address    string
	Removed    bool
}

func (m *Mux) watchServices(ctx context.Context) error {
	var events, err = m.orch.WatchServices(ctx)
	if err != nil {
		return errors.Wrap(err, "watch_services")
	}
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			instanceID, replicaID, err := proto.ParseServiceName(evt.Name)
			if err != nil {
				log.WithField("name", evt.Name).WithError(err).Warn("controller: ignoring malformed service name")
				continue
			}
			log.WithFields(log.Fields{
				"instance": instanceID,
				"replica":  replicaID,
				"removed":  evt.Removed,
			}).Debug("controller: orchestrator event")
		case <-ctx.Done():
			return nil
		}
	}
}
