// Package replication implements Active Replication: fanning one
// logical stream of compute commands out to every replica of a
// compute instance, and folding the per-replica responses back into a
// single upward stream (spec.md §4.3).
//
// The "fan results into one channel" shape mirrors broker/append_fsm.go's
// run method, which pumps a background goroutine's reads into a
// buffered channel consumed by a single select loop; here one such
// goroutine runs per replica, all feeding a single merge loop.
package replication

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/internal/chanutil"
	"github.com/coreflow/flowctl/metrics"
	"github.com/coreflow/flowctl/proto"
	"github.com/coreflow/flowctl/rehydration"
	"github.com/coreflow/flowctl/transport"
)

// Response is a ComputeResponse attributed to the replica that
// produced it, after instance-level merging (frontier meet, peek
// dedup) has already been applied where applicable.
type Response struct {
	ReplicaId id.ReplicaId
	Inner     proto.ComputeResponse
}

type rawResponse struct {
	replicaId id.ReplicaId
	resp      proto.ComputeResponse
}

type replicaHandle struct {
	client *rehydration.Client[proto.ComputeCommand, proto.ComputeResponse]
	cancel context.CancelFunc
}

// Replication owns one rehydration.Client per replica of a single
// compute instance, a shared command log so every replica (including
// ones added after the fact) rehydrates to the same state, and the
// bookkeeping needed to merge per-replica write frontiers and
// deduplicate peek answers.
type Replication struct {
	mu       sync.Mutex
	commands *rehydration.ComputeCommands
	replicas map[id.ReplicaId]*replicaHandle

	// frontiers[collection][replica] is that replica's last reported
	// write frontier for collection; the instance-level frontier
	// published upward is frontier.Meet across all replicas (spec.md
	// §4.3: "a time is durable only when every replica has passed it").
	frontiers map[id.GlobalId]map[id.ReplicaId]frontier.Frontier[frontier.Mztime]
	published map[id.GlobalId]frontier.Frontier[frontier.Mztime]

	// peeksInFlight[uuid] is the set of replicas still expected to
	// answer a given outstanding peek. The first answer wins: it is
	// forwarded upward and every other replica is told to cancel.
	peeksInFlight map[uuid.UUID]map[id.ReplicaId]bool

	// subscribePrimary[id] is the replica whose SubscribeBatch payloads
	// are forwarded for a given virtual output collection; every other
	// replica's batches for the same id are redundant and dropped
	// (spec.md §4.3 point 3: "the batch payload from the first replica
	// to produce it is passed upward").
	subscribePrimary map[id.GlobalId]id.ReplicaId
	// subscribeDropped/subscribePublished track each replica's reported
	// terminal DroppedAt frontier per virtual output collection, merged
	// by frontier.Meet exactly like write frontiers: a subscription is
	// only reported dropped once every attached replica agrees.
	subscribeDropped   map[id.GlobalId]map[id.ReplicaId]frontier.Frontier[frontier.Mztime]
	subscribePublished map[id.GlobalId]frontier.Frontier[frontier.Mztime]

	rawCh chan rawResponse
	out   *chanutil.Unbounded[Response]
	done  chan struct{}

	// instanceLabel tags this Replication's metrics.FrontierAdvancesTotal
	// observations with the owning compute instance.
	instanceLabel string
}

// New constructs an empty Replication for one compute instance
// (identified by instanceLabel, used only to label metrics) and starts
// its merge loop. The returned Replication has no replicas until
// AddReplica is called.
func New(ctx context.Context, instanceLabel string) *Replication {
	var r = &Replication{
		commands:           rehydration.NewComputeCommands(),
		replicas:           make(map[id.ReplicaId]*replicaHandle),
		frontiers:          make(map[id.GlobalId]map[id.ReplicaId]frontier.Frontier[frontier.Mztime]),
		published:          make(map[id.GlobalId]frontier.Frontier[frontier.Mztime]),
		peeksInFlight:      make(map[uuid.UUID]map[id.ReplicaId]bool),
		subscribePrimary:   make(map[id.GlobalId]id.ReplicaId),
		subscribeDropped:   make(map[id.GlobalId]map[id.ReplicaId]frontier.Frontier[frontier.Mztime]),
		subscribePublished: make(map[id.GlobalId]frontier.Frontier[frontier.Mztime]),
		rawCh:              make(chan rawResponse),
		out:                chanutil.NewUnbounded[Response](),
		done:               make(chan struct{}),
		instanceLabel:      instanceLabel,
	}
	go r.mergeLoop(ctx)
	return r
}

// AddReplica brings up a RehydratingClient over t for the named
// replica, immediately replaying the instance's current command log
// to it, and begins forwarding its responses into the merged stream.
func (r *Replication) AddReplica(ctx context.Context, replicaID id.ReplicaId, t transport.Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var childCtx, cancel = context.WithCancel(ctx)
	var client = rehydration.NewClient[proto.ComputeCommand, proto.ComputeResponse](childCtx, t, r.commands,
		rehydration.WithBackendLabel[proto.ComputeCommand, proto.ComputeResponse]("compute"))
	r.replicas[replicaID] = &replicaHandle{client: client, cancel: cancel}
	metrics.ReplicasAttached.Inc()

	go func() {
		for resp := range client.Responses() {
			r.rawCh <- rawResponse{replicaId: replicaID, resp: resp}
		}
	}()
}

// RemoveReplica tears down the named replica's client and drops any
// per-replica frontier state it was contributing to the instance-level
// meet. Per spec.md §4.3, removing a replica can only advance the
// published frontier.
func (r *Replication) RemoveReplica(replicaID id.ReplicaId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var h, ok = r.replicas[replicaID]
	if !ok {
		return
	}
	delete(r.replicas, replicaID)
	h.client.Close()
	h.cancel()
	metrics.ReplicasAttached.Dec()

	for collID, byReplica := range r.frontiers {
		delete(byReplica, replicaID)
		r.recomputeLocked(collID)
	}
	for collID, byReplica := range r.subscribeDropped {
		delete(byReplica, replicaID)
		r.recomputeSubscribeLocked(collID)
	}
	for collID, primary := range r.subscribePrimary {
		if primary == replicaID {
			delete(r.subscribePrimary, collID)
		}
	}
}

// Send broadcasts a stateful or transient compute command to every
// current replica. Stateful commands are absorbed into the shared
// command log here, before fan-out, so replicas added later observe
// them via Replay even if no replica was attached when they were sent;
// each replica's client absorbs them again, which leaves the log
// unchanged because Absorb is idempotent.
func (r *Replication) Send(cmd proto.ComputeCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.commands.IsStateful(cmd) {
		r.commands.Absorb(cmd)
	}

	if peek, ok := cmd.(proto.Peek); ok {
		var pending = make(map[id.ReplicaId]bool, len(r.replicas))
		for replicaID := range r.replicas {
			pending[replicaID] = true
		}
		r.peeksInFlight[peek.Uuid] = pending
		metrics.PeeksInFlight.Inc()
	}

	for _, h := range r.replicas {
		h.client.Send(cmd)
	}
}

// Responses returns the merged, deduplicated upward response stream.
func (r *Replication) Responses() <-chan Response { return r.out.Out() }

func (r *Replication) mergeLoop(ctx context.Context) {
	defer close(r.done)
	defer r.out.Close()

	for {
		select {
		case raw := <-r.rawCh:
			r.handle(raw)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Replication) handle(raw rawResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch v := raw.resp.(type) {
	case proto.FrontierUppers:
		for _, u := range v.Updates {
			if r.frontiers[u.Id] == nil {
				r.frontiers[u.Id] = make(map[id.ReplicaId]frontier.Frontier[frontier.Mztime])
			}
			r.frontiers[u.Id][raw.replicaId] = u.Frontier
			r.recomputeLocked(u.Id)
		}

	case proto.PeekResponse:
		var pending = r.peeksInFlight[v.Uuid]
		if pending == nil {
			return // duplicate answer for an already-resolved peek
		}
		delete(r.peeksInFlight, v.Uuid)
		metrics.PeeksInFlight.Dec()

		for replicaID := range pending {
			if replicaID == raw.replicaId {
				continue
			}
			if h, ok := r.replicas[replicaID]; ok {
				h.client.Send(proto.CancelPeeks{Uuids: []uuid.UUID{v.Uuid}})
			}
		}
		r.emit(raw.replicaId, v)

	case proto.SubscribeResponse:
		r.handleSubscribeLocked(raw.replicaId, v)

	default:
		r.emit(raw.replicaId, raw.resp)
	}
}

// handleSubscribeLocked folds one replica's SubscribeResponse into the
// per-subscription state: a terminal DroppedAt is merged like a write
// frontier (emitted only once every attached replica has reported it),
// while a non-terminal batch is forwarded only from the first replica
// to produce output for that subscription, per spec.md §4.3 point 3.
// Caller holds r.mu.
func (r *Replication) handleSubscribeLocked(replicaID id.ReplicaId, v proto.SubscribeResponse) {
	if v.DroppedAt != nil {
		if r.subscribeDropped[v.Id] == nil {
			r.subscribeDropped[v.Id] = make(map[id.ReplicaId]frontier.Frontier[frontier.Mztime])
		}
		r.subscribeDropped[v.Id][replicaID] = v.DroppedAt
		r.recomputeSubscribeLocked(v.Id)
		return
	}

	var primary, ok = r.subscribePrimary[v.Id]
	if !ok {
		r.subscribePrimary[v.Id] = replicaID
		primary = replicaID
	}
	if primary != replicaID {
		return // redundant batch from a non-primary replica
	}
	r.emitLocked(replicaID, v)
}

// recomputeSubscribeLocked is recomputeLocked's counterpart for a
// virtual output collection's DroppedAt frontier: it is only published
// once every currently attached replica has reported a DroppedAt for
// collID, merged via frontier.Meet. Caller holds r.mu.
func (r *Replication) recomputeSubscribeLocked(collID id.GlobalId) {
	if len(r.replicas) == 0 {
		return
	}

	var met frontier.Frontier[frontier.Mztime]
	var first = true
	for replicaID := range r.replicas {
		f, ok := r.subscribeDropped[collID][replicaID]
		if !ok {
			return // not every attached replica has reported a drop yet
		}
		if first {
			met = f
			first = false
			continue
		}
		met = frontier.Meet(met, f)
	}

	if met == nil {
		met = frontier.Frontier[frontier.Mztime]{} // preserve non-nil-means-terminal even when fully closed
	}
	if prev, ok := r.subscribePublished[collID]; ok && prev.Equal(met) {
		return
	}
	r.subscribePublished[collID] = met.Clone()
	r.emitLocked(0, proto.SubscribeResponse{Id: collID, DroppedAt: met})
	delete(r.subscribePrimary, collID) // subscription closed; free its dedup state
}

// recomputeLocked folds every currently attached replica's reported
// frontier for collID via frontier.Meet and emits a FrontierUppers
// only if the result actually advanced, per spec.md §4.3 ("a time is
// durable only when every replica has passed it" / "avoid flooding
// the controller response stream"). A replica that has not yet
// reported anything for collID holds the meet back entirely: the
// instance-level frontier can never run ahead of its slowest replica.
// Caller holds r.mu.
func (r *Replication) recomputeLocked(collID id.GlobalId) {
	if len(r.replicas) == 0 {
		return
	}

	var met frontier.Frontier[frontier.Mztime]
	var first = true
	for replicaID := range r.replicas {
		f, ok := r.frontiers[collID][replicaID]
		if !ok {
			return // not every attached replica has reported yet
		}
		if first {
			met = f
			first = false
			continue
		}
		met = frontier.Meet(met, f)
	}

	if prev, ok := r.published[collID]; ok && prev.Equal(met) {
		return
	}
	r.published[collID] = met.Clone()
	metrics.FrontierAdvancesTotal.WithLabelValues(r.instanceLabel).Inc()

	r.emitLocked(0, proto.FrontierUppers{
		Updates: []proto.CollectionFrontierUpdate{{Id: collID, Frontier: met}},
	})
}

// emit and emitLocked push a merged response onto the unbounded output
// queue. They never block on a slow consumer: chanutil.Unbounded's
// internal pump goroutine is always ready to receive.
func (r *Replication) emit(replicaID id.ReplicaId, resp proto.ComputeResponse) {
	r.out.In() <- Response{ReplicaId: replicaID, Inner: resp}
}

func (r *Replication) emitLocked(replicaID id.ReplicaId, resp proto.ComputeResponse) {
	r.out.In() <- Response{ReplicaId: replicaID, Inner: resp}
}
