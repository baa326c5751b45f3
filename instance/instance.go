// Package instance implements Compute Instance State: the per-cluster
// bookkeeping of live replicas, installed dataflows, outstanding peeks,
// and per-collection frontiers that sits between the Controller
// Multiplexer and Active Replication (spec.md §4.4).
package instance

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/proto"
	"github.com/coreflow/flowctl/replication"
)

// Validation errors, matching spec.md §4.4's enumerated invariants.
// Each is a distinct sentinel so callers can branch on cause, wrapped
// with contextual detail via github.com/pkg/errors at the call site.
var (
	ErrUnknownCollection      = errors.New("unknown collection")
	ErrSinceExceedsAsOf       = errors.New("collection since exceeds requested as_of")
	ErrPeekOutsideFrontier    = errors.New("peek timestamp outside [since, upper)")
	ErrCompactionBackward     = errors.New("allow_compaction would move since backward")
	ErrInstanceHasReplicas    = errors.New("cannot drop instance with live replicas")
	ErrCollectionAlreadyKnown = errors.New("collection already installed")
)

// collectionFrontiers is the since/upper pair tracked per collection
// (spec.md §4.4: "collection_frontiers: Map<GlobalId, {since, upper}>").
type collectionFrontiers struct {
	since frontier.Frontier[frontier.Mztime]
	upper frontier.Frontier[frontier.Mztime]
}

// outstandingPeek mirrors spec.md §4.4's "Outstanding peek" record.
// The pending-replica bookkeeping itself lives in replication.Replication;
// State tracks just enough to answer remove_peeks/cancel_peek and to
// validate against collection_frontiers at submission time.
type outstandingPeek struct {
	collection id.GlobalId
	timestamp  frontier.Mztime
}

// State is one Compute Instance State: the set of replicas, installed
// dataflows, outstanding peeks, and collection frontiers of a single
// compute cluster, plus the Active Replication fan-out that actually
// talks to its replicas.
type State struct {
	mu sync.Mutex

	instanceID id.ComputeInstanceId
	logging    proto.LoggingConfig

	repl       *replication.Replication
	replicas   map[id.ReplicaId]struct{}
	dataflows  map[id.GlobalId]proto.DataflowSpec
	frontiers  map[id.GlobalId]*collectionFrontiers
	peeks      map[uuid.UUID]outstandingPeek
	heartbeats map[id.ReplicaId]time.Time
}

// New constructs a Compute Instance State backed by repl, which must
// already be wired up (see replication.New); State never constructs
// its own Replication so the controller can own the context lifetime.
func New(instanceID id.ComputeInstanceId, logging proto.LoggingConfig, repl *replication.Replication) *State {
	return &State{
		instanceID: instanceID,
		logging:    logging,
		repl:       repl,
		replicas:   make(map[id.ReplicaId]struct{}),
		dataflows:  make(map[id.GlobalId]proto.DataflowSpec),
		frontiers:  make(map[id.GlobalId]*collectionFrontiers),
		peeks:      make(map[uuid.UUID]outstandingPeek),
		heartbeats: make(map[id.ReplicaId]time.Time),
	}
}

// AddReplica records replicaID as live. The caller (controller.Mux)
// is responsible for having already called replication.AddReplica
// with the wired transport; State only tracks membership for the
// drop-instance invariant.
func (s *State) AddReplica(replicaID id.ReplicaId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[replicaID] = struct{}{}
}

// RemoveReplica drops replicaID from the live set.
func (s *State) RemoveReplica(replicaID id.ReplicaId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.replicas, replicaID)
	delete(s.heartbeats, replicaID)
}

// ReplicaCount reports how many replicas are currently attached, used
// by the controller to enforce "cannot drop instance with live
// replicas" (spec.md §4.4).
func (s *State) ReplicaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replicas)
}

// CreateDataflows validates and installs specs, per spec.md §4.4:
// every input must be a known collection whose recorded since does
// not exceed the dataflow's as_of.
func (s *State) CreateDataflows(specs []proto.DataflowSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, spec := range specs {
		for _, input := range spec.Inputs {
			var cf, ok = s.frontiers[input]
			if !ok {
				return errors.Wrapf(ErrUnknownCollection, "dataflow %s references input %s", spec.Id, input)
			}
			if frontierExceeds(cf.since, spec.AsOf) {
				return errors.Wrapf(ErrSinceExceedsAsOf, "dataflow %s input %s since %v exceeds as_of %v", spec.Id, input, cf.since, spec.AsOf)
			}
		}
	}

	for _, spec := range specs {
		if _, exists := s.dataflows[spec.Id]; exists {
			return errors.Wrapf(ErrCollectionAlreadyKnown, "dataflow %s", spec.Id)
		}
		s.dataflows[spec.Id] = spec
		s.frontiers[spec.Id] = &collectionFrontiers{
			since: frontier.Single[frontier.Mztime](0),
			upper: frontier.Single[frontier.Mztime](0),
		}
	}

	s.repl.Send(proto.CreateDataflows{Specs: specs})
	return nil
}

// DropCollections removes the named collections from local state and
// broadcasts the implicit compaction-to-empty that retires them.
func (s *State) DropCollections(ids []id.GlobalId) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updates = make([]proto.CollectionFrontierUpdate, 0, len(ids))
	for _, collID := range ids {
		delete(s.dataflows, collID)
		delete(s.frontiers, collID)
		updates = append(updates, proto.CollectionFrontierUpdate{Id: collID, Frontier: frontier.Frontier[frontier.Mztime]{}})
	}
	s.repl.Send(proto.ComputeAllowCompaction{Frontiers: updates})
}

// AllowCompaction validates each requested since is monotone
// (spec.md §4.4: "cannot allow compaction backward"), updates the
// recorded since, and broadcasts the command. On the first failure no
// state has been changed for any of the batch's entries processed so
// far; callers should treat the whole batch as rejected.
func (s *State) AllowCompaction(updates []proto.CollectionFrontierUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range updates {
		var cf, ok = s.frontiers[u.Id]
		if !ok {
			return errors.Wrapf(ErrUnknownCollection, "allow_compaction %s", u.Id)
		}
		if frontierExceeds(cf.since, u.Frontier) {
			return errors.Wrapf(ErrCompactionBackward, "collection %s since %v -> %v", u.Id, cf.since, u.Frontier)
		}
	}

	for _, u := range updates {
		var cf = s.frontiers[u.Id]
		cf.since = frontier.Join(cf.since, u.Frontier)
	}

	s.repl.Send(proto.ComputeAllowCompaction{Frontiers: updates})
	return nil
}

// Peek validates a peek request against the collection's recorded
// [since, upper) and, if valid, submits it to every replica, returning
// the generated uuid.
func (s *State) Peek(collID id.GlobalId, ts frontier.Mztime) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cf, ok = s.frontiers[collID]
	if !ok {
		return uuid.UUID{}, errors.Wrapf(ErrUnknownCollection, "peek %s", collID)
	}
	if !cf.since.LessEqual(ts) || cf.upper.LessEqual(ts) {
		return uuid.UUID{}, errors.Wrapf(ErrPeekOutsideFrontier, "peek %s@%v outside [%v, %v)", collID, ts, cf.since, cf.upper)
	}

	var peekID = uuid.New()
	s.peeks[peekID] = outstandingPeek{collection: collID, timestamp: ts}
	s.repl.Send(proto.Peek{CollectionId: collID, Uuid: peekID, Timestamp: ts})
	return peekID, nil
}

// CancelPeek broadcasts a cancellation for an outstanding peek.
func (s *State) CancelPeek(peekID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peeks, peekID)
	s.repl.Send(proto.CancelPeeks{Uuids: []uuid.UUID{peekID}})
}

// UpdateWriteFrontiers folds reported replica write-frontier advances
// into the recorded per-collection upper. This is driven by
// replication.Response{Inner: proto.FrontierUppers{...}}, which has
// already been meet-reduced across replicas (spec.md §4.3) before it
// reaches instance state.
func (s *State) UpdateWriteFrontiers(updates []proto.CollectionFrontierUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if cf, ok := s.frontiers[u.Id]; ok {
			cf.upper = u.Frontier
		}
	}
}

// RecordHeartbeat records wallTime as replicaID's last observed
// heartbeat (spec.md §3's Replica.last_heartbeat). Heartbeats carry no
// correctness meaning; this is purely for operator visibility
// (spec.md §4.3/§9).
func (s *State) RecordHeartbeat(replicaID id.ReplicaId, wallTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[replicaID] = wallTime
}

// LastHeartbeat returns the last heartbeat time recorded for
// replicaID, and whether one has ever been observed.
func (s *State) LastHeartbeat(replicaID id.ReplicaId) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t, ok = s.heartbeats[replicaID]
	return t, ok
}

// RemovePeeks drops resolved peek entries, bounding the outstanding
// peek table's memory (spec.md §4.3: "removed once all replicas have
// either answered or been cancelled").
func (s *State) RemovePeeks(uuids []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range uuids {
		delete(s.peeks, id)
	}
}

// frontierAtLeast reports whether a has advanced at or beyond b: every
// element of b is dominated by some element of a. An empty (closed)
// frontier is beyond everything.
func frontierAtLeast(a, b frontier.Frontier[frontier.Mztime]) bool {
	if a.IsEmpty() {
		return true
	}
	if b.IsEmpty() {
		return false
	}
	for _, y := range b {
		var dominated bool
		for _, x := range a {
			if y.Less(x) || y.Equal(x) {
				dominated = true
				break
			}
		}
		if !dominated {
			return false
		}
	}
	return true
}

// frontierExceeds reports whether a has strictly advanced beyond b
// (a is at least b, but b has not caught up to a). Used to detect a
// proposed since/as_of relationship going the wrong way.
func frontierExceeds(a, b frontier.Frontier[frontier.Mztime]) bool {
	return frontierAtLeast(a, b) && !frontierAtLeast(b, a)
}
