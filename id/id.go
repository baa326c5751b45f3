// Package id defines the dense integer identifiers shared across the
// control plane: GlobalId for persistent objects, ComputeInstanceId for
// clusters, ReplicaId for replicas within a cluster, and ProcessId for
// processes within a replica.
package id

import "fmt"

// GlobalId names a persistent object: a source, view, index, or sink.
// It is stable for the lifetime of the controller.
type GlobalId uint64

func (g GlobalId) String() string { return fmt.Sprintf("u%d", uint64(g)) }

// ComputeInstanceId names a compute cluster.
type ComputeInstanceId uint64

func (c ComputeInstanceId) String() string { return fmt.Sprintf("%d", uint64(c)) }

// ReplicaId names one replica within a ComputeInstanceId.
type ReplicaId uint64

func (r ReplicaId) String() string { return fmt.Sprintf("%d", uint64(r)) }

// ProcessId names one process within a replica.
type ProcessId uint64

func (p ProcessId) String() string { return fmt.Sprintf("%d", uint64(p)) }
