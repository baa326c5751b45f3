// Package proto defines the commands and responses exchanged with
// Storage and Compute backend processes, and the specs (IngestionSpec,
// DataflowSpec) that make up the minimal command log a RehydratingClient
// replays after a reconnect.
package proto

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/pkg/errors"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
)

// IngestionSpec describes the responsibilities of one storage
// ingestion: where its data comes from and under what GlobalId its
// output collection is known.
type IngestionSpec struct {
	Id              id.GlobalId
	ConnectorDesc   string
	StorageMetadata map[string]string
}

// DataflowSpec describes one compute dataflow: the collections it
// reads, the collection it installs, and the as-of time it may be
// safely started from.
type DataflowSpec struct {
	Id     id.GlobalId
	Inputs []id.GlobalId
	AsOf   frontier.Frontier[frontier.Mztime]
	// Plan is an opaque, coordinator-produced physical plan. The
	// controller never interprets it; it only ever stores, forwards,
	// and replays it.
	Plan string
}

// CollectionFrontierUpdate reports a new since (compaction) or a
// change to a collection's write frontier.
type CollectionFrontierUpdate struct {
	Id       id.GlobalId
	Frontier frontier.Frontier[frontier.Mztime]
}

// LoggingConfig configures introspection dataflows installed
// alongside a freshly created compute instance.
type LoggingConfig struct {
	GranularityNanos uint64
	LogLogging       bool
}

// ReplicaSizeProfile is a resolved replica resource/sizing profile
// (spec.md §6).
type ReplicaSizeProfile struct {
	CPULimit    string // empty means unset
	MemoryLimit string // empty means unset
	Scale       int
	Workers     int
}

var sizeSW = regexp.MustCompile(`^(\d+)-(\d+)$`)

// allowedSW is the small set of scale-workers combinations named in
// spec.md §6.
var allowedSW = map[[2]int]bool{
	{2, 1}: true,
	{2, 2}: true,
	{2, 4}: true,
}

// ParseReplicaSize resolves a named size profile ("1", "2", ... "32",
// or "2-1", "2-2", "2-4") to a ReplicaSizeProfile, per spec.md §6.
func ParseReplicaSize(name string) (ReplicaSizeProfile, error) {
	if m := sizeSW.FindStringSubmatch(name); m != nil {
		scale, _ := strconv.Atoi(m[1])
		workers, _ := strconv.Atoi(m[2])
		if !allowedSW[[2]int{scale, workers}] {
			return ReplicaSizeProfile{}, errors.Errorf("unsupported replica size %q", name)
		}
		return ReplicaSizeProfile{Scale: scale, Workers: workers}, nil
	}

	n, err := strconv.Atoi(name)
	if err != nil || n < 1 || n > 32 || n&(n-1) != 0 {
		return ReplicaSizeProfile{}, errors.Errorf("unsupported replica size %q", name)
	}
	return ReplicaSizeProfile{Scale: 1, Workers: n}, nil
}

// FormatServiceName implements the deterministic codec of spec.md
// §4.5: "cluster-<instance>-replica-<replica>".
func FormatServiceName(instance id.ComputeInstanceId, replica id.ReplicaId) string {
	return fmt.Sprintf("cluster-%d-replica-%d", uint64(instance), uint64(replica))
}

var serviceNamePattern = regexp.MustCompile(`^cluster-(\d+)-replica-(\d+)$`)

// ErrMalformedServiceName is returned by ParseServiceName when the
// input doesn't match the exact expected shape.
var ErrMalformedServiceName = errors.New("malformed service name")

// ParseServiceName is the inverse of FormatServiceName. It matches the
// exact shape `^cluster-(\d+)-replica-(\d+)$` (ASCII digits only, no
// Unicode digit classes), per spec.md §4.5.
func ParseServiceName(name string) (id.ComputeInstanceId, id.ReplicaId, error) {
	var m = serviceNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, errors.Wrapf(ErrMalformedServiceName, "%q", name)
	}
	instance, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrMalformedServiceName, "%q", name)
	}
	replica, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return 0, 0, errors.Wrapf(ErrMalformedServiceName, "%q", name)
	}
	return id.ComputeInstanceId(instance), id.ReplicaId(replica), nil
}
