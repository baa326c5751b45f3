package rehydration

import (
	"sort"
	"sync"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/proto"
)

// StorageCommands is the CommandSet for the storage backend: it
// absorbs IngestSources and AllowCompaction, the only two stateful
// storage commands (spec.md §4.2).
type StorageCommands struct {
	mu         sync.Mutex
	ingestions map[id.GlobalId]proto.IngestionSpec
	sinces     map[id.GlobalId]frontier.Frontier[frontier.Mztime]
}

var _ CommandSet[proto.StorageCommand] = (*StorageCommands)(nil)

// NewStorageCommands returns an empty StorageCommands log.
func NewStorageCommands() *StorageCommands {
	return &StorageCommands{
		ingestions: make(map[id.GlobalId]proto.IngestionSpec),
		sinces:     make(map[id.GlobalId]frontier.Frontier[frontier.Mztime]),
	}
}

// IsStateful implements CommandSet.
func (s *StorageCommands) IsStateful(cmd proto.StorageCommand) bool {
	switch cmd.(type) {
	case proto.IngestSources, proto.AllowCompaction:
		return true
	default:
		return false
	}
}

// Absorb implements CommandSet, per spec.md §4.2:
//   - IngestSources: insert each spec by GlobalId.
//   - AllowCompaction: an empty frontier drops the spec (collection
//     closed); otherwise the recorded since advances to the join of
//     the current since and the new frontier.
func (s *StorageCommands) Absorb(cmd proto.StorageCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch c := cmd.(type) {
	case proto.IngestSources:
		for _, spec := range c.Specs {
			s.ingestions[spec.Id] = spec
		}
	case proto.AllowCompaction:
		for _, u := range c.Frontiers {
			if u.Frontier.IsEmpty() {
				delete(s.ingestions, u.Id)
				delete(s.sinces, u.Id)
				continue
			}
			s.sinces[u.Id] = frontier.Join(s.sinces[u.Id], u.Frontier)
		}
	}
}

// Replay implements CommandSet: a single IngestSources transcribing
// every live ingestion, followed by an AllowCompaction transcribing
// every recorded since.
func (s *StorageCommands) Replay() []proto.StorageCommand {
	s.mu.Lock()
	defer s.mu.Unlock()

	var specs = make([]proto.IngestionSpec, 0, len(s.ingestions))
	for _, spec := range s.ingestions {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Id < specs[j].Id })

	var sinces = make([]proto.CollectionFrontierUpdate, 0, len(s.sinces))
	for collID, f := range s.sinces {
		sinces = append(sinces, proto.CollectionFrontierUpdate{Id: collID, Frontier: f})
	}
	sort.Slice(sinces, func(i, j int) bool { return sinces[i].Id < sinces[j].Id })

	return []proto.StorageCommand{
		proto.IngestSources{Specs: specs},
		proto.AllowCompaction{Frontiers: sinces},
	}
}
