package rehydration

import (
	"sort"
	"sync"

	"github.com/coreflow/flowctl/frontier"
	"github.com/coreflow/flowctl/id"
	"github.com/coreflow/flowctl/proto"
)

// ComputeCommands is the CommandSet for the compute backend.
//
// spec.md §4.2 lists IngestSources/CreateDataflows/AllowCompaction/
// DropInstance as stateful and is silent on CreateInstance. Since a
// freshly restarted compute process has no memory of its logging
// configuration, CreateInstance is treated as stateful here too (a
// deliberate resolution) so rehydration can reinstall logging
// dataflows exactly as it reinstalls user dataflows.
//
// Subscribe, Peek, and CancelPeek remain transient and are never
// absorbed (spec.md §9 open question #2: the source does not resume
// subscriptions across a reconnect).
type ComputeCommands struct {
	mu sync.Mutex

	logging   *proto.LoggingConfig
	dataflows map[id.GlobalId]proto.DataflowSpec
	sinces    map[id.GlobalId]frontier.Frontier[frontier.Mztime]
	dropped   bool
}

var _ CommandSet[proto.ComputeCommand] = (*ComputeCommands)(nil)

// NewComputeCommands returns an empty ComputeCommands log.
func NewComputeCommands() *ComputeCommands {
	return &ComputeCommands{
		dataflows: make(map[id.GlobalId]proto.DataflowSpec),
		sinces:    make(map[id.GlobalId]frontier.Frontier[frontier.Mztime]),
	}
}

// IsStateful implements CommandSet.
func (c *ComputeCommands) IsStateful(cmd proto.ComputeCommand) bool {
	switch cmd.(type) {
	case proto.CreateInstance, proto.CreateDataflows, proto.ComputeAllowCompaction, proto.DropInstance:
		return true
	default:
		return false
	}
}

// Absorb implements CommandSet.
func (c *ComputeCommands) Absorb(cmd proto.ComputeCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch v := cmd.(type) {
	case proto.CreateInstance:
		var logging = v.Logging
		c.logging = &logging
		c.dropped = false
	case proto.CreateDataflows:
		for _, spec := range v.Specs {
			c.dataflows[spec.Id] = spec
		}
	case proto.ComputeAllowCompaction:
		for _, u := range v.Frontiers {
			if u.Frontier.IsEmpty() {
				delete(c.dataflows, u.Id)
				delete(c.sinces, u.Id)
				continue
			}
			c.sinces[u.Id] = frontier.Join(c.sinces[u.Id], u.Frontier)
		}
	case proto.DropInstance:
		c.dropped = true
		c.dataflows = make(map[id.GlobalId]proto.DataflowSpec)
		c.sinces = make(map[id.GlobalId]frontier.Frontier[frontier.Mztime])
	}
}

// Replay implements CommandSet. If the instance has been dropped, the
// only thing a freshly connected backend needs to hear is DropInstance
// again; otherwise it is brought up to date with its logging
// configuration, every live dataflow, and every recorded since.
func (c *ComputeCommands) Replay() []proto.ComputeCommand {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dropped {
		return []proto.ComputeCommand{proto.DropInstance{}}
	}

	var cmds []proto.ComputeCommand
	if c.logging != nil {
		cmds = append(cmds, proto.CreateInstance{Logging: *c.logging})
	}

	var specs = make([]proto.DataflowSpec, 0, len(c.dataflows))
	for _, spec := range c.dataflows {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Id < specs[j].Id })
	cmds = append(cmds, proto.CreateDataflows{Specs: specs})

	var sinces = make([]proto.CollectionFrontierUpdate, 0, len(c.sinces))
	for collID, f := range c.sinces {
		sinces = append(sinces, proto.CollectionFrontierUpdate{Id: collID, Frontier: f})
	}
	sort.Slice(sinces, func(i, j int) bool { return sinces[i].Id < sinces[j].Id })
	cmds = append(cmds, proto.ComputeAllowCompaction{Frontiers: sinces})

	return cmds
}
