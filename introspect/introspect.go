// Package introspect implements the introspection helpers of spec §4.13:
// so_has_subscription/query_current_state equivalents, a cooperation-tree
// walker, and a snapshot of dispatcher statistics pulled from package
// stats — read-only views built entirely on top of the agent/coop/disp
// public surface, never touching their internals.
package introspect

import (
	"github.com/coopkit/coopkit/agent"
	"github.com/coopkit/coopkit/coop"
	"github.com/coopkit/coopkit/mbox"
	"github.com/coopkit/coopkit/message"
	"github.com/coopkit/coopkit/stats"
)

// HasSubscription reports whether a has a handler for msgType on mb in any
// of its states (so_5's so_has_subscription).
func HasSubscription(a *agent.Agent, mb mbox.Mailbox, msgType message.Type) bool {
	return a.HasSubscription(mb, msgType)
}

// CurrentState reports the name of a's active leaf state.
func CurrentState(a *agent.Agent) string {
	return a.State().Current().Name()
}

// ActivePath reports the full chain of state names from a's active leaf up
// to its root, leaf first.
func ActivePath(a *agent.Agent) []string {
	var out []string
	for s := a.State().Current(); s != nil; s = s.Parent() {
		out = append(out, s.Name())
	}
	return out
}

// CoopNode is one snapshotted node of a cooperation tree.
type CoopNode struct {
	Name       string
	Registered bool
	AgentCount int
	Children   []CoopNode
}

// CoopTree walks c and its descendants into a read-only snapshot, useful
// for a dashboard or a debug endpoint.
func CoopTree(c *coop.Coop) CoopNode {
	node := CoopNode{Name: c.Name(), Registered: c.IsRegistered(), AgentCount: len(c.Agents())}
	for _, child := range c.Children() {
		node.Children = append(node.Children, CoopTree(child))
	}
	return node
}

// DispatcherStats is a point-in-time snapshot of a dispatcher's registered
// stats.Registry sources (queue depths, in-flight counts, etc).
type DispatcherStats struct {
	Name    string
	Samples map[string]int64
}

// SnapshotDispatcher reads every source registered under reg for a
// dispatcher named name.
func SnapshotDispatcher(name string, reg *stats.Registry) DispatcherStats {
	return DispatcherStats{Name: name, Samples: reg.Sample()}
}
