package plan

import (
	"fmt"
	"math"
)

// =============================================================================
// Expansion Map
// =============================================================================

// Expansion is the resolved instance count of a single node.
type Expansion struct {
	NodeID    string
	Instances int
}

// ExpansionMap maps node ids to resolved instance counts. Entries keep the
// order in which they were resolved: hosts first, then dependents, each in
// input order.
type ExpansionMap struct {
	entries []Expansion
	index   map[string]int
}

func newExpansionMap(size int) *ExpansionMap {
	return &ExpansionMap{
		entries: make([]Expansion, 0, size),
		index:   make(map[string]int, size),
	}
}

func (m *ExpansionMap) set(id string, count int) {
	if i, ok := m.index[id]; ok {
		m.entries[i].Instances = count
		return
	}
	m.index[id] = len(m.entries)
	m.entries = append(m.entries, Expansion{NodeID: id, Instances: count})
}

// Count returns the resolved instance count for a node id.
func (m *ExpansionMap) Count(id string) (int, bool) {
	i, ok := m.index[id]
	if !ok {
		return 0, false
	}
	return m.entries[i].Instances, true
}

// Entries returns the resolved counts in resolution order.
func (m *ExpansionMap) Entries() []Expansion {
	out := make([]Expansion, len(m.entries))
	copy(out, m.entries)
	return out
}

// Total returns the number of node records the expansion will produce.
// ok is false when the sum does not fit in an int.
func (m *ExpansionMap) Total() (total int, ok bool) {
	for _, e := range m.entries {
		if e.Instances > math.MaxInt-total {
			return math.MaxInt, false
		}
		total += e.Instances
	}
	return total, true
}

// BuildExpansionMap inspects the nodes and determines, for every node, how
// many instances the expanded plan needs.
//
// Hosts are resolved first from instances.deploy. Each dependent is then
// resolved by looking its host_id up in nodes and copying the host's count.
// Only one level of indirection is supported: a dependent whose host_id names
// another dependent is an unresolved host reference.
//
// Example:
//
//	m, _ := BuildExpansionMap([]Node{
//	    {ID: "app.host", HostID: "app.host", Instances: &Instances{Deploy: 2}},
//	    {ID: "app", HostID: "app.host"},
//	})
//	m.Count("app") // 2, true
func BuildExpansionMap(nodes []Node) (*ExpansionMap, error) {
	if err := validateNodes(nodes); err != nil {
		return nil, err
	}

	m := newExpansionMap(len(nodes))

	for _, n := range nodes {
		if n.IsHost() {
			m.set(n.ID, n.Instances.Deploy)
		}
	}

	for i, n := range nodes {
		if n.IsHost() {
			continue
		}
		hostIdx, ok := findNode(n.HostID, nodes)
		if !ok || !nodes[hostIdx].IsHost() {
			return nil, NewUnresolvedHostError(i, n.ID, n.HostID)
		}
		count, _ := m.Count(n.HostID)
		m.set(n.ID, count)
	}

	return m, nil
}

// validateNodes checks the fields expansion depends on.
func validateNodes(nodes []Node) error {
	seen := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return NewMalformedNodeError(i, "", KeyID, "id is required")
		}
		if prev, dup := seen[n.ID]; dup {
			return NewMalformedNodeError(i, n.ID, KeyID, fmt.Sprintf("duplicate id, first defined at nodes[%d]", prev))
		}
		seen[n.ID] = i

		if n.HostID == "" {
			return NewMalformedNodeError(i, n.ID, KeyHostID, "host_id is required")
		}
		if !n.IsHost() {
			continue
		}
		if n.Instances == nil {
			return NewMalformedNodeError(i, n.ID, KeyInstances, "host node requires instances.deploy")
		}
		if n.Instances.Deploy < 0 {
			return NewMalformedNodeError(i, n.ID, KeyInstances+"."+KeyDeploy, fmt.Sprintf("deploy must not be negative, got %d", n.Instances.Deploy))
		}
	}
	return nil
}

// findNode returns the position of the node with the given id.
func findNode(id string, nodes []Node) (int, bool) {
	for i := range nodes {
		if nodes[i].ID == id {
			return i, true
		}
	}
	return -1, false
}
