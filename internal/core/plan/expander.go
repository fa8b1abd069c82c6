package plan

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
)

// DefaultMaxInstances is the node limit of an Expander built without
// WithMaxInstances.
const DefaultMaxInstances = 10000

// maxPrealloc bounds slice capacity hints derived from requested counts.
const maxPrealloc = 1024

// =============================================================================
// Instance Generation
// =============================================================================

// InstanceID generates the id of the index-th instance of a node.
// Pattern: {id}_{index}, index starting at 1.
//
// Example:
//
//	InstanceID("app.host", 2) // returns "app.host_2"
func InstanceID(id string, index int) string {
	return fmt.Sprintf("%s_%d", id, index)
}

// CreateNodeInstances duplicates a node count times.
//
// With count == 1 the original node is returned unchanged. With count > 1
// every instance is a shallow copy whose id and host_id carry the instance
// index, so a dependent's i-th instance points at its host's i-th instance:
//
//	app.host --> [app.host_1, app.host_2]
//	app (host_id app.host) --> [app (host_id app.host_1), ...]
//
// A count of zero or less yields no instances.
func CreateNodeInstances(n Node, count int) []Node {
	if count == 1 {
		return []Node{n}
	}
	if count <= 0 {
		return nil
	}

	instances := make([]Node, 0, min(count, maxPrealloc))
	for i := 1; i <= count; i++ {
		clone := n
		clone.ID = InstanceID(n.ID, i)
		clone.HostID = InstanceID(n.HostID, i)
		clone.Extra = maps.Clone(n.Extra)
		if n.Instances != nil {
			inst := *n.Instances
			inst.Extra = maps.Clone(n.Instances.Extra)
			clone.Instances = &inst
		}
		instances = append(instances, clone)
	}
	return instances
}

// =============================================================================
// Expander
// =============================================================================

// Expander turns a plan into its multi-instance form.
// An Expander holds no per-plan state and may be shared across goroutines.
type Expander struct {
	logger       *slog.Logger
	maxInstances int
}

// Option configures an Expander.
type Option func(*Expander)

// WithLogger sets the logger used for per-instance debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Expander) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxInstances limits the number of nodes an expanded plan may contain.
// Zero or a negative value disables the limit.
func WithMaxInstances(n int) Option {
	return func(e *Expander) {
		e.maxInstances = n
	}
}

// NewExpander creates an Expander limited to DefaultMaxInstances nodes.
// Without WithLogger it logs nothing.
func NewExpander(opts ...Option) *Expander {
	e := &Expander{
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxInstances: DefaultMaxInstances,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Expand returns a copy of p whose nodes are replaced by the expanded node
// sequence. Other top-level fields are carried over. On error no partial plan
// is returned.
func (e *Expander) Expand(p Plan) (Plan, error) {
	nodes, err := e.ExpandNodes(p.Nodes)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Nodes: nodes,
		Extra: maps.Clone(p.Extra),
	}, nil
}

// ExpandNodes expands a node sequence into a flat list of node instances.
func (e *Expander) ExpandNodes(nodes []Node) ([]Node, error) {
	expansion, err := BuildExpansionMap(nodes)
	if err != nil {
		return nil, err
	}

	total, ok := expansion.Total()
	if !ok {
		return nil, fmt.Errorf("%w: instance counts overflow", ErrTooManyInstances)
	}
	if e.maxInstances > 0 && total > e.maxInstances {
		return nil, fmt.Errorf("%w: plan expands to %d nodes, limit is %d", ErrTooManyInstances, total, e.maxInstances)
	}

	out := make([]Node, 0, min(total, maxPrealloc))
	for _, entry := range expansion.Entries() {
		idx, ok := findNode(entry.NodeID, nodes)
		if !ok {
			return nil, &NodeError{
				Index:   -1,
				NodeID:  entry.NodeID,
				Message: fmt.Sprintf("could not find a node with id %s in nodes", entry.NodeID),
				Err:     ErrUnresolvedHostReference,
			}
		}

		instances := CreateNodeInstances(nodes[idx], entry.Instances)
		if entry.Instances > 1 {
			for _, inst := range instances {
				e.logger.Debug("generated new node instance",
					"id", inst.ID,
					"host_id", inst.HostID,
					"source_id", entry.NodeID,
				)
			}
		}
		out = append(out, instances...)
	}

	return out, nil
}

// Expand expands p with a default Expander, limited to DefaultMaxInstances.
func Expand(p Plan) (Plan, error) {
	return NewExpander().Expand(p)
}
