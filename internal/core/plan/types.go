package plan

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
)

// Recognized payload keys.
const (
	KeyNodes     = "nodes"
	KeyID        = "id"
	KeyHostID    = "host_id"
	KeyInstances = "instances"
	KeyDeploy    = "deploy"
)

// =============================================================================
// Plan Types
// =============================================================================

// Plan is a deployment description holding an ordered node collection.
// Top-level fields other than nodes (nodes_extra included) are kept in Extra
// and survive expansion unchanged.
type Plan struct {
	Nodes []Node
	Extra map[string]any
}

// Node is a single node definition.
type Node struct {
	ID     string
	HostID string

	// Instances is set on host nodes. A dependent's instances value is not
	// interpreted and stays in Extra.
	Instances *Instances

	// Extra holds every field not recognized above, preserved on every clone.
	Extra map[string]any
}

// Instances describes how many concrete instances a host requests.
type Instances struct {
	Deploy int
	Extra  map[string]any
}

// IsHost reports whether the node is a host (host_id equals its own id).
func (n Node) IsHost() bool {
	return n.HostID == n.ID
}

// =============================================================================
// Map Conversion
// =============================================================================

// planFromMap builds a Plan from a generic decoded payload.
func planFromMap(raw map[string]any) (*Plan, error) {
	rawNodes, ok := raw[KeyNodes]
	if !ok || rawNodes == nil {
		return nil, fmt.Errorf("%w: missing %q field", ErrInvalidPayload, KeyNodes)
	}
	list, ok := rawNodes.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %q must be an array", ErrInvalidPayload, KeyNodes)
	}

	p := &Plan{
		Nodes: make([]Node, 0, len(list)),
		Extra: make(map[string]any, len(raw)),
	}
	for k, v := range raw {
		if k != KeyNodes {
			p.Extra[k] = v
		}
	}

	for i, item := range list {
		fields, ok := asStringMap(item)
		if !ok {
			return nil, NewMalformedNodeError(i, "", "", "node must be an object")
		}
		n, err := nodeFromMap(i, fields)
		if err != nil {
			return nil, err
		}
		p.Nodes = append(p.Nodes, n)
	}

	return p, nil
}

func nodeFromMap(index int, fields map[string]any) (Node, error) {
	var n Node

	if v, ok := fields[KeyID]; ok {
		s, ok := v.(string)
		if !ok {
			return n, NewMalformedNodeError(index, "", KeyID, "id must be a string")
		}
		n.ID = s
	}
	if v, ok := fields[KeyHostID]; ok {
		s, ok := v.(string)
		if !ok {
			return n, NewMalformedNodeError(index, n.ID, KeyHostID, "host_id must be a string")
		}
		n.HostID = s
	}
	host := n.ID != "" && n.IsHost()
	if v, ok := fields[KeyInstances]; ok && v != nil && host {
		inst, err := instancesFromValue(index, n.ID, v)
		if err != nil {
			return n, err
		}
		n.Instances = inst
	}

	for k, v := range fields {
		switch k {
		case KeyID, KeyHostID:
			continue
		case KeyInstances:
			if host {
				continue
			}
		}
		if n.Extra == nil {
			n.Extra = make(map[string]any)
		}
		n.Extra[k] = v
	}

	return n, nil
}

func instancesFromValue(index int, nodeID string, v any) (*Instances, error) {
	fields, ok := asStringMap(v)
	if !ok {
		return nil, NewMalformedNodeError(index, nodeID, KeyInstances, "instances must be an object")
	}
	rawDeploy, ok := fields[KeyDeploy]
	if !ok {
		return nil, NewMalformedNodeError(index, nodeID, KeyInstances+"."+KeyDeploy, "deploy is required")
	}
	deploy, ok := toInt(rawDeploy)
	if !ok {
		return nil, NewMalformedNodeError(index, nodeID, KeyInstances+"."+KeyDeploy, fmt.Sprintf("deploy must be an integer, got %v", rawDeploy))
	}

	inst := &Instances{Deploy: deploy}
	for k, v := range fields {
		if k == KeyDeploy {
			continue
		}
		if inst.Extra == nil {
			inst.Extra = make(map[string]any)
		}
		inst.Extra[k] = v
	}
	return inst, nil
}

// toMap converts the plan back into its generic payload shape.
func (p Plan) toMap() map[string]any {
	out := make(map[string]any, len(p.Extra)+1)
	maps.Copy(out, p.Extra)

	nodes := make([]any, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		nodes = append(nodes, n.toMap())
	}
	out[KeyNodes] = nodes
	return out
}

func (n Node) toMap() map[string]any {
	out := make(map[string]any, len(n.Extra)+3)
	maps.Copy(out, n.Extra)
	out[KeyID] = n.ID
	out[KeyHostID] = n.HostID
	if n.Instances != nil {
		inst := make(map[string]any, len(n.Instances.Extra)+1)
		maps.Copy(inst, n.Instances.Extra)
		inst[KeyDeploy] = n.Instances.Deploy
		out[KeyInstances] = inst
	}
	return out
}

// =============================================================================
// Value Helpers
// =============================================================================

// asStringMap accepts both map[string]any (JSON, YAML) and map[any]any
// (YAML mappings with non-string keys).
func asStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

// toInt converts decoded numeric values to int. Fractional values are rejected.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		if n > math.MaxInt {
			return 0, false
		}
		return int(n), true
	case float64:
		// 2^63 is exactly representable; anything at or beyond it does not fit.
		if n != math.Trunc(n) || n < math.MinInt64 || n >= -math.MinInt64 {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// normalize rewrites decoded values into a shape both encoders accept.
// map[any]any always becomes map[string]any; json.Number becomes int64 or
// float64 unless keepNumbers is set.
func normalize(v any, keepNumbers bool) any {
	switch val := v.(type) {
	case json.Number:
		if keepNumbers {
			return val
		}
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalize(item, keepNumbers)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item, keepNumbers)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalize(item, keepNumbers)
		}
		return out
	default:
		return v
	}
}
