package plan

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	// ErrUnresolvedHostReference is returned when a dependent node's host_id
	// does not match any host node in the plan.
	ErrUnresolvedHostReference = errors.New("node not found")

	// ErrMalformedNode is returned when a node is missing a required field or
	// carries a field of the wrong type.
	ErrMalformedNode = errors.New("malformed node")

	// ErrInvalidPayload is returned when a payload cannot be decoded as a plan.
	ErrInvalidPayload = errors.New("invalid plan payload")

	// ErrTooManyInstances is returned when a plan expands past the configured limit.
	ErrTooManyInstances = errors.New("too many node instances")

	// ErrUnsupportedFormat is returned for unknown payload formats.
	ErrUnsupportedFormat = errors.New("unsupported payload format")
)

// NodeError wraps node-level errors with the offending node and field.
type NodeError struct {
	Index   int    // Position in the input nodes sequence, -1 if unknown
	NodeID  string // Node id if known
	Field   string // e.g. "host_id", "instances.deploy"
	Message string
	Err     error
}

func (e *NodeError) Error() string {
	var where string
	switch {
	case e.NodeID != "":
		where = fmt.Sprintf("node %q", e.NodeID)
	case e.Index >= 0:
		where = fmt.Sprintf("nodes[%d]", e.Index)
	default:
		where = "node"
	}
	if e.Field != "" {
		where += "." + e.Field
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewMalformedNodeError creates a NodeError wrapping ErrMalformedNode.
func NewMalformedNodeError(index int, nodeID, field, message string) *NodeError {
	return &NodeError{
		Index:   index,
		NodeID:  nodeID,
		Field:   field,
		Message: message,
		Err:     ErrMalformedNode,
	}
}

// NewUnresolvedHostError creates a NodeError wrapping ErrUnresolvedHostReference.
func NewUnresolvedHostError(index int, nodeID, hostID string) *NodeError {
	return &NodeError{
		Index:   index,
		NodeID:  nodeID,
		Field:   "host_id",
		Message: fmt.Sprintf("could not find a host node with id %s in nodes", hostID),
		Err:     ErrUnresolvedHostReference,
	}
}
