// Package plan provides pure functions for multi-instance plan expansion.
//
// A plan is an ordered collection of node definitions. Host nodes (host_id
// equal to id) request a number of concrete instances through
// instances.deploy; dependent nodes reference a host through host_id and are
// cloned in lock-step with it. This package is part of the Functional Core:
// no I/O, no shared state, safe to call concurrently on independent plans.
//
// # Functions
//
//   - Expansion map: resolve per-node instance counts (BuildExpansionMap)
//   - Cloning: generate suffixed node instances (CreateNodeInstances, InstanceID)
//   - Expansion: run both steps over a whole plan (Expander.Expand, Expand)
//   - Codec: decode and encode JSON/YAML payloads (Decode, Encode)
//
// # Usage
//
// The imperative shell (internal/shell/expansion) decodes a payload, expands
// it and encodes the result:
//
//	p, err := plan.Decode(payload, plan.FormatJSON)
//	expanded, err := plan.NewExpander(plan.WithLogger(logger)).Expand(*p)
//	out, err := plan.Encode(expanded, plan.FormatJSON)
package plan
