// Package shardd is the routing-node transaction core of a sharded,
// replicated database: a per-session transaction router that coordinates
// multi-statement transactions across shards, and the donor-side tenant
// migration access blockers that quiesce a tenant's traffic during a live
// hand-off.
//
// The Server in this package wires the core together with its admin and
// diagnostics surface. The request execution path of a full routing node
// (statement parsing, shard targeting) lives with its collaborators; they
// drive the core through the Sessions and Registry accessors.
package shardd
