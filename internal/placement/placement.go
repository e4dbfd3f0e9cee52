// Package placement maps units of data onto devices.
//
// This package is the entry point every participant calls: storage daemons
// to find the units they own, clients to find where to read and write, and
// tooling to estimate data movement. All of them compute the same answer on
// their own, from nothing but a topology snapshot and a unit id.
//
// Key Concepts:
// - Mapper: a topology epoch with all bucket tables compiled; Map is pure
// - Result: the ordered device list for one unit, primary first
// - Shards: the positional form used by erasure-coded pools, where slot i
// always holds shard i and unfilled slots are topology.ItemNone
// - Store: the current epoch plus a bounded history of older ones
//
// Architecture Role:
// The placement package sits between the topology (what the cluster looks
// like) and the pool/service layers (which units exist and who asks). It
// never performs I/O and never logs; callers decide what to do with partial
// results.
//
// Usage Flow:
// 1. An updater builds a new topology epoch and publishes it to a Store
// 2. Readers take the current Mapper (or a specific epoch) from the Store
// 3. Map(rule, unit, width) yields the devices; a short list is a partial
// placement the caller must treat as under-replicated
//
// Example:
//
//	store, _ := NewStore(16)
//	store.Publish(topo)
//
//	res, _ := store.Map(topo.Epoch(), ruleID, unit, 3)
//	if res.Partial() {
//		// fewer than 3 devices were found
//	}
package placement

import (
	"github.com/zzenonn/zcrush/internal/rule"
	"github.com/zzenonn/zcrush/internal/topology"
)

// Placer computes placements for one topology epoch.
//
// Implementations must be deterministic: the same (rule, unit, width) always
// yields the same devices for the lifetime of the epoch, on every node.
type Placer interface {
	// Epoch returns the topology epoch placements are computed against.
	Epoch() uint64

	// Map returns the ordered devices for unit, primary first. Holes left
	// by positional rules are dropped.
	Map(ruleID int32, unit uint32, width int) (Result, error)

	// MapShards returns exactly width slots for unit; slot i holds the
	// device of shard i or topology.ItemNone.
	MapShards(ruleID int32, unit uint32, width int) ([]topology.ItemID, error)
}

// Result is the outcome of one placement.
type Result struct {
	Devices []topology.ItemID
	// Width is the number of devices the caller asked for.
	Width int
}

// Partial reports whether fewer devices than requested were found. This is
// a normal outcome, not an error.
func (r Result) Partial() bool {
	return len(r.Devices) < r.Width
}

// Primary returns the first device, if any.
func (r Result) Primary() (topology.ItemID, bool) {
	if len(r.Devices) == 0 {
		return topology.ItemNone, false
	}
	return r.Devices[0], true
}

// Contains reports whether dev is part of the placement.
func (r Result) Contains(dev topology.ItemID) bool {
	for _, d := range r.Devices {
		if d == dev {
			return true
		}
	}
	return false
}

// Mapper is a compiled topology epoch. It is immutable and safe for
// concurrent use; Map takes no locks.
type Mapper struct {
	topo   *topology.Topology
	engine *rule.Engine
}

// NewMapper compiles every bucket of t.
func NewMapper(t *topology.Topology) (*Mapper, error) {
	e, err := rule.NewEngine(t)
	if err != nil {
		return nil, err
	}
	return &Mapper{topo: t, engine: e}, nil
}

// Epoch returns the epoch of the underlying topology.
func (m *Mapper) Epoch() uint64 { return m.topo.Epoch() }

// Topology returns the snapshot the mapper was compiled from.
func (m *Mapper) Topology() *topology.Topology { return m.topo }

// Map computes the placement of unit under rule ruleID.
//
// Every slot a firstn step cannot fill spends the whole retry budget of the
// topology's tunables before it is given up, so asking for far more devices
// than the rule has failure domains costs time linear in width: a width of
// 64 on a three-rack map is about a hundred times slower than a width of 3.
// Callers should ask for the width they need.
func (m *Mapper) Map(ruleID int32, unit uint32, width int) (Result, error) {
	out, err := m.engine.Run(ruleID, unit, width)
	if err != nil {
		return Result{}, err
	}
	devices := out[:0]
	for _, d := range out {
		if d != topology.ItemNone {
			devices = append(devices, d)
		}
	}
	return Result{Devices: devices, Width: width}, nil
}

// MapByName is Map with the rule looked up by name.
func (m *Mapper) MapByName(name string, unit uint32, width int) (Result, error) {
	r, err := m.topo.RuleByName(name)
	if err != nil {
		return Result{}, err
	}
	return m.Map(r.ID, unit, width)
}

// MapShards computes the positional placement of unit.
func (m *Mapper) MapShards(ruleID int32, unit uint32, width int) ([]topology.ItemID, error) {
	out, err := m.engine.Run(ruleID, unit, width)
	if err != nil {
		return nil, err
	}
	for len(out) < width {
		out = append(out, topology.ItemNone)
	}
	return out, nil
}
