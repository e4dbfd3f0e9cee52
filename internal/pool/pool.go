// Package pool turns object names into placement units.
//
// Objects are hashed into a fixed number of placement groups per pool, and
// every placement group is mapped as one unit. Devices are therefore chosen
// per group, not per object; changing pg_num splits groups instead of
// reshuffling them.
package pool

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/hash"
	"github.com/zzenonn/zcrush/internal/placement"
	"github.com/zzenonn/zcrush/internal/topology"
)

// Type is the redundancy scheme of a pool.
type Type string

const (
	Replicated Type = "replicated"
	Erasure    Type = "erasure"
)

// Pool describes how the objects of one pool are placed.
type Pool struct {
	ID   uint32 `mapstructure:"id" yaml:"id"`
	Name string `mapstructure:"name" yaml:"name"`
	Type Type   `mapstructure:"type" yaml:"type"`
	// Rule is the name of the placement rule.
	Rule string `mapstructure:"rule" yaml:"rule"`
	// PGNum is the number of placement groups.
	PGNum uint32 `mapstructure:"pg_num" yaml:"pg_num"`

	// Size is the replica count of replicated pools.
	Size int `mapstructure:"size" yaml:"size,omitempty"`

	// DataShards and ParityShards describe erasure pools.
	DataShards   int `mapstructure:"data_shards" yaml:"data_shards,omitempty"`
	ParityShards int `mapstructure:"parity_shards" yaml:"parity_shards,omitempty"`
}

// MaxShards bounds k+m of an erasure pool to what GF(2^8) Reed-Solomon
// codes can address.
const MaxShards = 256

func invalid(p *Pool, format string, args ...any) error {
	return fmt.Errorf("%w: pool %q: %s", zerrors.ErrInvalidPool, p.Name, fmt.Sprintf(format, args...))
}

// Validate checks the pool definition on its own.
func (p *Pool) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: pool %d has no name", zerrors.ErrInvalidPool, p.ID)
	}
	if p.Rule == "" {
		return invalid(p, "no rule")
	}
	if p.PGNum == 0 {
		return invalid(p, "pg_num must be positive")
	}

	switch p.Type {
	case Replicated, "":
		if p.Size <= 0 {
			return invalid(p, "size must be positive")
		}
	case Erasure:
		if p.DataShards+p.ParityShards > MaxShards {
			return invalid(p, "k=%d m=%d: more than %d shards", p.DataShards, p.ParityShards, MaxShards)
		}
		if _, err := reedsolomon.New(p.DataShards, p.ParityShards); err != nil {
			return invalid(p, "k=%d m=%d: %v", p.DataShards, p.ParityShards, err)
		}
	default:
		return invalid(p, "unknown type %q", p.Type)
	}
	return nil
}

// CheckRule verifies that the pool's rule exists in t and suits the pool.
func (p *Pool) CheckRule(t *topology.Topology) (*topology.Rule, error) {
	r, err := t.RuleByName(p.Rule)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %q: %w", zerrors.ErrInvalidPool, p.Name, err)
	}
	if p.Type == Erasure && r.Kind != topology.RuleErasure {
		return nil, invalid(p, "rule %q is not an erasure rule", p.Rule)
	}
	if p.Type != Erasure && r.Kind == topology.RuleErasure {
		return nil, invalid(p, "rule %q is an erasure rule", p.Rule)
	}
	return r, nil
}

// Width is the number of devices each placement group needs.
func (p *Pool) Width() int {
	if p.Type == Erasure {
		return p.DataShards + p.ParityShards
	}
	return p.Size
}

// PlacementGroup returns the group an object belongs to.
func (p *Pool) PlacementGroup(object string) uint32 {
	return hash.StableMod(hash.String(object), p.PGNum, hash.MaskFor(p.PGNum))
}

// Unit returns the placement unit of a group. Groups with the same number in
// different pools land on unrelated devices.
func (p *Pool) Unit(pg uint32) uint32 {
	return hash.RJenkins1.Hash2(pg, p.ID)
}

// Placement is where one placement group lives.
type Placement struct {
	Pool string
	PG   uint32
	Unit uint32
	// Devices lists the devices found, primary first.
	Devices []topology.ItemID
	// Shards is set for erasure pools: slot i holds shard i or
	// topology.ItemNone.
	Shards []topology.ItemID
	Width  int
}

// Degraded reports whether fewer devices than the pool needs were found.
func (pl Placement) Degraded() bool {
	return len(pl.Devices) < pl.Width
}

// PlaceGroup maps placement group pg.
func (p *Pool) PlaceGroup(m *placement.Mapper, pg uint32) (Placement, error) {
	if pg >= p.PGNum {
		return Placement{}, invalid(p, "placement group %d out of range", pg)
	}
	r, err := p.CheckRule(m.Topology())
	if err != nil {
		return Placement{}, err
	}

	pl := Placement{Pool: p.Name, PG: pg, Unit: p.Unit(pg), Width: p.Width()}
	if p.Type == Erasure {
		shards, err := m.MapShards(r.ID, pl.Unit, pl.Width)
		if err != nil {
			return Placement{}, err
		}
		pl.Shards = shards
		for _, d := range shards {
			if d != topology.ItemNone {
				pl.Devices = append(pl.Devices, d)
			}
		}
		return pl, nil
	}

	res, err := m.Map(r.ID, pl.Unit, pl.Width)
	if err != nil {
		return Placement{}, err
	}
	pl.Devices = res.Devices
	return pl, nil
}

// Place maps the placement group holding object.
func (p *Pool) Place(m *placement.Mapper, object string) (Placement, error) {
	return p.PlaceGroup(m, p.PlacementGroup(object))
}

// Set is a collection of pools with unique names and ids.
type Set []Pool

// Validate checks every pool and that names and ids do not repeat.
func (s Set) Validate() error {
	names := make(map[string]bool, len(s))
	ids := make(map[uint32]bool, len(s))
	for i := range s {
		p := &s[i]
		if err := p.Validate(); err != nil {
			return err
		}
		if names[p.Name] {
			return invalid(p, "duplicate name")
		}
		if ids[p.ID] {
			return invalid(p, "duplicate id %d", p.ID)
		}
		names[p.Name], ids[p.ID] = true, true
	}
	return nil
}

// ByName finds a pool.
func (s Set) ByName(name string) (*Pool, error) {
	for i := range s {
		if s[i].Name == name {
			return &s[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", zerrors.ErrNotFound, name)
}
