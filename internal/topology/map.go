package topology

import "github.com/zzenonn/zcrush/internal/tunables"

// Map is the wire form of a topology snapshot. It is what the distribution
// layer hands over and what codecs encode; New turns it into a validated
// Topology.
type Map struct {
	Epoch    uint64           `cbor:"1,keyasint" yaml:"epoch"`
	Tunables tunables.Profile `cbor:"2,keyasint" yaml:"tunables"`
	Types    []Type           `cbor:"3,keyasint" yaml:"types,omitempty"`
	Devices  []DeviceRecord   `cbor:"4,keyasint" yaml:"devices"`
	Buckets  []BucketRecord   `cbor:"5,keyasint" yaml:"buckets"`
	Rules    []RuleRecord     `cbor:"6,keyasint" yaml:"rules"`
}

type DeviceRecord struct {
	ID     ItemID `cbor:"1,keyasint" yaml:"id"`
	Name   string `cbor:"2,keyasint,omitempty" yaml:"name,omitempty"`
	Weight Weight `cbor:"3,keyasint" yaml:"weight"`
	Class  string `cbor:"4,keyasint,omitempty" yaml:"class,omitempty"`
	Out    bool   `cbor:"5,keyasint,omitempty" yaml:"out,omitempty"`
	// Reweight defaults to WeightOne when absent.
	Reweight *Weight `cbor:"6,keyasint,omitempty" yaml:"reweight,omitempty"`
}

type BucketRecord struct {
	ID    ItemID    `cbor:"1,keyasint" yaml:"id"`
	Name  string    `cbor:"2,keyasint" yaml:"name"`
	Type  string    `cbor:"3,keyasint" yaml:"type"`
	Alg   Algorithm `cbor:"4,keyasint" yaml:"alg"`
	Items []ItemID  `cbor:"5,keyasint" yaml:"items,flow"`
}

type RuleRecord struct {
	ID    int32        `cbor:"1,keyasint" yaml:"id"`
	Name  string       `cbor:"2,keyasint" yaml:"name"`
	Kind  RuleKind     `cbor:"3,keyasint" yaml:"kind"`
	Steps []StepRecord `cbor:"4,keyasint" yaml:"steps"`
}

// StepRecord refers to levels by name so that text maps stay readable.
type StepRecord struct {
	Op   Op     `cbor:"1,keyasint" yaml:"op"`
	Item ItemID `cbor:"2,keyasint,omitempty" yaml:"item,omitempty"`
	Num  int32  `cbor:"3,keyasint,omitempty" yaml:"num,omitempty"`
	Type string `cbor:"4,keyasint,omitempty" yaml:"type,omitempty"`
}

// Map returns the wire form of t. Devices and buckets come out in id order.
func (t *Topology) Map() Map {
	m := Map{
		Epoch:    t.epoch,
		Tunables: t.tunables,
		Types:    append([]Type(nil), t.types...),
	}

	for _, d := range t.devices {
		if d == nil {
			continue
		}
		rec := DeviceRecord{ID: d.ID, Name: d.Name, Weight: d.Weight, Class: d.Class, Out: d.Out}
		if d.Reweight != WeightOne {
			rw := d.Reweight
			rec.Reweight = &rw
		}
		m.Devices = append(m.Devices, rec)
	}

	for _, b := range t.buckets {
		if b == nil {
			continue
		}
		m.Buckets = append(m.Buckets, BucketRecord{
			ID:    b.ID,
			Name:  b.Name,
			Type:  t.TypeName(b.Type),
			Alg:   b.Alg,
			Items: append([]ItemID(nil), b.Items...),
		})
	}

	for _, r := range t.rules {
		if r == nil {
			continue
		}
		rec := RuleRecord{ID: r.ID, Name: r.Name, Kind: r.Kind}
		for _, s := range r.Steps {
			sr := StepRecord{Op: s.Op, Item: s.Item, Num: s.Num}
			if s.Op.IsChoose() {
				sr.Type = t.TypeName(s.Type)
			}
			rec.Steps = append(rec.Steps, sr)
		}
		m.Rules = append(m.Rules, rec)
	}

	return m
}
