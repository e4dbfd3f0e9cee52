package topology

import (
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ItemID identifies a device (>= 0) or a bucket (< 0).
type ItemID int32

// ItemNone marks an unfilled positional slot.
const ItemNone ItemID = 0x7fffffff

// IsDevice reports whether id names a device.
func (id ItemID) IsDevice() bool { return id >= 0 && id != ItemNone }

// IsBucket reports whether id names a bucket.
func (id ItemID) IsBucket() bool { return id < 0 }

func (id ItemID) bucketIndex() int { return int(-1 - id) }

// BucketIDAt returns the bucket id stored at arena index i.
func BucketIDAt(i int) ItemID { return ItemID(-1 - i) }

// Weight is an unsigned 16.16 fixed-point weight.
type Weight uint32

// WeightOne is the fixed-point representation of 1.0.
const WeightOne Weight = 0x10000

// WeightFromFloat converts a non-negative float to fixed point, rounding to
// the nearest representable value.
func WeightFromFloat(f float64) (Weight, error) {
	if math.IsNaN(f) || f < 0 || f*float64(WeightOne) > math.MaxUint32 {
		return 0, fmt.Errorf("weight %v out of range", f)
	}
	return Weight(math.Round(f * float64(WeightOne))), nil
}

// Float returns the weight as a float for display.
func (w Weight) Float() float64 { return float64(w) / float64(WeightOne) }

func (w Weight) String() string {
	return strconv.FormatFloat(w.Float(), 'f', -1, 64)
}

// MarshalYAML writes weights as decimal numbers in the text form.
func (w Weight) MarshalYAML() (interface{}, error) {
	return w.Float(), nil
}

// UnmarshalYAML reads a decimal weight.
func (w *Weight) UnmarshalYAML(value *yaml.Node) error {
	var f float64
	if err := value.Decode(&f); err != nil {
		return err
	}
	v, err := WeightFromFloat(f)
	if err != nil {
		return err
	}
	*w = v
	return nil
}

// Algorithm tags the selection strategy of a bucket.
type Algorithm uint8

const (
	AlgUniform Algorithm = 1
	AlgList    Algorithm = 2
	AlgTree    Algorithm = 3
	AlgStraw   Algorithm = 4
	AlgStraw2  Algorithm = 5
)

var algNames = map[Algorithm]string{
	AlgUniform: "uniform",
	AlgList:    "list",
	AlgTree:    "tree",
	AlgStraw:   "straw",
	AlgStraw2:  "straw2",
}

func (a Algorithm) String() string {
	if n, ok := algNames[a]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", uint8(a))
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	_, ok := algNames[a]
	return ok
}

// ParseAlgorithm parses an algorithm name.
func ParseAlgorithm(s string) (Algorithm, error) {
	for a, n := range algNames {
		if n == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown bucket algorithm %q", s)
}

func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown bucket algorithm %d", uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	v, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// TypeID is a hierarchy level. Level 0 is the device level.
type TypeID int32

// DeviceType is the level of leaves.
const DeviceType TypeID = 0

// Type names a hierarchy level.
type Type struct {
	ID   TypeID `cbor:"1,keyasint" yaml:"id"`
	Name string `cbor:"2,keyasint" yaml:"name"`
}

// DefaultTypes is the level table used when a map does not declare one.
func DefaultTypes() []Type {
	return []Type{
		{0, "osd"}, {1, "host"}, {2, "chassis"}, {3, "rack"}, {4, "row"},
		{5, "pdu"}, {6, "pod"}, {7, "room"}, {8, "datacenter"}, {9, "zone"},
		{10, "region"}, {11, "root"},
	}
}

// Device is a leaf storage target.
type Device struct {
	ID     ItemID
	Name   string
	Weight Weight
	Class  string
	// Out marks the device unavailable for new placements.
	Out bool
	// Reweight scales the probability of accepting the device once it has
	// been selected; WeightOne accepts always, zero never.
	Reweight Weight
}

// Available reports whether the device can receive placements at all.
func (d *Device) Available() bool {
	return !d.Out && d.Reweight > 0
}

// Bucket is an interior node of the hierarchy.
type Bucket struct {
	ID    ItemID
	Name  string
	Type  TypeID
	Alg   Algorithm
	Items []ItemID
	// Weight is the sum of the children's weights.
	Weight Weight
}

// Kind tells devices and buckets apart in child listings.
type Kind uint8

const (
	KindDevice Kind = iota
	KindBucket
)

func (k Kind) String() string {
	if k == KindBucket {
		return "bucket"
	}
	return "device"
}

// Child is one entry of a bucket's ordered children.
type Child struct {
	ID     ItemID
	Kind   Kind
	Weight Weight
}
