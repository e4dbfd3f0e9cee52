// Package topotest builds small hierarchies for tests.
package topotest

import (
	"fmt"

	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/tunables"
)

// Layout describes a regular root/rack/host/device tree.
type Layout struct {
	Racks          int
	HostsPerRack   int
	DevicesPerHost int
	// Alg is used for every bucket; zero means straw2.
	Alg topology.Algorithm
	// Weight of every device; zero means 1.0.
	Weight   topology.Weight
	Tunables tunables.Profile
}

// Rule ids installed by Map.
const (
	RuleRackLeaf  int32 = 0 // take root; chooseleaf_firstn 0 rack; emit
	RuleHostLeaf  int32 = 1 // take root; chooseleaf_firstn 0 host; emit
	RuleRackIndep int32 = 2 // take root; chooseleaf_indep 0 rack; emit
	RuleDevices   int32 = 3 // take root; choose_firstn 0 osd; emit
)

// Map returns the wire form of the layout. Devices are numbered depth first,
// hosts are named "h<rack>-<host>" and racks "r<rack>".
func (l Layout) Map() topology.Map {
	alg := l.Alg
	if alg == 0 {
		alg = topology.AlgStraw2
	}
	w := l.Weight
	if w == 0 {
		w = topology.WeightOne
	}
	m := topology.Map{Epoch: 1, Tunables: l.Tunables}

	next := topology.ItemID(-2)
	root := topology.BucketRecord{ID: -1, Name: "default", Type: "root", Alg: alg}
	dev := topology.ItemID(0)
	for r := 0; r < l.Racks; r++ {
		rack := topology.BucketRecord{ID: next, Name: fmt.Sprintf("r%d", r), Type: "rack", Alg: alg}
		next--
		for h := 0; h < l.HostsPerRack; h++ {
			host := topology.BucketRecord{ID: next, Name: fmt.Sprintf("h%d-%d", r, h), Type: "host", Alg: alg}
			next--
			for d := 0; d < l.DevicesPerHost; d++ {
				m.Devices = append(m.Devices, topology.DeviceRecord{ID: dev, Weight: w})
				host.Items = append(host.Items, dev)
				dev++
			}
			m.Buckets = append(m.Buckets, host)
			rack.Items = append(rack.Items, host.ID)
		}
		m.Buckets = append(m.Buckets, rack)
		root.Items = append(root.Items, rack.ID)
	}
	m.Buckets = append(m.Buckets, root)

	m.Rules = []topology.RuleRecord{
		leafRule(RuleRackLeaf, "rack_leaf", topology.OpChooseleafFirstN, "rack", topology.RuleReplicated),
		leafRule(RuleHostLeaf, "host_leaf", topology.OpChooseleafFirstN, "host", topology.RuleReplicated),
		leafRule(RuleRackIndep, "rack_indep", topology.OpChooseleafIndep, "rack", topology.RuleErasure),
		leafRule(RuleDevices, "devices", topology.OpChooseFirstN, "osd", topology.RuleReplicated),
	}
	return m
}

func leafRule(id int32, name string, op topology.Op, typ string, kind topology.RuleKind) topology.RuleRecord {
	return topology.RuleRecord{
		ID:   id,
		Name: name,
		Kind: kind,
		Steps: []topology.StepRecord{
			{Op: topology.OpTake, Item: -1},
			{Op: op, Num: 0, Type: typ},
			{Op: topology.OpEmit},
		},
	}
}

// Build validates the layout and panics on error.
func (l Layout) Build() *topology.Topology {
	t, err := topology.New(l.Map())
	if err != nil {
		panic(err)
	}
	return t
}

// Flat returns a single straw2 root holding n equal devices and a rule
// choosing devices directly from it.
func Flat(n int, alg topology.Algorithm) topology.Map {
	if alg == 0 {
		alg = topology.AlgStraw2
	}
	m := topology.Map{Epoch: 1}
	root := topology.BucketRecord{ID: -1, Name: "default", Type: "root", Alg: alg}
	for i := 0; i < n; i++ {
		m.Devices = append(m.Devices, topology.DeviceRecord{ID: topology.ItemID(i), Weight: topology.WeightOne})
		root.Items = append(root.Items, topology.ItemID(i))
	}
	m.Buckets = []topology.BucketRecord{root}
	m.Rules = []topology.RuleRecord{leafRule(0, "flat", topology.OpChooseFirstN, "osd", topology.RuleReplicated)}
	return m
}
