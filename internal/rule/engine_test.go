package rule

import (
	"testing"

	"github.com/stretchr/testify/require"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/topology/topotest"
	"github.com/zzenonn/zcrush/internal/tunables"
)

func engineFor(t *testing.T, topo *topology.Topology) *Engine {
	t.Helper()
	e, err := NewEngine(topo)
	require.NoError(t, err)
	return e
}

func rackOf(t *testing.T, topo *topology.Topology, dev topology.ItemID) topology.ItemID {
	t.Helper()
	host, ok := topo.Parent(dev)
	require.True(t, ok)
	rack, ok := topo.Parent(host)
	require.True(t, ok)
	return rack
}

func requireDistinct(t *testing.T, items []topology.ItemID) {
	t.Helper()
	seen := make(map[topology.ItemID]bool, len(items))
	for _, it := range items {
		if it == topology.ItemNone {
			continue
		}
		require.False(t, seen[it], "duplicate %d in %v", it, items)
		seen[it] = true
	}
}

func TestRun_FailureDomainSeparation(t *testing.T) {
	topo := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 1}.Build()
	e := engineFor(t, topo)

	for x := uint32(0); x < 2000; x++ {
		out, err := e.Run(topotest.RuleRackLeaf, x, 3)
		require.NoError(t, err)
		require.Len(t, out, 3)
		racks := map[topology.ItemID]bool{}
		for _, d := range out {
			require.True(t, d.IsDevice())
			racks[rackOf(t, topo, d)] = true
		}
		require.Len(t, racks, 3, "x=%d out=%v", x, out)
	}
}

func TestRun_GracefulShortfall(t *testing.T) {
	topo := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 1}.Build()
	e := engineFor(t, topo)

	for x := uint32(0); x < 500; x++ {
		out, err := e.Run(topotest.RuleRackLeaf, x, 4)
		require.NoError(t, err)
		require.Len(t, out, 3)
		requireDistinct(t, out)
	}
}

func TestRun_IndepKeepsPositions(t *testing.T) {
	topo := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 1}.Build()
	e := engineFor(t, topo)

	for x := uint32(0); x < 500; x++ {
		out, err := e.Run(topotest.RuleRackIndep, x, 4)
		require.NoError(t, err)
		require.Len(t, out, 4)
		holes := 0
		for _, d := range out {
			if d == topology.ItemNone {
				holes++
			}
		}
		require.Equal(t, 1, holes, "x=%d out=%v", x, out)
		requireDistinct(t, out)
	}
}

func TestRun_IndepStableWhenDeviceOut(t *testing.T) {
	topo := topotest.Layout{Racks: 4, HostsPerRack: 2, DevicesPerHost: 1}.Build()
	e := engineFor(t, topo)

	before := make([][]topology.ItemID, 300)
	for x := range before {
		out, err := e.Run(topotest.RuleRackIndep, uint32(x), 3)
		require.NoError(t, err)
		before[x] = out
	}

	next, err := topo.WithAvailability(0, false)
	require.NoError(t, err)
	ne := engineFor(t, next)

	kept, moved := 0, 0
	for x, prev := range before {
		out, err := ne.Run(topotest.RuleRackIndep, uint32(x), 3)
		require.NoError(t, err)
		require.Len(t, out, 3)
		for pos := range prev {
			if prev[pos] == 0 {
				require.NotEqual(t, topology.ItemID(0), out[pos])
				continue
			}
			if prev[pos] == out[pos] {
				kept++
			} else {
				moved++
			}
		}
	}
	// only slots that used to collide with the failed slot's rack move
	require.Less(t, float64(moved)/float64(kept+moved), 0.1)
}

func TestRun_Deterministic(t *testing.T) {
	topo := topotest.Layout{Racks: 4, HostsPerRack: 3, DevicesPerHost: 2}.Build()
	a := engineFor(t, topo)
	b := engineFor(t, topo)

	for _, ruleID := range []int32{topotest.RuleRackLeaf, topotest.RuleHostLeaf, topotest.RuleRackIndep, topotest.RuleDevices} {
		for x := uint32(0); x < 300; x++ {
			oa, err := a.Run(ruleID, x, 3)
			require.NoError(t, err)
			ob, err := b.Run(ruleID, x, 3)
			require.NoError(t, err)
			require.Equal(t, oa, ob)
			requireDistinct(t, oa)
		}
	}
}

func TestRun_OutDevicesSkipped(t *testing.T) {
	topo := topotest.Layout{Racks: 2, HostsPerRack: 2, DevicesPerHost: 2}.Build()
	next, err := topo.WithAvailability(3, false)
	require.NoError(t, err)
	next, err = next.WithReweight(5, 0)
	require.NoError(t, err)
	e := engineFor(t, next)

	for x := uint32(0); x < 1000; x++ {
		out, err := e.Run(topotest.RuleHostLeaf, x, 3)
		require.NoError(t, err)
		require.Len(t, out, 3)
		require.NotContains(t, out, topology.ItemID(3))
		require.NotContains(t, out, topology.ItemID(5))
	}
}

func TestRun_PartialReweight(t *testing.T) {
	m := topotest.Flat(4, topology.AlgStraw2)
	half := topology.WeightOne / 2
	m.Devices[0].Reweight = &half
	topo, err := topology.New(m)
	require.NoError(t, err)
	e := engineFor(t, topo)

	counts := make([]int, 4)
	const samples = 20000
	for x := uint32(0); x < samples; x++ {
		out, err := e.Run(0, x, 1)
		require.NoError(t, err)
		require.Len(t, out, 1)
		counts[out[0]]++
	}
	// device 0 keeps roughly half of its quarter, the rest spreads out
	require.InDelta(t, 0.125, float64(counts[0])/samples, 0.02)
	for _, c := range counts[1:] {
		require.InDelta(t, 0.29, float64(c)/samples, 0.02)
	}
}

func TestRun_UnknownRule(t *testing.T) {
	e := engineFor(t, topotest.Layout{Racks: 1, HostsPerRack: 1, DevicesPerHost: 1}.Build())
	_, err := e.Run(99, 1, 3)
	require.ErrorIs(t, err, zerrors.ErrUnknownRule)
}

func TestRun_ZeroWidth(t *testing.T) {
	e := engineFor(t, topotest.Layout{Racks: 1, HostsPerRack: 1, DevicesPerHost: 1}.Build())
	out, err := e.Run(topotest.RuleRackLeaf, 1, 0)
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestRun_NegativeNumAndMultipleEmits(t *testing.T) {
	m := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 1}.Map()
	m.Rules = append(m.Rules,
		topology.RuleRecord{ID: 10, Name: "minus_one", Steps: []topology.StepRecord{
			{Op: topology.OpTake, Item: -1},
			{Op: topology.OpChooseleafFirstN, Num: -1, Type: "rack"},
			{Op: topology.OpEmit},
		}},
		topology.RuleRecord{ID: 11, Name: "primary_r0", Steps: []topology.StepRecord{
			{Op: topology.OpTake, Item: -2},
			{Op: topology.OpChooseleafFirstN, Num: 1, Type: "host"},
			{Op: topology.OpEmit},
			{Op: topology.OpTake, Item: -1},
			{Op: topology.OpChooseleafFirstN, Num: -1, Type: "rack"},
			{Op: topology.OpEmit},
		}},
	)
	topo, err := topology.New(m)
	require.NoError(t, err)
	e := engineFor(t, topo)

	for x := uint32(0); x < 300; x++ {
		out, err := e.Run(10, x, 3)
		require.NoError(t, err)
		require.Len(t, out, 2)

		out, err = e.Run(11, x, 3)
		require.NoError(t, err)
		require.Equal(t, topology.ItemID(-2), rackOf(t, topo, out[0]))
		requireDistinct(t, out)
		require.LessOrEqual(t, len(out), 3)
	}
}

func TestRun_SetterSteps(t *testing.T) {
	m := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 1}.Map()
	m.Rules = append(m.Rules, topology.RuleRecord{ID: 10, Name: "tuned", Steps: []topology.StepRecord{
		{Op: topology.OpSetChooseTries, Num: 100},
		{Op: topology.OpSetChooseleafTries, Num: 5},
		{Op: topology.OpSetChooseleafVaryR, Num: 0},
		{Op: topology.OpSetChooseleafStable, Num: 0},
		{Op: topology.OpTake, Item: -1},
		{Op: topology.OpChooseleafFirstN, Num: 0, Type: "rack"},
		{Op: topology.OpEmit},
	}})
	topo, err := topology.New(m)
	require.NoError(t, err)
	e := engineFor(t, topo)

	for x := uint32(0); x < 300; x++ {
		out, err := e.Run(10, x, 3)
		require.NoError(t, err)
		require.Len(t, out, 3)
		requireDistinct(t, out)
	}
}

func TestRun_LegacyProfilesAndAlgorithms(t *testing.T) {
	for _, name := range []string{"legacy", "bobtail", "firefly", "hammer", "jewel"} {
		for _, alg := range []topology.Algorithm{topology.AlgUniform, topology.AlgList, topology.AlgStraw, topology.AlgTree, topology.AlgStraw2} {
			p, err := tunables.Lookup(name)
			require.NoError(t, err)
			if !p.Allows(uint8(alg)) {
				continue
			}
			topo, err := topology.New(topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 2, Alg: alg, Tunables: p}.Map())
			require.NoError(t, err, "%s/%s", name, alg)
			e := engineFor(t, topo)
			for x := uint32(0); x < 200; x++ {
				out, err := e.Run(topotest.RuleRackLeaf, x, 3)
				require.NoError(t, err)
				require.Len(t, out, 3, "%s/%s x=%d", name, alg, x)
				requireDistinct(t, out)
			}
		}
	}
}

func TestRun_DepthGuardOnCycle(t *testing.T) {
	m := topology.Map{
		Buckets: []topology.BucketRecord{
			{ID: -1, Name: "a", Type: "root", Alg: topology.AlgStraw2, Items: []topology.ItemID{-2}},
			{ID: -2, Name: "b", Type: "rack", Alg: topology.AlgStraw2, Items: []topology.ItemID{-1}},
		},
		Rules: []topology.RuleRecord{{ID: 0, Name: "loop", Steps: []topology.StepRecord{
			{Op: topology.OpTake, Item: -1},
			{Op: topology.OpChooseFirstN, Num: 1, Type: "host"},
			{Op: topology.OpEmit},
		}}},
	}
	topo, err := topology.NewUnchecked(m)
	require.NoError(t, err)
	e := engineFor(t, topo)

	_, err = e.Run(0, 7, 1)
	require.ErrorIs(t, err, zerrors.ErrRuleTooDeep)
}

func TestRun_EmptyBucketRejected(t *testing.T) {
	m := topotest.Layout{Racks: 2, HostsPerRack: 1, DevicesPerHost: 1}.Map()
	m.Buckets = append(m.Buckets, topology.BucketRecord{ID: -10, Name: "empty", Type: "host", Alg: topology.AlgStraw2})
	for i := range m.Buckets {
		if m.Buckets[i].Name == "r1" {
			m.Buckets[i].Items = append(m.Buckets[i].Items, -10)
		}
	}
	topo, err := topology.New(m)
	require.NoError(t, err)
	e := engineFor(t, topo)

	for x := uint32(0); x < 300; x++ {
		out, err := e.Run(topotest.RuleHostLeaf, x, 3)
		require.NoError(t, err)
		require.Len(t, out, 2)
	}
}
