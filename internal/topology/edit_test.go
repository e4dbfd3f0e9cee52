package topology_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/topology/topotest"
	"github.com/zzenonn/zcrush/internal/tunables"
)

func weightOf(t *testing.T, topo *topology.Topology, id topology.ItemID) topology.Weight {
	t.Helper()
	w, err := topo.ItemWeight(id)
	require.NoError(t, err)
	return w
}

func TestWithWeightChanged_PropagatesAndKeepsSource(t *testing.T) {
	src := topotest.Layout{Racks: 2, HostsPerRack: 2, DevicesPerHost: 1}.Build()
	before := src.Map()

	next, err := src.WithWeightChanged(0, 3*topology.WeightOne)
	require.NoError(t, err)

	require.EqualValues(t, 2, next.Epoch())
	require.Equal(t, 3*topology.WeightOne, weightOf(t, next, 0))
	host, _ := next.Parent(0)
	rack, _ := next.Parent(host)
	require.Equal(t, 3*topology.WeightOne, weightOf(t, next, host))
	require.Equal(t, 4*topology.WeightOne, weightOf(t, next, rack))
	require.Equal(t, 6*topology.WeightOne, weightOf(t, next, -1))

	// untouched subtree is shared, the source is unchanged
	require.Equal(t, before, src.Map())
	require.Equal(t, 4*topology.WeightOne, weightOf(t, src, -1))
	otherRackSrc, _ := src.Bucket(-5)
	otherRackNext, _ := next.Bucket(-5)
	require.Same(t, otherRackSrc, otherRackNext)
}

func TestWithWeightChanged_Errors(t *testing.T) {
	topo := topotest.Layout{Racks: 1, HostsPerRack: 1, DevicesPerHost: 1}.Build()

	_, err := topo.WithWeightChanged(-1, topology.WeightOne)
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)
	_, err = topo.WithWeightChanged(-40, topology.WeightOne)
	require.ErrorIs(t, err, zerrors.ErrUnknownBucket)
	_, err = topo.WithWeightChanged(40, topology.WeightOne)
	require.ErrorIs(t, err, zerrors.ErrUnknownDevice)
}

func TestWithReweightAndAvailability(t *testing.T) {
	topo := topotest.Layout{Racks: 1, HostsPerRack: 1, DevicesPerHost: 2}.Build()

	rw, err := topo.WithReweight(1, topology.WeightOne/4)
	require.NoError(t, err)
	d, _ := rw.Device(1)
	require.Equal(t, topology.WeightOne/4, d.Reweight)
	require.Equal(t, weightOf(t, topo, -1), weightOf(t, rw, -1))

	_, err = topo.WithReweight(1, 2*topology.WeightOne)
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)

	out, err := rw.WithAvailability(0, false)
	require.NoError(t, err)
	d, _ = out.Device(0)
	require.True(t, d.Out)
	require.EqualValues(t, 3, out.Epoch())

	src, _ := topo.Device(0)
	require.False(t, src.Out)
}

func TestWithDeviceAddedAndRemoved(t *testing.T) {
	topo := topotest.Layout{Racks: 2, HostsPerRack: 1, DevicesPerHost: 2}.Build()
	host, ok := topo.Lookup("h1-0")
	require.True(t, ok)

	added, err := topo.WithDeviceAdded(topology.DeviceRecord{ID: 10, Weight: 2 * topology.WeightOne}, host)
	require.NoError(t, err)
	require.Equal(t, 6*topology.WeightOne, weightOf(t, added, -1))
	require.Equal(t, 4*topology.WeightOne, weightOf(t, added, host))
	d, err := added.Device(10)
	require.NoError(t, err)
	require.Equal(t, "osd.10", d.Name)
	require.Equal(t, topology.WeightOne, d.Reweight)

	_, err = topo.Device(10)
	require.ErrorIs(t, err, zerrors.ErrUnknownDevice)

	_, err = added.WithDeviceAdded(topology.DeviceRecord{ID: 10}, host)
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)

	removed, err := added.WithItemRemoved(10)
	require.NoError(t, err)
	require.Equal(t, topo.Map().Buckets, removed.Map().Buckets)
	require.Equal(t, weightOf(t, topo, -1), weightOf(t, removed, -1))

	_, err = removed.WithItemRemoved(host)
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)
	_, err = removed.WithItemRemoved(-1)
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)
}

func TestWithBucketAddedAndMoved(t *testing.T) {
	topo := topotest.Layout{Racks: 2, HostsPerRack: 1, DevicesPerHost: 1}.Build()
	r0, _ := topo.Lookup("r0")
	r1, _ := topo.Lookup("r1")

	withHost, err := topo.WithBucketAdded(topology.BucketRecord{Name: "spare", Type: "host", Alg: topology.AlgStraw2}, r1)
	require.NoError(t, err)
	spare, ok := withHost.Lookup("spare")
	require.True(t, ok)
	require.True(t, spare.IsBucket())
	require.Zero(t, weightOf(t, withHost, spare))

	_, err = topo.WithBucketAdded(topology.BucketRecord{Name: "bad", Type: "root", Alg: topology.AlgStraw2}, r1)
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)

	h00, _ := withHost.Lookup("h0-0")
	moved, err := withHost.WithItemMoved(h00, r1)
	require.NoError(t, err)
	require.Zero(t, weightOf(t, moved, r0))
	require.Equal(t, 2*topology.WeightOne, weightOf(t, moved, r1))
	require.Equal(t, 2*topology.WeightOne, weightOf(t, moved, -1))

	_, err = moved.WithItemMoved(-1, r1)
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)

	emptied, err := moved.WithItemRemoved(r0)
	require.NoError(t, err)
	_, ok = emptied.Lookup("r0")
	require.False(t, ok)
	require.NoError(t, emptied.Validate())
}

func TestWithDeviceAt(t *testing.T) {
	topo := topotest.Layout{Racks: 1, HostsPerRack: 1, DevicesPerHost: 1}.Build()

	loc, err := topology.ParseLocation("root=default rack=r9 host=h9-0")
	require.NoError(t, err)

	next, err := topo.WithDeviceAt(topology.DeviceRecord{ID: 7, Weight: topology.WeightOne}, loc, 0)
	require.NoError(t, err)
	require.NoError(t, next.Validate())

	got, err := next.LocationOf(7)
	require.NoError(t, err)
	require.Equal(t, loc.String(), got.String())
	require.Equal(t, 2*topology.WeightOne, weightOf(t, next, -1))

	// moving an existing device keeps total weight
	loc2, err := topology.ParseLocation("host=h0-0,rack=r0,root=default")
	require.NoError(t, err)
	back, err := next.WithDeviceAt(topology.DeviceRecord{ID: 7}, loc2, 0)
	require.NoError(t, err)
	got, err = back.LocationOf(7)
	require.NoError(t, err)
	require.Equal(t, "root=default rack=r0 host=h0-0", got.String())
	require.Equal(t, 2*topology.WeightOne, weightOf(t, back, -1))
}

func TestParseLocation_Errors(t *testing.T) {
	for _, s := range []string{"", "rack", "rack=", "=r1"} {
		_, err := topology.ParseLocation(s)
		require.ErrorIs(t, err, zerrors.ErrInvalidEdit, s)
	}
}

func TestRuleEdits(t *testing.T) {
	topo := topotest.Layout{Racks: 2, HostsPerRack: 1, DevicesPerHost: 1}.Build()

	added, err := topo.WithRuleAdded(topology.RuleRecord{
		ID:   -1,
		Name: "two_hosts",
		Steps: []topology.StepRecord{
			{Op: topology.OpTake, Item: -1},
			{Op: topology.OpChooseleafFirstN, Num: 2, Type: "host"},
			{Op: topology.OpEmit},
		},
	})
	require.NoError(t, err)
	r, err := added.RuleByName("two_hosts")
	require.NoError(t, err)
	require.EqualValues(t, 4, r.ID)
	require.Equal(t, topology.RuleReplicated, r.Kind)

	_, err = added.WithRuleAdded(topology.RuleRecord{ID: 9, Name: "two_hosts", Steps: []topology.StepRecord{{Op: topology.OpEmit}}})
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)

	renamed, err := added.WithRuleRenamed(r.ID, "pair")
	require.NoError(t, err)
	_, err = renamed.RuleByName("two_hosts")
	require.ErrorIs(t, err, zerrors.ErrUnknownRule)
	_, err = renamed.WithRuleRenamed(r.ID, "rack_leaf")
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)

	removed, err := renamed.WithRuleRemoved(r.ID)
	require.NoError(t, err)
	_, err = removed.Rule(r.ID)
	require.ErrorIs(t, err, zerrors.ErrUnknownRule)
	_, err = removed.WithRuleRemoved(r.ID)
	require.ErrorIs(t, err, zerrors.ErrUnknownRule)
}

func TestWithTunables(t *testing.T) {
	topo := topotest.Layout{Racks: 1, HostsPerRack: 1, DevicesPerHost: 1}.Build()

	_, err := topo.WithTunables(tunables.Profile{Name: "legacy"})
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)

	next, err := topo.WithTunables(tunables.Profile{Name: "hammer"})
	require.NoError(t, err)
	require.Equal(t, "hammer", next.Tunables().Name)
}
