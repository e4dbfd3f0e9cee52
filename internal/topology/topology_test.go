package topology_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/topology/topotest"
	"github.com/zzenonn/zcrush/internal/tunables"
)

func TestNew_RegularLayout(t *testing.T) {
	topo := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 1}.Build()

	require.EqualValues(t, 1, topo.Epoch())
	require.Len(t, topo.Devices(), 6)
	require.Len(t, topo.Buckets(), 10)
	require.Equal(t, []topology.ItemID{-1}, topo.Roots())
	require.Equal(t, 3, topo.MaxDepth())
	require.True(t, topo.Checked())
	require.True(t, topo.Tunables().Equal(tunables.Default()))

	root, err := topo.Bucket(-1)
	require.NoError(t, err)
	require.Equal(t, 6*topology.WeightOne, root.Weight)

	children, err := topo.ChildrenOf(-1)
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, c := range children {
		require.Equal(t, topology.KindBucket, c.Kind)
		require.Equal(t, 2*topology.WeightOne, c.Weight)
	}

	parent, ok := topo.Parent(0)
	require.True(t, ok)
	require.Equal(t, "h0-0", topo.ItemName(parent))
	_, ok = topo.Parent(-1)
	require.False(t, ok)

	id, ok := topo.Lookup("r2")
	require.True(t, ok)
	typ, err := topo.ItemType(id)
	require.NoError(t, err)
	require.Equal(t, "rack", topo.TypeName(typ))
}

func TestAccessors_UnknownIDs(t *testing.T) {
	topo := topotest.Layout{Racks: 1, HostsPerRack: 1, DevicesPerHost: 1}.Build()

	_, err := topo.Bucket(-100)
	require.ErrorIs(t, err, zerrors.ErrUnknownBucket)
	_, err = topo.Bucket(3)
	require.ErrorIs(t, err, zerrors.ErrUnknownBucket)
	_, err = topo.Device(42)
	require.ErrorIs(t, err, zerrors.ErrUnknownDevice)
	_, err = topo.ChildrenOf(-9)
	require.ErrorIs(t, err, zerrors.ErrUnknownBucket)
	_, err = topo.Rule(17)
	require.ErrorIs(t, err, zerrors.ErrUnknownRule)
	_, err = topo.RuleByName("nope")
	require.ErrorIs(t, err, zerrors.ErrUnknownRule)
}

func TestNew_Malformed(t *testing.T) {
	base := func() topology.Map { return topotest.Flat(3, 0) }

	tests := []struct {
		name   string
		mutate func(m *topology.Map)
		want   error
	}{
		{
			name:   "duplicate device",
			mutate: func(m *topology.Map) { m.Devices = append(m.Devices, topology.DeviceRecord{ID: 1}) },
			want:   zerrors.ErrMalformedTopology,
		},
		{
			name:   "dangling child",
			mutate: func(m *topology.Map) { m.Buckets[0].Items = append(m.Buckets[0].Items, 99) },
			want:   zerrors.ErrMalformedTopology,
		},
		{
			name: "two parents",
			mutate: func(m *topology.Map) {
				m.Buckets = append(m.Buckets, topology.BucketRecord{ID: -2, Name: "other", Type: "host", Alg: topology.AlgStraw2, Items: []topology.ItemID{0}})
			},
			want: zerrors.ErrMalformedTopology,
		},
		{
			name:   "unknown type",
			mutate: func(m *topology.Map) { m.Buckets[0].Type = "galaxy" },
			want:   zerrors.ErrUnknownType,
		},
		{
			name: "algorithm not allowed",
			mutate: func(m *topology.Map) {
				m.Tunables = tunables.Profile{Name: "legacy"}
				m.Buckets[0].Alg = topology.AlgStraw2
			},
			want: zerrors.ErrMalformedTopology,
		},
		{
			name:   "rule without emit",
			mutate: func(m *topology.Map) { m.Rules[0].Steps = m.Rules[0].Steps[:2] },
			want:   zerrors.ErrMalformedTopology,
		},
		{
			name:   "take of missing bucket",
			mutate: func(m *topology.Map) { m.Rules[0].Steps[0].Item = -50 },
			want:   zerrors.ErrMalformedTopology,
		},
		{
			name:   "unknown profile",
			mutate: func(m *topology.Map) { m.Tunables = tunables.Profile{Name: "quincy"} },
			want:   zerrors.ErrUnknownProfile,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(&m)
			_, err := topology.New(m)
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestNew_CycleReportedUncheckedAllowed(t *testing.T) {
	m := topology.Map{
		Devices: []topology.DeviceRecord{{ID: 0, Weight: topology.WeightOne}},
		Buckets: []topology.BucketRecord{
			{ID: -1, Name: "a", Type: "root", Alg: topology.AlgStraw2, Items: []topology.ItemID{-2}},
			{ID: -2, Name: "b", Type: "rack", Alg: topology.AlgStraw2, Items: []topology.ItemID{-1, 0}},
		},
	}
	_, err := topology.New(m)
	require.ErrorIs(t, err, zerrors.ErrMalformedTopology)

	topo, err := topology.NewUnchecked(m)
	require.NoError(t, err)
	require.False(t, topo.Checked())
	require.Equal(t, 2, topo.MaxDepth())
	require.Error(t, topo.Validate())

	_, err = topo.WithWeightChanged(0, 2*topology.WeightOne)
	require.ErrorIs(t, err, zerrors.ErrInvalidEdit)
}

func TestMap_RoundTrip(t *testing.T) {
	m := topotest.Layout{Racks: 2, HostsPerRack: 2, DevicesPerHost: 2}.Map()
	rw := topology.WeightOne / 2
	m.Devices[3].Reweight = &rw
	m.Devices[4].Out = true

	topo, err := topology.New(m)
	require.NoError(t, err)
	again, err := topology.New(topo.Map())
	require.NoError(t, err)
	require.Equal(t, topo.Map(), again.Map())

	d, err := again.Device(3)
	require.NoError(t, err)
	require.Equal(t, rw, d.Reweight)
	d, err = again.Device(4)
	require.NoError(t, err)
	require.False(t, d.Available())
}

func TestWeightFromFloat(t *testing.T) {
	w, err := topology.WeightFromFloat(1.5)
	require.NoError(t, err)
	require.Equal(t, topology.Weight(0x18000), w)
	require.Equal(t, "1.5", w.String())

	_, err = topology.WeightFromFloat(-1)
	require.Error(t, err)
}
