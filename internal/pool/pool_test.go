package pool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/placement"
	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/topology/topotest"
)

func mapper(t *testing.T) *placement.Mapper {
	t.Helper()
	m, err := placement.NewMapper(topotest.Layout{Racks: 4, HostsPerRack: 2, DevicesPerHost: 2}.Build())
	require.NoError(t, err)
	return m
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		pool Pool
		ok   bool
	}{
		{"replicated", Pool{Name: "rbd", Rule: "rack_leaf", PGNum: 64, Size: 3}, true},
		{"default type", Pool{Name: "rbd", Rule: "rack_leaf", PGNum: 64, Size: 2}, true},
		{"erasure", Pool{Name: "ec", Type: Erasure, Rule: "rack_indep", PGNum: 32, DataShards: 2, ParityShards: 1}, true},
		{"no name", Pool{Rule: "rack_leaf", PGNum: 1, Size: 1}, false},
		{"no rule", Pool{Name: "a", PGNum: 1, Size: 1}, false},
		{"no pgs", Pool{Name: "a", Rule: "r", Size: 1}, false},
		{"no size", Pool{Name: "a", Rule: "r", PGNum: 1}, false},
		{"no data shards", Pool{Name: "a", Type: Erasure, Rule: "r", PGNum: 1, ParityShards: 2}, false},
		{"too many shards", Pool{Name: "a", Type: Erasure, Rule: "r", PGNum: 1, DataShards: 200, ParityShards: 100}, false},
		{"max shards", Pool{Name: "ec", Type: Erasure, Rule: "r", PGNum: 1, DataShards: 200, ParityShards: 56}, true},
		{"wide code past the bound", Pool{Name: "a", Type: Erasure, Rule: "r", PGNum: 1, DataShards: 1000, ParityShards: 500}, false},
		{"unknown type", Pool{Name: "a", Type: "mirror", Rule: "r", PGNum: 1, Size: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pool.Validate()
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, zerrors.ErrInvalidPool)
		})
	}
}

func TestSet(t *testing.T) {
	s := Set{
		{ID: 1, Name: "a", Rule: "rack_leaf", PGNum: 8, Size: 3},
		{ID: 2, Name: "b", Rule: "rack_leaf", PGNum: 8, Size: 3},
	}
	require.NoError(t, s.Validate())

	p, err := s.ByName("b")
	require.NoError(t, err)
	require.EqualValues(t, 2, p.ID)
	_, err = s.ByName("c")
	require.ErrorIs(t, err, zerrors.ErrNotFound)

	s[1].ID = 1
	require.ErrorIs(t, s.Validate(), zerrors.ErrInvalidPool)
	s[1].ID, s[1].Name = 2, "a"
	require.ErrorIs(t, s.Validate(), zerrors.ErrInvalidPool)
}

func TestPlacementGroup_SplitsOnGrowth(t *testing.T) {
	small := Pool{Name: "p", PGNum: 16}
	grown := Pool{Name: "p", PGNum: 24}
	counts := make([]int, small.PGNum)
	for i := 0; i < 4000; i++ {
		obj := fmt.Sprintf("obj-%d", i)
		a, b := small.PlacementGroup(obj), grown.PlacementGroup(obj)
		require.Less(t, a, small.PGNum)
		require.True(t, b == a || b == a+16, "%s: %d -> %d", obj, a, b)
		counts[a]++
	}
	for pg, c := range counts {
		require.InDelta(t, 250, c, 80, "pg %d", pg)
	}
}

func TestUnit_DependsOnPool(t *testing.T) {
	a := Pool{ID: 1}
	b := Pool{ID: 2}
	require.Equal(t, a.Unit(5), a.Unit(5))
	require.NotEqual(t, a.Unit(5), b.Unit(5))
}

func TestPlace_Replicated(t *testing.T) {
	m := mapper(t)
	p := Pool{ID: 3, Name: "rbd", Rule: "rack_leaf", PGNum: 128, Size: 3}

	pl, err := p.Place(m, "rbd_data.1234")
	require.NoError(t, err)
	require.Equal(t, p.PlacementGroup("rbd_data.1234"), pl.PG)
	require.Len(t, pl.Devices, 3)
	require.Nil(t, pl.Shards)
	require.False(t, pl.Degraded())

	direct, err := m.Map(topotest.RuleRackLeaf, p.Unit(pl.PG), 3)
	require.NoError(t, err)
	require.Equal(t, direct.Devices, pl.Devices)

	again, err := p.Place(m, "rbd_data.1234")
	require.NoError(t, err)
	require.Equal(t, pl, again)
}

func TestPlace_Erasure(t *testing.T) {
	m := mapper(t)
	p := Pool{ID: 4, Name: "ec", Type: Erasure, Rule: "rack_indep", PGNum: 64, DataShards: 3, ParityShards: 2}

	for pg := uint32(0); pg < p.PGNum; pg++ {
		pl, err := p.PlaceGroup(m, pg)
		require.NoError(t, err)
		require.Len(t, pl.Shards, 5)
		// only four racks exist for five shards
		require.Len(t, pl.Devices, 4)
		require.True(t, pl.Degraded())
		require.Contains(t, pl.Shards, topology.ItemNone)
	}

	_, err := p.PlaceGroup(m, p.PGNum)
	require.ErrorIs(t, err, zerrors.ErrInvalidPool)
}

func TestPlace_RuleMismatch(t *testing.T) {
	m := mapper(t)

	ec := Pool{Name: "ec", Type: Erasure, Rule: "rack_leaf", PGNum: 8, DataShards: 2, ParityShards: 1}
	_, err := ec.Place(m, "x")
	require.ErrorIs(t, err, zerrors.ErrInvalidPool)

	rep := Pool{Name: "rep", Rule: "rack_indep", PGNum: 8, Size: 2}
	_, err = rep.Place(m, "x")
	require.ErrorIs(t, err, zerrors.ErrInvalidPool)

	missing := Pool{Name: "rep", Rule: "nope", PGNum: 8, Size: 2}
	_, err = missing.Place(m, "x")
	require.ErrorIs(t, err, zerrors.ErrInvalidPool)
	require.ErrorIs(t, err, zerrors.ErrUnknownRule)
}
