package placement

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/topology/topotest"
)

func TestStore_PublishAndHistory(t *testing.T) {
	s, err := NewStore(2)
	require.NoError(t, err)

	_, err = s.Current()
	require.ErrorIs(t, err, zerrors.ErrUnknownEpoch)

	e1 := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 1}.Build()
	_, err = s.Publish(e1)
	require.NoError(t, err)

	e2, err := e1.WithAvailability(0, false)
	require.NoError(t, err)
	m2, err := s.Publish(e2)
	require.NoError(t, err)

	cur, err := s.Current()
	require.NoError(t, err)
	require.Same(t, m2, cur)
	require.Equal(t, []uint64{1, 2}, s.Epochs())

	old, err := s.Get(1)
	require.NoError(t, err)
	require.EqualValues(t, 1, old.Epoch())

	_, err = s.Publish(e1)
	require.ErrorIs(t, err, zerrors.ErrStaleEpoch)

	e3, _ := e2.WithAvailability(0, true)
	e4, _ := e3.WithAvailability(1, false)
	_, err = s.Publish(e3)
	require.NoError(t, err)
	_, err = s.Publish(e4)
	require.NoError(t, err)

	// history of two: epoch 1 is gone
	_, err = s.Get(1)
	require.ErrorIs(t, err, zerrors.ErrUnknownEpoch)
	require.Equal(t, []uint64{2, 3, 4}, s.Epochs())
}

func TestStore_MapAgainstEpochs(t *testing.T) {
	s, err := NewStore(0)
	require.NoError(t, err)

	e1 := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 1}.Build()
	_, err = s.Publish(e1)
	require.NoError(t, err)
	e2, err := e1.WithAvailability(0, false)
	require.NoError(t, err)
	_, err = s.Publish(e2)
	require.NoError(t, err)

	usedZero := false
	for unit := uint32(0); unit < 300; unit++ {
		old, err := s.Map(1, topotest.RuleRackLeaf, unit, 3)
		require.NoError(t, err)
		usedZero = usedZero || old.Contains(0)

		cur, err := s.Map(2, topotest.RuleRackLeaf, unit, 3)
		require.NoError(t, err)
		require.False(t, cur.Contains(0))
	}
	require.True(t, usedZero)

	_, err = s.Map(9, topotest.RuleRackLeaf, 1, 3)
	require.ErrorIs(t, err, zerrors.ErrUnknownEpoch)
}

func TestStore_RejectsUnchecked(t *testing.T) {
	s, err := NewStore(1)
	require.NoError(t, err)
	topo, err := topology.NewUnchecked(topotest.Flat(2, 0))
	require.NoError(t, err)
	_, err = s.Publish(topo)
	require.ErrorIs(t, err, zerrors.ErrMalformedTopology)
}

func TestStore_ConcurrentReadersDuringPublish(t *testing.T) {
	s, err := NewStore(4)
	require.NoError(t, err)
	topo := topotest.Layout{Racks: 3, HostsPerRack: 2, DevicesPerHost: 2}.Build()
	_, err = s.Publish(topo)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	failures := make(chan error, 4)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := uint32(0); ; unit++ {
				select {
				case <-stop:
					return
				default:
				}
				m, err := s.Current()
				if err != nil {
					failures <- err
					return
				}
				res, err := m.Map(topotest.RuleRackLeaf, unit%1000, 3)
				if err != nil {
					failures <- err
					return
				}
				again, _ := m.Map(topotest.RuleRackLeaf, unit%1000, 3)
				if !equalIDs(res.Devices, again.Devices) {
					failures <- zerrors.ErrStaleEpoch
					return
				}
			}
		}()
	}

	cur := topo
	for i := 0; i < 20; i++ {
		next, err := cur.WithAvailability(topology.ItemID(i%12), i%2 == 1)
		require.NoError(t, err)
		_, err = s.Publish(next)
		require.NoError(t, err)
		cur = next
	}
	close(stop)
	wg.Wait()
	close(failures)
	for err := range failures {
		require.NoError(t, err)
	}
}
