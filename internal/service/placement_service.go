package service

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zcrush/internal/metrics"
	"github.com/zzenonn/zcrush/internal/placement"
	"github.com/zzenonn/zcrush/internal/pool"
	"github.com/zzenonn/zcrush/internal/topology"
)

// PlacementService answers placement requests against the epoch store.
// Epoch zero means the current epoch.
type PlacementService struct {
	store   *placement.Store
	pools   pool.Set
	metrics *metrics.PlacementMetrics
	scan    placement.ScanOptions
}

// NewPlacementService creates a PlacementService. m may be nil.
func NewPlacementService(store *placement.Store, pools pool.Set, m *metrics.PlacementMetrics, workers int) *PlacementService {
	return &PlacementService{
		store:   store,
		pools:   pools,
		metrics: m,
		scan:    placement.ScanOptions{Workers: workers},
	}
}

func (s *PlacementService) mapper(epoch uint64) (*placement.Mapper, error) {
	if epoch == 0 {
		return s.store.Current()
	}
	return s.store.Get(epoch)
}

func (s *PlacementService) fail(err error) error {
	if s.metrics != nil {
		s.metrics.ObserveError(errorReason(err))
	}
	log.Debugf("Placement failed: %v", err)
	return err
}

func (s *PlacementService) observe(ruleID int32, partial bool) {
	if s.metrics != nil {
		s.metrics.ObserveMap(ruleID, partial)
	}
}

// Map computes the devices of unit under a rule.
func (s *PlacementService) Map(epoch uint64, ruleID int32, unit uint32, width int) (placement.Result, error) {
	m, err := s.mapper(epoch)
	if err != nil {
		return placement.Result{}, s.fail(err)
	}
	res, err := m.Map(ruleID, unit, width)
	if err != nil {
		return placement.Result{}, s.fail(err)
	}
	s.observe(ruleID, res.Partial())
	return res, nil
}

// MapByName is Map with the rule given by name.
func (s *PlacementService) MapByName(epoch uint64, rule string, unit uint32, width int) (placement.Result, error) {
	m, err := s.mapper(epoch)
	if err != nil {
		return placement.Result{}, s.fail(err)
	}
	r, err := m.Topology().RuleByName(rule)
	if err != nil {
		return placement.Result{}, s.fail(err)
	}
	return s.Map(m.Epoch(), r.ID, unit, width)
}

// PlaceObject finds the devices holding object in a configured pool.
func (s *PlacementService) PlaceObject(epoch uint64, poolName, object string) (pool.Placement, error) {
	p, err := s.pools.ByName(poolName)
	if err != nil {
		return pool.Placement{}, s.fail(err)
	}
	m, err := s.mapper(epoch)
	if err != nil {
		return pool.Placement{}, s.fail(err)
	}
	pl, err := p.Place(m, object)
	if err != nil {
		return pool.Placement{}, s.fail(err)
	}
	if r, err := m.Topology().RuleByName(p.Rule); err == nil {
		s.observe(r.ID, pl.Degraded())
	}
	return pl, nil
}

// ReverseQuery lists the units in [from, to) that place onto device.
func (s *PlacementService) ReverseQuery(ctx context.Context, epoch uint64, device topology.ItemID, ruleID int32, width int, from, to uint32) ([]uint32, error) {
	m, err := s.mapper(epoch)
	if err != nil {
		return nil, err
	}
	return placement.ReverseQuery(ctx, m, device, ruleID, width, from, to, s.scan)
}

// Distribution maps [from, to) and reports how it spreads over devices.
// progress may be nil.
func (s *PlacementService) Distribution(ctx context.Context, epoch uint64, ruleID int32, width int, from, to uint32, progress func(int)) (*placement.Distribution, error) {
	m, err := s.mapper(epoch)
	if err != nil {
		return nil, err
	}
	opts := s.scan
	opts.Progress = progress
	return placement.Distribute(ctx, m, ruleID, width, from, to, opts)
}

// Diff lists the units of [from, to) that move between two epochs.
func (s *PlacementService) Diff(ctx context.Context, before, after uint64, ruleID int32, width int, from, to uint32) ([]placement.Movement, error) {
	a, err := s.mapper(before)
	if err != nil {
		return nil, err
	}
	b, err := s.mapper(after)
	if err != nil {
		return nil, err
	}
	return placement.Diff(ctx, a, b, ruleID, width, from, to, s.scan)
}
