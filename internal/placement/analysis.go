package placement

import (
	"context"
	"math"
	"runtime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/topology"
)

// Bulk analysis enumerates unit ranges by brute force. None of it is on the
// placement hot path; it exists for rebalancing estimates and map testing.

const scanChunk = 4096

// ScanOptions tunes a bulk scan.
type ScanOptions struct {
	// Workers bounds the number of concurrent chunks; zero means GOMAXPROCS.
	Workers int
	// Progress, when set, is called with the number of units finished in
	// each chunk. It may be called from several goroutines.
	Progress func(units int)
}

func (o ScanOptions) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// scan runs fn over [from, to) in chunks. fn gets a half-open sub-range.
func scan(ctx context.Context, from, to uint32, opts ScanOptions, fn func(lo, hi uint32) error) error {
	if to <= from {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers())

	for lo := uint64(from); lo < uint64(to); lo += scanChunk {
		lo := uint32(lo)
		hi := uint32(min(uint64(lo)+scanChunk, uint64(to)))
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(lo, hi); err != nil {
				return err
			}
			if opts.Progress != nil {
				opts.Progress(int(hi - lo))
			}
			return nil
		})
	}
	return g.Wait()
}

// ReverseQuery lists the units in [from, to) whose placement under ruleID
// includes device, in ascending order.
func ReverseQuery(ctx context.Context, m *Mapper, device topology.ItemID, ruleID int32, width int, from, to uint32, opts ScanOptions) ([]uint32, error) {
	if _, err := m.Topology().Device(device); err != nil {
		return nil, err
	}
	if _, err := m.Topology().Rule(ruleID); err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		units []uint32
	)
	err := scan(ctx, from, to, opts, func(lo, hi uint32) error {
		var local []uint32
		for u := lo; u < hi; u++ {
			res, err := m.Map(ruleID, u, width)
			if err != nil {
				return err
			}
			if res.Contains(device) {
				local = append(local, u)
			}
		}
		mu.Lock()
		units = append(units, local...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(units)
	return units, nil
}

// Distribution summarises how a unit range spreads over devices.
type Distribution struct {
	Units int
	// Placed counts device slots filled; at most Units*width.
	Placed int
	// Partial counts units that got fewer devices than requested.
	Partial int
	Counts  map[topology.ItemID]int
	// Expected is each device's share of Placed according to its
	// effective weight under the rule's starting buckets.
	Expected map[topology.ItemID]float64
	// ChiSquare is Pearson's statistic of Counts against Expected.
	ChiSquare float64
	// DegreesOfFreedom is the number of devices with a non-zero expected
	// share, minus one.
	DegreesOfFreedom int
}

// Fits reports whether the observed spread is consistent with the weights
// at significance level alpha (for example 0.001).
func (d *Distribution) Fits(alpha float64) bool {
	if d.DegreesOfFreedom <= 0 {
		return true
	}
	return d.ChiSquare <= ChiSquareCritical(d.DegreesOfFreedom, alpha)
}

// Distribute maps every unit of [from, to) and compares the per-device
// counts with the devices' effective weights.
func Distribute(ctx context.Context, m *Mapper, ruleID int32, width int, from, to uint32, opts ScanOptions) (*Distribution, error) {
	r, err := m.Topology().Rule(ruleID)
	if err != nil {
		return nil, err
	}

	d := &Distribution{Counts: make(map[topology.ItemID]int), Expected: make(map[topology.ItemID]float64)}
	var mu sync.Mutex
	err = scan(ctx, from, to, opts, func(lo, hi uint32) error {
		counts := make(map[topology.ItemID]int)
		placed, partial := 0, 0
		for u := lo; u < hi; u++ {
			res, err := m.Map(ruleID, u, width)
			if err != nil {
				return err
			}
			for _, dev := range res.Devices {
				counts[dev]++
			}
			placed += len(res.Devices)
			if res.Partial() {
				partial++
			}
		}
		mu.Lock()
		defer mu.Unlock()
		for dev, c := range counts {
			d.Counts[dev] += c
		}
		d.Placed += placed
		d.Partial += partial
		d.Units += int(hi - lo)
		return nil
	})
	if err != nil {
		return nil, err
	}

	weights := effectiveWeights(m.Topology(), r)
	var total float64
	for _, w := range weights {
		total += w
	}
	if total == 0 {
		return d, nil
	}
	for dev, w := range weights {
		if w == 0 {
			continue
		}
		exp := float64(d.Placed) * w / total
		d.Expected[dev] = exp
		diff := float64(d.Counts[dev]) - exp
		d.ChiSquare += diff * diff / exp
		d.DegreesOfFreedom++
	}
	d.DegreesOfFreedom--
	return d, nil
}

// effectiveWeights collects the devices below the rule's take steps with
// their weight scaled by reweight; out devices weigh nothing.
func effectiveWeights(t *topology.Topology, r *topology.Rule) map[topology.ItemID]float64 {
	weights := make(map[topology.ItemID]float64)
	seen := make(map[topology.ItemID]bool)
	var walk func(id topology.ItemID, depth int)
	walk = func(id topology.ItemID, depth int) {
		if seen[id] || depth > t.MaxDepth() {
			return
		}
		seen[id] = true
		if id.IsDevice() {
			dev, err := t.Device(id)
			if err != nil {
				return
			}
			w := 0.0
			if dev.Available() {
				w = dev.Weight.Float() * dev.Reweight.Float()
			}
			weights[id] = w
			return
		}
		children, err := t.ChildrenOf(id)
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c.ID, depth+1)
		}
	}
	for _, s := range r.Steps {
		if s.Op == topology.OpTake {
			walk(s.Item, 0)
		}
	}
	return weights
}

// ChiSquareCritical approximates the upper critical value of the chi-square
// distribution with dof degrees of freedom at significance alpha, using the
// Wilson-Hilferty transformation. With no degrees of freedom the statistic
// is always zero, and so is the critical value.
func ChiSquareCritical(dof int, alpha float64) float64 {
	if dof <= 0 {
		return 0
	}
	k := float64(dof)
	z := normalQuantile(1 - alpha)
	a := 2 / (9 * k)
	v := 1 - a + z*math.Sqrt(a)
	return k * v * v * v
}

// normalQuantile is Acklam's rational approximation of the standard normal
// inverse CDF, accurate to about 1e-9.
func normalQuantile(p float64) float64 {
	a := [...]float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02, 1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := [...]float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02, 6.680131188771972e+01, -1.328068155288572e+01}
	c := [...]float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00, -2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	d := [...]float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00, 3.754408661907416e+00}

	const low = 0.02425
	switch {
	case p <= 0:
		return math.Inf(-1)
	case p >= 1:
		return math.Inf(1)
	case p < low:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p > 1-low:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	}
	q := p - 0.5
	r := q * q
	return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
		(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
}

// Movement is one unit whose placement differs between two epochs.
type Movement struct {
	Unit   uint32
	Before []topology.ItemID
	After  []topology.ItemID
}

// Diff lists the units of [from, to) whose placement under ruleID differs
// between two mappers, in ascending unit order. Order changes count as
// movement: the primary moved.
func Diff(ctx context.Context, before, after *Mapper, ruleID int32, width int, from, to uint32, opts ScanOptions) ([]Movement, error) {
	if before == nil || after == nil {
		return nil, zerrors.ErrUnknownEpoch
	}
	var (
		mu    sync.Mutex
		moved []Movement
	)
	err := scan(ctx, from, to, opts, func(lo, hi uint32) error {
		var local []Movement
		for u := lo; u < hi; u++ {
			a, err := before.Map(ruleID, u, width)
			if err != nil {
				return err
			}
			b, err := after.Map(ruleID, u, width)
			if err != nil {
				return err
			}
			if !slices.Equal(a.Devices, b.Devices) {
				local = append(local, Movement{Unit: u, Before: a.Devices, After: b.Devices})
			}
		}
		mu.Lock()
		moved = append(moved, local...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(moved, func(a, b Movement) int {
		switch {
		case a.Unit < b.Unit:
			return -1
		case a.Unit > b.Unit:
			return 1
		}
		return 0
	})
	return moved, nil
}
