// Package rule executes placement rules against a compiled topology.
//
// A rule is a short program: take a starting bucket, choose items of some
// level below it (optionally continuing down to one device per item), and
// emit the working set. The choose steps come in two flavours. firstn fills
// the output in order and closes gaps, which suits replicated pools where
// only the set matters. indep keeps every output position stable and marks
// positions it cannot fill with topology.ItemNone, which suits erasure-coded
// pools where position i always holds shard i.
//
// Every retry is driven by a counter folded into the hash input, so a failed
// draw (collision, device out, empty bucket) deterministically yields a new
// candidate on the next attempt. All loops are bounded by the tunables of the
// topology; the depth guard stops descents on corrupted, cyclic maps.
package rule

import (
	"errors"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/hash"
	"github.com/zzenonn/zcrush/internal/selector"
	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/tunables"
)

// itemUndef marks an indep slot that has not been decided yet.
const itemUndef topology.ItemID = 0x7ffffffe

// Engine holds the selection tables of one topology epoch. It is immutable
// and safe for concurrent use.
type Engine struct {
	topo     *topology.Topology
	profile  tunables.Profile
	hash     hash.Algorithm
	buckets  []*selector.Bucket // index == -1-id
	maxDepth int
}

// NewEngine compiles a selection table for every bucket of t.
func NewEngine(t *topology.Topology) (*Engine, error) {
	e := &Engine{
		topo:     t,
		profile:  t.Tunables(),
		hash:     t.Tunables().Hash,
		buckets:  make([]*selector.Bucket, t.BucketCapacity()),
		maxDepth: t.MaxDepth(),
	}
	for _, id := range t.Buckets() {
		b, err := t.Bucket(id)
		if err != nil {
			return nil, err
		}
		children, err := t.ChildrenOf(id)
		if err != nil {
			return nil, err
		}
		weights := make([]topology.Weight, len(children))
		for i, c := range children {
			weights[i] = c.Weight
		}
		s, err := selector.Compile(b, weights, e.profile)
		if err != nil {
			return nil, err
		}
		e.buckets[-1-int(id)] = s
	}
	return e, nil
}

// Topology returns the snapshot the engine was compiled from.
func (e *Engine) Topology() *topology.Topology { return e.topo }

func (e *Engine) bucket(id topology.ItemID) *selector.Bucket {
	idx := -1 - int(id)
	if idx < 0 || idx >= len(e.buckets) {
		return nil
	}
	return e.buckets[idx]
}

func (e *Engine) itemType(id topology.ItemID) topology.TypeID {
	if id >= 0 {
		return topology.DeviceType
	}
	if b := e.bucket(id); b != nil {
		return b.Type
	}
	return -1
}

// isOut reports whether device id rejects input x. A device with a partial
// reweight accepts a pseudo-random, x-dependent share of its inputs.
func (e *Engine) isOut(id topology.ItemID, x uint32) bool {
	d, err := e.topo.Device(id)
	if err != nil || d.Out {
		return true
	}
	switch {
	case d.Reweight >= topology.WeightOne:
		return false
	case d.Reweight == 0:
		return true
	}
	return e.hash.Hash2(x, uint32(id))&0xffff >= uint32(d.Reweight)
}

// params are the retry limits in effect; set_* steps override them for the
// rest of the rule.
type params struct {
	chooseTries   int
	leafTries     int
	localTries    int
	localFallback int
	varyR         int
	stable        bool
}

type run struct {
	e *Engine
	x uint32
	params
}

// Run executes rule ruleID for input x with the caller's requested width.
// The result holds at most width entries; positions an indep step could not
// fill are topology.ItemNone.
func (e *Engine) Run(ruleID int32, x uint32, width int) ([]topology.ItemID, error) {
	rule, err := e.topo.Rule(ruleID)
	if err != nil {
		return nil, err
	}
	if width <= 0 {
		return nil, nil
	}

	p := e.profile
	r := &run{
		e: e,
		x: x,
		params: params{
			chooseTries:   p.MaxRetries(),
			localTries:    int(p.ChooseLocalTries),
			localFallback: int(p.ChooseLocalFallbackTries),
			varyR:         int(p.ChooseleafVaryR),
			stable:        p.ChooseleafStable,
		},
	}

	result := make([]topology.ItemID, 0, width)
	w := make([]topology.ItemID, width)
	o := make([]topology.ItemID, width)
	c := make([]topology.ItemID, width)
	wsize := 0

	for _, step := range rule.Steps {
		switch step.Op {
		case topology.OpTake:
			if step.Item.IsBucket() {
				if e.bucket(step.Item) == nil {
					return nil, zerrors.UnknownBucketError(int32(step.Item))
				}
			} else if _, err := e.topo.Device(step.Item); err != nil {
				return nil, err
			}
			w[0] = step.Item
			wsize = 1

		case topology.OpSetChooseTries:
			if step.Num > 0 {
				r.chooseTries = int(step.Num)
			}
		case topology.OpSetChooseleafTries:
			if step.Num > 0 {
				r.leafTries = int(step.Num)
			}
		case topology.OpSetChooseLocalTries:
			if step.Num >= 0 {
				r.localTries = int(step.Num)
			}
		case topology.OpSetChooseLocalFallbackTries:
			if step.Num >= 0 {
				r.localFallback = int(step.Num)
			}
		case topology.OpSetChooseleafVaryR:
			if step.Num >= 0 {
				r.varyR = int(step.Num)
			}
		case topology.OpSetChooseleafStable:
			if step.Num >= 0 {
				r.stable = step.Num != 0
			}

		case topology.OpChooseFirstN, topology.OpChooseleafFirstN,
			topology.OpChooseIndep, topology.OpChooseleafIndep:
			if wsize == 0 {
				continue
			}
			leaf := step.Op == topology.OpChooseleafFirstN || step.Op == topology.OpChooseleafIndep
			firstn := step.Op == topology.OpChooseFirstN || step.Op == topology.OpChooseleafFirstN
			osize := 0

			for i := 0; i < wsize; i++ {
				numrep := int(step.Num)
				if numrep <= 0 {
					numrep += width
					if numrep <= 0 {
						continue
					}
				}
				in := e.bucket(w[i])
				if in == nil {
					continue
				}
				if firstn {
					recurseTries := r.chooseTries
					switch {
					case r.leafTries > 0:
						recurseTries = r.leafTries
					case p.ChooseleafDescendOnce:
						recurseTries = 1
					}
					n, err := r.firstn(in, numrep, step.Type, o[osize:], 0, width-osize,
						r.chooseTries, recurseTries, leaf, c[osize:], 0, 0)
					if err != nil {
						return nil, err
					}
					osize += n
				} else {
					outSize := min(numrep, width-osize)
					recurseTries := 1
					if r.leafTries > 0 {
						recurseTries = r.leafTries
					}
					if err := r.indep(in, outSize, numrep, step.Type, o[osize:], 0,
						r.chooseTries, recurseTries, leaf, c[osize:], 0, 0); err != nil {
						return nil, err
					}
					osize += outSize
				}
			}

			if leaf {
				copy(o, c[:osize])
			}
			w, o = o, w
			wsize = osize

		case topology.OpEmit:
			for i := 0; i < wsize && len(result) < width; i++ {
				item := w[i]
				if item != topology.ItemNone && contains(result, item) {
					item = topology.ItemNone
				}
				result = append(result, item)
			}
			wsize = 0
		}
	}
	return result, nil
}

func contains(items []topology.ItemID, id topology.ItemID) bool {
	for _, it := range items {
		if it == id {
			return true
		}
	}
	return false
}

// choose draws from b, switching to the exhaustive permutation once local
// retries have failed often enough. ok is false for an empty bucket.
func (r *run) choose(b *selector.Bucket, rr int, flocal int) (topology.ItemID, bool) {
	if r.localFallback > 0 && flocal >= b.Size()>>1 && flocal > r.localFallback {
		if b.Size() == 0 {
			return topology.ItemNone, false
		}
		return b.PermChoose(r.x, uint32(rr)), true
	}
	item, err := b.Choose(r.x, uint32(rr))
	if errors.Is(err, zerrors.ErrNoCandidates) {
		return topology.ItemNone, false
	}
	return item, err == nil
}

// firstn fills out[outpos:] in order and returns the new outpos.
func (r *run) firstn(bucket *selector.Bucket, numrep int, typ topology.TypeID,
	out []topology.ItemID, outpos, count, tries, recurseTries int,
	leaf bool, out2 []topology.ItemID, parentR, depth int) (int, error) {

	rep := outpos
	if r.stable {
		rep = 0
	}
	for ; rep < numrep && count > 0; rep++ {
		ftotal := 0
		skipRep := false
		var item topology.ItemID

	descent:
		for {
			in := bucket
			level := 1
			flocal := 0
			for {
				rr := rep + parentR + ftotal
				collide, reject := false, false

				var ok bool
				item, ok = r.choose(in, rr, flocal)
				itemType := r.e.itemType(item)

				switch {
				case !ok:
					reject = true
				case item == topology.ItemNone || itemType < 0:
					skipRep = true
				case itemType != typ:
					if item >= 0 {
						skipRep = true
						break
					}
					in = r.e.bucket(item)
					level++
					if depth+level > r.e.maxDepth {
						return 0, zerrors.ErrRuleTooDeep
					}
					continue
				}
				if skipRep {
					break descent
				}

				if !reject {
					collide = contains(out[:outpos], item)
				}
				if !reject && !collide && leaf {
					if item < 0 {
						subR := 0
						if r.varyR > 0 {
							subR = rr >> (r.varyR - 1)
						}
						subNum := outpos + 1
						if r.stable {
							subNum = 1
						}
						got, err := r.firstn(r.e.bucket(item), subNum, topology.DeviceType,
							out2, outpos, count, recurseTries, 0, false, nil, subR, depth+level)
						if err != nil {
							return 0, err
						}
						if got <= outpos {
							reject = true
						}
					} else {
						out2[outpos] = item
					}
				}
				if !reject && !collide && itemType == topology.DeviceType {
					reject = r.e.isOut(item, r.x)
				}

				if !reject && !collide {
					break descent
				}

				ftotal++
				flocal++
				switch {
				case collide && flocal <= r.localTries:
					continue
				case r.localFallback > 0 && flocal <= in.Size()+r.localFallback:
					continue
				case ftotal < tries:
					continue descent
				default:
					skipRep = true
					break descent
				}
			}
		}

		if skipRep {
			continue
		}
		out[outpos] = item
		outpos++
		count--
	}
	return outpos, nil
}

// indep fills the left slots out[outpos:outpos+left] positionally. Slots
// that cannot be filled become topology.ItemNone.
func (r *run) indep(bucket *selector.Bucket, left, numrep int, typ topology.TypeID,
	out []topology.ItemID, outpos, tries, recurseTries int,
	leaf bool, out2 []topology.ItemID, parentR, depth int) error {

	endpos := outpos + left
	for rep := outpos; rep < endpos; rep++ {
		out[rep] = itemUndef
		if out2 != nil {
			out2[rep] = itemUndef
		}
	}

	for ftotal := 0; left > 0 && ftotal < tries; ftotal++ {
		for rep := outpos; rep < endpos; rep++ {
			if out[rep] != itemUndef {
				continue
			}
			in := bucket
			level := 1
			for {
				rr := rep + parentR
				if in.Alg == topology.AlgUniform && in.Size()%numrep == 0 {
					rr += (numrep + 1) * ftotal
				} else {
					rr += numrep * ftotal
				}

				item, ok := r.choose(in, rr, 0)
				if !ok {
					break
				}
				itemType := r.e.itemType(item)
				if item == topology.ItemNone || itemType < 0 {
					out[rep] = topology.ItemNone
					if out2 != nil {
						out2[rep] = topology.ItemNone
					}
					left--
					break
				}

				if itemType != typ {
					if item >= 0 {
						out[rep] = topology.ItemNone
						if out2 != nil {
							out2[rep] = topology.ItemNone
						}
						left--
						break
					}
					in = r.e.bucket(item)
					level++
					if depth+level > r.e.maxDepth {
						return zerrors.ErrRuleTooDeep
					}
					continue
				}

				if contains(out[outpos:endpos], item) {
					break
				}

				if leaf {
					if item < 0 {
						if err := r.indep(r.e.bucket(item), 1, numrep, topology.DeviceType,
							out2, rep, recurseTries, 0, false, nil, rr, depth+level); err != nil {
							return err
						}
						if out2[rep] == topology.ItemNone {
							break
						}
					} else {
						out2[rep] = item
					}
				}

				if itemType == topology.DeviceType && r.e.isOut(item, r.x) {
					break
				}

				out[rep] = item
				left--
				break
			}
		}
	}

	for rep := outpos; rep < endpos; rep++ {
		if out[rep] == itemUndef {
			out[rep] = topology.ItemNone
		}
		if out2 != nil && out2[rep] == itemUndef {
			out2[rep] = topology.ItemNone
		}
	}
	return nil
}
