// Package selector implements the per-bucket weighted choice.
//
// A Bucket is compiled once per topology epoch from a topology.Bucket and the
// weights of its children. Choose is then a pure function of (x, r): the
// placement input and the replica/retry index. The algorithm is a tag on the
// bucket, fixed when the bucket is defined:
//
//   - straw2: every child draws log(u)/weight, the longest draw wins; adding
//     or removing one child only moves data to or from that child
//   - straw: the legacy draw scaled by precomputed straw lengths
//   - list: scan from the newest child, good for append-mostly buckets
//   - tree: binary descent over subtree weights
//   - uniform: a hash permutation, all children weigh the same
package selector

import (
	"math"
	"sort"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/hash"
	"github.com/zzenonn/zcrush/internal/topology"
	"github.com/zzenonn/zcrush/internal/tunables"
)

// Bucket is the selection table of one bucket.
type Bucket struct {
	ID    topology.ItemID
	Type  topology.TypeID
	Alg   topology.Algorithm
	Items []topology.ItemID
	// Weights of the children, aligned with Items.
	Weights []uint32

	hash hash.Algorithm

	sums   []uint32 // list: running weight up to and including i
	nodes  []uint32 // tree: node weights, leaves at odd indexes
	straws []uint32 // straw: per-child straw length, 16.16
}

// Compile builds the table for b. weights must be aligned with b.Items.
func Compile(b *topology.Bucket, weights []topology.Weight, p tunables.Profile) (*Bucket, error) {
	if len(weights) != len(b.Items) {
		return nil, zerrors.MalformedError("bucket %d: %d weights for %d items", b.ID, len(weights), len(b.Items))
	}
	s := &Bucket{
		ID:      b.ID,
		Type:    b.Type,
		Alg:     b.Alg,
		Items:   b.Items,
		Weights: make([]uint32, len(weights)),
		hash:    p.Hash,
	}
	for i, w := range weights {
		s.Weights[i] = uint32(w)
	}

	switch b.Alg {
	case topology.AlgUniform, topology.AlgStraw2:
	case topology.AlgList:
		s.sums = listSums(s.Weights)
	case topology.AlgTree:
		s.nodes = treeNodes(s.Weights)
	case topology.AlgStraw:
		s.straws = strawLengths(s.Weights, p.StrawCalcVersion)
	default:
		return nil, zerrors.MalformedError("bucket %d: unknown algorithm %d", b.ID, uint8(b.Alg))
	}
	return s, nil
}

// Size is the number of children.
func (b *Bucket) Size() int { return len(b.Items) }

// Choose picks one child for input x and attempt r.
func (b *Bucket) Choose(x, r uint32) (topology.ItemID, error) {
	if len(b.Items) == 0 {
		return topology.ItemNone, zerrors.ErrNoCandidates
	}
	switch b.Alg {
	case topology.AlgUniform:
		return b.PermChoose(x, r), nil
	case topology.AlgList:
		return b.listChoose(x, r), nil
	case topology.AlgTree:
		return b.treeChoose(x, r), nil
	case topology.AlgStraw:
		return b.strawChoose(x, r), nil
	case topology.AlgStraw2:
		return b.straw2Choose(x, r), nil
	}
	return topology.ItemNone, zerrors.MalformedError("bucket %d: unknown algorithm %d", b.ID, uint8(b.Alg))
}

// PermChoose returns element r mod size of a pseudo-random permutation of
// the children seeded by x. Successive r never repeat a child within one
// pass, which makes it the exhaustive fallback when weighted draws keep
// colliding.
func (b *Bucket) PermChoose(x, r uint32) topology.ItemID {
	size := uint32(len(b.Items))
	if size == 0 {
		return topology.ItemNone
	}
	id := uint32(b.ID)
	pr := r % size
	if pr == 0 {
		return b.Items[b.hash.Hash3(x, id, 0)%size]
	}

	var stack [32]uint32
	var perm []uint32
	if size <= uint32(len(stack)) {
		perm = stack[:size]
	} else {
		perm = make([]uint32, size)
	}
	for i := range perm {
		perm[i] = uint32(i)
	}
	for p := uint32(0); p <= pr; p++ {
		if p < size-1 {
			i := b.hash.Hash3(x, id, p) % (size - p)
			if i != 0 {
				perm[p+i], perm[p] = perm[p], perm[p+i]
			}
		}
	}
	return b.Items[perm[pr]]
}

func listSums(w []uint32) []uint32 {
	sums := make([]uint32, len(w))
	var acc uint32
	for i, v := range w {
		acc += v
		sums[i] = acc
	}
	return sums
}

func (b *Bucket) listChoose(x, r uint32) topology.ItemID {
	id := uint32(b.ID)
	for i := len(b.Items) - 1; i >= 0; i-- {
		w := uint64(b.hash.Hash4(x, uint32(b.Items[i]), r, id) & 0xffff)
		w = (w * uint64(b.sums[i])) >> 16
		if w < uint64(b.Weights[i]) {
			return b.Items[i]
		}
	}
	return b.Items[0]
}

// Tree nodes are numbered in-order: leaf i sits at node 2i+1 and an interior
// node of height h spans 2^h-1 nodes on each side.

func treeDepth(size int) int {
	if size == 0 {
		return 0
	}
	depth := 1
	for t := size - 1; t > 0; t >>= 1 {
		depth++
	}
	return depth
}

func nodeHeight(n int) int {
	h := 0
	for n&1 == 0 {
		h++
		n >>= 1
	}
	return h
}

func nodeLeft(n int) int  { return n - 1<<(nodeHeight(n)-1) }
func nodeRight(n int) int { return n + 1<<(nodeHeight(n)-1) }

func treeNodes(w []uint32) []uint32 {
	nodes := make([]uint32, 1<<treeDepth(len(w)))
	if len(w) == 0 {
		return nodes
	}
	var fill func(n int) uint32
	fill = func(n int) uint32 {
		if n&1 == 1 {
			if i := n >> 1; i < len(w) {
				nodes[n] = w[i]
			}
			return nodes[n]
		}
		nodes[n] = fill(nodeLeft(n)) + fill(nodeRight(n))
		return nodes[n]
	}
	fill(len(nodes) >> 1)
	return nodes
}

func (b *Bucket) treeChoose(x, r uint32) topology.ItemID {
	id := uint32(b.ID)
	n := len(b.nodes) >> 1
	for n&1 == 0 {
		t := (uint64(b.hash.Hash4(x, uint32(n), r, id)) * uint64(b.nodes[n])) >> 32
		if l := nodeLeft(n); t < uint64(b.nodes[l]) {
			n = l
		} else {
			n = nodeRight(n)
		}
	}
	i := n >> 1
	if i >= len(b.Items) {
		i = len(b.Items) - 1
	}
	return b.Items[i]
}

// strawLengths derives the legacy straw lengths in fixed point. Children are
// visited by ascending weight; each step lengthens the straw by
// (1/pbelow)^(1/numleft), computed as a sum of base-2 logarithms. Version 0
// keeps the historical numleft accounting.
func strawLengths(w []uint32, version uint8) []uint32 {
	n := len(w)
	straws := make([]uint32, n)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return w[order[a]] < w[order[b]] })

	var (
		acc     int64 // log2 of the current straw, Q44
		wbelow  uint64
		lastw   uint64
		numleft = uint64(n)
	)
	for i := 0; i < n; {
		cur := order[i]
		if w[cur] == 0 {
			straws[cur] = 0
			i++
			if version >= 1 {
				numleft--
			}
			continue
		}
		straws[cur] = exp2Q16(acc)
		i++
		if i == n {
			break
		}
		prev, next := uint64(w[order[i-1]]), uint64(w[order[i]])
		if version == 0 {
			if next == prev {
				continue
			}
			wbelow += (prev - lastw) * numleft
			for j := i; j < n && uint64(w[order[j]]) == next; j++ {
				numleft--
			}
		} else {
			wbelow += (prev - lastw) * numleft
			numleft--
		}
		wnext := numleft * (next - prev)
		if wbelow > 0 && wnext > 0 && numleft > 0 {
			acc += (Log2Q44(wbelow+wnext) - Log2Q44(wbelow)) / int64(numleft)
		}
		lastw = prev
	}
	return straws
}

func (b *Bucket) strawChoose(x, r uint32) topology.ItemID {
	high := 0
	var highDraw uint64
	for i, item := range b.Items {
		draw := uint64(b.hash.Hash3(x, uint32(item), r)&0xffff) * uint64(b.straws[i])
		if i == 0 || draw > highDraw {
			high, highDraw = i, draw
		}
	}
	return b.Items[high]
}

// lnOne is Log2Q44(65536): draws are shifted so that log(u) stays negative.
const lnOne = int64(16) << log2Frac

func (b *Bucket) straw2Choose(x, r uint32) topology.ItemID {
	high := 0
	var highDraw int64
	for i, item := range b.Items {
		draw := int64(math.MinInt64)
		if w := b.Weights[i]; w != 0 {
			u := uint64(b.hash.Hash3(x, uint32(item), r) & 0xffff)
			draw = (Log2Q44(u+1) - lnOne) / int64(w)
		}
		if i == 0 || draw > highDraw {
			high, highDraw = i, draw
		}
	}
	return b.Items[high]
}
