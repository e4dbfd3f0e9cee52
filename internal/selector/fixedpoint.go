package selector

import "math/bits"

// Fixed-point helpers shared by straw and straw2. Both functions are part of
// the placement contract: changing a single bit of their output changes where
// data lives, so they are integer-only and covered by pinned test vectors.

const log2Frac = 44

// Log2Q44 returns log2(x) with 44 fractional bits. x must be positive.
//
// The mantissa is normalised to [1, 2) in Q32 and squared once per
// fractional bit; every time the square reaches 2 the bit is set and the
// value halved.
func Log2Q44(x uint64) int64 {
	if x == 0 {
		panic("selector: Log2Q44 of zero")
	}
	n := bits.Len64(x) - 1
	var y uint64
	if n <= 32 {
		y = x << (32 - n)
	} else {
		y = x >> (n - 32)
	}
	var frac uint64
	for i := 1; i <= log2Frac; i++ {
		hi, lo := bits.Mul64(y, y)
		y = hi<<32 | lo>>32
		if y >= 1<<33 {
			y >>= 1
			frac |= 1 << (log2Frac - i)
		}
	}
	return int64(n)<<log2Frac | int64(frac)
}

// exp2Table[j] is 2^(2^-(j+1)) in Q32. Fraction bits below 2^-31 no longer
// change a Q32 product.
var exp2Table = [...]uint64{
	0x16a09e667, 0x1306fe0a3, 0x1172b83c7, 0x10b5586cf, 0x1059b0d31,
	0x102c9a3e7, 0x10163da9f, 0x100b1afa5, 0x10058c86d, 0x1002c605e,
	0x100162f39, 0x1000b175e, 0x100058ba0, 0x10002c5cc, 0x1000162e5,
	0x10000b172, 0x1000058b9, 0x100002c5c, 0x10000162e, 0x100000b17,
	0x10000058b, 0x1000002c5, 0x100000162, 0x1000000b1, 0x100000058,
	0x10000002c, 0x100000016, 0x10000000b, 0x100000005, 0x100000002,
	0x100000001,
}

// exp2Q16 returns 2^(v / 2^44) in 16.16 fixed point, saturating at the
// largest uint32. v must not be negative.
func exp2Q16(v int64) uint32 {
	ip := uint(v >> log2Frac)
	frac := uint64(v) & (1<<log2Frac - 1)

	r := uint64(1) << 32
	for j := range exp2Table {
		if frac&(1<<(log2Frac-1-j)) != 0 {
			hi, lo := bits.Mul64(r, exp2Table[j])
			r = hi<<32 | lo>>32
		}
	}
	// r is in [2^32, 2^33), so any ip >= 16 leaves the 16.16 range.
	if ip >= 16 {
		return ^uint32(0)
	}
	return uint32(r >> (16 - ip))
}
