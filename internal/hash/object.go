package hash

// String hashes an object name with Jenkins' lookup2 function. It is the
// first step of mapping an object to a placement group.
func String(s string) uint32 {
	k := []byte(s)
	length := uint32(len(k))

	a := uint32(0x9e3779b9)
	b := a
	c := uint32(0)

	for len(k) >= 12 {
		a += uint32(k[0]) | uint32(k[1])<<8 | uint32(k[2])<<16 | uint32(k[3])<<24
		b += uint32(k[4]) | uint32(k[5])<<8 | uint32(k[6])<<16 | uint32(k[7])<<24
		c += uint32(k[8]) | uint32(k[9])<<8 | uint32(k[10])<<16 | uint32(k[11])<<24
		a, b, c = mix(a, b, c)
		k = k[12:]
	}

	c += length
	// the first byte of c is reserved for the length
	switch len(k) {
	case 11:
		c += uint32(k[10]) << 24
		fallthrough
	case 10:
		c += uint32(k[9]) << 16
		fallthrough
	case 9:
		c += uint32(k[8]) << 8
		fallthrough
	case 8:
		b += uint32(k[7]) << 24
		fallthrough
	case 7:
		b += uint32(k[6]) << 16
		fallthrough
	case 6:
		b += uint32(k[5]) << 8
		fallthrough
	case 5:
		b += uint32(k[4])
		fallthrough
	case 4:
		a += uint32(k[3]) << 24
		fallthrough
	case 3:
		a += uint32(k[2]) << 16
		fallthrough
	case 2:
		a += uint32(k[1]) << 8
		fallthrough
	case 1:
		a += uint32(k[0])
	}

	_, _, c = mix(a, b, c)
	return c
}

// StableMod maps x into [0, b) such that growing b only splits existing
// buckets instead of reshuffling all of them. mask must be the smallest
// 2^n-1 that is >= b-1.
func StableMod(x, b, mask uint32) uint32 {
	if x&mask < b {
		return x & mask
	}
	return x & (mask >> 1)
}

// MaskFor returns the stable mod mask for b buckets.
func MaskFor(b uint32) uint32 {
	if b <= 1 {
		return 0
	}
	m := uint32(1)
	for m < b {
		m <<= 1
	}
	return m - 1
}
