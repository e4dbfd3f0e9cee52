// Package hash holds the pinned integer hash functions placement depends on.
//
// Every function here is part of the placement wire contract: two nodes that
// disagree on a single output bit will disagree on placement. Nothing in this
// package may change without introducing a new Algorithm value.
package hash

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Algorithm selects the 32-bit mixing function used for every selection draw.
type Algorithm uint8

const (
	// RJenkins1 is Robert Jenkins' 96-bit mix folded to 32 bits.
	RJenkins1 Algorithm = 0
	// XXH64 folds an xxhash64 digest of the little-endian arguments.
	XXH64 Algorithm = 1
)

const seed uint32 = 1315423911

func (a Algorithm) String() string {
	switch a {
	case RJenkins1:
		return "rjenkins1"
	case XXH64:
		return "xxhash64"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// ParseAlgorithm parses the textual name of a hash algorithm.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch s {
	case "", "rjenkins1":
		return RJenkins1, nil
	case "xxhash64":
		return XXH64, nil
	default:
		return 0, fmt.Errorf("unknown hash algorithm %q", s)
	}
}

func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown hash algorithm %d", uint8(a))
	}
	return []byte(a.String()), nil
}

func (a *Algorithm) UnmarshalText(text []byte) error {
	v, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	return a == RJenkins1 || a == XXH64
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= b
	a -= c
	a ^= c >> 13
	b -= c
	b -= a
	b ^= a << 8
	c -= a
	c -= b
	c ^= b >> 13
	a -= b
	a -= c
	a ^= c >> 12
	b -= c
	b -= a
	b ^= a << 16
	c -= a
	c -= b
	c ^= b >> 5
	a -= b
	a -= c
	a ^= c >> 3
	b -= c
	b -= a
	b ^= a << 10
	c -= a
	c -= b
	c ^= b >> 15
	return a, b, c
}

// Hash2 mixes two words.
func (a Algorithm) Hash2(x, y uint32) uint32 {
	if a == XXH64 {
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:], x)
		binary.LittleEndian.PutUint32(buf[4:], y)
		return fold(xxhash.Sum64(buf[:]))
	}

	h := seed ^ x ^ y
	p, q := uint32(231232), uint32(1232)
	x, y, h = mix(x, y, h)
	_, _, h = mix(p, x, h)
	_, _, h = mix(y, q, h)
	return h
}

// Hash3 mixes three words.
func (a Algorithm) Hash3(x, y, z uint32) uint32 {
	if a == XXH64 {
		var buf [12]byte
		binary.LittleEndian.PutUint32(buf[0:], x)
		binary.LittleEndian.PutUint32(buf[4:], y)
		binary.LittleEndian.PutUint32(buf[8:], z)
		return fold(xxhash.Sum64(buf[:]))
	}

	h := seed ^ x ^ y ^ z
	p, q := uint32(231232), uint32(1232)
	x, y, h = mix(x, y, h)
	z, p, h = mix(z, p, h)
	q, x, h = mix(q, x, h)
	y, p, h = mix(y, p, h)
	_, _, h = mix(q, z, h)
	return h
}

// Hash4 mixes four words.
func (a Algorithm) Hash4(x, y, z, w uint32) uint32 {
	if a == XXH64 {
		var buf [16]byte
		binary.LittleEndian.PutUint32(buf[0:], x)
		binary.LittleEndian.PutUint32(buf[4:], y)
		binary.LittleEndian.PutUint32(buf[8:], z)
		binary.LittleEndian.PutUint32(buf[12:], w)
		return fold(xxhash.Sum64(buf[:]))
	}

	h := seed ^ x ^ y ^ z ^ w
	p, q := uint32(231232), uint32(1232)
	x, y, h = mix(x, y, h)
	z, w, h = mix(z, w, h)
	x, p, h = mix(x, p, h)
	q, y, h = mix(q, y, h)
	z, p, h = mix(z, p, h)
	_, _, h = mix(q, w, h)
	return h
}

func fold(v uint64) uint32 {
	return uint32(v) ^ uint32(v>>32)
}
