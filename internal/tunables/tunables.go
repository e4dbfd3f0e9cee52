// Package tunables defines the versioned behaviour flags that travel with a
// topology snapshot.
//
// Every node mapping against the same epoch must apply the same profile, so a
// Profile is only ever read from a snapshot, never from local configuration.
// Profiles are named after the release that introduced them; each one only
// adds fixes on top of the previous one.
package tunables

import (
	"fmt"
	"sort"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/hash"
)

// Bucket algorithm bits used by Profile.AllowedBucketAlgs. They mirror the
// numeric values of topology.Algorithm.
const (
	AlgUniform uint32 = 1 << 1
	AlgList    uint32 = 1 << 2
	AlgTree    uint32 = 1 << 3
	AlgStraw   uint32 = 1 << 4
	AlgStraw2  uint32 = 1 << 5

	legacyAlgs = AlgUniform | AlgList | AlgStraw
	allAlgs    = AlgUniform | AlgList | AlgTree | AlgStraw | AlgStraw2
)

// Profile is a set of flags controlling hash composition and retry limits.
type Profile struct {
	Version uint32         `cbor:"1,keyasint" yaml:"version"`
	Name    string         `cbor:"2,keyasint" yaml:"name"`
	Hash    hash.Algorithm `cbor:"3,keyasint" yaml:"hash"`

	// ChooseLocalTries is the number of collision retries inside the
	// same bucket before restarting the descent.
	ChooseLocalTries uint32 `cbor:"4,keyasint" yaml:"choose_local_tries"`
	// ChooseLocalFallbackTries enables the exhaustive permutation scan of
	// a bucket after that many local failures.
	ChooseLocalFallbackTries uint32 `cbor:"5,keyasint" yaml:"choose_local_fallback_tries"`
	// ChooseTotalTries bounds the number of descents per output slot.
	ChooseTotalTries uint32 `cbor:"6,keyasint" yaml:"choose_total_tries"`
	// ChooseleafDescendOnce limits the leaf recursion to one attempt.
	ChooseleafDescendOnce bool `cbor:"7,keyasint" yaml:"chooseleaf_descend_once"`
	// ChooseleafVaryR feeds the parent's r into the leaf recursion.
	ChooseleafVaryR uint8 `cbor:"8,keyasint" yaml:"chooseleaf_vary_r"`
	// ChooseleafStable keeps leaf choices independent of the slot index.
	ChooseleafStable bool `cbor:"9,keyasint" yaml:"chooseleaf_stable"`
	// StrawCalcVersion selects how legacy straw lengths are derived.
	StrawCalcVersion uint8 `cbor:"10,keyasint" yaml:"straw_calc_version"`
	// AllowedBucketAlgs is a bitmask of the Alg* constants.
	AllowedBucketAlgs uint32 `cbor:"11,keyasint" yaml:"allowed_bucket_algs"`
}

var profiles = map[string]Profile{
	"legacy": {
		Version:                  1,
		Name:                     "legacy",
		ChooseLocalTries:         2,
		ChooseLocalFallbackTries: 5,
		ChooseTotalTries:         19,
		AllowedBucketAlgs:        legacyAlgs,
	},
	"bobtail": {
		Version:               2,
		Name:                  "bobtail",
		ChooseTotalTries:      50,
		ChooseleafDescendOnce: true,
		AllowedBucketAlgs:     legacyAlgs,
	},
	"firefly": {
		Version:               3,
		Name:                  "firefly",
		ChooseTotalTries:      50,
		ChooseleafDescendOnce: true,
		ChooseleafVaryR:       1,
		AllowedBucketAlgs:     legacyAlgs | AlgTree,
	},
	"hammer": {
		Version:               4,
		Name:                  "hammer",
		ChooseTotalTries:      50,
		ChooseleafDescendOnce: true,
		ChooseleafVaryR:       1,
		AllowedBucketAlgs:     allAlgs,
	},
	"jewel": {
		Version:               5,
		Name:                  "jewel",
		ChooseTotalTries:      50,
		ChooseleafDescendOnce: true,
		ChooseleafVaryR:       1,
		ChooseleafStable:      true,
		StrawCalcVersion:      1,
		AllowedBucketAlgs:     allAlgs,
	},
}

var aliases = map[string]string{
	"argonaut": "legacy",
	"optimal":  "jewel",
	"default":  "jewel",
}

// Lookup returns the named profile.
func Lookup(name string) (Profile, error) {
	if target, ok := aliases[name]; ok {
		name = target
	}
	p, ok := profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", zerrors.ErrUnknownProfile, name)
	}
	return p, nil
}

// Default returns the profile new topologies get when none is given.
func Default() Profile {
	p, _ := Lookup("default")
	return p
}

// Names lists every accepted profile name, aliases included.
func Names() []string {
	names := make([]string, 0, len(profiles)+len(aliases))
	for n := range profiles {
		names = append(names, n)
	}
	for n := range aliases {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that the profile can drive the engine.
func (p Profile) Validate() error {
	if !p.Hash.Valid() {
		return fmt.Errorf("%w: unsupported hash %s", zerrors.ErrUnknownProfile, p.Hash)
	}
	if p.ChooseTotalTries == 0 {
		return fmt.Errorf("%w: choose_total_tries must be positive", zerrors.ErrUnknownProfile)
	}
	if p.ChooseleafVaryR > 31 {
		return fmt.Errorf("%w: chooseleaf_vary_r %d out of range", zerrors.ErrUnknownProfile, p.ChooseleafVaryR)
	}
	if p.StrawCalcVersion > 1 {
		return fmt.Errorf("%w: straw_calc_version %d unsupported", zerrors.ErrUnknownProfile, p.StrawCalcVersion)
	}
	if p.AllowedBucketAlgs == 0 || p.AllowedBucketAlgs&^allAlgs != 0 {
		return fmt.Errorf("%w: allowed_bucket_algs %#x", zerrors.ErrUnknownProfile, p.AllowedBucketAlgs)
	}
	return nil
}

// Allows reports whether buckets of the algorithm with numeric value alg may
// appear in a topology using this profile.
func (p Profile) Allows(alg uint8) bool {
	return p.AllowedBucketAlgs&(1<<alg) != 0
}

// MaxRetries is the number of descents attempted for one output slot.
func (p Profile) MaxRetries() int {
	return int(p.ChooseTotalTries) + 1
}

// Equal reports whether two profiles yield identical placement.
func (p Profile) Equal(o Profile) bool {
	p.Name, o.Name = "", ""
	p.Version, o.Version = 0, 0
	return p == o
}
