package tunables

import (
	"testing"

	"github.com/stretchr/testify/require"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/hash"
)

func TestLookup(t *testing.T) {
	for _, name := range Names() {
		p, err := Lookup(name)
		require.NoError(t, err, name)
		require.NoError(t, p.Validate(), name)
	}

	optimal, err := Lookup("optimal")
	require.NoError(t, err)
	require.Equal(t, "jewel", optimal.Name)
	require.True(t, Default().Equal(optimal))

	_, err = Lookup("reef")
	require.ErrorIs(t, err, zerrors.ErrUnknownProfile)
}

func TestProfiles_OnlyAddFixes(t *testing.T) {
	legacy, _ := Lookup("legacy")
	require.EqualValues(t, 19, legacy.ChooseTotalTries)
	require.False(t, legacy.Allows(5))
	require.True(t, legacy.Allows(4))

	jewel, _ := Lookup("jewel")
	require.True(t, jewel.ChooseleafStable)
	require.EqualValues(t, 1, jewel.StrawCalcVersion)
	require.True(t, jewel.Allows(5))
	require.Equal(t, 51, jewel.MaxRetries())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Profile)
	}{
		{"hash", func(p *Profile) { p.Hash = hash.Algorithm(7) }},
		{"total tries", func(p *Profile) { p.ChooseTotalTries = 0 }},
		{"vary r", func(p *Profile) { p.ChooseleafVaryR = 40 }},
		{"straw calc", func(p *Profile) { p.StrawCalcVersion = 2 }},
		{"no algs", func(p *Profile) { p.AllowedBucketAlgs = 0 }},
		{"unknown alg bit", func(p *Profile) { p.AllowedBucketAlgs |= 1 << 9 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Default()
			tt.mutate(&p)
			require.ErrorIs(t, p.Validate(), zerrors.ErrUnknownProfile)
		})
	}
}

func TestEqual_IgnoresLabels(t *testing.T) {
	a := Default()
	b := Default()
	b.Name, b.Version = "custom", 99
	require.True(t, a.Equal(b))
	b.Hash = hash.XXH64
	require.False(t, a.Equal(b))
}
