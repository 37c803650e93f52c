package pump

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateTableCoversCrossProduct(t *testing.T) {
	units := RateUnits()
	require.Len(t, units, 12)
	for _, vu := range []string{"ml", "ul", "nl", "pl"} {
		for _, tu := range []string{"hr", "min", "sec"} {
			assert.Contains(t, units, RateUnit(vu+"/"+tu))
		}
	}
}

func TestToCanonicalRate(t *testing.T) {
	cases := []struct {
		value string
		unit  RateUnit
		want  int64
	}{
		{"1", "ml/sec", 1000000000},
		{"1", "ml/min", 16666667}, // 1e9/60 rounds half up
		{"1", "ml/hr", 277778},
		{"2.5", "ml/min", 41666667},
		{"1", "ul/sec", 1000000},
		{"16.6667", "nl/min", 278},
		{"1", "pl/hr", 0}, // below one pL/s, rounds to zero
	}
	for _, c := range cases {
		v, err := decimal.NewFromString(c.value)
		require.NoError(t, err)
		got, err := ToCanonicalRate(v, c.unit)
		require.NoError(t, err, "%s %s", c.value, c.unit)
		assert.Equal(t, c.want, got, "%s %s", c.value, c.unit)
	}
}

func TestToCanonicalRateUnknownUnit(t *testing.T) {
	_, err := ToCanonicalRate(decimal.NewFromInt(1), "ml/fortnight")
	require.ErrorIs(t, err, ErrValidation)
}

func TestRateRoundTrip(t *testing.T) {
	// Converting back to the source unit must land within one canonical
	// step of the original, whichever unit was used.
	for _, unit := range RateUnits() {
		v := decimal.RequireFromString("3")
		plps, err := ToCanonicalRate(v, unit)
		require.NoError(t, err)
		back, err := FromCanonicalRate(plps, unit)
		require.NoError(t, err)
		again, err := ToCanonicalRate(back, unit)
		require.NoError(t, err)
		assert.InDelta(t, plps, again, 1, "unit %s", unit)
	}
}

func TestToCanonicalVolumeKeepsFraction(t *testing.T) {
	v, err := ToCanonicalVolume(decimal.RequireFromString("2.5"), Milliliters)
	require.NoError(t, err)
	assert.True(t, v.Equal(decimal.New(25, 8)), "got %s", v)

	half, err := ToCanonicalVolume(decimal.RequireFromString("0.5"), Picoliters)
	require.NoError(t, err)
	assert.True(t, half.Equal(decimal.RequireFromString("0.5")), "got %s", half)

	_, err = ToCanonicalVolume(decimal.NewFromInt(1), "gal")
	require.ErrorIs(t, err, ErrValidation)
}

func TestSplitQuantity(t *testing.T) {
	v, unit, err := splitQuantity("2.5 ml/min")
	require.NoError(t, err)
	assert.Equal(t, "ml/min", unit)
	assert.True(t, v.Equal(decimal.RequireFromString("2.5")))

	for _, bad := range []string{"", "2.5", "2.5 ml min", "abc ml"} {
		_, _, err := splitQuantity(bad)
		assert.ErrorIs(t, err, ErrProtocol, "input %q", bad)
	}
}
