package pump

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Canonical units are picoliters for volume and picoliters per second for
// flow. The pump reports quantities in whichever denomination fits its
// display, so every comparison happens in canonical units after an exact
// decimal conversion, rounded once at the end. Repeated round-trips through
// device strings therefore cannot accumulate float error.

// VolumeUnit is a volume denomination accepted by the pump.
type VolumeUnit string

const (
	Milliliters VolumeUnit = "ml"
	Microliters VolumeUnit = "ul"
	Nanoliters  VolumeUnit = "nl"
	Picoliters  VolumeUnit = "pl"
)

// RateUnit is a compound volume-per-time unit, e.g. "ml/min".
type RateUnit string

// picolitersPer maps each volume denomination to exact picoliters.
var picolitersPer = map[VolumeUnit]decimal.Decimal{
	Milliliters: decimal.New(1, 9),
	Microliters: decimal.New(1, 6),
	Nanoliters:  decimal.New(1, 3),
	Picoliters:  decimal.New(1, 0),
}

var secondsPer = map[string]decimal.Decimal{
	"hr":  decimal.NewFromInt(3600),
	"min": decimal.NewFromInt(60),
	"sec": decimal.NewFromInt(1),
}

type rateFactor struct {
	picoliters decimal.Decimal // per one volume unit
	seconds    decimal.Decimal // per one time unit
}

// rateTable covers the full volume x time cross product (12 compound
// units). It is built from the two maps above so a missing entry is
// impossible rather than merely untested; the table test still asserts the
// expected size and membership.
var rateTable = func() map[RateUnit]rateFactor {
	t := make(map[RateUnit]rateFactor, len(picolitersPer)*len(secondsPer))
	for vu, pl := range picolitersPer {
		for tu, secs := range secondsPer {
			t[RateUnit(string(vu)+"/"+tu)] = rateFactor{picoliters: pl, seconds: secs}
		}
	}
	return t
}()

// RateUnits returns the accepted compound rate units, for validation
// messages and UI pickers. Order is unspecified.
func RateUnits() []RateUnit {
	out := make([]RateUnit, 0, len(rateTable))
	for u := range rateTable {
		out = append(out, u)
	}
	return out
}

// ToCanonicalRate converts value in unit to whole picoliters per second,
// rounded half away from zero. Unknown units are a validation failure.
func ToCanonicalRate(value decimal.Decimal, unit RateUnit) (int64, error) {
	f, ok := rateTable[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown rate unit %q", ErrValidation, unit)
	}
	return value.Mul(f.picoliters).DivRound(f.seconds, 0).IntPart(), nil
}

// FromCanonicalRate renders a canonical rate back in unit. Display helper;
// 12 decimal places are far beyond the pump's four significant digits.
func FromCanonicalRate(plps int64, unit RateUnit) (decimal.Decimal, error) {
	f, ok := rateTable[unit]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: unknown rate unit %q", ErrValidation, unit)
	}
	return decimal.NewFromInt(plps).Mul(f.seconds).DivRound(f.picoliters, 12), nil
}

// ToCanonicalVolume converts value in unit to picoliters. The result keeps
// its fractional part: the pump meaningfully reports fractional picoliters
// when estimating run times, and only the integer command boundary rounds.
func ToCanonicalVolume(value decimal.Decimal, unit VolumeUnit) (decimal.Decimal, error) {
	pl, ok := picolitersPer[unit]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: unknown volume unit %q", ErrValidation, unit)
	}
	return value.Mul(pl), nil
}

// splitQuantity parses device strings of the form "2.5 ml/min" or "1 ul"
// into an exact decimal value and its unit token.
func splitQuantity(s string) (decimal.Decimal, string, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return decimal.Decimal{}, "", fmt.Errorf("%w: malformed quantity %q", ErrProtocol, s)
	}
	v, err := decimal.NewFromString(fields[0])
	if err != nil {
		return decimal.Decimal{}, "", fmt.Errorf("%w: malformed number in %q", ErrProtocol, s)
	}
	return v, fields[1], nil
}
