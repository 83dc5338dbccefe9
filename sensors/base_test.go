package sensors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsciiInt(t *testing.T) {
	v, ok, err := AsciiInt(Config{}, "123")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(123), v)

	v, ok, err = AsciiInt(Config{}, "-42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(-42), v)

	v, ok, err = AsciiInt(Config{Base: 16}, "2a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), v)

	_, ok, err = AsciiInt(Config{}, "not a number")
	assert.Error(t, err)
	assert.False(t, ok)

	_, ok, err = AsciiInt(Config{}, "")
	assert.Error(t, err)
	assert.False(t, ok)

	_, ok, err = AsciiInt(Config{Optional: true}, "")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestAsciiFloat(t *testing.T) {
	v, ok, err := AsciiFloat(Config{}, "3.14")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 3.14, v, 1e-9)

	for _, bad := range []string{"nan", "NaN", "inf", "-inf", "Infinity"} {
		_, ok, err := AsciiFloat(Config{}, bad)
		assert.Errorf(t, err, "expected %q to be rejected", bad)
		assert.False(t, ok)
	}

	_, ok, err = AsciiFloat(Config{}, "")
	assert.Error(t, err)
	assert.False(t, ok)

	_, ok, err = AsciiFloat(Config{Optional: true}, "")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestString(t *testing.T) {
	v, err := String("hello world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)
}

func TestConstant(t *testing.T) {
	assert.NoError(t, Constant(Config{Expect: "$$PAYLOAD"}, "$$PAYLOAD"))
	assert.Error(t, Constant(Config{Expect: "$$PAYLOAD"}, "$$OTHER"))
}

func TestTime(t *testing.T) {
	v, err := Time("12:34:56")
	require.NoError(t, err)
	assert.Equal(t, "12:34:56", v)

	v, err = Time("123456")
	require.NoError(t, err)
	assert.Equal(t, "12:34:56", v)

	v, err = Time("12:34")
	require.NoError(t, err)
	assert.Equal(t, "12:34:00", v)

	v, err = Time("1234")
	require.NoError(t, err)
	assert.Equal(t, "12:34:00", v)

	_, err = Time("25:00:00")
	assert.Error(t, err)

	_, err = Time("garbage")
	assert.Error(t, err)
}

func TestCoordinateDecimalDegrees(t *testing.T) {
	v, err := Coordinate(Config{Format: "dd.dddd", Name: "latitude"}, "51.4545")
	require.NoError(t, err)
	assert.InDelta(t, 51.4545, v, 1e-9)

	v, err = Coordinate(Config{Format: "ddd.dddd"}, "-2.5879")
	require.NoError(t, err)
	assert.InDelta(t, -2.5879, v, 1e-9)
}

func TestCoordinateDegreesMinutes(t *testing.T) {
	// 51 degrees 27.27 minutes north = 51 + 27.27/60 = 51.4545
	v, err := Coordinate(Config{Format: "ddmm.mm", Name: "latitude"}, "5127.27")
	require.NoError(t, err)
	assert.InDelta(t, 51.4545, v, 1e-6)

	// Negative degrees-minutes: the sign applies to the whole value.
	v, err = Coordinate(Config{Format: "dddmm.mm"}, "-00235.274")
	require.NoError(t, err)
	assert.Less(t, v, 0.0)
}

func TestCoordinateDegreesMinutesNegativeZeroDegrees(t *testing.T) {
	// "-00027.274" carries degrees 0 and minutes 27.274, but the degrees
	// component itself parses to negative zero: math.Copysign must still
	// read the sign off it, or the minutes get added instead of
	// subtracted and the coordinate comes out positive.
	v, err := Coordinate(Config{Format: "dddmm.mm"}, "-00027.274")
	require.NoError(t, err)
	assert.Less(t, v, 0.0)
	assert.InDelta(t, -27.274/60.0, v, 1e-6)
}

func TestCoordinateRange(t *testing.T) {
	_, err := Coordinate(Config{Format: "dd.dddd", Name: "latitude"}, "91.0")
	assert.Error(t, err)

	_, err = Coordinate(Config{Format: "ddd.dddd"}, "181.0")
	assert.Error(t, err)

	_, err = Coordinate(Config{Format: "ddd.dddd"}, "180.0")
	assert.NoError(t, err)
}

func TestCoordinateBankersRounding(t *testing.T) {
	// Degree-minute conversion rounds the summed value to len(frac)+3 places
	// using round-half-to-even, not round-half-away-from-zero.
	got := roundToEven(0.000125, 5)
	assert.Equal(t, 0.00012, got)

	got = roundToEven(0.000135, 5)
	assert.Equal(t, 0.00014, got)

	assert.NotEqual(t, math.Round(2.5), roundToEven(2.5, 0))
}
