package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToUpperAndLower(t *testing.T) {
	out, err := Apply("Acme Widgets", []Step{{Name: "to_upper"}})
	require.NoError(t, err)
	assert.Equal(t, "ACME WIDGETS", out)

	out, err = Apply("Acme Widgets", []Step{{Name: "to_lower"}})
	require.NoError(t, err)
	assert.Equal(t, "acme widgets", out)
}

func TestTrim(t *testing.T) {
	out, err := Apply("  hello \t", []Step{{Name: "trim"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestTruncate(t *testing.T) {
	out, err := Apply("abcdefgh", []Step{{Name: "truncate", Arg: "5"}})
	require.NoError(t, err)
	assert.Equal(t, "abcde", out)

	out, err = Apply("abc", []Step{{Name: "truncate", Arg: "5"}})
	require.NoError(t, err)
	assert.Equal(t, "abc", out)

	_, err = Apply("abc", []Step{{Name: "truncate", Arg: "nope"}})
	assert.Error(t, err)
}

func TestDateFormat(t *testing.T) {
	out, err := Apply("2024-03-05T09:30:00Z", []Step{{Name: "date_format", Arg: "2006-01-02"}})
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05", out)

	out, err = Apply("2024-03-05", []Step{{Name: "date_format", Arg: "01/02/2006"}})
	require.NoError(t, err)
	assert.Equal(t, "03/05/2024", out)

	_, err = Apply("not a date", []Step{{Name: "date_format"}})
	assert.Error(t, err)
}

func TestCurrencyRoundHalfUp(t *testing.T) {
	cases := map[float64]float64{
		19.995:  20.00,
		19.994:  19.99,
		10.005:  10.01,
		0.004:   0.00,
		100.0:   100.0,
		-19.994: -19.99,
	}

	for in, want := range cases {
		out, err := Apply(in, []Step{{Name: "currency_round"}})
		require.NoError(t, err)
		assert.InDelta(t, want, out, 0.0001, "rounding %v", in)
	}
}

func TestPhoneDigits(t *testing.T) {
	out, err := Apply("+1 (555) 867-5309", []Step{{Name: "phone_digits"}})
	require.NoError(t, err)
	assert.Equal(t, "+15558675309", out)

	out, err = Apply("555.867.5309 ext 12", []Step{{Name: "phone_digits"}})
	require.NoError(t, err)
	assert.Equal(t, "555867530912", out)
}

func TestChain(t *testing.T) {
	out, err := Apply("  Widget Deluxe Edition  ", []Step{
		{Name: "trim"},
		{Name: "to_upper"},
		{Name: "truncate", Arg: "6"},
	})
	require.NoError(t, err)
	assert.Equal(t, "WIDGET", out)
}

func TestUnknownTransform(t *testing.T) {
	_, err := Apply("x", []Step{{Name: "reverse"}})
	assert.Error(t, err)
}
