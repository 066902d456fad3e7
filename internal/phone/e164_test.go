package phone

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in, region, want string
	}{
		{"+14155550123", "US", "+14155550123"},
		{"(415) 555-0123", "US", "+14155550123"},
		{" +1 202 555 0100 ", "GB", "+12025550100"},
		{"020 7946 0958", "GB", "+442079460958"},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in, tc.region)
		require.NoError(t, err, tc.in)
		require.Equal(t, tc.want, got, tc.in)
	}
}

func TestNormalize_Withheld(t *testing.T) {
	for _, in := range []string{"", "anonymous", "Restricted"} {
		_, err := Normalize(in, "US")
		require.True(t, errors.Is(err, ErrUnparseable), in)
	}
	require.Equal(t, "anonymous", NormalizeOrRaw(" anonymous ", "US"))
}
