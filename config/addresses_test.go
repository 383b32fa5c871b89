package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressSetBasics(t *testing.T) {
	var s AddressSet
	require.True(t, s.Empty())

	s = s.Set(0).Set(1).Set(2)
	require.Equal(t, 3, s.Count())
	require.True(t, s.Test(1))
	require.False(t, s.Test(3))

	s = s.Clear(1)
	require.False(t, s.Test(1))
	require.Equal(t, 2, s.Count())

	// Out-of-range addresses are ignored.
	require.Equal(t, s, s.Set(64))
	require.Equal(t, s, s.Set(-1))
}

func TestAddressSetHex(t *testing.T) {
	s := AddressSet(0).Set(0).Set(1).Set(2)
	require.Equal(t, "000102", s.Hex())

	require.Equal(t, "(null)", AddressSet(0).Hex())

	s = AddressSet(0).Set(10).Set(63)
	require.Equal(t, "0A3F", s.Hex())
}

func TestParseAddressSetHex(t *testing.T) {
	tests := []struct {
		input string
		want  AddressSet
	}{
		{"000102", AddressSet(0).Set(0).Set(1).Set(2)},
		{"0a3f", AddressSet(0).Set(10).Set(63)},
		{"0A3F", AddressSet(0).Set(10).Set(63)},
		{"", AddressSet(0)},
		{"0", AddressSet(0)},
		{"40", AddressSet(0)}, // beyond MaxAddr
		{"zz05", AddressSet(0).Set(5)},
		{"05zz", AddressSet(0).Set(5)},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ParseAddressSetHex(tt.input), "input %q", tt.input)
	}
}

func TestAddressSetRoundTrip(t *testing.T) {
	s := AddressSet(0).Set(3).Set(17).Set(42).Set(63)
	require.Equal(t, s, ParseAddressSetHex(s.Hex()))
}
