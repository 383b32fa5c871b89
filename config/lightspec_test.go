package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func specData() Data {
	d := NewData(0, 0, 0, 0)
	d.Groups["kitchen"] = Group{Name: "kitchen", ID: 3, Members: AddressSet(0).Set(5).Set(6)}
	return d
}

func TestParseLightSpec(t *testing.T) {
	d := specData()

	tests := []struct {
		input  string
		want   AddressSet
		idle   bool
		groups []string
	}{
		{"all", AllAddresses, false, nil},
		{"", AddressSet(0), false, nil},
		{"5", AddressSet(0).Set(5), false, nil},
		{"2-4", AddressSet(0).Set(2).Set(3).Set(4), false, nil},
		{"kitchen", AddressSet(0).Set(5).Set(6), false, []string{"kitchen"}},
		{"kitchen,1", AddressSet(0).Set(1).Set(5).Set(6), false, []string{"kitchen"}},
		{"idle,all", AllAddresses, true, nil},
		{"idle", AddressSet(0), true, nil},
		// Broken items are skipped, the rest applies.
		{"bogus,3", AddressSet(0).Set(3), false, nil},
		{"64,3", AddressSet(0).Set(3), false, nil},
		{"9-2,3", AddressSet(0).Set(3), false, nil},
		{"1-64,3", AddressSet(0).Set(3), false, nil},
		{"-1,3", AddressSet(0).Set(3), false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			spec := d.ParseLightSpec(tt.input)
			require.Equal(t, tt.want, spec.Addresses)
			require.Equal(t, tt.idle, spec.Idle)
			require.Equal(t, tt.groups, spec.Groups)
		})
	}
}

func TestParseLightSpecSubsetInvariant(t *testing.T) {
	d := specData()
	inputs := []string{"all", "0-63", "1,2,kitchen", "999", "x-y", "63", "idle,62-63"}
	for _, input := range inputs {
		spec := d.ParseLightSpec(input)
		require.Equal(t, spec.Addresses, spec.Addresses.Intersect(AllAddresses))
	}
}
