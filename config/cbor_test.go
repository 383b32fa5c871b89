package config

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func sampleData() Data {
	d := NewData(2, 4, 2, 4)
	d.Lights = AddressSet(0).Set(0).Set(1).Set(2).Set(3)
	d.Groups["a"] = Group{Name: "a", ID: 0, Members: AddressSet(0).Set(0).Set(1)}
	d.Groups["b"] = Group{Name: "b", ID: 1, Members: AddressSet(0).Set(2).Set(3)}
	d.Switches[0] = SwitchBinding{Name: "door", Group: "a", Preset: "x"}
	d.Buttons[1] = ButtonBinding{Groups: []string{"a", "b"}, Preset: "x"}
	d.Dimmers[0] = DimmerBinding{Groups: []string{"a"}, EncoderSteps: 4, LevelSteps: 10, Mode: DimmerGroup}
	d.Selector[2] = SelectorEntry{Groups: []string{"b"}}
	levels := AllSentinel()
	levels[0] = 200
	levels[1] = 200
	levels[2] = 100
	levels[3] = 100
	d.Presets["x"] = levels
	d.Order = []string{"off", "x"}
	return d
}

func TestConfigCBORRoundTrip(t *testing.T) {
	original := sampleData()

	encoded, err := MarshalData(original)
	require.NoError(t, err)

	// The document is prefixed with the CBOR self-describe tag.
	require.Equal(t, []byte{0xD9, 0xD9, 0xF7}, encoded[:3])

	decoded, err := UnmarshalData(encoded, NewData(2, 4, 2, 4))
	require.NoError(t, err)
	require.True(t, original.Equal(decoded))
}

func TestConfigCBORUnknownKeysSkipped(t *testing.T) {
	doc := map[string]interface{}{
		"lights":      []bool{true, false, true},
		"future_key":  map[string]interface{}{"nested": 1},
		"another_one": "text",
	}
	raw, err := cbor.Marshal(doc)
	require.NoError(t, err)

	decoded, err := UnmarshalData(raw, NewData(1, 0, 0, 0))
	require.NoError(t, err)
	require.Equal(t, AddressSet(0).Set(0).Set(2), decoded.Lights)
}

func TestConfigCBORTypeMismatchFails(t *testing.T) {
	doc := map[string]interface{}{
		"lights": "not an array",
	}
	raw, err := cbor.Marshal(doc)
	require.NoError(t, err)

	_, err = UnmarshalData(raw, NewData(1, 0, 0, 0))
	require.Error(t, err)
}

func TestConfigCBORInvalidEntriesDropped(t *testing.T) {
	doc := map[string]interface{}{
		"groups": []map[string]interface{}{
			{"name": "ok", "lights": []bool{true}},
			{"name": "NOT-VALID", "lights": []bool{true}},
		},
		"presets": []map[string]interface{}{
			{"name": "good", "levels": []int{5, 300, -2, -1}},
			{"name": "off", "levels": []int{1}},
		},
	}
	raw, err := cbor.Marshal(doc)
	require.NoError(t, err)

	decoded, err := UnmarshalData(raw, NewData(0, 0, 0, 0))
	require.NoError(t, err)

	require.Contains(t, decoded.Groups, "ok")
	require.NotContains(t, decoded.Groups, "NOT-VALID")

	require.Contains(t, decoded.Presets, "good")
	require.NotContains(t, decoded.Presets, "off")
	levels := decoded.Presets["good"]
	require.Equal(t, int16(5), levels[0])
	require.Equal(t, int16(LevelSentinel), levels[1], "out-of-range level dropped")
	require.Equal(t, int16(LevelSentinel), levels[2])
	require.Equal(t, int16(LevelSentinel), levels[3])
}

func TestConfigCBOREmptyDocument(t *testing.T) {
	_, err := UnmarshalData(nil, NewData(0, 0, 0, 0))
	require.Error(t, err)
}
