package config

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// selfDescribeTag is the encoded CBOR self-describe tag (55799) prefixed to
// the config file so that foreign tools can identify the format.
var selfDescribeTag = []byte{0xD9, 0xD9, 0xF7}

type fileGroup struct {
	Name   string `cbor:"name"`
	ID     *int   `cbor:"id,omitempty"`
	Lights []bool `cbor:"lights"`
}

type fileSwitch struct {
	Name   string `cbor:"name"`
	Group  string `cbor:"group"`
	Preset string `cbor:"preset"`
}

type fileButton struct {
	Groups []string `cbor:"groups"`
	Preset string   `cbor:"preset"`
}

type fileDimmer struct {
	Groups       []string `cbor:"groups"`
	EncoderSteps int      `cbor:"encoder_steps"`
	LevelSteps   int      `cbor:"level_steps"`
	Mode         string   `cbor:"mode"`
}

type fileSelector struct {
	Groups []string `cbor:"groups"`
}

type filePreset struct {
	Name   string  `cbor:"name"`
	Levels []int16 `cbor:"levels"`
}

type fileConfig struct {
	Lights   []bool         `cbor:"lights"`
	Groups   []fileGroup    `cbor:"groups"`
	Switches []fileSwitch   `cbor:"switches"`
	Buttons  []fileButton   `cbor:"buttons"`
	Dimmers  []fileDimmer   `cbor:"dimmers"`
	Selector []fileSelector `cbor:"selector"`
	Presets  []filePreset   `cbor:"presets"`
	Order    []string       `cbor:"order"`
}

// MarshalData encodes a configuration as a self-describing CBOR document.
func MarshalData(d Data) ([]byte, error) {
	file := fileConfig{
		Lights:   make([]bool, MaxAddresses),
		Switches: make([]fileSwitch, len(d.Switches)),
		Buttons:  make([]fileButton, len(d.Buttons)),
		Dimmers:  make([]fileDimmer, len(d.Dimmers)),
		Selector: make([]fileSelector, len(d.Selector)),
		Order:    append([]string(nil), d.Order...),
	}
	for addr := 0; addr < MaxAddresses; addr++ {
		file.Lights[addr] = d.Lights.Test(addr)
	}
	for _, name := range sortedGroupNames(d.Groups) {
		g := d.Groups[name]
		id := g.ID
		members := make([]bool, MaxAddresses)
		for addr := 0; addr < MaxAddresses; addr++ {
			members[addr] = g.Members.Test(addr)
		}
		file.Groups = append(file.Groups, fileGroup{Name: name, ID: &id, Lights: members})
	}
	for i, b := range d.Switches {
		file.Switches[i] = fileSwitch{Name: b.Name, Group: b.Group, Preset: b.Preset}
	}
	for i, b := range d.Buttons {
		file.Buttons[i] = fileButton{Groups: append([]string(nil), b.Groups...), Preset: b.Preset}
	}
	for i, b := range d.Dimmers {
		file.Dimmers[i] = fileDimmer{
			Groups:       append([]string(nil), b.Groups...),
			EncoderSteps: b.EncoderSteps,
			LevelSteps:   b.LevelSteps,
			Mode:         b.Mode.String(),
		}
	}
	for i, sel := range d.Selector {
		file.Selector[i] = fileSelector{Groups: append([]string(nil), sel.Groups...)}
	}
	for _, name := range sortedPresetNames(d.Presets) {
		levels := d.Presets[name]
		file.Presets = append(file.Presets, filePreset{Name: name, Levels: levels[:]})
	}

	encoded, err := cbor.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return append(append([]byte(nil), selfDescribeTag...), encoded...), nil
}

// UnmarshalData decodes a CBOR config document into geometry, which supplies
// the hardware binding counts. Unknown map keys are skipped; a type mismatch
// inside a known key fails the whole load. Invalid entries (bad names,
// out-of-range levels) are dropped individually.
func UnmarshalData(raw []byte, geometry Data) (Data, error) {
	if len(raw) == 0 {
		return Data{}, errors.New("empty config document")
	}
	raw = bytes.TrimPrefix(raw, selfDescribeTag)

	var file fileConfig
	if err := cbor.Unmarshal(raw, &file); err != nil {
		return Data{}, fmt.Errorf("decode config: %w", err)
	}

	d := NewData(len(geometry.Switches), len(geometry.Buttons), len(geometry.Dimmers), len(geometry.Selector))

	for addr, present := range file.Lights {
		if addr >= MaxAddresses {
			break
		}
		if present {
			d.Lights = d.Lights.Set(addr)
		}
	}

	for _, g := range file.Groups {
		if !ValidGroupName(g.Name) {
			continue
		}
		group := Group{Name: g.Name, ID: -1}
		if g.ID != nil {
			group.ID = *g.ID
		}
		for addr, member := range g.Lights {
			if addr >= MaxAddresses {
				break
			}
			if member {
				group.Members = group.Members.Set(addr)
			}
		}
		d.Groups[g.Name] = group
	}

	for i, b := range file.Switches {
		if i >= len(d.Switches) {
			break
		}
		binding := SwitchBinding{Name: b.Name}
		if b.Group == "" || ValidGroupName(b.Group) {
			binding.Group = b.Group
		}
		if b.Preset == "" || b.Preset == BuiltinPresetOff || ValidPresetName(b.Preset) {
			binding.Preset = b.Preset
		}
		d.Switches[i] = binding
	}

	for i, b := range file.Buttons {
		if i >= len(d.Buttons) {
			break
		}
		binding := ButtonBinding{}
		for _, name := range b.Groups {
			if ValidGroupName(name) {
				binding.Groups = append(binding.Groups, name)
			}
		}
		if b.Preset == "" || b.Preset == BuiltinPresetOff || ValidPresetName(b.Preset) {
			binding.Preset = b.Preset
		}
		d.Buttons[i] = binding
	}

	for i, b := range file.Dimmers {
		if i >= len(d.Dimmers) {
			break
		}
		binding := DimmerBinding{}
		for _, name := range b.Groups {
			if ValidGroupName(name) {
				binding.Groups = append(binding.Groups, name)
			}
		}
		if b.EncoderSteps >= -127 && b.EncoderSteps <= 127 {
			binding.EncoderSteps = b.EncoderSteps
		}
		if b.LevelSteps >= 0 && b.LevelSteps <= MaxLevel {
			binding.LevelSteps = b.LevelSteps
		}
		if mode, ok := ParseDimmerMode(b.Mode); ok {
			binding.Mode = mode
		}
		d.Dimmers[i] = binding
	}

	for i, sel := range file.Selector {
		if i >= len(d.Selector) {
			break
		}
		entry := SelectorEntry{}
		for _, name := range sel.Groups {
			if ValidGroupName(name) {
				entry.Groups = append(entry.Groups, name)
			}
		}
		d.Selector[i] = entry
	}

	for _, p := range file.Presets {
		if !ValidPresetName(p.Name) {
			continue
		}
		if _, dup := d.Presets[p.Name]; dup {
			continue
		}
		if len(d.Presets) >= MaxPresets {
			break
		}
		levels := AllSentinel()
		for addr, value := range p.Levels {
			if addr >= MaxAddresses {
				break
			}
			if value >= LevelSentinel && value <= MaxLevel {
				levels[addr] = value
			}
		}
		d.Presets[p.Name] = levels
	}

	for _, name := range file.Order {
		if name == BuiltinPresetOff || ValidPresetName(name) {
			d.Order = append(d.Order, name)
		}
	}

	return d, nil
}

func sortedGroupNames(groups map[string]Group) []string {
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedPresetNames(presets map[string]Levels) []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
