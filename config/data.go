package config

// MaxGroups is the number of group ids available on the bus.
const MaxGroups = 16

// MaxPresets caps the number of stored presets.
const MaxPresets = 50

// LevelSentinel marks a preset entry as "no change" in the external form.
const LevelSentinel = -1

// MaxLevel is the highest direct arc power level.
const MaxLevel = 254

// Levels is a per-address level vector in the external representation:
// 0..254 is a drive level, -1 leaves the address alone on any merge.
type Levels [MaxAddresses]int16

// AllSentinel returns a vector with every entry set to no-change.
func AllSentinel() Levels {
	var l Levels
	for i := range l {
		l[i] = LevelSentinel
	}
	return l
}

// Group is a user-named bundle of addresses with a bus-level group id.
type Group struct {
	Name    string
	ID      int
	Members AddressSet
}

// SwitchBinding maps a physical switch to a group and preset. The switch is
// armed only when both are set.
type SwitchBinding struct {
	Name   string
	Group  string
	Preset string
}

// Armed reports whether the switch drives lights on a transition.
func (b SwitchBinding) Armed() bool { return b.Group != "" && b.Preset != "" }

// ButtonBinding maps a pushbutton to a preset on a set of groups.
type ButtonBinding struct {
	Groups []string
	Preset string
}

// DimmerMode selects how a rotary dimmer applies its delta.
type DimmerMode int

const (
	DimmerIndividual DimmerMode = iota
	DimmerGroup
)

func (m DimmerMode) String() string {
	switch m {
	case DimmerIndividual:
		return "individual"
	case DimmerGroup:
		return "group"
	}
	return "unknown"
}

// ParseDimmerMode parses the text form used on the wire and in the config
// file.
func ParseDimmerMode(text string) (DimmerMode, bool) {
	switch text {
	case "individual":
		return DimmerIndividual, true
	case "group":
		return DimmerGroup, true
	}
	return DimmerIndividual, false
}

// DimmerBinding maps a rotary encoder to a set of groups.
type DimmerBinding struct {
	Groups       []string
	EncoderSteps int
	LevelSteps   int
	Mode         DimmerMode
}

// SelectorEntry is the alternative group list used when a binding's own
// groups are empty and the hardware selector sits at this position.
type SelectorEntry struct {
	Groups []string
}

// Data is the complete validated device configuration.
type Data struct {
	Lights   AddressSet
	Groups   map[string]Group
	Switches []SwitchBinding
	Buttons  []ButtonBinding
	Dimmers  []DimmerBinding
	Selector []SelectorEntry
	Presets  map[string]Levels
	Order    []string
}

// NewData returns an empty configuration sized for the given hardware.
func NewData(numSwitches, numButtons, numDimmers, numSelector int) Data {
	return Data{
		Groups:   make(map[string]Group),
		Switches: make([]SwitchBinding, numSwitches),
		Buttons:  make([]ButtonBinding, numButtons),
		Dimmers:  make([]DimmerBinding, numDimmers),
		Selector: make([]SelectorEntry, numSelector),
		Presets:  make(map[string]Levels),
	}
}

// Clone returns a deep copy.
func (d Data) Clone() Data {
	out := d
	out.Groups = make(map[string]Group, len(d.Groups))
	for name, g := range d.Groups {
		out.Groups[name] = g
	}
	out.Switches = append([]SwitchBinding(nil), d.Switches...)
	out.Buttons = make([]ButtonBinding, len(d.Buttons))
	for i, b := range d.Buttons {
		b.Groups = append([]string(nil), b.Groups...)
		out.Buttons[i] = b
	}
	out.Dimmers = make([]DimmerBinding, len(d.Dimmers))
	for i, b := range d.Dimmers {
		b.Groups = append([]string(nil), b.Groups...)
		out.Dimmers[i] = b
	}
	out.Selector = make([]SelectorEntry, len(d.Selector))
	for i, s := range d.Selector {
		s.Groups = append([]string(nil), s.Groups...)
		out.Selector[i] = s
	}
	out.Presets = make(map[string]Levels, len(d.Presets))
	for name, levels := range d.Presets {
		out.Presets[name] = levels
	}
	out.Order = append([]string(nil), d.Order...)
	return out
}

// Equal reports whether two configurations are identical.
func (d Data) Equal(other Data) bool {
	if d.Lights != other.Lights ||
		len(d.Groups) != len(other.Groups) ||
		len(d.Switches) != len(other.Switches) ||
		len(d.Buttons) != len(other.Buttons) ||
		len(d.Dimmers) != len(other.Dimmers) ||
		len(d.Selector) != len(other.Selector) ||
		len(d.Presets) != len(other.Presets) ||
		len(d.Order) != len(other.Order) {
		return false
	}
	for name, g := range d.Groups {
		og, ok := other.Groups[name]
		if !ok || og.ID != g.ID || og.Members != g.Members {
			return false
		}
	}
	for i, b := range d.Switches {
		if other.Switches[i] != b {
			return false
		}
	}
	for i, b := range d.Buttons {
		if b.Preset != other.Buttons[i].Preset || !equalStrings(b.Groups, other.Buttons[i].Groups) {
			return false
		}
	}
	for i, b := range d.Dimmers {
		ob := other.Dimmers[i]
		if b.EncoderSteps != ob.EncoderSteps || b.LevelSteps != ob.LevelSteps ||
			b.Mode != ob.Mode || !equalStrings(b.Groups, ob.Groups) {
			return false
		}
	}
	for i, s := range d.Selector {
		if !equalStrings(s.Groups, other.Selector[i].Groups) {
			return false
		}
	}
	for name, levels := range d.Presets {
		if other.Presets[name] != levels {
			return false
		}
	}
	for i, name := range d.Order {
		if other.Order[i] != name {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
