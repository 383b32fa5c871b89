package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/telemetry"
)

// Reporter is the outbound broker surface the store publishes through.
type Reporter interface {
	Report(tag, message string)
	Publish(topic, payload string, retain bool)
}

// Store holds the validated device configuration and mirrors it to flash.
//
// Two locks are used: dataMu guards the in-memory configuration and is held
// only for memory operations, fileMu is held across filesystem access so
// readers never block on disk. Mutations mark the store dirty; the save
// worker picks the change up asynchronously.
type Store struct {
	logger    zerolog.Logger
	collector telemetry.Collector
	reporter  Reporter
	prefix    string

	primary string
	backup  string

	fileMu sync.Mutex

	dataMu    sync.Mutex
	current   Data
	lastSaved Data
	saved     bool
	dirty     bool
	dirtyCh   chan struct{}
}

// New creates a store for the given hardware geometry. Call Load before use.
func New(primary, backup, topicPrefix string, geometry Data, reporter Reporter,
	collector telemetry.Collector, logger zerolog.Logger) *Store {
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Store{
		logger:    logger.With().Str("component", "config").Logger(),
		collector: collector,
		reporter:  reporter,
		prefix:    topicPrefix,
		primary:   primary,
		backup:    backup,
		current:   geometry.Clone(),
		dirtyCh:   make(chan struct{}, 1),
	}
}

// Snapshot returns a deep copy of the current configuration.
func (s *Store) Snapshot() Data {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.current.Clone()
}

// Addresses returns the present-address bitset.
func (s *Store) Addresses() AddressSet {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.current.Lights
}

// SetAddresses replaces the present-address bitset from hex pairs.
func (s *Store) SetAddresses(text string) {
	s.dataMu.Lock()
	before := s.current.Lights
	s.current.Lights = ParseAddressSetHex(text)
	after := s.current.Lights
	s.markDirtyLocked()
	s.dataMu.Unlock()

	if before != after {
		s.logger.Info().Str("addresses", after.Hex()).Msg("configure light addresses")
		s.report("lights", "Addresses: "+before.Hex()+" -> "+after.Hex())
	}
}

// GroupNames returns the configured group names in sorted order.
func (s *Store) GroupNames() []string {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.groupNamesLocked()
}

func (s *Store) groupNamesLocked() []string {
	names := make([]string, 0, len(s.current.Groups))
	for name := range s.current.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Group returns the named group.
func (s *Store) Group(name string) (Group, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	g, ok := s.current.Groups[name]
	return g, ok
}

// GroupByID returns the group holding the given bus group id.
func (s *Store) GroupByID(id int) (Group, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	for _, g := range s.current.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}

// SetGroupAddresses creates or updates a group's membership from hex pairs.
// The returned changed flag is true when the effective membership differs,
// which callers use to trigger a bus group sync.
func (s *Store) SetGroupAddresses(name, text string) (changed, ok bool) {
	if !ValidGroupName(name) {
		s.report("group", "Invalid group name: "+name)
		return false, false
	}

	s.dataMu.Lock()
	members := ParseAddressSetHex(text)
	g, exists := s.current.Groups[name]
	if !exists {
		id, free := s.freeGroupIDLocked()
		if !free {
			s.dataMu.Unlock()
			s.report("group", "No free group id for: "+name)
			return false, false
		}
		g = Group{Name: name, ID: id}
	}
	before := g.Members
	g.Members = members
	s.current.Groups[name] = g
	changed = !exists || before != members
	if changed {
		s.markDirtyLocked()
	}
	s.dataMu.Unlock()

	if changed {
		s.report("group", fmt.Sprintf("Group %s (id %d): %s -> %s", name, g.ID, before.Hex(), members.Hex()))
	}
	return changed, true
}

// DeleteGroup removes a group. The group id is freed for reuse.
func (s *Store) DeleteGroup(name string) bool {
	s.dataMu.Lock()
	g, ok := s.current.Groups[name]
	if ok {
		delete(s.current.Groups, name)
		s.markDirtyLocked()
	}
	s.dataMu.Unlock()

	if ok {
		s.report("group", fmt.Sprintf("Group %s: %s (deleted)", name, g.Members.Hex()))
		s.publish("/group/"+name, "", true)
	}
	return ok
}

// freeGroupIDLocked returns the lowest group id not held by any group.
func (s *Store) freeGroupIDLocked() (int, bool) {
	var used [MaxGroups]bool
	for _, g := range s.current.Groups {
		if g.ID >= 0 && g.ID < MaxGroups {
			used[g.ID] = true
		}
	}
	for id := 0; id < MaxGroups; id++ {
		if !used[id] {
			return id, true
		}
	}
	return 0, false
}

// assignGroupIDsLocked re-derives group ids after a config load: explicitly
// assigned ids win when unique and in range, every other group gets the
// lowest free id. Groups are visited in name order so the result is
// deterministic.
func (s *Store) assignGroupIDsLocked() {
	var used [MaxGroups]bool
	names := s.groupNamesLocked()

	for _, name := range names {
		g := s.current.Groups[name]
		if g.ID >= 0 && g.ID < MaxGroups && !used[g.ID] {
			used[g.ID] = true
		} else {
			g.ID = -1
			s.current.Groups[name] = g
		}
	}
	for _, name := range names {
		g := s.current.Groups[name]
		if g.ID >= 0 {
			continue
		}
		for id := 0; id < MaxGroups; id++ {
			if !used[id] {
				used[id] = true
				g.ID = id
				break
			}
		}
		if g.ID < 0 {
			// More groups than ids; drop the excess group.
			s.logger.Error().Str("group", name).Msg("no free group id, dropping group")
			delete(s.current.Groups, name)
			continue
		}
		s.current.Groups[name] = g
	}
}

// StoredPresetNames returns the names of stored presets in sorted order.
func (s *Store) StoredPresetNames() []string {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	names := make([]string, 0, len(s.current.Presets))
	for name := range s.current.Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PresetLabels returns every label that can appear as an active preset:
// stored presets plus the built-in and reserved labels.
func (s *Store) PresetLabels() []string {
	names := s.StoredPresetNames()
	return append(names, BuiltinPresetOff, ReservedPresetCustom, ReservedPresetUnknown)
}

// Preset returns the named preset's level vector. The built-in "off" preset
// is all zeros.
func (s *Store) Preset(name string) (Levels, bool) {
	if name == BuiltinPresetOff {
		return Levels{}, true
	}
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	levels, ok := s.current.Presets[name]
	return levels, ok
}

// PresetByIndex resolves a numeric preset selection against the configured
// order, modulo its length.
func (s *Store) PresetByIndex(index int) (string, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if len(s.current.Order) == 0 || index < 0 {
		return "", false
	}
	return s.current.Order[index%len(s.current.Order)], true
}

// PresetOrder returns the ordered preset list.
func (s *Store) PresetOrder() []string {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return append([]string(nil), s.current.Order...)
}

// SetPresetOrder replaces the ordered preset list from a comma-separated
// payload. Invalid names are dropped; the rest of the list still applies.
func (s *Store) SetPresetOrder(text string) {
	var order []string
	for _, name := range strings.Split(text, ",") {
		name = strings.TrimSpace(name)
		if name == BuiltinPresetOff || ValidPresetName(name) {
			order = append(order, name)
		} else if name != "" {
			s.collector.IncParseError("preset_order")
		}
	}

	s.dataMu.Lock()
	before := strings.Join(s.current.Order, ",")
	s.current.Order = order
	after := strings.Join(order, ",")
	if before != after {
		s.markDirtyLocked()
	}
	s.dataMu.Unlock()

	if before != after {
		s.report("presets", "Order: "+before+" -> "+after)
		s.publish("/preset/order", after, true)
	}
}

// SetPresetLevel merges a single level into the named preset for the given
// light spec, intersected with the present addresses. A level of -1 writes
// the no-change sentinel.
func (s *Store) SetPresetLevel(name, lightsText string, level int) {
	if level < LevelSentinel || level > MaxLevel {
		return
	}
	if !ValidPresetName(name) {
		s.report("presets", "Invalid preset name: "+name)
		return
	}

	s.dataMu.Lock()
	spec := s.current.ParseLightSpec(lightsText)
	levels, exists := s.current.Presets[name]
	if !exists {
		if len(s.current.Presets) >= MaxPresets {
			s.dataMu.Unlock()
			s.report("presets", "Too many presets, ignoring: "+name)
			return
		}
		levels = AllSentinel()
	}
	before := s.presetLevelsTextLocked(levels, true)
	spec.Addresses.Intersect(s.current.Lights).Each(func(addr int) {
		levels[addr] = int16(level)
	})
	for addr := 0; addr < MaxAddresses; addr++ {
		if !s.current.Lights.Test(addr) {
			levels[addr] = LevelSentinel
		}
	}
	s.current.Presets[name] = levels
	after := s.presetLevelsTextLocked(levels, true)
	lights := s.lightsTextLocked(spec.Addresses)
	if before != after {
		s.markDirtyLocked()
	}
	s.dataMu.Unlock()

	s.report("presets", fmt.Sprintf("Preset %s: %s = %d", name, lights, level))
	if before != after {
		s.report("presets", "Preset "+name+": "+before+" -> "+after)
		s.publishPreset(name, levels)
	}
}

// SetPresetLevels replaces the named preset's whole vector from a hex
// string, two digits per address, FF meaning no-change.
func (s *Store) SetPresetLevels(name, text string) {
	if !ValidPresetName(name) {
		s.report("presets", "Invalid preset name: "+name)
		return
	}

	s.dataMu.Lock()
	levels, exists := s.current.Presets[name]
	if !exists {
		if len(s.current.Presets) >= MaxPresets {
			s.dataMu.Unlock()
			s.report("presets", "Too many presets, ignoring: "+name)
			return
		}
		levels = AllSentinel()
	}
	before := s.presetLevelsTextLocked(levels, true)
	levels = AllSentinel()
	for addr := 0; addr < MaxAddresses && len(text) >= 2; addr++ {
		hi, ok1 := hexNibble(text[0])
		lo, ok2 := hexNibble(text[1])
		text = text[2:]
		if !ok1 || !ok2 {
			continue
		}
		value := hi<<4 | lo
		if value == 0xFF {
			levels[addr] = LevelSentinel
		} else if value <= MaxLevel {
			levels[addr] = int16(value)
		}
	}
	s.current.Presets[name] = levels
	after := s.presetLevelsTextLocked(levels, true)
	if before != after {
		s.markDirtyLocked()
	}
	s.dataMu.Unlock()

	if before != after {
		s.publishPreset(name, levels)
		s.report("presets", "Preset "+name+": "+before+" -> "+after)
	}
}

// DeletePreset removes a stored preset and retires its topics.
func (s *Store) DeletePreset(name string) bool {
	s.dataMu.Lock()
	levels, ok := s.current.Presets[name]
	var text string
	if ok {
		text = s.presetLevelsTextLocked(levels, true)
		delete(s.current.Presets, name)
		s.markDirtyLocked()
	}
	s.dataMu.Unlock()

	if !ok {
		return false
	}
	s.report("presets", "Preset "+name+": "+text+" (deleted)")
	s.publish("/preset/"+name+"/active", "", true)
	s.publish("/preset/"+name+"/levels", "", true)
	return true
}

// Switch returns the binding of the given switch.
func (s *Store) Switch(id int) (SwitchBinding, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if id < 0 || id >= len(s.current.Switches) {
		return SwitchBinding{}, false
	}
	return s.current.Switches[id], true
}

// NumSwitches returns the number of physical switches.
func (s *Store) NumSwitches() int {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return len(s.current.Switches)
}

// SetSwitchName renames a switch.
func (s *Store) SetSwitchName(id int, name string) {
	if len(name) > MaxSwitchNameLen {
		name = name[:MaxSwitchNameLen]
	}
	s.mutateSwitch(id, func(b *SwitchBinding) (string, string) {
		before := b.Name
		b.Name = name
		return before, name
	}, "name")
}

// SetSwitchGroup binds a switch to a group.
func (s *Store) SetSwitchGroup(id int, group string) {
	if group != "" && !ValidGroupName(group) {
		return
	}
	s.mutateSwitch(id, func(b *SwitchBinding) (string, string) {
		before := b.Group
		b.Group = group
		return before, group
	}, "group")
}

// SetSwitchPreset binds a switch to a preset.
func (s *Store) SetSwitchPreset(id int, preset string) {
	if preset != "" && preset != BuiltinPresetOff && !ValidPresetName(preset) {
		return
	}
	s.mutateSwitch(id, func(b *SwitchBinding) (string, string) {
		before := b.Preset
		b.Preset = preset
		return before, preset
	}, "preset")
}

func (s *Store) mutateSwitch(id int, apply func(*SwitchBinding) (string, string), what string) {
	s.dataMu.Lock()
	if id < 0 || id >= len(s.current.Switches) {
		s.dataMu.Unlock()
		return
	}
	before, after := apply(&s.current.Switches[id])
	if before != after {
		s.markDirtyLocked()
	}
	s.dataMu.Unlock()

	if before != after {
		s.report("switch", fmt.Sprintf("Switch %d %s: %s -> %s", id, what, before, after))
	}
}

// Button returns the binding of the given pushbutton.
func (s *Store) Button(id int) (ButtonBinding, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if id < 0 || id >= len(s.current.Buttons) {
		return ButtonBinding{}, false
	}
	b := s.current.Buttons[id]
	b.Groups = append([]string(nil), b.Groups...)
	return b, true
}

// NumButtons returns the number of pushbuttons.
func (s *Store) NumButtons() int {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return len(s.current.Buttons)
}

// Dimmer returns the binding of the given rotary dimmer.
func (s *Store) Dimmer(id int) (DimmerBinding, bool) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if id < 0 || id >= len(s.current.Dimmers) {
		return DimmerBinding{}, false
	}
	b := s.current.Dimmers[id]
	b.Groups = append([]string(nil), b.Groups...)
	return b, true
}

// NumDimmers returns the number of rotary dimmers.
func (s *Store) NumDimmers() int {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return len(s.current.Dimmers)
}

// SetDimmerGroups binds a dimmer to a comma-separated group list.
func (s *Store) SetDimmerGroups(id int, text string) {
	var groups []string
	for _, name := range strings.Split(text, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !ValidGroupName(name) {
			s.collector.IncParseError("dimmer_groups")
			continue
		}
		groups = append(groups, name)
	}
	s.mutateDimmer(id, "groups", func(b *DimmerBinding) (string, string) {
		before := strings.Join(b.Groups, ",")
		b.Groups = groups
		return before, strings.Join(groups, ",")
	})
}

// SetDimmerEncoderSteps sets the encoder counts per adjustment step. The
// sign selects the rotation direction; zero disables the dimmer.
func (s *Store) SetDimmerEncoderSteps(id int, steps int) {
	if steps < -127 || steps > 127 {
		return
	}
	s.mutateDimmer(id, "encoder_steps", func(b *DimmerBinding) (string, string) {
		before := strconv.Itoa(b.EncoderSteps)
		b.EncoderSteps = steps
		return before, strconv.Itoa(steps)
	})
}

// SetDimmerLevelSteps sets the level change per adjustment step.
func (s *Store) SetDimmerLevelSteps(id int, steps int) {
	if steps < 0 || steps > MaxLevel {
		return
	}
	s.mutateDimmer(id, "level_steps", func(b *DimmerBinding) (string, string) {
		before := strconv.Itoa(b.LevelSteps)
		b.LevelSteps = steps
		return before, strconv.Itoa(steps)
	})
}

// SetDimmerMode sets how the dimmer applies deltas.
func (s *Store) SetDimmerMode(id int, text string) {
	mode, ok := ParseDimmerMode(text)
	if !ok {
		s.collector.IncParseError("dimmer_mode")
		return
	}
	s.mutateDimmer(id, "mode", func(b *DimmerBinding) (string, string) {
		before := b.Mode.String()
		b.Mode = mode
		return before, mode.String()
	})
}

func (s *Store) mutateDimmer(id int, what string, apply func(*DimmerBinding) (string, string)) {
	s.dataMu.Lock()
	if id < 0 || id >= len(s.current.Dimmers) {
		s.dataMu.Unlock()
		return
	}
	before, after := apply(&s.current.Dimmers[id])
	if before != after {
		s.markDirtyLocked()
	}
	s.dataMu.Unlock()

	if before != after {
		s.report("dimmer", fmt.Sprintf("Dimmer %d %s: %s -> %s", id, what, before, after))
	}
}

// SelectorGroups returns the alternative group list for a selector position.
func (s *Store) SelectorGroups(position int) []string {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	if position < 0 || position >= len(s.current.Selector) {
		return nil
	}
	return append([]string(nil), s.current.Selector[position].Groups...)
}

// ParseLightSpec parses a light selector against the current groups.
func (s *Store) ParseLightSpec(text string) LightSpec {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.current.ParseLightSpec(text)
}

// LightsText renders an address set for reports: "All" when every present
// light is included, otherwise the list of present members.
func (s *Store) LightsText(set AddressSet) string {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.lightsTextLocked(set)
}

func (s *Store) lightsTextLocked(set AddressSet) string {
	present := set.Intersect(s.current.Lights)
	if present == s.current.Lights && !s.current.Lights.Empty() {
		return "All"
	}
	var ids []string
	present.Each(func(addr int) {
		ids = append(ids, strconv.Itoa(addr))
	})
	if len(ids) == 0 {
		return "(null)"
	}
	prefix := "Light "
	if len(ids) > 1 {
		prefix = "Lights "
	}
	return prefix + strings.Join(ids, ",")
}

func (s *Store) presetLevelsTextLocked(levels Levels, filter bool) string {
	var b strings.Builder
	for addr := 0; addr < MaxAddresses; addr++ {
		if filter && !s.current.Lights.Test(addr) {
			continue
		}
		value := byte(levels[addr])
		b.WriteByte(hexDigits[value>>4])
		b.WriteByte(hexDigits[value&0xF])
	}
	if b.Len() == 0 {
		return "(null)"
	}
	return b.String()
}

func (s *Store) markDirtyLocked() {
	s.dirty = true
	select {
	case s.dirtyCh <- struct{}{}:
	default:
	}
}

func (s *Store) report(tag, message string) {
	if s.reporter != nil {
		s.reporter.Report(tag, message)
	}
}

func (s *Store) publish(topic, payload string, retain bool) {
	if s.reporter != nil {
		s.reporter.Publish(s.prefix+topic, payload, retain)
	}
}

func (s *Store) publishPreset(name string, levels Levels) {
	s.dataMu.Lock()
	text := s.presetLevelsTextLocked(levels, false)
	s.dataMu.Unlock()
	s.publish("/preset/"+name+"/levels", text, true)
}

// PublishConfig publishes the retained configuration echo.
func (s *Store) PublishConfig() {
	s.dataMu.Lock()
	data := s.current.Clone()
	s.dataMu.Unlock()

	s.publish("/addresses", data.Lights.Hex(), true)

	names := make([]string, 0, len(data.Groups))
	for name := range data.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.publish("/group/"+name, data.Groups[name].Members.Hex(), true)
	}

	for i, b := range data.Switches {
		id := strconv.Itoa(i)
		s.publish("/switch/"+id+"/name", b.Name, true)
		s.publish("/switch/"+id+"/group", b.Group, true)
		s.publish("/switch/"+id+"/preset", b.Preset, true)
	}

	for i, b := range data.Dimmers {
		id := strconv.Itoa(i)
		s.publish("/dimmer/"+id+"/groups", strings.Join(b.Groups, ","), true)
		s.publish("/dimmer/"+id+"/encoder_steps", strconv.Itoa(b.EncoderSteps), true)
		s.publish("/dimmer/"+id+"/level_steps", strconv.Itoa(b.LevelSteps), true)
		s.publish("/dimmer/"+id+"/mode", b.Mode.String(), true)
	}

	presets := make([]string, 0, len(data.Presets))
	for name := range data.Presets {
		presets = append(presets, name)
	}
	sort.Strings(presets)
	for _, name := range presets {
		s.publishPreset(name, data.Presets[name])
	}
	s.publish("/preset/order", strings.Join(data.Order, ","), true)
}
