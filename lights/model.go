package lights

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/dali"
	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
	"github.com/edinburghhacklab/mqtt-dali-controller/nvram"
	"github.com/edinburghhacklab/mqtt-dali-controller/telemetry"
)

// IdleWindow is how long the system must be without user-initiated activity
// before idle-only operations act.
const IdleWindow = 10 * time.Second

// dimReportDelay batches rotary adjustments into one "dimmed to" report.
const dimReportDelay = time.Second

// Model is the process-wide light state. All mutating and snapshotting
// methods hold the data lock; publish-side bookkeeping has its own lock so
// report shuffling never delays the scheduler.
type Model struct {
	cfg       *config.Store
	reporter  Reporter
	prefix    string
	store     *nvram.Store
	selector  hal.Selector
	collector telemetry.Collector
	logger    zerolog.Logger

	wake chan struct{}

	mu            sync.Mutex
	levels        [config.MaxAddresses]uint8
	groupLevels   [config.MaxGroups]int16
	groupMask     config.AddressSet
	activePresets [config.MaxAddresses]string
	powerOn       config.AddressSet
	powerKnown    config.AddressSet
	forceRefresh  [config.MaxAddresses]uint8
	groupSync     uint16
	bcastPowerOn  bool
	bcastSysFail  bool
	lastActivity  time.Time
	dimTime       [config.MaxAddresses]time.Time
	dimPending    config.AddressSet

	pub publishState

	now func() time.Time
}

// NewModel creates the light model, restoring the level vector from
// battery-backed RAM when its checksum matches.
func NewModel(cfg *config.Store, reporter Reporter, topicPrefix string, store *nvram.Store,
	selector hal.Selector, collector telemetry.Collector, logger zerolog.Logger) *Model {
	if collector == nil {
		collector = telemetry.Noop()
	}
	m := &Model{
		cfg:       cfg,
		reporter:  reporter,
		prefix:    topicPrefix,
		store:     store,
		selector:  selector,
		collector: collector,
		logger:    logger.With().Str("component", "lights").Logger(),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
	for i := range m.levels {
		m.levels[i] = dali.LevelSentinel
		m.activePresets[i] = config.ReservedPresetUnknown
	}
	for i := range m.groupLevels {
		m.groupLevels[i] = -1
	}
	m.pub.init()

	if store != nil {
		levels, status := store.LoadLevels()
		collector.SetBootStatus("levels", status.String())
		m.logger.Info().Str("status", status.String()).Msg("battery-backed level vector")
		if status == nvram.StatusLoadedOK {
			m.levels = levels
		}
	}
	return m
}

// WakeCh is the scheduler's wake channel: one token per wake request.
func (m *Model) WakeCh() <-chan struct{} { return m.wake }

// Wake nudges the scheduler driver.
func (m *Model) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Snapshot returns a coherent copy of the published state.
func (m *Model) Snapshot() dali.LightState {
	data := m.cfg.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	s := dali.LightState{
		Present:                       data.Lights,
		Levels:                        m.levels,
		GroupMask:                     m.groupMask,
		ForceRefresh:                  m.forceRefresh,
		GroupSyncPending:              m.groupSync,
		BroadcastPowerOnPending:       m.bcastPowerOn,
		BroadcastSystemFailurePending: m.bcastSysFail,
	}
	for i := range s.GroupLevels {
		s.GroupLevels[i] = -1
	}
	for _, g := range data.Groups {
		if g.ID >= 0 && g.ID < config.MaxGroups {
			s.GroupLevels[g.ID] = m.groupLevels[g.ID]
			s.GroupMembers[g.ID] = g.Members.Intersect(data.Lights)
		}
	}
	return s
}

// SelectPreset applies the named preset (or, for a numeric argument, the
// preset at that position of the configured order) to the given lights.
// Internal calls come from switch transitions and suppress the report.
func (m *Model) SelectPreset(nameOrIndex, lightsSpec string, internal bool) {
	name := nameOrIndex
	if index, err := strconv.Atoi(nameOrIndex); err == nil {
		resolved, ok := m.cfg.PresetByIndex(index)
		if !ok {
			return
		}
		name = resolved
	}
	preset, ok := m.cfg.Preset(name)
	if !ok {
		return
	}

	present := m.cfg.Addresses()
	spec := m.cfg.ParseLightSpec(lightsSpec)

	m.mu.Lock()
	now := m.now()
	if spec.Idle && !internal && !m.idleLocked(now) {
		m.mu.Unlock()
		m.report("lights", "Preset "+name+" ignored — not idle")
		return
	}

	var written config.AddressSet
	for addr := 0; addr < config.MaxAddresses; addr++ {
		if !present.Test(addr) {
			m.clearAddressLocked(addr)
			continue
		}
		if !spec.Addresses.Test(addr) || preset[addr] == config.LevelSentinel {
			continue
		}
		m.levels[addr] = uint8(preset[addr])
		m.setActivePresetLocked(addr, name)
		m.dimTime[addr] = time.Time{}
		m.dimPending = m.dimPending.Clear(addr)
		written = written.Set(addr)
	}
	if !written.Empty() {
		m.releaseGroupLevelsLocked(written)
	}
	if !spec.Idle {
		m.lastActivity = now
	}
	m.persistLocked()
	m.mu.Unlock()

	if written.Empty() {
		return
	}
	m.Wake()
	if !internal {
		m.report("lights", m.cfg.LightsText(spec.Addresses)+" = "+name)
	}
	m.publishLevels(true)
}

// SetLevel writes one literal level to the given lights.
func (m *Model) SetLevel(lightsSpec string, level int) {
	if level < 0 || level > dali.MaxLevel {
		return
	}

	present := m.cfg.Addresses()
	spec := m.cfg.ParseLightSpec(lightsSpec)

	m.mu.Lock()
	now := m.now()
	if spec.Idle && !m.idleLocked(now) {
		m.mu.Unlock()
		m.report("lights", "Set level ignored — not idle")
		return
	}

	var written config.AddressSet
	spec.Addresses.Intersect(present).Each(func(addr int) {
		m.levels[addr] = uint8(level)
		m.setActivePresetLocked(addr, config.ReservedPresetCustom)
		m.dimTime[addr] = time.Time{}
		m.dimPending = m.dimPending.Clear(addr)
		written = written.Set(addr)
	})
	if !written.Empty() {
		m.releaseGroupLevelsLocked(written)
	}
	if !spec.Idle {
		m.lastActivity = now
	}
	m.persistLocked()
	m.mu.Unlock()

	if written.Empty() {
		return
	}
	m.Wake()
	m.report("lights", m.cfg.LightsText(spec.Addresses)+" = "+strconv.Itoa(level))
	m.publishLevels(true)
}

// SetPower records the physical supply state of the given addresses. A
// transition from off to on queues a bounded retransmit of the cached level:
// the fixture may have restarted and forgotten it.
func (m *Model) SetPower(addresses config.AddressSet, on bool) {
	m.mu.Lock()
	previouslyOff := m.powerKnown.Without(m.powerOn)
	m.powerKnown = m.powerKnown.Union(addresses)
	if on {
		m.powerOn = m.powerOn.Union(addresses)
		addresses.Intersect(previouslyOff).Each(func(addr int) {
			m.forceRefresh[addr] = ForceRefreshCount
		})
	} else {
		m.powerOn = m.powerOn.Without(addresses)
	}
	m.mu.Unlock()
	m.Wake()
}

// DimAdjust applies a rotary delta through the dimmer binding.
func (m *Model) DimAdjust(dimmerID, delta int) {
	if delta < -dali.MaxLevel || delta > dali.MaxLevel || delta == 0 {
		return
	}
	binding, ok := m.cfg.Dimmer(dimmerID)
	if !ok {
		return
	}
	groups := binding.Groups
	if len(groups) == 0 && m.selector != nil {
		groups = m.cfg.SelectorGroups(m.selector.Read())
	}
	if len(groups) == 0 {
		return
	}
	m.DimGroups(groups, delta, binding.Mode == config.DimmerGroup)
}

// DimGroups applies a rotary delta to the given groups directly. Used by
// DimAdjust and by dim commands forwarded from a peer controller.
func (m *Model) DimGroups(groups []string, delta int, groupMode bool) {
	if delta < -dali.MaxLevel || delta > dali.MaxLevel || delta == 0 {
		return
	}
	present := m.cfg.Addresses()

	m.mu.Lock()
	now := m.now()
	var touched config.AddressSet
	switch {
	case groupMode:
		// An address already claimed by an earlier group in the same
		// adjustment keeps that group's level; overlapping groups are
		// not supported for group-mode dimming.
		var claimed config.AddressSet
		for _, name := range groups {
			group, ok := m.cfg.Group(name)
			if !ok || group.ID < 0 || group.ID >= config.MaxGroups {
				continue
			}
			members := group.Members.Intersect(present).Without(claimed)
			level, ok := m.groupDimTargetLocked(members, delta)
			if !ok {
				continue
			}
			claimed = claimed.Union(members)
			m.groupLevels[group.ID] = int16(level)
			m.groupMask = m.groupMask.Union(members)
			members.Each(func(addr int) {
				m.levels[addr] = level
			})
			touched = touched.Union(members)
		}
	default:
		for _, name := range groups {
			group, ok := m.cfg.Group(name)
			if !ok {
				continue
			}
			group.Members.Intersect(present).Each(func(addr int) {
				if m.levels[addr] == dali.LevelSentinel {
					return
				}
				m.levels[addr] = clampLevel(int(m.levels[addr]) + delta)
				touched = touched.Set(addr)
			})
		}
		if !touched.Empty() {
			m.releaseGroupLevelsLocked(touched)
		}
	}

	if touched.Empty() {
		m.mu.Unlock()
		return
	}
	touched.Each(func(addr int) {
		m.setActivePresetLocked(addr, config.ReservedPresetCustom)
		m.dimTime[addr] = now
	})
	m.dimPending = m.dimPending.Union(touched)
	m.lastActivity = now
	m.persistLocked()
	m.mu.Unlock()
	m.Wake()
	m.publishLevels(true)
}

// groupDimTargetLocked computes the new group level: the mean of the
// members' known levels (rounding down for a positive delta, up for a
// negative one) plus the delta, clamped to the level range.
func (m *Model) groupDimTargetLocked(members config.AddressSet, delta int) (uint8, bool) {
	sum, count := 0, 0
	members.Each(func(addr int) {
		if m.levels[addr] != dali.LevelSentinel {
			sum += int(m.levels[addr])
			count++
		}
	})
	if count == 0 {
		return 0, false
	}
	mean := sum / count
	if delta < 0 && sum%count != 0 {
		mean++
	}
	return clampLevel(mean + delta), true
}

// RequestGroupSync queues a bus-side membership rewrite for the named group,
// or for every group when name is empty or "all".
func (m *Model) RequestGroupSync(name string) {
	var pending uint16
	if name == "" || name == config.BuiltinGroupAll {
		for _, groupName := range m.cfg.GroupNames() {
			if g, ok := m.cfg.Group(groupName); ok && g.ID >= 0 && g.ID < config.MaxGroups {
				pending |= 1 << uint(g.ID)
			}
		}
	} else {
		g, ok := m.cfg.Group(name)
		if !ok || g.ID < 0 || g.ID >= config.MaxGroups {
			return
		}
		pending = 1 << uint(g.ID)
	}
	if pending == 0 {
		return
	}
	m.mu.Lock()
	m.groupSync |= pending
	m.mu.Unlock()
	m.Wake()
}

// RequestBroadcastPowerOnLevel queues broadcast programming of the power-on
// level from the current arc level.
func (m *Model) RequestBroadcastPowerOnLevel() {
	m.mu.Lock()
	m.bcastPowerOn = true
	m.mu.Unlock()
	m.Wake()
}

// RequestBroadcastSystemFailureLevel queues broadcast programming of the
// system-failure level from the current arc level.
func (m *Model) RequestBroadcastSystemFailureLevel() {
	m.mu.Lock()
	m.bcastSysFail = true
	m.mu.Unlock()
	m.Wake()
}

// CompletedForceRefresh is the scheduler's ack for one forced retransmit of
// the address. The counter decrements monotonically to zero.
func (m *Model) CompletedForceRefresh(addr int) {
	if addr < 0 || addr >= config.MaxAddresses {
		return
	}
	m.mu.Lock()
	if m.forceRefresh[addr] > 0 {
		m.forceRefresh[addr]--
	}
	m.mu.Unlock()
}

// CompletedGroupSync is the scheduler's ack for a finished group sync.
func (m *Model) CompletedGroupSync(id int) {
	if id < 0 || id >= config.MaxGroups {
		return
	}
	m.mu.Lock()
	m.groupSync &^= 1 << uint(id)
	m.mu.Unlock()
	if g, ok := m.cfg.GroupByID(id); ok {
		m.report("group", "Group "+g.Name+" membership synced")
	}
}

// CompletedBroadcastPowerOn is the scheduler's ack for broadcast power-on
// programming.
func (m *Model) CompletedBroadcastPowerOn() {
	m.mu.Lock()
	m.bcastPowerOn = false
	m.mu.Unlock()
	m.report("command", "Power-on levels stored")
}

// CompletedBroadcastSystemFailure is the scheduler's ack for broadcast
// system-failure programming.
func (m *Model) CompletedBroadcastSystemFailure() {
	m.mu.Lock()
	m.bcastSysFail = false
	m.mu.Unlock()
	m.report("command", "System-failure levels stored")
}

// AddressConfigChanged queues a republish of the active-preset topics after
// the present addresses or a group membership changed. An empty group means
// every group.
func (m *Model) AddressConfigChanged(group string) {
	names := []string{group}
	if group == "" || group == config.BuiltinGroupAll {
		names = m.cfg.GroupNames()
	}
	m.pub.mu.Lock()
	for _, name := range names {
		m.pub.republishGroups[name] = struct{}{}
	}
	m.pub.mu.Unlock()

	// Invariant: a level is only held for present addresses.
	present := m.cfg.Addresses()
	m.mu.Lock()
	for addr := 0; addr < config.MaxAddresses; addr++ {
		if !present.Test(addr) {
			m.clearAddressLocked(addr)
		}
	}
	m.persistLocked()
	m.mu.Unlock()
	m.Wake()
}

// StartupComplete opens or closes the publish gate.
func (m *Model) StartupComplete(state bool) {
	m.pub.mu.Lock()
	m.pub.startupComplete = state
	m.pub.mu.Unlock()
}

// Idle reports whether the system has been without user activity for the
// idle window.
func (m *Model) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleLocked(m.now())
}

func (m *Model) idleLocked(now time.Time) bool {
	return m.lastActivity.IsZero() || now.Sub(m.lastActivity) >= IdleWindow
}

// clearAddressLocked removes all state for an address that is no longer
// present.
func (m *Model) clearAddressLocked(addr int) {
	m.levels[addr] = dali.LevelSentinel
	m.groupMask = m.groupMask.Clear(addr)
	m.dimPending = m.dimPending.Clear(addr)
	if m.activePresets[addr] != "" {
		m.setActivePresetLocked(addr, "")
	}
}

// releaseGroupLevelsLocked drops the group-level representation for any
// group whose membership intersects the just-written addresses: they can no
// longer be described by a single group level.
func (m *Model) releaseGroupLevelsLocked(written config.AddressSet) {
	m.groupMask = m.groupMask.Without(written)
	data := m.cfg.Snapshot()
	for _, g := range data.Groups {
		if g.ID < 0 || g.ID >= config.MaxGroups {
			continue
		}
		if !g.Members.Intersect(written).Empty() {
			m.groupLevels[g.ID] = -1
			m.groupMask = m.groupMask.Without(g.Members)
		}
	}
}

func (m *Model) setActivePresetLocked(addr int, name string) {
	previous := m.activePresets[addr]
	if previous == name {
		return
	}
	m.activePresets[addr] = name
	m.pub.mu.Lock()
	if previous != "" {
		m.pub.republishPresets[previous] = struct{}{}
	}
	if name != "" {
		m.pub.republishPresets[name] = struct{}{}
	}
	m.pub.mu.Unlock()
}

// persistLocked writes the level vector to battery-backed RAM.
func (m *Model) persistLocked() {
	if m.store == nil {
		return
	}
	if err := m.store.SaveLevels(m.levels); err != nil {
		m.logger.Error().Err(err).Msg("failed to persist levels")
	}
}

func (m *Model) report(tag, message string) {
	if m.reporter != nil {
		m.reporter.Report(tag, message)
	}
}

func (m *Model) publish(topic, payload string, retain bool) {
	if m.reporter != nil {
		m.reporter.Publish(m.prefix+topic, payload, retain)
	}
}
