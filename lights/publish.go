package lights

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/dali"
)

// Level cell flags in the retained /levels topic: each address is published
// as three hex digits carrying the level plus presence and supply state.
const (
	levelPresent  = 1 << 8
	levelPowerOn  = 1 << 9
	levelPowerOff = 1 << 10
)

// republishPerPeriod bounds the number of active-preset cells republished on
// each forced tick; the total message count is groups × presets and can get
// very high.
const republishPerPeriod = 5

type publishState struct {
	mu               sync.Mutex
	startupComplete  bool
	republishGroups  map[string]struct{}
	republishPresets map[string]struct{}
	lastActiveForce  time.Time
	publishIndex     int
	levelsLimiter    *rate.Limiter
}

func (p *publishState) init() {
	p.republishGroups = make(map[string]struct{})
	p.republishPresets = make(map[string]struct{})
	p.levelsLimiter = rate.NewLimiter(rate.Every(time.Minute), 1)
}

// Tick runs the periodic publish work: throttled level and active-preset
// republish plus batched dim reports. Called from the main loop.
func (m *Model) Tick() {
	m.flushDimReports()

	m.pub.mu.Lock()
	ready := m.pub.startupComplete
	m.pub.mu.Unlock()
	if !ready || m.reporter == nil || !m.reporter.Connected() {
		return
	}
	m.publishLevels(false)
	m.publishActivePresets()
}

// publishLevels publishes the retained levels topic. Unforced publishes are
// rate limited to one per minute.
func (m *Model) publishLevels(force bool) {
	m.pub.mu.Lock()
	ready := m.pub.startupComplete
	allowed := force || m.pub.levelsLimiter.Allow()
	m.pub.mu.Unlock()
	if !ready || !allowed || m.reporter == nil || !m.reporter.Connected() {
		return
	}

	present := m.cfg.Addresses()

	m.mu.Lock()
	var b strings.Builder
	for addr := 0; addr < config.MaxAddresses; addr++ {
		value := int(m.levels[addr])
		if present.Test(addr) {
			value |= levelPresent
		}
		if m.powerKnown.Test(addr) {
			if m.powerOn.Test(addr) {
				value |= levelPowerOn
			} else {
				value |= levelPowerOff
			}
		}
		fmt.Fprintf(&b, "%03X", value)
	}
	m.mu.Unlock()

	m.publish("/levels", b.String(), true)
}

// publishActivePresets maintains the retained active/<group>/<preset>
// matrix: change-driven entries immediately, plus a rotating window of
// republishPerPeriod cells once a minute so stale retained state heals.
func (m *Model) publishActivePresets() {
	m.pub.mu.Lock()
	now := m.now()
	force := m.pub.lastActiveForce.IsZero() || now.Sub(m.pub.lastActiveForce) >= time.Minute
	if !force && len(m.pub.republishGroups) == 0 && len(m.pub.republishPresets) == 0 {
		m.pub.mu.Unlock()
		return
	}
	republishGroups := m.pub.republishGroups
	republishPresets := m.pub.republishPresets
	m.pub.republishGroups = make(map[string]struct{})
	m.pub.republishPresets = make(map[string]struct{})
	windowStart := m.pub.publishIndex
	m.pub.mu.Unlock()

	groups := m.cfg.GroupNames()
	presets := m.cfg.PresetLabels()

	m.mu.Lock()
	activePresets := m.activePresets
	m.mu.Unlock()

	index := 0
	for _, group := range groups {
		members := config.AddressSet(0)
		if g, ok := m.cfg.Group(group); ok {
			members = g.Members
		}
		_, republishGroup := republishGroups[group]

		for _, preset := range presets {
			_, republishPreset := republishPresets[preset]
			inWindow := force && index >= windowStart && index < windowStart+republishPerPeriod

			if republishGroup || republishPreset || inWindow {
				active := "0"
				members.Each(func(addr int) {
					if activePresets[addr] == preset {
						active = "1"
					}
				})
				m.publish("/active/"+group+"/"+preset, active, true)
			}
			index++
		}
	}

	if force && index > 0 {
		m.pub.mu.Lock()
		m.pub.publishIndex = (windowStart + republishPerPeriod) % index
		m.pub.lastActiveForce = now
		m.pub.mu.Unlock()
	}
}

// flushDimReports emits one human-readable report per settled rotary
// adjustment, batched so a spinning encoder produces a single line.
func (m *Model) flushDimReports() {
	m.mu.Lock()
	now := m.now()
	var done config.AddressSet
	m.dimPending.Each(func(addr int) {
		if !m.dimTime[addr].IsZero() && now.Sub(m.dimTime[addr]) >= dimReportDelay {
			done = done.Set(addr)
		}
	})
	byLevel := make(map[uint8][]int)
	done.Each(func(addr int) {
		if m.levels[addr] != dali.LevelSentinel {
			byLevel[m.levels[addr]] = append(byLevel[m.levels[addr]], addr)
		}
	})
	m.dimPending = m.dimPending.Without(done)
	m.mu.Unlock()

	for level, addrs := range byLevel {
		var set config.AddressSet
		for _, addr := range addrs {
			set = set.Set(addr)
		}
		m.report("lights", fmt.Sprintf("%s dimmed to %d", m.cfg.LightsText(set), level))
	}
}
