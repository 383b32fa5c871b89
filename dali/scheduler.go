package dali

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/telemetry"
)

// LightState is the scheduler's atomic view of the desired light state.
// Levels uses the wire form: LevelSentinel means untouched.
type LightState struct {
	Present config.AddressSet
	Levels  [config.MaxAddresses]uint8

	// GroupLevels is indexed by bus group id, -1 when no group level is
	// set. GroupMembers carries each group's membership intersected with
	// the present addresses. GroupMask marks addresses whose level is
	// governed by a group entry.
	GroupLevels  [config.MaxGroups]int16
	GroupMembers [config.MaxGroups]config.AddressSet
	GroupMask    config.AddressSet

	ForceRefresh [config.MaxAddresses]uint8

	GroupSyncPending              uint16
	BroadcastPowerOnPending       bool
	BroadcastSystemFailurePending bool
}

// Model is the scheduler's view of the light model: a coherent snapshot, a
// wake channel and the ack hooks invoked as bus work completes.
type Model interface {
	Snapshot() LightState
	WakeCh() <-chan struct{}
	CompletedForceRefresh(addr int)
	CompletedGroupSync(id int)
	CompletedBroadcastPowerOn()
	CompletedBroadcastSystemFailure()
}

// refreshPeriod is the time to retransmit every present address once, so
// fixtures which have forgotten their level are restored.
const refreshPeriod = 5 * time.Second

// Scheduler owns the driver goroutine that converts the light model into
// forward frames. It caches what it believes the bus already holds and only
// transmits differences, plus a round-robin refresh so no address starves.
type Scheduler struct {
	bus       *Bus
	model     Model
	collector telemetry.Collector
	logger    zerolog.Logger
	feed      func()
	maxSleep  time.Duration

	txLevels       [config.MaxAddresses]uint8
	txGroupLevels  [config.MaxGroups]int16
	txGroupMembers [config.MaxGroups]config.AddressSet
	nextAddress    int
	nextGroup      int
}

// NewScheduler wires the driver. feed is called once per loop iteration to
// reset the watchdog and may be nil; maxSleep caps the sleep interval at the
// watchdog quarter period.
func NewScheduler(bus *Bus, model Model, collector telemetry.Collector,
	logger zerolog.Logger, feed func(), maxSleep time.Duration) *Scheduler {
	if collector == nil {
		collector = telemetry.Noop()
	}
	if maxSleep <= 0 {
		maxSleep = time.Second
	}
	s := &Scheduler{
		bus:       bus,
		model:     model,
		collector: collector,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		feed:      feed,
		maxSleep:  maxSleep,
	}
	for i := range s.txLevels {
		s.txLevels[i] = LevelSentinel
	}
	for i := range s.txGroupLevels {
		s.txGroupLevels[i] = -1
	}
	return s
}

// Run is the driver loop. It wakes on model changes and on a timer sized so
// a full refresh cycle covers every present address within the refresh
// period.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if s.feed != nil {
			s.feed()
		}
		present := s.pass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.model.WakeCh():
		case <-time.After(s.sleepInterval(present)):
		}
	}
}

func (s *Scheduler) sleepInterval(present int) time.Duration {
	if present < 1 {
		present = 1
	}
	interval := refreshPeriod/time.Duration(present) - s.bus.FrameDuration()
	if interval > s.maxSleep {
		interval = s.maxSleep
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

// pass runs one scheduler pass and returns the present-address count for
// the sleep computation. A transmit failure defers all remaining work to
// the next pass without mutating any cache.
func (s *Scheduler) pass(ctx context.Context) int {
	start := time.Now()
	frames := 0
	var state LightState

	// Change-driven burst: emit one frame at a time, re-snapshotting the
	// model between frames because a wake may have arrived mid-burst.
	for {
		state = s.model.Snapshot()
		emitted, ok := s.emitChange(ctx, state)
		if !ok {
			return state.Present.Count()
		}
		if !emitted {
			break
		}
		frames++
	}

	synced, ok := s.groupSync(ctx, state)
	if !ok {
		return state.Present.Count()
	}
	frames += synced
	programmed, ok := s.broadcastProgramming(ctx, state)
	if !ok {
		return state.Present.Count()
	}
	frames += programmed

	if frames > 0 {
		s.collector.ObserveBurst(frames, time.Since(start))
		s.logger.Debug().Int("frames", frames).Dur("took", time.Since(start)).Msg("burst settled")
		return state.Present.Count()
	}

	// Nothing changed: refresh exactly one address and go back to sleep.
	s.refreshOne(ctx, state)
	return state.Present.Count()
}

// emitChange transmits the first pending difference between the model and
// the transmit cache: group levels first, then per-address levels in
// round-robin order. Returns emitted=false once the pass has settled and
// ok=false when a transmit was deferred.
func (s *Scheduler) emitChange(ctx context.Context, state LightState) (emitted, ok bool) {
	for i := 0; i < config.MaxGroups; i++ {
		g := (s.nextGroup + i) % config.MaxGroups
		desired := state.GroupLevels[g]
		if desired < 0 || desired == s.txGroupLevels[g] {
			continue
		}
		if err := s.bus.TxFrame(ctx, GroupLevel(uint8(g), uint8(desired))); err != nil {
			return false, false
		}
		s.txGroupLevels[g] = desired
		// The group frame reached every member; they are now believed
		// to hold the group level, so no per-address follow-up is
		// needed.
		state.GroupMembers[g].Each(func(addr int) {
			s.txLevels[addr] = uint8(desired)
		})
		s.nextGroup = (g + 1) % config.MaxGroups
		return true, true
	}

	for i := 0; i < config.MaxAddresses; i++ {
		addr := (s.nextAddress + i) % config.MaxAddresses
		if !state.Present.Test(addr) || state.GroupMask.Test(addr) {
			continue
		}
		level := state.Levels[addr]
		force := state.ForceRefresh[addr] > 0
		if level == LevelSentinel || (level == s.txLevels[addr] && !force) {
			continue
		}
		if err := s.bus.TxFrame(ctx, DirectLevel(uint8(addr), level)); err != nil {
			return false, false
		}
		s.txLevels[addr] = level
		if force {
			s.model.CompletedForceRefresh(addr)
		}
		s.nextAddress = (addr + 1) % config.MaxAddresses
		return true, true
	}

	return false, true
}

// groupSync rewrites fixture-side group memberships: empty the group with a
// broadcast remove, then add each member. Configuration commands are always
// sent twice.
func (s *Scheduler) groupSync(ctx context.Context, state LightState) (frames int, ok bool) {
	for g := 0; g < config.MaxGroups; g++ {
		if state.GroupSyncPending&(1<<uint(g)) == 0 {
			continue
		}
		if err := s.bus.TxFrame(ctx, Broadcast(CmdRemoveFromGroup+uint8(g), true)); err != nil {
			return frames, false
		}
		frames++
		failed := false
		state.GroupMembers[g].Each(func(addr int) {
			if failed {
				return
			}
			if err := s.bus.TxFrame(ctx, Command(uint8(addr), CmdAddToGroup+uint8(g), true)); err != nil {
				failed = true
				return
			}
			frames++
		})
		if failed {
			return frames, false
		}
		s.txGroupMembers[g] = state.GroupMembers[g]
		s.model.CompletedGroupSync(g)
	}
	return frames, true
}

// broadcastProgramming stores the current arc levels as power-on or
// system-failure levels. The DTR copy is shared when both are pending.
func (s *Scheduler) broadcastProgramming(ctx context.Context, state LightState) (frames int, ok bool) {
	if !state.BroadcastPowerOnPending && !state.BroadcastSystemFailurePending {
		return 0, true
	}
	if err := s.bus.TxFrame(ctx, Broadcast(CmdStoreActualLevelInDTR, true)); err != nil {
		return frames, false
	}
	frames++
	if state.BroadcastPowerOnPending {
		if err := s.bus.TxFrame(ctx, Broadcast(CmdSetPowerOnLevelFromDTR, true)); err != nil {
			return frames, false
		}
		frames++
		s.model.CompletedBroadcastPowerOn()
	}
	if state.BroadcastSystemFailurePending {
		if err := s.bus.TxFrame(ctx, Broadcast(CmdSetSystemFailureLevelFromDTR, true)); err != nil {
			return frames, false
		}
		frames++
		s.model.CompletedBroadcastSystemFailure()
	}
	return frames, true
}

// refreshOne retransmits the cached level of the next present address in
// round-robin order.
func (s *Scheduler) refreshOne(ctx context.Context, state LightState) {
	for i := 0; i < config.MaxAddresses; i++ {
		addr := (s.nextAddress + i) % config.MaxAddresses
		if !state.Present.Test(addr) || state.Levels[addr] == LevelSentinel {
			continue
		}
		if err := s.bus.TxFrame(ctx, DirectLevel(uint8(addr), state.Levels[addr])); err != nil {
			return
		}
		s.txLevels[addr] = state.Levels[addr]
		s.nextAddress = (addr + 1) % config.MaxAddresses
		return
	}
}
