package dali

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
	"github.com/edinburghhacklab/mqtt-dali-controller/telemetry"
)

// fakeModel is a minimal Model for driving the scheduler by hand.
type fakeModel struct {
	mu    sync.Mutex
	state LightState
	wake  chan struct{}

	completedRefresh []int
	completedSync    []int
	completedPowerOn int
	completedSysFail int
}

func newFakeModel() *fakeModel {
	m := &fakeModel{wake: make(chan struct{}, 1)}
	for i := range m.state.Levels {
		m.state.Levels[i] = LevelSentinel
	}
	for i := range m.state.GroupLevels {
		m.state.GroupLevels[i] = -1
	}
	return m
}

func (m *fakeModel) Snapshot() LightState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *fakeModel) WakeCh() <-chan struct{} { return m.wake }

func (m *fakeModel) CompletedForceRefresh(addr int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.ForceRefresh[addr] > 0 {
		m.state.ForceRefresh[addr]--
	}
	m.completedRefresh = append(m.completedRefresh, addr)
}

func (m *fakeModel) CompletedGroupSync(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.GroupSyncPending &^= 1 << uint(id)
	m.completedSync = append(m.completedSync, id)
}

func (m *fakeModel) CompletedBroadcastPowerOn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.BroadcastPowerOnPending = false
	m.completedPowerOn++
}

func (m *fakeModel) CompletedBroadcastSystemFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.BroadcastSystemFailurePending = false
	m.completedSysFail++
}

func (m *fakeModel) update(fn func(*LightState)) {
	m.mu.Lock()
	fn(&m.state)
	m.mu.Unlock()
}

func testScheduler(t *testing.T) (*Scheduler, *fakeModel, *hal.SimTransmitter) {
	t.Helper()
	tx := hal.NewSimTransmitter()
	bus := NewBus(tx, telemetry.Noop(), zerolog.Nop())
	bus.SetHalfBit(0)
	model := newFakeModel()
	s := NewScheduler(bus, model, telemetry.Noop(), zerolog.Nop(), nil, time.Second)
	return s, model, tx
}

// sentFrames decodes the transmitted pulse trains back to (addr, data)
// pairs. Repeated configuration frames appear twice.
func sentFrames(t *testing.T, tx *hal.SimTransmitter) []Frame {
	t.Helper()
	var frames []Frame
	for _, train := range tx.Sent() {
		var cells []bool
		for _, p := range train {
			for i := 0; i < p.HalfBits; i++ {
				cells = append(cells, p.Level)
			}
		}
		require.GreaterOrEqual(t, len(cells), 17*2)
		var f Frame
		// cells[0:2] is the start bit.
		require.False(t, cells[0])
		require.True(t, cells[1])
		for bit := 0; bit < 8; bit++ {
			if cells[2+2*bit+1] {
				f.Addr |= 0x80 >> bit
			}
			if cells[18+2*bit+1] {
				f.Data |= 0x80 >> bit
			}
		}
		frames = append(frames, f)
	}
	return frames
}

func TestSchedulerPresetBurst(t *testing.T) {
	s, model, tx := testScheduler(t)

	model.update(func(st *LightState) {
		st.Present = config.AddressSet(0).Set(0).Set(1).Set(2)
		st.Levels[0] = 200
		st.Levels[1] = 150
		st.Levels[2] = 100
	})

	s.pass(context.Background())

	frames := sentFrames(t, tx)
	require.Equal(t, []Frame{
		{Addr: 0x00, Data: 200},
		{Addr: 0x02, Data: 150},
		{Addr: 0x04, Data: 100},
	}, frames)

	// A settled model emits exactly one refresh frame per pass.
	tx.Reset()
	s.pass(context.Background())
	require.Len(t, sentFrames(t, tx), 1)
}

func TestSchedulerGroupLevelSkipsMembers(t *testing.T) {
	s, model, tx := testScheduler(t)

	model.update(func(st *LightState) {
		st.Present = config.AddressSet(0).Set(5).Set(6)
		st.Levels[5] = 130
		st.Levels[6] = 130
		st.GroupLevels[3] = 130
		st.GroupMembers[3] = config.AddressSet(0).Set(5).Set(6)
		st.GroupMask = config.AddressSet(0).Set(5).Set(6)
	})

	s.pass(context.Background())

	frames := sentFrames(t, tx)
	require.Equal(t, []Frame{{Addr: 0x86, Data: 130}}, frames,
		"one group frame, no per-address frames")
}

func TestSchedulerForceRefresh(t *testing.T) {
	s, model, tx := testScheduler(t)

	model.update(func(st *LightState) {
		st.Present = config.AddressSet(0).Set(10).Set(11)
		st.Levels[10] = 180
		st.Levels[11] = 180
	})

	// First pass transmits the levels and settles the cache.
	s.pass(context.Background())
	tx.Reset()

	// Supply power returned: two forced retransmits per address even
	// though the cache matches. The settle loop drains the counters.
	model.update(func(st *LightState) {
		st.ForceRefresh[10] = 2
		st.ForceRefresh[11] = 2
	})

	s.pass(context.Background())

	count := map[Frame]int{}
	for _, f := range sentFrames(t, tx) {
		count[f]++
	}
	require.Equal(t, 2, count[Frame{Addr: 0x14, Data: 180}])
	require.Equal(t, 2, count[Frame{Addr: 0x16, Data: 180}])
	require.Equal(t, []int{10, 11, 10, 11}, model.completedRefresh)
	require.Zero(t, model.Snapshot().ForceRefresh[10])
	require.Zero(t, model.Snapshot().ForceRefresh[11])

	// Counters drained: the next pass is a plain refresh of one address.
	tx.Reset()
	s.pass(context.Background())
	require.Len(t, sentFrames(t, tx), 1)
}

func TestSchedulerGroupSync(t *testing.T) {
	s, model, tx := testScheduler(t)

	model.update(func(st *LightState) {
		st.Present = config.AddressSet(0).Set(5).Set(6)
		st.GroupMembers[3] = config.AddressSet(0).Set(5).Set(6)
		st.GroupSyncPending = 1 << 3
	})

	s.pass(context.Background())

	frames := sentFrames(t, tx)
	// Remove broadcast (twice), then add-to-group per member (twice
	// each); no level frames because no levels are set.
	require.Equal(t, []Frame{
		{Addr: 0xFF, Data: 0x73},
		{Addr: 0xFF, Data: 0x73},
		{Addr: 0x0B, Data: 0x63},
		{Addr: 0x0B, Data: 0x63},
		{Addr: 0x0D, Data: 0x63},
		{Addr: 0x0D, Data: 0x63},
	}, frames)
	require.Equal(t, []int{3}, model.completedSync)
	require.Zero(t, model.Snapshot().GroupSyncPending)
}

func TestSchedulerBroadcastProgrammingSharesDTR(t *testing.T) {
	s, model, tx := testScheduler(t)

	model.update(func(st *LightState) {
		st.BroadcastPowerOnPending = true
		st.BroadcastSystemFailurePending = true
	})

	s.pass(context.Background())

	frames := sentFrames(t, tx)
	require.Equal(t, []Frame{
		{Addr: 0xFF, Data: CmdStoreActualLevelInDTR},
		{Addr: 0xFF, Data: CmdStoreActualLevelInDTR},
		{Addr: 0xFF, Data: CmdSetPowerOnLevelFromDTR},
		{Addr: 0xFF, Data: CmdSetPowerOnLevelFromDTR},
		{Addr: 0xFF, Data: CmdSetSystemFailureLevelFromDTR},
		{Addr: 0xFF, Data: CmdSetSystemFailureLevelFromDTR},
	}, frames, "one shared DTR store for both programming commands")
	require.Equal(t, 1, model.completedPowerOn)
	require.Equal(t, 1, model.completedSysFail)
}

func TestSchedulerConvergence(t *testing.T) {
	s, model, tx := testScheduler(t)

	model.update(func(st *LightState) {
		st.Present = config.AddressSet(0).Set(0).Set(7).Set(63)
		st.Levels[0] = 1
		st.Levels[7] = 2
		st.Levels[63] = 3
	})

	s.pass(context.Background())
	tx.Reset()

	// With no further mutations each pass is exactly one refresh frame,
	// cycling through the present addresses fairly.
	for i := 0; i < 6; i++ {
		s.pass(context.Background())
	}
	frames := sentFrames(t, tx)
	require.Len(t, frames, 6)
	require.Equal(t, []Frame{
		{Addr: 0x00, Data: 1},
		{Addr: 0x0E, Data: 2},
		{Addr: 0x7E, Data: 3},
		{Addr: 0x00, Data: 1},
		{Addr: 0x0E, Data: 2},
		{Addr: 0x7E, Data: 3},
	}, frames)
}

func TestSchedulerRunWakes(t *testing.T) {
	s, model, tx := testScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	model.update(func(st *LightState) {
		st.Present = config.AddressSet(0).Set(1)
		st.Levels[1] = 42
	})
	model.wake <- struct{}{}

	require.Eventually(t, func() bool {
		for _, f := range sentFrames(t, tx) {
			if f.Addr == 0x02 && f.Data == 42 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
