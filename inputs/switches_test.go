package inputs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
	"github.com/edinburghhacklab/mqtt-dali-controller/nvram"
)

func testSwitches(t *testing.T) (*Switches, *fakeSink, *fakeReporter, *config.Store, []*hal.SimLine) {
	t.Helper()
	cfg := testConfig(t)
	cfg.SetAddresses("0A0B")
	cfg.SetGroupAddresses("room", "0A0B")
	cfg.SetSwitchGroup(0, "room")
	cfg.SetSwitchPreset(0, "evening")
	cfg.SetPresetLevel("evening", "all", 180)

	sink := &fakeSink{}
	reporter := newFakeReporter()
	lines := []*hal.SimLine{hal.NewSimLine(false), hal.NewSimLine(false)}
	s := NewSwitches(cfg, sink, reporter, "test", nil,
		[]hal.Line{lines[0], lines[1]}, nil, zerolog.Nop())
	return s, sink, reporter, cfg, lines
}

func TestSwitchTransitionAppliesPresetAndPower(t *testing.T) {
	s, sink, reporter, cfg, _ := testSwitches(t)

	s.switchChanged(0, true)

	group, _ := cfg.Group("room")
	sink.mu.Lock()
	require.Equal(t, []bool{true}, sink.powerCalls)
	require.Equal(t, group.Members, sink.powerSets[0])
	require.Equal(t, []string{"evening|room"}, sink.presets)
	sink.mu.Unlock()

	reporter.mu.Lock()
	require.Equal(t, []string{"1"}, reporter.messages["test/switch/0/state"])
	reporter.mu.Unlock()
}

func TestSwitchOffOnlyRecordsPower(t *testing.T) {
	s, sink, _, _, _ := testSwitches(t)

	s.switchChanged(0, false)

	sink.mu.Lock()
	require.Equal(t, []bool{false}, sink.powerCalls)
	require.Empty(t, sink.presets, "off does not reapply the preset")
	sink.mu.Unlock()
}

func TestUnarmedSwitchDoesNotSelectPreset(t *testing.T) {
	s, sink, _, cfg, _ := testSwitches(t)
	cfg.SetSwitchPreset(0, "")

	s.switchChanged(0, true)

	sink.mu.Lock()
	require.Len(t, sink.powerCalls, 1, "power is still recorded")
	require.Empty(t, sink.presets)
	sink.mu.Unlock()
}

func TestSwitchDebouncedEndToEnd(t *testing.T) {
	s, sink, _, _, lines := testSwitches(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, nil)

	lines[0].Set(true)
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.presets) == 1
	}, time.Second, time.Millisecond)
}

func TestSwitchPositionsPersisted(t *testing.T) {
	cfg := testConfig(t)
	store, err := nvram.Open(filepath.Join(t.TempDir(), "nvram.bin"), false)
	require.NoError(t, err)

	lines := []hal.Line{hal.NewSimLine(true), hal.NewSimLine(false)}
	s := NewSwitches(cfg, &fakeSink{}, newFakeReporter(), "test", store, lines, nil, zerolog.Nop())

	s.switchChanged(0, true)

	values, status := store.LoadSwitches(2)
	require.Equal(t, nvram.StatusLoadedOK, status)
	require.Equal(t, []bool{true, false}, values)
}

func TestUnboundButtonPressSelectsNothing(t *testing.T) {
	cfg := testConfig(t)
	cfg.SetAddresses("0102")
	cfg.SetGroupAddresses("desk", "0102")

	sink := &fakeSink{}
	buttons := []hal.Line{hal.NewSimLine(false)}
	s := NewSwitches(cfg, sink, newFakeReporter(), "test", nil, nil, buttons, zerolog.Nop())

	// No binding: nothing happens.
	s.buttonPressed(0)
	sink.mu.Lock()
	require.Empty(t, sink.presets)
	sink.mu.Unlock()
}
