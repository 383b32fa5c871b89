package inputs

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
)

type fakeSink struct {
	mu         sync.Mutex
	dims       []int
	presets    []string
	powerCalls []bool
	powerSets  []config.AddressSet
}

func (s *fakeSink) SelectPreset(nameOrIndex, lightsSpec string, internal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presets = append(s.presets, nameOrIndex+"|"+lightsSpec)
}

func (s *fakeSink) SetLevel(lightsSpec string, level int) {}

func (s *fakeSink) SetPower(addresses config.AddressSet, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.powerCalls = append(s.powerCalls, on)
	s.powerSets = append(s.powerSets, addresses)
}

func (s *fakeSink) DimAdjust(dimmerID, delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dims = append(s.dims, delta)
}

func (s *fakeSink) RequestGroupSync(group string)       {}
func (s *fakeSink) RequestBroadcastPowerOnLevel()       {}
func (s *fakeSink) RequestBroadcastSystemFailureLevel() {}

func (s *fakeSink) dimCalls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.dims...)
}

type fakeReporter struct {
	mu       sync.Mutex
	messages map[string][]string
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{messages: make(map[string][]string)}
}

func (r *fakeReporter) Report(tag, message string) {}

func (r *fakeReporter) Publish(topic, payload string, retain bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[topic] = append(r.messages[topic], payload)
}

func (r *fakeReporter) Connected() bool { return true }

func testConfig(t *testing.T) *config.Store {
	t.Helper()
	dir := t.TempDir()
	return config.New(filepath.Join(dir, "config.cbor"), filepath.Join(dir, "config.cbor~"),
		"test", config.NewData(2, 4, 2, 4), nil, nil, zerolog.Nop())
}

func testDimmers(t *testing.T) (*Dimmers, *fakeSink, *config.Store) {
	t.Helper()
	cfg := testConfig(t)
	sink := &fakeSink{}
	lines := [][2]hal.Line{{hal.NewSimLine(true), hal.NewSimLine(true)}}
	d := NewDimmers(cfg, sink, newFakeReporter(), "test", lines, zerolog.Nop())
	return d, sink, cfg
}

func TestDimmerStepDivision(t *testing.T) {
	d, sink, cfg := testDimmers(t)
	cfg.SetDimmerEncoderSteps(0, 4)
	cfg.SetDimmerLevelSteps(0, 10)

	// Eight counts at four counts per step: two steps of ten levels.
	d.encoders[0].change.Add(8)
	d.runDimmer(0)
	require.Equal(t, []int{20}, sink.dimCalls())

	// A leftover below the step threshold is carried as residual.
	d.encoders[0].change.Add(3)
	d.runDimmer(0)
	require.Equal(t, []int{20}, sink.dimCalls())

	d.encoders[0].change.Add(1)
	d.runDimmer(0)
	require.Equal(t, []int{20, 10}, sink.dimCalls())
}

func TestDimmerReverseAndNegativeSteps(t *testing.T) {
	d, sink, cfg := testDimmers(t)
	cfg.SetDimmerEncoderSteps(0, 4)
	cfg.SetDimmerLevelSteps(0, 10)

	d.encoders[0].change.Add(-8)
	d.runDimmer(0)
	require.Equal(t, []int{-20}, sink.dimCalls())

	// A negative encoder_steps value flips the rotation direction.
	cfg.SetDimmerEncoderSteps(0, -4)
	d.encoders[0].change.Add(-8)
	d.runDimmer(0)
	require.Equal(t, []int{-20, 20}, sink.dimCalls())
}

func TestDimmerDisabled(t *testing.T) {
	d, sink, cfg := testDimmers(t)
	cfg.SetDimmerEncoderSteps(0, 0)
	cfg.SetDimmerLevelSteps(0, 10)

	d.encoders[0].change.Add(8)
	d.runDimmer(0)
	require.Empty(t, sink.dimCalls(), "zero encoder_steps disables the dimmer")
	require.Zero(t, d.residual[0], "pending counts are discarded while disabled")
}

func TestDimmerLevelChangeClamped(t *testing.T) {
	d, sink, cfg := testDimmers(t)
	cfg.SetDimmerEncoderSteps(0, 1)
	cfg.SetDimmerLevelSteps(0, 200)

	d.encoders[0].change.Add(5)
	d.runDimmer(0)
	require.Equal(t, []int{254}, sink.dimCalls())
}
