package inputs

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
	"github.com/edinburghhacklab/mqtt-dali-controller/lights"
	"github.com/edinburghhacklab/mqtt-dali-controller/nvram"
)

// switchStateRepublish keeps the retained switch state topics fresh.
const switchStateRepublish = time.Minute

// Switches and buttons share one debounced-input worker. A switch
// transition records supply power for the bound group and, when the switch
// is armed, reapplies its preset; a button press selects its preset.
type Switches struct {
	cfg      *config.Store
	sink     lights.Sink
	reporter lights.Reporter
	prefix   string
	store    *nvram.Store
	logger   zerolog.Logger

	debouncer *Debouncer
	switchIDs []int
	buttonIDs map[int]int // debouncer id -> button index
}

// NewSwitches builds the worker. Switch positions are restored from
// battery-backed RAM when the checksum matches so a warm reboot does not
// replay a transition.
func NewSwitches(cfg *config.Store, sink lights.Sink, reporter lights.Reporter,
	topicPrefix string, store *nvram.Store, switchLines, buttonLines []hal.Line,
	logger zerolog.Logger) *Switches {
	s := &Switches{
		cfg:       cfg,
		sink:      sink,
		reporter:  reporter,
		prefix:    topicPrefix,
		store:     store,
		logger:    logger.With().Str("component", "switches").Logger(),
		debouncer: NewDebouncer(),
		buttonIDs: make(map[int]int),
	}

	saved := make([]bool, len(switchLines))
	if store != nil {
		var status nvram.Status
		saved, status = store.LoadSwitches(len(switchLines))
		s.logger.Info().Str("status", status.String()).Msg("battery-backed switch positions")
		if status != nvram.StatusLoadedOK {
			for i, line := range switchLines {
				saved[i] = line.Read()
			}
		}
	}

	for i, line := range switchLines {
		index := i
		id := s.debouncer.Add(line, SwitchDebounce, saved[i], func(_ int, value bool) {
			s.switchChanged(index, value)
		})
		s.switchIDs = append(s.switchIDs, id)
	}
	for i, line := range buttonLines {
		index := i
		id := s.debouncer.Add(line, ButtonDebounce, line.Read(), func(_ int, value bool) {
			if value {
				s.buttonPressed(index)
			}
		})
		s.buttonIDs[id] = index
	}
	return s
}

// Run drives the debouncer and the periodic retained-state republish.
func (s *Switches) Run(ctx context.Context, feed func()) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.debouncer.Run(ctx, feed)
	}()

	ticker := time.NewTicker(switchStateRepublish)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-done
			return
		case <-ticker.C:
			for i := range s.switchIDs {
				s.publishState(i, s.debouncer.Value(s.switchIDs[i]))
			}
		}
	}
}

func (s *Switches) switchChanged(index int, on bool) {
	if s.store != nil {
		values := make([]bool, len(s.switchIDs))
		for i, id := range s.switchIDs {
			values[i] = s.debouncer.Value(id)
		}
		if err := s.store.SaveSwitches(values); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist switch positions")
		}
	}

	binding, ok := s.cfg.Switch(index)
	if !ok {
		return
	}
	name := binding.Name
	if name == "" {
		name = "Light switch " + strconv.Itoa(index)
	}

	s.publishState(index, on)

	group, haveGroup := s.cfg.Group(binding.Group)
	if haveGroup {
		s.sink.SetPower(group.Members, on)
	}

	if on && binding.Armed() {
		s.reporter.Report("switch", name+" ON (levels reset to "+binding.Preset+")")
		s.sink.SelectPreset(binding.Preset, binding.Group, true)
	} else {
		state := "OFF"
		if on {
			state = "ON"
		}
		s.reporter.Report("switch", name+" "+state)
	}
}

func (s *Switches) publishState(index int, on bool) {
	value := "0"
	if on {
		value = "1"
	}
	s.reporter.Publish(s.prefix+"/switch/"+strconv.Itoa(index)+"/state", value, true)
}

func (s *Switches) buttonPressed(index int) {
	binding, ok := s.cfg.Button(index)
	if !ok || binding.Preset == "" || len(binding.Groups) == 0 {
		return
	}
	spec := ""
	for i, group := range binding.Groups {
		if i > 0 {
			spec += ","
		}
		spec += group
	}
	s.sink.SelectPreset(binding.Preset, spec, false)
}
