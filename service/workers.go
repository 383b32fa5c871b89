package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/api"
	"github.com/edinburghhacklab/mqtt-dali-controller/inputs"
)

type inputsSwitches struct {
	w    *inputs.Switches
	feed func()
}

func newSwitches(s *Service, board Board, logger zerolog.Logger) *inputsSwitches {
	if len(board.SwitchLines) == 0 && len(board.ButtonLines) == 0 {
		return nil
	}
	return &inputsSwitches{
		w: inputs.NewSwitches(s.store, s.sink, s.net, s.cfg.MQTT.Topic, s.nv,
			board.SwitchLines, board.ButtonLines, logger),
		feed: s.watchdog.Register("switches"),
	}
}

func (x *inputsSwitches) run(ctx context.Context) {
	x.w.Run(ctx, x.feed)
}

type inputsDimmers struct {
	w    *inputs.Dimmers
	feed func()
}

func newDimmers(s *Service, board Board, logger zerolog.Logger) *inputsDimmers {
	if len(board.EncoderLines) == 0 {
		return nil
	}
	return &inputsDimmers{
		w: inputs.NewDimmers(s.store, s.sink, s.net, s.cfg.MQTT.Topic,
			board.EncoderLines, logger),
		feed: s.watchdog.Register("dimmers"),
	}
}

func (x *inputsDimmers) run(ctx context.Context) {
	x.w.Run(ctx, x.feed)
}

func (x *inputsDimmers) impl() api.DebugPublisher {
	if x == nil || x.w == nil {
		return nil
	}
	return x.w
}
