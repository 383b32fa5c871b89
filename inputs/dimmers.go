package inputs

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/config"
	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
	"github.com/edinburghhacklab/mqtt-dali-controller/lights"
)

// Dimmers reads the encoder deltas accumulated by the edge handlers and
// converts them into level adjustments through each dimmer's binding.
type Dimmers struct {
	cfg      *config.Store
	sink     lights.Sink
	reporter lights.Reporter
	prefix   string
	logger   zerolog.Logger

	encoders []*RotaryEncoder
	residual []int64
	wake     chan struct{}
}

// NewDimmers wires one rotary encoder per dimmer from pairs of lines.
func NewDimmers(cfg *config.Store, sink lights.Sink, reporter lights.Reporter,
	topicPrefix string, encoderLines [][2]hal.Line, logger zerolog.Logger) *Dimmers {
	d := &Dimmers{
		cfg:      cfg,
		sink:     sink,
		reporter: reporter,
		prefix:   topicPrefix,
		logger:   logger.With().Str("component", "dimmers").Logger(),
		residual: make([]int64, len(encoderLines)),
		wake:     make(chan struct{}, 1),
	}
	for _, pair := range encoderLines {
		d.encoders = append(d.encoders, NewRotaryEncoder(pair[0], pair[1], d.wakeUp))
	}
	return d
}

func (d *Dimmers) wakeUp() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run starts the encoders and drains their deltas until the context is
// cancelled.
func (d *Dimmers) Run(ctx context.Context, feed func()) {
	for _, enc := range d.encoders {
		enc.Start(ctx)
	}

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if feed != nil {
			feed()
		}
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
		for id := range d.encoders {
			d.runDimmer(id)
		}
	}
}

// runDimmer folds new encoder counts into the dimmer's residual and emits a
// level adjustment once enough counts have accumulated. The encoder_steps
// sign selects the rotation direction; zero disables the dimmer and drops
// its counts.
func (d *Dimmers) runDimmer(id int) {
	binding, ok := d.cfg.Dimmer(id)
	if !ok {
		return
	}
	change := d.encoders[id].Read()

	if binding.EncoderSteps == 0 {
		d.residual[id] = 0
		return
	}
	d.residual[id] += change
	if d.residual[id] == 0 {
		return
	}

	encoderSteps := int64(binding.EncoderSteps)
	absSteps := encoderSteps
	if absSteps < 0 {
		absSteps = -absSteps
	}
	forward := d.residual[id] > 0
	count := d.residual[id] / absSteps
	if count < 0 {
		count = -count
	}
	if count == 0 {
		return
	}
	if !forward {
		count = -count
	}
	d.residual[id] -= count * absSteps
	if encoderSteps < 0 {
		count = -count
	}

	levelChange := count * int64(binding.LevelSteps)
	if levelChange > config.MaxLevel {
		levelChange = config.MaxLevel
	} else if levelChange < -config.MaxLevel {
		levelChange = -config.MaxLevel
	}
	if levelChange == 0 {
		return
	}
	d.sink.DimAdjust(id, int(levelChange))
}

// PublishDebug publishes the encoder edge ring of a dimmer, one line per
// recorded edge.
func (d *Dimmers) PublishDebug(id int) {
	if id < 0 || id >= len(d.encoders) {
		return
	}
	topic := d.prefix + "/dimmer/" + strconv.Itoa(id) + "/debug_log"
	for _, record := range d.encoders[id].Debug() {
		pin := byte('a')
		if record.Pin == 1 {
			pin = 'b'
		}
		if record.State {
			pin -= 'a' - 'A'
		}
		d.reporter.Publish(topic,
			strconv.FormatInt(record.Time.UnixMicro(), 10)+" "+string(pin), false)
	}
}
