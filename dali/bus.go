package dali

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
	"github.com/edinburghhacklab/mqtt-dali-controller/telemetry"
)

// ErrNotReady is returned when the line did not become idle within the
// ready-check timeout. The caller defers the frame to its next pass.
var ErrNotReady = errors.New("dali: bus not ready")

const (
	readyTimeout = 50 * time.Millisecond
	readyPoll    = time.Millisecond
)

// Bus frames forward frames onto a pulse transmitter with the mandated
// half-bit timing. TxFrame is blocking and must only be called from the
// scheduler driver goroutine.
type Bus struct {
	tx        hal.PulseTransmitter
	halfBit   time.Duration
	collector telemetry.Collector
	logger    zerolog.Logger
}

// NewBus wires a bus codec to a transmitter. The transmitter's idle level is
// set high: the line is driven through an inverting opto-isolator, so the
// bus idle level is the high logical level on the controller pin.
func NewBus(tx hal.PulseTransmitter, collector telemetry.Collector, logger zerolog.Logger) *Bus {
	if collector == nil {
		collector = telemetry.Noop()
	}
	tx.SetIdleLevel(true)
	return &Bus{
		tx:        tx,
		halfBit:   HalfBit,
		collector: collector,
		logger:    logger.With().Str("component", "dali").Logger(),
	}
}

// SetHalfBit overrides the half-bit cell duration. Tests use this to run the
// codec in scaled time.
func (b *Bus) SetHalfBit(d time.Duration) { b.halfBit = d }

// FrameDuration returns the wall-clock cost of one level frame, used by the
// scheduler when computing its sleep interval.
func (b *Bus) FrameDuration() time.Duration {
	return DirectLevel(0, 0).Duration(b.halfBit)
}

// TxFrame blocks until the line is idle, emits the framed bit pattern (twice
// back-to-back for repeat frames) and returns once the line has settled back
// to idle with the minimum inter-frame gap elapsed. A frame that cannot
// start within the ready timeout is dropped with ErrNotReady; nothing has
// been driven onto the wire in that case.
func (b *Bus) TxFrame(ctx context.Context, f Frame) error {
	if !b.waitReady(ctx) {
		b.collector.IncBusNotReady()
		return ErrNotReady
	}

	start := time.Now()
	pulses := f.Pulses()
	times := 1
	if f.Repeat {
		times = 2
	}
	for i := 0; i < times; i++ {
		if err := b.tx.Send(ctx, pulses); err != nil {
			return err
		}
	}

	elapsed := time.Since(start)
	b.collector.ObserveTxFrame(f.Kind(), elapsed)
	b.logger.Trace().Stringer("frame", f).Bool("repeat", f.Repeat).Dur("took", elapsed).Msg("tx")
	return nil
}

func (b *Bus) waitReady(ctx context.Context) bool {
	deadline := time.Now().Add(readyTimeout)
	for !b.tx.Ready() {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(readyPoll):
		}
	}
	return ctx.Err() == nil
}
