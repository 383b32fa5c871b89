package inputs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
)

const (
	// encoderCycleTimeout abandons a partial quadrature cycle.
	encoderCycleTimeout = 125 * time.Millisecond
	// encoderPolarityHold re-learns a pin's active polarity after it has
	// been continuously active this long with no cycle in progress.
	encoderPolarityHold = 250 * time.Millisecond
	// encoderDebugRecords is the size of the edge ring kept for
	// dimmer debug requests.
	encoderDebugRecords = 64
)

// EncoderDebug is one recorded encoder edge.
type EncoderDebug struct {
	Time  time.Time
	Pin   int
	State bool
}

// RotaryEncoder decodes a quadrature encoder on two lines. The edge handler
// keeps the decoder state and debug ring under mu, which Debug also takes;
// the detent delta is an atomic that Read swaps without the lock.
type RotaryEncoder struct {
	pins [2]hal.Line
	wake func()

	change atomic.Int64

	mu          sync.Mutex
	active      [2]bool
	activeLow   [2]bool
	activeSince [2]time.Time
	first       int
	firstAt     time.Time
	debug       [encoderDebugRecords]EncoderDebug
	debugNext   int
	debugCount  int
}

// NewRotaryEncoder wires an encoder to its two lines. wake is invoked after
// each completed detent so the dimmer worker reads the accumulated delta.
func NewRotaryEncoder(a, b hal.Line, wake func()) *RotaryEncoder {
	e := &RotaryEncoder{pins: [2]hal.Line{a, b}, wake: wake, first: -1}
	e.activeLow = [2]bool{true, true}
	e.active[0] = e.read(0)
	e.active[1] = e.read(1)
	return e
}

func (e *RotaryEncoder) read(pin int) bool {
	level := e.pins[pin].Read()
	if e.activeLow[pin] {
		return !level
	}
	return level
}

// Start consumes edges from both lines until the context is cancelled.
func (e *RotaryEncoder) Start(ctx context.Context) {
	for pin := 0; pin < 2; pin++ {
		go func(pin int) {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-e.pins[pin].Events():
					if !ok {
						return
					}
					e.handleEdge(pin, ev)
				}
			}
		}(pin)
	}
}

// Read returns and clears the accumulated detent delta.
func (e *RotaryEncoder) Read() int64 {
	return e.change.Swap(0)
}

// Debug returns the recorded edge ring, oldest first.
func (e *RotaryEncoder) Debug() []EncoderDebug {
	e.mu.Lock()
	defer e.mu.Unlock()
	records := make([]EncoderDebug, 0, e.debugCount)
	start := e.debugNext - e.debugCount
	for i := 0; i < e.debugCount; i++ {
		records = append(records, e.debug[(start+i+encoderDebugRecords)%encoderDebugRecords])
	}
	return records
}

func (e *RotaryEncoder) handleEdge(pin int, ev hal.LineEvent) {
	e.mu.Lock()

	state := ev.Level
	if e.activeLow[pin] {
		state = !state
	}
	e.debug[e.debugNext] = EncoderDebug{Time: ev.Time, Pin: pin, State: state}
	e.debugNext = (e.debugNext + 1) % encoderDebugRecords
	if e.debugCount < encoderDebugRecords {
		e.debugCount++
	}

	if state != e.active[pin] {
		e.active[pin] = state
		if state {
			e.activeSince[pin] = ev.Time
		}
	}

	// A pin held active with no cycle in progress has the wrong polarity,
	// probably because the other encoder wiring variant is fitted.
	if state && e.first == -1 &&
		!e.activeSince[pin].IsZero() && ev.Time.Sub(e.activeSince[pin]) > encoderPolarityHold {
		e.activeLow[pin] = !e.activeLow[pin]
		e.pins[pin].SetPull(e.activeLow[pin])
		e.active[pin] = e.read(pin)
		e.first = -1
		e.mu.Unlock()
		return
	}

	// Abandon a cycle that never completed.
	if e.first != -1 && ev.Time.Sub(e.firstAt) > encoderCycleTimeout {
		e.first = -1
	}

	if state {
		if e.first == -1 {
			if e.active[1-pin] {
				// The other pin is already active, so the start of this
				// cycle was missed or abandoned and its direction is unknown.
				e.mu.Unlock()
				return
			}
			e.first = pin
			e.firstAt = ev.Time
		}
	} else {
		e.first = -1
		e.mu.Unlock()
		return
	}

	if !e.active[0] || !e.active[1] {
		e.mu.Unlock()
		return
	}

	first := e.first
	e.mu.Unlock()

	if first == 0 {
		e.change.Add(1)
	} else {
		e.change.Add(-1)
	}
	if e.wake != nil {
		e.wake()
	}
}
