// Package dali implements the forward-frame codec and the transmit scheduler
// for the two-wire lighting bus.
package dali

import (
	"fmt"
	"time"

	"github.com/edinburghhacklab/mqtt-dali-controller/hal"
)

const (
	// MaxAddr is the highest short address on the bus.
	MaxAddr = 63
	// MaxGroup is the highest group id usable in group-addressed frames.
	MaxGroup = 15
	// MaxLevel is the highest direct arc power level.
	MaxLevel = 254
	// LevelSentinel is the wire value meaning "no change".
	LevelSentinel = 0xFF
)

// Commands used by the controller.
const (
	CmdStoreActualLevelInDTR        = 0x21
	CmdSetSystemFailureLevelFromDTR = 0x2C
	CmdSetPowerOnLevelFromDTR       = 0x2D
	CmdAddToGroup                   = 0x60 // + group id
	CmdRemoveFromGroup              = 0x70 // + group id
)

// HalfBit is the transmit half-bit cell duration: 1200 baud ± 10%, rounded
// up so the mandatory inter-frame gap is respected.
const HalfBit = 417 * time.Microsecond

// Idle half-bits appended after the two stop half-bits of every frame.
const (
	stopHalfBits = 2
	gapHalfBits  = 11
)

// Frame is a forward frame: an address byte, a data byte and whether the
// frame must be transmitted twice back-to-back (configuration commands).
type Frame struct {
	Addr   uint8
	Data   uint8
	Repeat bool
}

// DirectLevel addresses a single fixture with an arc power level.
func DirectLevel(addr, level uint8) Frame {
	return Frame{Addr: addr << 1, Data: level}
}

// GroupLevel addresses a group with an arc power level.
func GroupLevel(group, level uint8) Frame {
	return Frame{Addr: 0x80 | group<<1, Data: level}
}

// Command addresses a single fixture with a command byte.
func Command(addr, cmd uint8, repeat bool) Frame {
	return Frame{Addr: addr<<1 | 1, Data: cmd, Repeat: repeat}
}

// GroupCommand addresses a group with a command byte.
func GroupCommand(group, cmd uint8, repeat bool) Frame {
	return Frame{Addr: 0x80 | group<<1 | 1, Data: cmd, Repeat: repeat}
}

// Broadcast addresses every fixture with a command byte.
func Broadcast(cmd uint8, repeat bool) Frame {
	return Frame{Addr: 0xFF, Data: cmd, Repeat: repeat}
}

// IsCommand reports whether the frame carries a command rather than a level.
func (f Frame) IsCommand() bool { return f.Addr&1 == 1 }

// Kind returns a short classifier used as a telemetry label.
func (f Frame) Kind() string {
	switch {
	case f.Addr == 0xFF:
		return "broadcast"
	case f.Addr&0x80 != 0 && f.IsCommand():
		return "group_command"
	case f.Addr&0x80 != 0:
		return "group_level"
	case f.IsCommand():
		return "command"
	default:
		return "level"
	}
}

func (f Frame) String() string {
	return fmt.Sprintf("%02X:%02X", f.Addr, f.Data)
}

// Bits returns the 17 frame bits (start bit first, then both bytes
// MSB-first) without the stop sequence.
func (f Frame) Bits() [17]bool {
	var bits [17]bool
	bits[0] = true
	for i := 0; i < 8; i++ {
		bits[1+i] = f.Addr&(0x80>>i) != 0
		bits[9+i] = f.Data&(0x80>>i) != 0
	}
	return bits
}

// Pulses renders one transmission of the frame as line-level runs: each bit
// is two half-bit cells with opposite polarity (second half high encodes a
// 1), followed by two stop half-bits and the minimum inter-frame idle, all
// at the idle (high) level. Adjacent cells at the same level are merged.
func (f Frame) Pulses() []hal.Pulse {
	bits := f.Bits()
	pulses := make([]hal.Pulse, 0, 2*len(bits)+1)
	push := func(level bool, halfBits int) {
		if n := len(pulses); n > 0 && pulses[n-1].Level == level {
			pulses[n-1].HalfBits += halfBits
			return
		}
		pulses = append(pulses, hal.Pulse{HalfBits: halfBits, Level: level})
	}
	for _, bit := range bits {
		push(!bit, 1)
		push(bit, 1)
	}
	push(true, stopHalfBits+gapHalfBits)
	return pulses
}

// Duration returns the wall-clock time of a single transmission of the
// frame, including the stop sequence and inter-frame gap.
func (f Frame) Duration(halfBit time.Duration) time.Duration {
	n := 0
	for _, p := range f.Pulses() {
		n += p.HalfBits
	}
	d := time.Duration(n) * halfBit
	if f.Repeat {
		d *= 2
	}
	return d
}
