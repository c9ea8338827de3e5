package swd

import (
	"errors"
	"math/bits"
	"time"

	log "github.com/sirupsen/logrus"
)

// SWD protocol speed presets. Values match the binary protocol encoding.
type Speed uint8

const (
	SpeedTurbo  Speed = 0 // roughly 4 MHz
	SpeedFast   Speed = 1 // roughly 2 MHz
	SpeedMedium Speed = 2 // roughly 1 MHz
	SpeedSlow   Speed = 3 // roughly 500 kHz
)

func (s Speed) String() string {
	switch s {
	case SpeedTurbo:
		return "turbo"
	case SpeedFast:
		return "fast"
	case SpeedMedium:
		return "medium"
	case SpeedSlow:
		return "slow"
	default:
		return "invalid"
	}
}

// KHz returns the approximate clock rate of this preset.
func (s Speed) KHz() uint32 {
	switch s {
	case SpeedSlow:
		return 500
	case SpeedMedium:
		return 1000
	case SpeedFast:
		return 2000
	default:
		return 4000
	}
}

// SpeedFromKHz returns the preset covering the given clock rate.
func SpeedFromKHz(khz uint32) Speed {
	switch {
	case khz <= 750:
		return SpeedSlow
	case khz <= 1500:
		return SpeedMedium
	case khz <= 3000:
		return SpeedFast
	default:
		return SpeedTurbo
	}
}

// SpeedFromByte decodes the binary protocol speed byte.
func SpeedFromByte(b uint8) (Speed, error) {
	if b > uint8(SpeedSlow) {
		return 0, ErrApi
	}
	return Speed(b), nil
}

// Busy-loop iteration counts applied after each SWCLK transition. Turbo
// uses zero delay, the native GPIO toggle rate sets the ceiling.
func (s Speed) clockLowCycles() uint32 {
	switch s {
	case SpeedSlow:
		return 75
	case SpeedMedium:
		return 33
	case SpeedFast:
		return 10
	default:
		return 0
	}
}

func (s Speed) clockHighCycles() uint32 {
	return s.clockLowCycles()
}

// SWD protocol version, determines the reset sequence used.
type Version uint8

const (
	V1 Version = 1 // JTAG-to-SWD, e.g. STM32F1/STM32F4
	V2 Version = 2 // dormant exit, e.g. RP2040
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return "invalid"
	}
}

// JTAG-to-SWD sequence, documented MSB form 0x79E7, transmitted LSB-first
const jtagToSwdSequence uint16 = 0xE79E

const swdToDormantSequence uint16 = 0xE3BC

// Fixed 128-bit dormant-exit selection alert, four 32-bit words
var selectionAlertSequence = [4]uint32{0x6209F392, 0x86852D95, 0xE3DDAFE9, 0x19BC0EA2}

// SWD activation code, documented MSB form 0x58, transmitted LSB-first
const swdActivationCode uint8 = 0x1A

const (
	lineResetHighCycles   = 51
	lineResetLowCycles    = 3
	dormantExitHighCycles = 8
	dormantExitLowCycles  = 4

	// Minimum clocks after a single (non pipelined) operation
	postSingleOperationCycles = 8
)

// ACK phase values, sampled LSB-first
const (
	ackOk    uint8 = 1
	ackWait  uint8 = 2
	ackFault uint8 = 4
)

// calculateParity is 1 for an odd number of set bits.
func calculateParity(value uint64) bool {
	return bits.OnesCount64(value)%2 == 1
}

// Protocol drives the SWDIO/SWCLK pair at the bit level. It is used by
// Interface and is not expected to be used directly by applications.
// Between operations it leaves the bus idle with SWCLK low and SWDIO
// driven low.
type Protocol struct {
	swdio Pin
	swclk Pin
	delay DelayFunc

	speed      Speed
	lowCycles  uint32
	highCycles uint32
}

// NewProtocol creates a wire driver on the given pin pair. SWDIO starts
// as input without pull, it is the target's responsibility to pull it.
// SWCLK starts as output, low. A nil delay uses BusyDelay.
func NewProtocol(swdio Pin, swclk Pin, delay DelayFunc) *Protocol {
	if delay == nil {
		delay = BusyDelay
	}
	swdio.SetInput()
	swclk.SetOutput()
	swclk.SetLow()
	p := &Protocol{swdio: swdio, swclk: swclk, delay: delay}
	p.SetSpeed(SpeedTurbo)
	log.Debug("[SWD] wire driver created, SWDIO input, SWCLK output low")
	return p
}

func (p *Protocol) Speed() Speed {
	return p.speed
}

func (p *Protocol) SetSpeed(speed Speed) {
	p.speed = speed
	p.lowCycles = speed.clockLowCycles()
	p.highCycles = speed.clockHighCycles()
	log.Debugf("[SWD] speed set to %v", speed)
}

func (p *Protocol) setSwdioOutput() { p.swdio.SetOutput() }
func (p *Protocol) setSwdioInput()  { p.swdio.SetInput() }
func (p *Protocol) setSwdioHigh()   { p.swdio.SetHigh() }
func (p *Protocol) setSwdioLow()    { p.swdio.SetLow() }
func (p *Protocol) setSwclkHigh()   { p.swclk.SetHigh() }
func (p *Protocol) setSwclkLow()    { p.swclk.SetLow() }

func (p *Protocol) writeBit(bit bool) {
	if bit {
		p.setSwdioHigh()
	} else {
		p.setSwdioLow()
	}
	p.setSwclkLow()
	p.delay(p.lowCycles)
	p.setSwclkHigh()
	p.delay(p.highCycles)
}

func (p *Protocol) readBit() bool {
	p.setSwclkLow()
	p.delay(p.lowCycles)

	// Sample before raising SWCLK. The target drives the bit on the
	// rising edge of the previous clock, so the value is stable here
	// with margin.
	bit := p.swdio.Read()

	p.setSwclkHigh()
	p.delay(p.highCycles)
	return bit
}

// writeBits clocks out count bits of data, LSB first. Leaves SWCLK low.
func (p *Protocol) writeBits(count int, data uint64) {
	for i := 0; i < count; i++ {
		p.writeBit(data&1 == 1)
		data >>= 1
	}
	p.setSwclkLow()
}

// clock runs the given number of cycles without touching SWDIO. Leaves
// SWCLK low.
func (p *Protocol) clock(cycles uint32) {
	for i := uint32(0); i < cycles; i++ {
		p.setSwclkLow()
		p.delay(p.lowCycles)
		p.setSwclkHigh()
		p.delay(p.highCycles)
	}
	p.setSwclkLow()
}

// writeCmdTurnaround sends a command byte then the turnaround cycle that
// hands the line to the target for the ACK phase.
func (p *Protocol) writeCmdTurnaround(cmd uint8) {
	p.writeBits(8, uint64(cmd))
	p.setSwdioInput()
	p.clock(1)
}

// writeCmd5Undriven sends a command byte followed by five undriven
// cycles. Used for TARGETSEL, which has no ACK phase.
func (p *Protocol) writeCmd5Undriven(cmd uint8) {
	p.writeBits(8, uint64(cmd))
	p.setSwdioInput()
	p.clock(5)
	p.setSwdioOutput()
}

// turnaroundToOutput clocks the turnaround cycle then takes the line
// back, leaving SWDIO driven low and SWCLK low.
func (p *Protocol) turnaroundToOutput() {
	p.clock(1)
	p.setSwdioOutput()
	p.setSwdioLow()
	p.setSwclkLow()
}

func (p *Protocol) turnaroundWriteWordParity(data uint32) {
	p.turnaroundToOutput()
	p.writeWordParity(data)
}

func (p *Protocol) writeWordParity(data uint32) {
	bits64 := uint64(data)
	if calculateParity(bits64) {
		bits64 |= 1 << 32
	}
	p.writeBits(33, bits64)
}

// readWordParityTurnaround reads 32 data bits, the parity bit and the
// trailing turnaround. On parity mismatch the turnaround is still
// performed, the target does not know anything went wrong.
func (p *Protocol) readWordParityTurnaround() (uint32, error) {
	var data uint32
	for i := 0; i < 32; i++ {
		if p.readBit() {
			data |= 1 << i
		}
	}
	parity := p.readBit()
	p.turnaroundToOutput()

	if calculateParity(uint64(data)) != parity {
		log.Debugf("[SWD] read parity error : data=0x%08X parity=%v", data, parity)
		return 0, ErrReadParity
	}
	return data, nil
}

// readAck samples the three ACK bits. On WAIT or FAULT a turnaround bit
// is inserted before the host resumes driving. On an invalid ACK no
// turnaround is inserted but SWDIO is forced low.
func (p *Protocol) readAck() error {
	var ack uint8
	for i := 0; i < 3; i++ {
		if p.readBit() {
			ack |= 1 << i
		}
	}
	err := ackToError(ack)
	switch {
	case err == nil:
	case errors.Is(err, ErrWait) || errors.Is(err, ErrFault):
		p.turnaroundToOutput()
	default:
		p.setSwdioOutput()
		p.setSwdioLow()
		p.setSwclkLow()
	}
	return err
}

// resetPrep holds both lines low briefly so every reset sequence starts
// from a known state.
func (p *Protocol) resetPrep() {
	p.setSwdioOutput()
	p.setSwdioLow()
	p.setSwclkLow()
	time.Sleep(500 * time.Microsecond)
}

// preLineReset clocks 50+ cycles with SWDIO high, no low tail.
func (p *Protocol) preLineReset() {
	p.setSwdioOutput()
	p.setSwdioHigh()
	p.clock(lineResetHighCycles)
}

// lineReset performs a full line reset : 50+ cycles high, 2+ cycles low,
// then a brief pause.
func (p *Protocol) lineReset() {
	p.setSwdioOutput()
	p.setSwdioHigh()
	p.clock(lineResetHighCycles)
	p.setSwdioLow()
	p.clock(lineResetLowCycles)
	time.Sleep(100 * time.Microsecond)
}

func (p *Protocol) jtagToSwdSequence() {
	p.writeBits(16, uint64(jtagToSwdSequence))
	p.setSwdioHigh()
	p.setSwclkLow()
}

func (p *Protocol) swdToDormantSequence() {
	p.writeBits(16, uint64(swdToDormantSequence))
	p.setSwdioHigh()
	p.setSwclkLow()
}

func (p *Protocol) preSelectionAlert() {
	p.setSwdioOutput()
	p.setSwdioHigh()
	p.clock(dormantExitHighCycles)
}

func (p *Protocol) selectionAlert() {
	for _, word := range selectionAlertSequence {
		p.writeBits(32, uint64(word))
	}
}

func (p *Protocol) postSelectionAlert() {
	p.setSwdioLow()
	p.clock(dormantExitLowCycles)
}

func (p *Protocol) activationCode() {
	p.writeBits(8, uint64(swdActivationCode))
}
