package swd

// Bit-level simulated SWD target used for testing, in the same spirit as
// a virtual bus backend : it sits behind the Pin seam, decodes the wire
// protocol on SWCLK rising edges, and models the DP, one MEM-AP and a
// sparse memory map. Everything runs synchronously on the caller's
// goroutine, the wire driver's bit loops never yield.

type simState uint8

const (
	stIdle simState = iota
	stHeader
	stTurn
	stAck
	stReadData
	stWriteTurn
	stWriteData
	stTsGap
	stTsData
)

// SimTarget is one selectable identity on a (possibly multi-drop) bus.
type SimTarget struct {
	TargetSel uint32
	IDCode    uint32
}

// SimConfig describes the simulated target.
type SimConfig struct {
	// V2 targets honour the SWD-to-dormant sequence and require the
	// selection alert to wake
	Version Version

	// DPIDR for a single-drop target
	IDCode uint32

	// Non-empty for a multi-drop bus : identities selected via
	// TARGETSEL. IDCode is ignored.
	Multidrop []SimTarget

	// MEM-AP IDR value, defaults to a Cortex-M4 AHB-AP
	IDR uint32

	// Initial memory contents, word addressed
	Memory map[uint32]uint32
}

// Sim is the simulated target. Its two Pin views are handed to
// NewProtocol. Fault injection fields may be set between operations.
type Sim struct {
	cfg SimConfig

	// Injection : respond WAIT / FAULT to the next N operations, drive
	// no ACK for the next N, corrupt the read parity of the next N
	WaitAcks          int
	FaultAcks         int
	NoAckOps          int
	CorruptReadParity int

	// When false the target does not respond at all, as if unpowered
	Responsive bool

	// Test observability
	SelectWrites int
	TarWrites    []uint32

	// Pin state
	swclkHigh  bool
	hostDrives bool
	hostLevel  bool
	targetOut  bool
	targetLvl  bool

	// Stream decode
	onesRun   int
	seq16     uint16
	justReset bool
	armed     bool
	dormant   bool
	selected  int

	alertIdx int
	actShift uint16
	actBits  int

	// Operation FSM
	state  simState
	nbits  int
	shift  uint64
	opAp   bool
	opRead bool
	opAddr uint8
	ack    uint8

	// DP state
	dpSelect   uint32
	powerReq   uint32
	stickyBits uint32
	readOk     bool

	// MEM-AP state
	csw       uint32
	tar       uint32
	apReadBuf uint32

	memory map[uint32]uint32
}

// NewSim creates a simulated target.
func NewSim(cfg SimConfig) *Sim {
	if cfg.IDR == 0 {
		cfg.IDR = 0x24770011
	}
	memory := map[uint32]uint32{}
	for addr, value := range cfg.Memory {
		memory[addr] = value
	}
	return &Sim{
		cfg:        cfg,
		Responsive: true,
		selected:   -1,
		memory:     memory,
	}
}

// Memory exposes the simulated memory map for assertions.
func (s *Sim) Memory() map[uint32]uint32 {
	return s.memory
}

// Dormant reports whether the target is in the dormant state.
func (s *Sim) Dormant() bool {
	return s.dormant
}

// BusIdle reports whether the host left the bus in the idle state :
// SWCLK low, SWDIO driven low.
func (s *Sim) BusIdle() bool {
	return !s.swclkHigh && s.hostDrives && !s.hostLevel
}

// SwdioPin returns the Pin view of the data line.
func (s *Sim) SwdioPin() Pin { return (*simSwdio)(s) }

// SwclkPin returns the Pin view of the clock line.
func (s *Sim) SwclkPin() Pin { return (*simSwclk)(s) }

type simSwdio Sim

func (p *simSwdio) SetHigh()   { (*Sim)(p).hostLevel = true }
func (p *simSwdio) SetLow()    { (*Sim)(p).hostLevel = false }
func (p *simSwdio) SetInput()  { (*Sim)(p).hostDrives = false }
func (p *simSwdio) SetOutput() { (*Sim)(p).hostDrives = true }
func (p *simSwdio) Read() bool {
	s := (*Sim)(p)
	if s.hostDrives {
		return s.hostLevel
	}
	return s.targetOut && s.targetLvl
}

type simSwclk Sim

func (p *simSwclk) SetHigh() {
	s := (*Sim)(p)
	if !s.swclkHigh {
		s.swclkHigh = true
		s.risingEdge()
	}
}
func (p *simSwclk) SetLow()    { (*Sim)(p).swclkHigh = false }
func (p *simSwclk) SetInput()  {}
func (p *simSwclk) SetOutput() {}
func (p *simSwclk) Read() bool { return (*Sim)(p).swclkHigh }

// risingEdge advances the target by one clock. The host samples SWDIO
// before raising SWCLK, so anything presented here is what the host sees
// on its next read.
func (s *Sim) risingEdge() {
	driving := s.hostDrives
	bit := driving && s.hostLevel

	if s.dormant {
		if driving {
			s.trackDormantExit(bit)
		}
		return
	}
	if driving {
		s.trackSequences(bit)
	}
	s.stepState(driving, bit)
}

// trackSequences watches the host-driven bit stream for line resets and
// the mode-change sequences, which are only honoured straight after a
// line reset.
func (s *Sim) trackSequences(bit bool) {
	if bit {
		s.onesRun++
		if s.onesRun == 50 {
			s.lineResetEvent()
		}
	} else {
		s.onesRun = 0
	}

	s.seq16 >>= 1
	if bit {
		s.seq16 |= 0x8000
	}
	if s.justReset {
		if s.seq16 == swdToDormantSequence && s.cfg.Version == V2 {
			s.enterDormant()
		}
	}
}

func (s *Sim) lineResetEvent() {
	s.justReset = true
	s.armed = true
	s.state = stIdle
	s.targetOut = false
}

func (s *Sim) enterDormant() {
	s.dormant = true
	s.state = stIdle
	s.targetOut = false
	s.alertIdx = 0
	s.actBits = 0
}

// selectionAlertBits is the 128-bit dormant-exit stream, LSB-first per
// word.
var selectionAlertBits = func() [128]bool {
	var bitstream [128]bool
	for w, word := range selectionAlertSequence {
		for b := 0; b < 32; b++ {
			bitstream[w*32+b] = word>>b&1 == 1
		}
	}
	return bitstream
}()

// trackDormantExit matches the selection alert, the four low cycles and
// the SWD activation code.
func (s *Sim) trackDormantExit(bit bool) {
	if s.alertIdx < 128 {
		if bit == selectionAlertBits[s.alertIdx] {
			s.alertIdx++
		} else if bit == selectionAlertBits[0] {
			s.alertIdx = 1
		} else {
			s.alertIdx = 0
		}
		return
	}

	s.actShift >>= 1
	if bit {
		s.actShift |= 1 << 11
	}
	s.actBits++
	if s.actBits < 12 {
		return
	}
	// Four low cycles then the activation code, LSB-first
	if s.actShift == uint16(swdActivationCode)<<4 {
		s.dormant = false
		s.state = stIdle
		s.onesRun = 0
		s.seq16 = 0
	}
	s.alertIdx = 0
	s.actBits = 0
	s.actShift = 0
}

// stepState runs the per-operation state machine.
func (s *Sim) stepState(driving bool, bit bool) {
	switch s.state {
	case stIdle:
		// Once 50 ones have been seen the line is in reset, and no header
		// starts until the host has driven it low again
		if driving && bit && s.onesRun < 50 {
			s.shift = 1
			s.nbits = 1
			s.state = stHeader
		}

	case stHeader:
		if !driving {
			s.state = stIdle
			return
		}
		if bit {
			s.shift |= 1 << s.nbits
		}
		s.nbits++
		if s.nbits < 8 {
			return
		}
		s.headerComplete(uint8(s.shift))

	case stTurn:
		if !s.responds() {
			s.state = stIdle
			return
		}
		s.ack = s.nextAck()
		s.targetOut = true
		s.targetLvl = s.ack&1 != 0
		s.nbits = 1
		s.state = stAck

	case stAck:
		if s.nbits < 3 {
			s.targetLvl = s.ack>>s.nbits&1 != 0
			s.nbits++
			return
		}
		// All three ACK bits sampled by now
		if s.ack != ackOk {
			s.targetOut = false
			s.state = stIdle
			return
		}
		if s.opRead {
			value := s.executeRead()
			s.shift = uint64(value)
			parity := calculateParity(uint64(value))
			if s.CorruptReadParity > 0 {
				s.CorruptReadParity--
				parity = !parity
			}
			if parity {
				s.shift |= 1 << 32
			}
			s.targetLvl = s.shift&1 != 0
			s.nbits = 1
			s.state = stReadData
		} else {
			s.targetOut = false
			s.state = stWriteTurn
		}

	case stReadData:
		if s.nbits < 33 {
			s.targetLvl = s.shift>>s.nbits&1 != 0
			s.nbits++
			return
		}
		// Parity sampled, host takes the line back on this turnaround
		s.targetOut = false
		s.state = stIdle

	case stWriteTurn:
		s.shift = 0
		s.nbits = 0
		s.state = stWriteData

	case stWriteData:
		if driving && bit {
			s.shift |= 1 << s.nbits
		}
		s.nbits++
		if s.nbits < 33 {
			return
		}
		s.writeComplete()
		s.state = stIdle

	case stTsGap:
		s.nbits++
		if s.nbits == 5 {
			s.shift = 0
			s.nbits = 0
			s.state = stTsData
		}

	case stTsData:
		if driving && bit {
			s.shift |= 1 << s.nbits
		}
		s.nbits++
		if s.nbits < 33 {
			return
		}
		value := uint32(s.shift)
		if calculateParity(uint64(value)) == (s.shift>>32&1 == 1) {
			s.applyTargetSel(value)
		}
		s.state = stIdle
	}
}

// headerComplete validates the command byte and routes to the ACK phase
// or, for TARGETSEL, the five undriven cycles.
func (s *Sim) headerComplete(cmd uint8) {
	valid := cmd&1 == 1 && cmd>>6&1 == 0 && cmd>>7&1 == 1 &&
		calculateParity(uint64(cmd&0x1E)) == (cmd>>5&1 == 1)
	if !valid {
		s.state = stIdle
		return
	}
	s.justReset = false
	s.opAp = cmd>>1&1 == 1
	s.opRead = cmd>>2&1 == 1
	s.opAddr = cmd >> 3 & 0x3 << 2

	if !s.opAp && !s.opRead && s.opAddr == dpTargetSelAddr {
		s.nbits = 0
		s.state = stTsGap
		return
	}
	s.armed = false
	s.state = stTurn
}

// responds reports whether the target takes part in the ACK phase of the
// current operation.
func (s *Sim) responds() bool {
	if !s.Responsive {
		return false
	}
	if s.NoAckOps > 0 {
		s.NoAckOps--
		return false
	}
	if len(s.cfg.Multidrop) > 0 && s.selected < 0 {
		return false
	}
	return true
}

func (s *Sim) nextAck() uint8 {
	if s.WaitAcks > 0 {
		s.WaitAcks--
		return ackWait
	}
	if s.FaultAcks > 0 {
		s.FaultAcks--
		return ackFault
	}
	return ackOk
}

func (s *Sim) applyTargetSel(value uint32) {
	if len(s.cfg.Multidrop) == 0 {
		// Not a multi-drop target, TARGETSEL writes are ignored
		return
	}
	s.selected = -1
	if value == targetSelDeselectAll {
		return
	}
	for n, target := range s.cfg.Multidrop {
		if target.TargetSel == value {
			s.selected = n
			return
		}
	}
}

func (s *Sim) dpidr() uint32 {
	if len(s.cfg.Multidrop) > 0 {
		return s.cfg.Multidrop[s.selected].IDCode
	}
	return s.cfg.IDCode
}

func (s *Sim) ctrlStatValue() uint32 {
	value := s.stickyBits | s.powerReq
	if s.powerReq&ctrlStatCDbgPwrUpRq != 0 {
		value |= ctrlStatCDbgPwrUpAk
	}
	if s.powerReq&ctrlStatCSysPwrUpRq != 0 {
		value |= ctrlStatCSysPwrUpAk
	}
	if s.readOk {
		value |= ctrlStatReadOk
	}
	return value
}

func (s *Sim) executeRead() uint32 {
	if !s.opAp {
		switch s.opAddr {
		case dpIDCodeAddr:
			return s.dpidr()
		case dpCtrlStatAddr:
			return s.ctrlStatValue()
		case dpRdBuffAddr:
			return s.apReadBuf
		default:
			return 0
		}
	}
	// AP reads are pipelined : this access returns the previous AP
	// read's value and queues the new one
	previous := s.apReadBuf
	s.apReadBuf = s.apRegRead()
	s.readOk = true
	return previous
}

func (s *Sim) apRegRead() uint32 {
	if s.dpSelect>>selectApSelShift&selectApSelMask != 0 {
		return 0
	}
	reg := s.dpSelect >> selectApBankShift & selectBankMask << 4
	switch uint8(reg) | s.opAddr {
	case apCswAddr:
		return s.csw
	case apTarAddr:
		return s.tar
	case apDrwAddr:
		value := s.memory[s.tar]
		s.advanceTar()
		return value
	case apIdrAddr:
		return s.cfg.IDR
	default:
		return 0
	}
}

// advanceTar models the auto-increment wrap at the 1 KiB boundary.
func (s *Sim) advanceTar() {
	if s.csw>>cswAddrIncShift&cswAddrIncMask == cswAddrIncOn {
		s.tar = s.tar&^(memoryWrapBoundary-1) | (s.tar+4)&(memoryWrapBoundary-1)
	}
}

func (s *Sim) writeComplete() {
	value := uint32(s.shift)
	if calculateParity(uint64(value)) != (s.shift>>32&1 == 1) {
		s.stickyBits |= ctrlStatWDataErr
		return
	}
	if !s.opAp {
		switch s.opAddr {
		case dpAbortAddr:
			if value&abortStkCmpClr != 0 {
				s.stickyBits &^= ctrlStatStickyCmp
			}
			if value&abortStkErrClr != 0 {
				s.stickyBits &^= ctrlStatStickyErr
			}
			if value&abortWdErrClr != 0 {
				s.stickyBits &^= ctrlStatWDataErr
			}
			if value&abortOrunErrClr != 0 {
				s.stickyBits &^= ctrlStatStickyOrun
			}
		case dpCtrlStatAddr:
			s.powerReq = value
		case dpSelectAddr:
			s.dpSelect = value
			s.SelectWrites++
		}
		return
	}
	if s.dpSelect>>selectApSelShift&selectApSelMask != 0 {
		return
	}
	reg := s.dpSelect >> selectApBankShift & selectBankMask << 4
	switch uint8(reg) | s.opAddr {
	case apCswAddr:
		s.csw = value
	case apTarAddr:
		s.tar = value
		s.TarWrites = append(s.TarWrites, value)
	case apDrwAddr:
		s.memory[s.tar] = value
		s.advanceTar()
	}
}

// InjectStickyErr sets the STICKYERR flag, as a faulting AP transaction
// would.
func (s *Sim) InjectStickyErr() {
	s.stickyBits |= ctrlStatStickyErr
}
