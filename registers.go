package swd

import "fmt"

// Debug Port register addresses. The DP register file overlays reads and
// writes at the same addresses.
const (
	dpIDCodeAddr    uint8 = 0x00 // read
	dpAbortAddr     uint8 = 0x00 // write
	dpCtrlStatAddr  uint8 = 0x04
	dpSelectAddr    uint8 = 0x08
	dpRdBuffAddr    uint8 = 0x0C // read
	dpTargetSelAddr uint8 = 0x0C // write, no ACK phase
)

// MEM-AP register addresses (bank in the upper nibble).
const (
	apCswAddr uint8 = 0x00
	apTarAddr uint8 = 0x04
	apDrwAddr uint8 = 0x0C
	apIdrAddr uint8 = 0xFC
)

// DP ABORT bits
const (
	abortDapAbort   uint32 = 1 << 0
	abortStkCmpClr  uint32 = 1 << 1
	abortStkErrClr  uint32 = 1 << 2
	abortWdErrClr   uint32 = 1 << 3
	abortOrunErrClr uint32 = 1 << 4

	abortClearAll = abortStkCmpClr | abortStkErrClr | abortWdErrClr | abortOrunErrClr
)

// CtrlStat is the DP CTRL/STAT register value.
type CtrlStat uint32

const (
	ctrlStatOrunDetect  uint32 = 1 << 0
	ctrlStatStickyOrun  uint32 = 1 << 1
	ctrlStatStickyCmp   uint32 = 1 << 4
	ctrlStatStickyErr   uint32 = 1 << 5
	ctrlStatReadOk      uint32 = 1 << 6
	ctrlStatWDataErr    uint32 = 1 << 7
	ctrlStatCDbgPwrUpRq uint32 = 1 << 28
	ctrlStatCDbgPwrUpAk uint32 = 1 << 29
	ctrlStatCSysPwrUpRq uint32 = 1 << 30
	ctrlStatCSysPwrUpAk uint32 = 1 << 31
)

func (c CtrlStat) StickyOrun() bool { return uint32(c)&ctrlStatStickyOrun != 0 }
func (c CtrlStat) StickyCmp() bool  { return uint32(c)&ctrlStatStickyCmp != 0 }
func (c CtrlStat) StickyErr() bool  { return uint32(c)&ctrlStatStickyErr != 0 }
func (c CtrlStat) WDataErr() bool   { return uint32(c)&ctrlStatWDataErr != 0 }
func (c CtrlStat) OrunDetect() bool { return uint32(c)&ctrlStatOrunDetect != 0 }
func (c CtrlStat) ReadOk() bool     { return uint32(c)&ctrlStatReadOk != 0 }
func (c CtrlStat) PoweredUp() bool {
	return uint32(c)&ctrlStatCDbgPwrUpAk != 0 && uint32(c)&ctrlStatCSysPwrUpAk != 0
}

// HasErrors reports whether any of the sticky error flags is set.
func (c CtrlStat) HasErrors() bool {
	return uint32(c)&(ctrlStatStickyOrun|ctrlStatStickyCmp|ctrlStatStickyErr|
		ctrlStatWDataErr|ctrlStatOrunDetect) != 0
}

// ErrorStates describes the individual DP error flags, as reported to
// local consumers by the supervisor.
type ErrorStates struct {
	StickyErr bool
	StickyCmp bool
	WDataErr  bool
	OrunErr   bool
	ReadOk    bool
}

func (c CtrlStat) ErrorStates() ErrorStates {
	return ErrorStates{
		StickyErr: c.StickyErr(),
		StickyCmp: c.StickyCmp(),
		WDataErr:  c.WDataErr(),
		OrunErr:   c.StickyOrun(),
		ReadOk:    c.ReadOk(),
	}
}

func (c CtrlStat) String() string {
	return fmt.Sprintf("CTRL/STAT(0x%08X)", uint32(c))
}

// Select is the host shadow of the DP SELECT register. The register is
// write-only in practice (reading is deprecated), so the shadow is the
// single authoritative copy and is only updated after an acknowledged
// write.
type Select uint32

const (
	selectDpBankShift = 0
	selectApBankShift = 4
	selectApSelShift  = 24
	selectBankMask    = 0xF
	selectApSelMask   = 0xFF
)

func (s Select) DpBankSel() uint8 { return uint8(uint32(s) >> selectDpBankShift & selectBankMask) }
func (s Select) ApBankSel() uint8 { return uint8(uint32(s) >> selectApBankShift & selectBankMask) }
func (s Select) ApSel() uint8     { return uint8(uint32(s) >> selectApSelShift & selectApSelMask) }

// WithDpBankFromAddr returns the select with DPBANKSEL taken from
// address bits 7:4.
func (s Select) WithDpBankFromAddr(addr uint8) Select {
	v := uint32(s) &^ (selectBankMask << selectDpBankShift)
	v |= uint32(addr>>4&selectBankMask) << selectDpBankShift
	return Select(v)
}

// WithApBankFromAddr returns the select with APBANKSEL taken from
// address bits 7:4.
func (s Select) WithApBankFromAddr(addr uint8) Select {
	v := uint32(s) &^ (selectBankMask << selectApBankShift)
	v |= uint32(addr>>4&selectBankMask) << selectApBankShift
	return Select(v)
}

func (s Select) WithApSel(ap uint8) Select {
	v := uint32(s) &^ (selectApSelMask << selectApSelShift)
	v |= uint32(ap) << selectApSelShift
	return Select(v)
}

func (s Select) String() string {
	return fmt.Sprintf("SELECT(ap=%d apbank=%d dpbank=%d)", s.ApSel(), s.ApBankSel(), s.DpBankSel())
}

// Csw is the MEM-AP CSW register value.
type Csw uint32

const (
	cswSizeMask  uint32 = 0b111
	cswSize32Bit uint32 = 0b010

	cswAddrIncShift        = 4
	cswAddrIncMask  uint32 = 0b11
	cswAddrIncOff   uint32 = 0b00
	cswAddrIncOn    uint32 = 0b01
)

func (c Csw) Size() uint32    { return uint32(c) & cswSizeMask }
func (c Csw) AddrInc() uint32 { return uint32(c) >> cswAddrIncShift & cswAddrIncMask }

func (c Csw) WithSize32() Csw {
	return Csw(uint32(c)&^cswSizeMask | cswSize32Bit)
}

func (c Csw) WithAddrInc(on bool) Csw {
	v := uint32(c) &^ (cswAddrIncMask << cswAddrIncShift)
	if on {
		v |= cswAddrIncOn << cswAddrIncShift
	}
	return Csw(v)
}

func (c Csw) String() string {
	return fmt.Sprintf("CSW(0x%08X)", uint32(c))
}

// Known AHB-AP IDR values. A MEM-AP with an unknown IDR is logged but
// accepted.
var knownMemApIdr = []uint32{
	0x24770011, // Cortex-M3/M4 AHB-AP
	0x04770021, // Cortex-M0 AHB-AP
	0x04770031, // RP2040 AHB-AP
	0x84770001, // older Cortex-M AHB-AP
}

// RP2040 multi-drop TARGETSEL values, probed in order during v2
// discovery. The rescue DP is last on purpose.
const (
	TargetSelRP2040Core0  uint32 = 0x01002927
	TargetSelRP2040Core1  uint32 = 0x11002927
	TargetSelRP2040Rescue uint32 = 0xF1002927

	// Written during v1 reset to deselect any previously selected
	// multi-drop target
	targetSelDeselectAll uint32 = 0xFFFFFFFF
)

// DefaultMultidropTargets is the candidate list used by the supervisor's
// auto-connect probe.
var DefaultMultidropTargets = []uint32{
	TargetSelRP2040Core0,
	TargetSelRP2040Core1,
	TargetSelRP2040Rescue,
}

// SwdOp names a single DP or AP register operation.
type SwdOp struct {
	Ap   bool
	Read bool
	Addr uint8
}

func DpRead(addr uint8) SwdOp  { return SwdOp{Read: true, Addr: addr} }
func DpWrite(addr uint8) SwdOp { return SwdOp{Addr: addr} }
func ApRead(addr uint8) SwdOp  { return SwdOp{Ap: true, Read: true, Addr: addr} }
func ApWrite(addr uint8) SwdOp { return SwdOp{Ap: true, Addr: addr} }

// Cmd derives the wire command byte :
// bit 0 start(1), 1 APnDP, 2 RnW, 3 A[2], 4 A[3], 5 parity, 6 stop(0),
// 7 park(1). Parity covers APnDP, RnW and A[3:2].
func (op SwdOp) Cmd() uint8 {
	var base uint8
	switch {
	case !op.Ap && op.Read:
		base = 0x85
	case !op.Ap && !op.Read:
		base = 0x81
	case op.Ap && op.Read:
		base = 0x87
	default:
		base = 0x83
	}
	cmd := base | (op.Addr&0x0C)<<1
	if calculateParity(uint64(cmd & 0x1E)) {
		cmd |= 1 << 5
	}
	return cmd
}

// needsSelect reports whether this operation can require a DP SELECT
// update. ABORT, SELECT itself, RDBUFF and IDCODE are bank invariant.
func (op SwdOp) needsSelect() bool {
	if op.Ap {
		return true
	}
	if op.Read {
		return op.Addr != dpIDCodeAddr && op.Addr != dpSelectAddr && op.Addr != dpRdBuffAddr
	}
	return op.Addr != dpAbortAddr && op.Addr != dpSelectAddr && op.Addr != dpRdBuffAddr
}

func (op SwdOp) String() string {
	port := "DP"
	if op.Ap {
		port = "AP"
	}
	dir := "write"
	if op.Read {
		dir = "read"
	}
	return fmt.Sprintf("%s %s 0x%02X", port, dir, op.Addr)
}
