package swd

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Default retries after a WAIT ACK
const defaultWaitRetries = 2

// MultidropTarget pairs a TARGETSEL value with the DPIDR observed when
// probing it.
type MultidropTarget struct {
	TargetSel uint32
	IDCode    uint32
}

func (t MultidropTarget) Name() string {
	switch t.TargetSel {
	case TargetSelRP2040Core0:
		return "RP2040 Core 0"
	case TargetSelRP2040Core1:
		return "RP2040 Core 1"
	case TargetSelRP2040Rescue:
		return "RP2040 Rescue DP"
	default:
		if t.TargetSel&0x0FFFFFFF == TargetSelRP2040Core0 {
			return "RP2040 Core custom instance"
		}
		return "Unknown"
	}
}

func (t MultidropTarget) String() string {
	return fmt.Sprintf("%s (0x%08X/0x%08X)", t.Name(), t.TargetSel, t.IDCode)
}

// Interface performs DP and AP register operations on top of the wire
// driver. It owns the wire driver and all cached connection state : the
// DP SELECT shadow, the power-up flag, the DPIDR and MCU details. All
// cached state is dropped on any disconnect.
type Interface struct {
	protocol *Protocol

	idcode    uint32
	connected bool
	mcu       *Mcu
	idr       uint32
	hasIdr    bool
	poweredUp bool
	dpSelect  Select
	addrInc   bool

	waitRetries int
	checkPower  bool

	// Set when the IDCODE is read after a reset sequence, zero otherwise
	resetVersion Version
}

// NewInterface creates a DP/AP interface owning the given wire driver.
func NewInterface(protocol *Protocol) *Interface {
	return &Interface{
		protocol:    protocol,
		waitRetries: defaultWaitRetries,
		checkPower:  true,
	}
}

// NewInterfaceFromPins is a convenience wrapper creating the wire driver
// too.
func NewInterfaceFromPins(swdio, swclk Pin, delay DelayFunc) *Interface {
	return NewInterface(NewProtocol(swdio, swclk, delay))
}

func (i *Interface) resetInternalState() {
	i.idcode = 0
	i.connected = false
	i.mcu = nil
	i.idr = 0
	i.hasIdr = false
	i.poweredUp = false
	i.dpSelect = 0
	i.addrInc = false
	i.checkPower = true
	i.resetVersion = 0
}

// SetSpeed changes the SWD clock speed. Can be changed at any time, for
// example after a failed connect, retry at a slower speed. If reads fail
// intermittently at turbo, drop to fast rather than adjusting the
// sampling point.
func (i *Interface) SetSpeed(speed Speed) {
	i.protocol.SetSpeed(speed)
}

func (i *Interface) Speed() Speed {
	return i.protocol.Speed()
}

// Connected reports whether a target is currently connected.
func (i *Interface) Connected() bool {
	return i.connected
}

// IDCode returns the DPIDR read on connect.
func (i *Interface) IDCode() (uint32, bool) {
	return i.idcode, i.connected
}

// Mcu returns the identified MCU details, nil when unknown or not
// connected.
func (i *Interface) Mcu() *Mcu {
	return i.mcu
}

// Idr returns the MEM-AP IDR read during configuration.
func (i *Interface) Idr() (uint32, bool) {
	return i.idr, i.hasIdr
}

// ResetVersion returns the reset sequence version used for the current
// connection, zero if the target has not been reset.
func (i *Interface) ResetVersion() Version {
	return i.resetVersion
}

// ClockRaw sets SWDIO to the requested state, clocks the given number of
// cycles, then sets SWDIO to the post state. Exposed to binary protocol
// clients for custom low-level sequencing.
func (i *Interface) ClockRaw(level LineState, post LineState, cycles uint32) {
	log.Tracef("[SWD] clock raw %v %d cycles then %v", level, cycles, post)
	level.apply(i.protocol)
	i.protocol.clock(cycles)
	post.apply(i.protocol)
}

// Lowest level read operation that actually drives the wire. WAIT
// responses are retried by re-issuing the same command byte, up to the
// retry budget.
func (i *Interface) doReadOp(op SwdOp, single bool) (uint32, error) {
	if op.Ap && i.checkPower && !i.poweredUp {
		return 0, ErrNotReady
	}
	cmd := op.Cmd()
	i.protocol.setSwdioOutput()

	attempt := 0
	for {
		i.protocol.writeCmdTurnaround(cmd)
		err := i.protocol.readAck()
		if err == nil {
			data, err := i.protocol.readWordParityTurnaround()
			if err != nil {
				log.Debugf("[SWD] %v failed : %v", op, err)
				return 0, err
			}
			if single {
				i.protocol.clock(postSingleOperationCycles)
			}
			return data, nil
		}
		if !errors.Is(err, ErrWait) {
			log.Debugf("[SWD] %v failed : %v", op, err)
			return 0, err
		}
		attempt++
		if attempt > i.waitRetries {
			log.Debugf("[SWD] %v WAIT retries exhausted", op)
			return 0, ErrWait
		}
		log.Tracef("[SWD] %v WAIT, retry %d", op, attempt)
	}
}

// Lowest level write operation. Writes require 2 extra cycles after the
// parity bit (STM32F4 erratum), which count toward the 8 post-operation
// clocks when the operation is the last in a burst.
func (i *Interface) doWriteOp(op SwdOp, data uint32, single bool) error {
	if op.Ap && i.checkPower && !i.poweredUp {
		return ErrNotReady
	}
	cmd := op.Cmd()
	i.protocol.setSwdioOutput()

	attempt := 0
	for {
		i.protocol.writeCmdTurnaround(cmd)
		err := i.protocol.readAck()
		if err == nil {
			i.protocol.turnaroundWriteWordParity(data)
			i.protocol.setSwdioLow()
			i.protocol.clock(2)
			if single {
				i.protocol.clock(postSingleOperationCycles - 2)
			}
			return nil
		}
		if !errors.Is(err, ErrWait) {
			log.Debugf("[SWD] %v failed : %v", op, err)
			return err
		}
		attempt++
		if attempt > i.waitRetries {
			log.Debugf("[SWD] %v WAIT retries exhausted", op)
			return ErrWait
		}
		log.Tracef("[SWD] %v WAIT, retry %d", op, attempt)
	}
}

// writeTargetSel writes the TARGETSEL register. Unique among writes :
// after the command byte the host releases SWDIO for five undriven
// cycles in place of the ACK phase, then drives the value, parity and
// two trailing low clocks.
func (i *Interface) writeTargetSel(value uint32) {
	op := DpWrite(dpTargetSelAddr)
	log.Tracef("[SWD] %v TARGETSEL 0x%08X", op, value)
	i.protocol.setSwdioOutput()
	i.protocol.writeCmd5Undriven(op.Cmd())
	i.protocol.writeWordParity(value)
	i.protocol.setSwdioLow()
	i.protocol.clock(2)
}

// checkSelect computes the DP SELECT value required by the operation and
// writes SELECT only when the shadow differs. Bank invariant registers
// never trigger an update.
func (i *Interface) checkSelect(op SwdOp, apIndex uint8) error {
	if !op.needsSelect() {
		return nil
	}
	required := i.dpSelect
	if op.Ap {
		required = required.WithApSel(apIndex).WithApBankFromAddr(op.Addr)
	} else {
		required = required.WithDpBankFromAddr(op.Addr)
	}
	if required == i.dpSelect {
		return nil
	}
	return i.UpdateSelect(required)
}

// UpdateSelect writes the DP SELECT register and updates the shadow on
// success. The shadow is only updated after the write is acknowledged
// without DP error.
func (i *Interface) UpdateSelect(sel Select) error {
	if err := i.doWriteOp(DpWrite(dpSelectAddr), uint32(sel), true); err != nil {
		return err
	}
	if err := i.checkDpErrors(false); err != nil {
		return err
	}
	i.dpSelect = sel
	return nil
}

// ReadCtrlStat reads the DP CTRL/STAT register.
func (i *Interface) ReadCtrlStat() (CtrlStat, error) {
	data, err := i.doReadOp(DpRead(dpCtrlStatAddr), true)
	return CtrlStat(data), err
}

// checkDpErrors reads CTRL/STAT and raises ErrDpError if any sticky flag
// is set. For final reads, READOK must also be set.
func (i *Interface) checkDpErrors(checkReadOk bool) error {
	status, err := i.ReadCtrlStat()
	if err != nil {
		return err
	}
	if status.HasErrors() {
		log.Warnf("[SWD] DP status errors detected : %+v", status.ErrorStates())
		return ErrDpError
	}
	if checkReadOk && !status.ReadOk() {
		log.Warn("[SWD] DP READOK bit not set")
		return ErrDpError
	}
	return nil
}

// ClearErrors writes ABORT with all sticky-clear bits, then reads
// CTRL/STAT to confirm the flags are gone. Idempotent.
func (i *Interface) ClearErrors() error {
	if err := i.doWriteOp(DpWrite(dpAbortAddr), abortClearAll, true); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	return i.checkDpErrors(false)
}

// Typed internal paths used by the memory engine and connect sequence.
// These enforce the power-up gate and the post-write DP error check.

func (i *Interface) writeApReg(addr uint8, value uint32) error {
	op := ApWrite(addr)
	if err := i.checkSelect(op, 0); err != nil {
		return err
	}
	if err := i.doWriteOp(op, value, true); err != nil {
		return err
	}
	return i.checkDpErrors(false)
}

// readApReg performs the AP read command (discarding the pipelined data)
// then reads DP RDBUFF to retrieve the result.
func (i *Interface) readApReg(addr uint8) (uint32, error) {
	op := ApRead(addr)
	if err := i.checkSelect(op, 0); err != nil {
		return 0, err
	}
	if _, err := i.doReadOp(op, false); err != nil {
		return 0, err
	}
	data, err := i.doReadOp(DpRead(dpRdBuffAddr), true)
	if err != nil {
		return 0, err
	}
	if err := i.checkDpErrors(true); err != nil {
		return 0, err
	}
	return data, nil
}

// ReadDP reads a Debug Port register by raw address. The power-up gate
// is suppressed, raw paths manage power-up themselves.
func (i *Interface) ReadDP(reg uint8) (uint32, error) {
	i.checkPower = false
	defer func() { i.checkPower = true }()
	op := DpRead(reg)
	if err := i.checkSelect(op, 0); err != nil {
		return 0, err
	}
	return i.doReadOp(op, true)
}

// WriteDP writes a Debug Port register by raw address. If SELECT is
// written the shadow is updated.
func (i *Interface) WriteDP(reg uint8, value uint32) error {
	i.checkPower = false
	defer func() { i.checkPower = true }()
	op := DpWrite(reg)
	if err := i.checkSelect(op, 0); err != nil {
		return err
	}
	if err := i.doWriteOp(op, value, true); err != nil {
		return err
	}
	if reg == dpSelectAddr {
		i.dpSelect = Select(value)
	}
	return nil
}

// ReadAP reads an Access Port register by raw address and AP index.
// Handles both AP selection and register bank selection, and the RDBUFF
// read for the pipelined result.
func (i *Interface) ReadAP(apIndex uint8, reg uint8) (uint32, error) {
	i.checkPower = false
	defer func() { i.checkPower = true }()
	op := ApRead(reg)
	if err := i.checkSelect(op, apIndex); err != nil {
		return 0, err
	}
	if _, err := i.doReadOp(op, false); err != nil {
		return 0, err
	}
	return i.doReadOp(DpRead(dpRdBuffAddr), true)
}

// WriteAP writes an Access Port register by raw address and AP index.
func (i *Interface) WriteAP(apIndex uint8, reg uint8, value uint32) error {
	i.checkPower = false
	defer func() { i.checkPower = true }()
	op := ApWrite(reg)
	if err := i.checkSelect(op, apIndex); err != nil {
		return err
	}
	return i.doWriteOp(op, value, true)
}

// BulkReadAP reads the same AP register len(buf) times in succession,
// pipelining the reads. Only normally useful on DRW with auto-increment
// enabled. Returns the number of valid words in buf : on error the
// remaining words are untouched. With fast set, the DP error check runs
// only once at the end and a failure taints the whole buffer.
func (i *Interface) BulkReadAP(apIndex uint8, reg uint8, buf []uint32, fast bool) (int, error) {
	i.checkPower = false
	defer func() { i.checkPower = true }()
	return i.readBulk(apIndex, reg, buf, fast)
}

func (i *Interface) readBulk(apIndex uint8, reg uint8, buf []uint32, fast bool) (int, error) {
	count := len(buf)
	if count == 0 {
		return 0, nil
	}
	log.Tracef("[SWD] bulk read AP%d 0x%02X count %d fast=%v", apIndex, reg, count, fast)

	op := ApRead(reg)
	if err := i.checkSelect(op, apIndex); err != nil {
		return 0, err
	}

	// First read is discarded : an AP read returns the previous AP
	// read's value in the data phase.
	if _, err := i.doReadOp(op, false); err != nil {
		return 0, err
	}

	read := 0
	for read < count-1 {
		data, err := i.doReadOp(op, false)
		if err != nil {
			return read, err
		}
		if !fast {
			if err := i.checkDpErrors(true); err != nil {
				return read, err
			}
		}
		buf[read] = data
		read++
	}

	// The final value comes from RDBUFF
	data, err := i.doReadOp(DpRead(dpRdBuffAddr), true)
	if err != nil {
		return read, err
	}
	if !fast {
		if err := i.checkDpErrors(true); err != nil {
			return read, err
		}
	}
	buf[read] = data
	read++

	if fast {
		if err := i.checkDpErrors(true); err != nil {
			return read, err
		}
	}
	return read, nil
}

// BulkWriteAP writes the given words to the same AP register in
// succession. Returns the number of transactions issued before any
// error. With fast set, the DP error check runs only once at the end, so
// on failure the count is not the number known good.
func (i *Interface) BulkWriteAP(apIndex uint8, reg uint8, words []uint32, fast bool) (int, error) {
	i.checkPower = false
	defer func() { i.checkPower = true }()
	return i.writeBulk(apIndex, reg, words, fast)
}

func (i *Interface) writeBulk(apIndex uint8, reg uint8, words []uint32, fast bool) (int, error) {
	count := len(words)
	if count == 0 {
		return 0, nil
	}
	log.Tracef("[SWD] bulk write AP%d 0x%02X count %d fast=%v", apIndex, reg, count, fast)

	op := ApWrite(reg)
	if err := i.checkSelect(op, apIndex); err != nil {
		return 0, err
	}

	written := 0
	for _, value := range words {
		last := written == count-1
		if err := i.doWriteOp(op, value, last); err != nil {
			return written, err
		}
		if !fast {
			if err := i.checkDpErrors(false); err != nil {
				return written, err
			}
		}
		written++
	}
	if fast {
		if err := i.checkDpErrors(false); err != nil {
			return written, err
		}
	}
	return written, nil
}

// SetAddrInc switches the MEM-AP CSW auto-increment mode, verifying the
// write with a readback.
func (i *Interface) SetAddrInc(on bool) error {
	current, err := i.readApReg(apCswAddr)
	if err != nil {
		return err
	}
	csw := Csw(current)
	if (csw.AddrInc() == cswAddrIncOn) == on {
		return nil
	}
	csw = csw.WithAddrInc(on)
	if err := i.writeApReg(apCswAddr, uint32(csw)); err != nil {
		return err
	}
	readback, err := i.readApReg(apCswAddr)
	if err != nil {
		return err
	}
	if Csw(readback) != csw {
		log.Warnf("[SWD] CSW AddrInc write failed : expected %v, got %v", csw, Csw(readback))
		return OpFailed("csw addrinc write failed")
	}
	i.addrInc = on
	return nil
}

// Keepalive reads DPIDR, dropping all cached state on failure.
func (i *Interface) Keepalive() error {
	_, err := i.readIdCode()
	if err != nil {
		i.resetInternalState()
	}
	return err
}

// readIdCode reads the DPIDR register. Never needs a DP SELECT update.
func (i *Interface) readIdCode() (uint32, error) {
	return i.doReadOp(DpRead(dpIDCodeAddr), true)
}

// ResetConnect resets and connects to the target using the requested
// reset sequence, then enables it : clears errors, powers up the debug
// domain, configures the MEM-AP and identifies the MCU. On failure all
// cached state is cleared.
func (i *Interface) ResetConnect(version Version) error {
	log.Debugf("[SWD] reset and connect, %v sequence", version)
	var idcode uint32
	var err error
	switch version {
	case V1:
		idcode, err = i.resetSequenceV1()
	case V2:
		idcode, err = i.resetSequenceV2(false, true)
	default:
		return ErrApi
	}
	if err != nil {
		i.resetInternalState()
		return err
	}
	return i.finishConnect(idcode)
}

func (i *Interface) finishConnect(idcode uint32) error {
	mcu, err := i.enableTarget(idcode)
	if err != nil {
		i.resetInternalState()
		return err
	}
	i.mcu = mcu
	i.idcode = idcode
	i.connected = true
	return nil
}

// resetSequenceV1 performs the SWD v1 reset sequence and reads DPIDR.
// The SWD-to-dormant sequence is sent first so any v2 target is properly
// parked, and TARGETSEL is written with 0xFFFFFFFF afterwards because
// previously selected v2 multi-drop targets remain selected across a
// bare line reset.
func (i *Interface) resetSequenceV1() (uint32, error) {
	i.resetInternalState()
	p := i.protocol

	p.resetPrep()
	p.preLineReset()
	time.Sleep(100 * time.Microsecond)
	p.swdToDormantSequence()
	time.Sleep(100 * time.Microsecond)
	p.preLineReset()
	time.Sleep(100 * time.Microsecond)
	p.jtagToSwdSequence()
	time.Sleep(100 * time.Microsecond)
	p.lineReset()

	i.writeTargetSel(targetSelDeselectAll)

	idcode, err := i.readIdCode()
	if err != nil {
		return 0, err
	}
	log.Debugf("[SWD] IDCODE after v1 reset : 0x%08X", idcode)
	i.resetVersion = V1
	return idcode, nil
}

// resetSequenceV2 performs the dormant-exit reset sequence for SWD v2.
// With disableTargets, TARGETSEL is written with 0xFFFFFFFF after the
// line reset. With getIdCode, DPIDR is read to confirm SWD is running.
func (i *Interface) resetSequenceV2(disableTargets bool, getIdCode bool) (uint32, error) {
	i.resetInternalState()
	p := i.protocol

	p.resetPrep()
	p.preLineReset()
	time.Sleep(100 * time.Microsecond)
	p.swdToDormantSequence()
	time.Sleep(100 * time.Microsecond)
	p.preLineReset()
	time.Sleep(100 * time.Microsecond)

	p.preSelectionAlert()
	p.selectionAlert()
	p.postSelectionAlert()
	p.activationCode()

	p.lineReset()

	if disableTargets {
		i.writeTargetSel(targetSelDeselectAll)
	}

	if !getIdCode {
		return 0, nil
	}
	idcode, err := i.readIdCode()
	if err != nil {
		return 0, err
	}
	log.Debugf("[SWD] IDCODE after dormant exit : 0x%08X", idcode)
	i.resetVersion = V2
	return idcode, nil
}

// DetectMultidrop performs the v2 reset sequence without reading DPIDR,
// then probes each candidate : line reset, TARGETSEL write with the
// 5-undriven-cycle form, DPIDR read. Targets that answer are returned.
func (i *Interface) DetectMultidrop(candidates []uint32) ([]MultidropTarget, error) {
	log.Debug("[SWD] reset and detect multi-drop targets")
	_, _ = i.resetSequenceV2(true, false)

	var found []MultidropTarget
	for _, candidate := range candidates {
		i.protocol.lineReset()
		i.writeTargetSel(candidate)
		idcode, err := i.readIdCode()
		if err != nil {
			log.Tracef("[SWD] target 0x%08X not found", candidate)
			continue
		}
		log.Debugf("[SWD] found target 0x%08X IDCODE 0x%08X", candidate, idcode)
		found = append(found, MultidropTarget{TargetSel: candidate, IDCode: idcode})
	}
	if len(found) == 0 {
		return nil, OpFailed("no multi-drop targets detected")
	}
	return found, nil
}

// ConnectMultidrop resets SWD (v2) and connects to a specific multi-drop
// target found by DetectMultidrop.
func (i *Interface) ConnectMultidrop(target MultidropTarget) error {
	log.Debugf("[SWD] reset multi-drop target %s", target.Name())
	if _, err := i.resetSequenceV2(true, false); err != nil {
		return err
	}

	// The reset sequence deselected all targets. A line reset gets them
	// listening again, then TARGETSEL picks ours.
	i.protocol.lineReset()
	i.writeTargetSel(target.TargetSel)

	idcode, err := i.readIdCode()
	if err != nil {
		i.resetInternalState()
		return err
	}
	i.resetVersion = V2
	return i.finishConnect(idcode)
}

// enableTarget clears any pending errors, flushes RDBUFF, powers up the
// debug domain, configures the MEM-AP and identifies the MCU.
func (i *Interface) enableTarget(idcode uint32) (*Mcu, error) {
	if err := i.ClearErrors(); err != nil {
		return nil, err
	}
	if _, err := i.doReadOp(DpRead(dpRdBuffAddr), true); err != nil {
		return nil, err
	}
	if err := i.powerUpDebugDomain(); err != nil {
		return nil, err
	}
	if err := i.configureMemAp(); err != nil {
		return nil, err
	}
	mcu, err := i.identifyMcu(idcode)
	if err != nil {
		return nil, err
	}
	log.Debugf("[SWD] target enabled : %v", mcu)
	return mcu, nil
}

// powerUpDebugDomain initialises DP SELECT to zeros then requests debug
// and system power, verifying the matching ACK bits.
func (i *Interface) powerUpDebugDomain() error {
	if err := i.UpdateSelect(Select(0)); err != nil {
		return err
	}
	request := ctrlStatCDbgPwrUpRq | ctrlStatCSysPwrUpRq
	if err := i.doWriteOp(DpWrite(dpCtrlStatAddr), request, true); err != nil {
		return err
	}
	if err := i.checkDpErrors(false); err != nil {
		return err
	}
	status, err := i.ReadCtrlStat()
	if err != nil {
		return err
	}
	if !status.PoweredUp() {
		return OpFailed("debug domain power up failed : %v", status)
	}
	log.Debugf("[SWD] debug domain powered up %v", status)
	i.poweredUp = true
	return nil
}

// configureMemAp reads CSW, rewrites it for 32-bit access with
// auto-increment off, verifies bits 0..23 of the readback, and reads the
// AP IDR. An unknown IDR is logged, not fatal.
func (i *Interface) configureMemAp() error {
	if i.checkPower && !i.poweredUp {
		return ErrNotReady
	}
	if _, err := i.readApReg(apCswAddr); err != nil {
		return err
	}

	newCsw := Csw(0).WithSize32().WithAddrInc(i.addrInc)
	if err := i.writeApReg(apCswAddr, uint32(newCsw)); err != nil {
		return err
	}
	readback, err := i.readApReg(apCswAddr)
	if err != nil {
		return err
	}
	i.addrInc = Csw(readback).AddrInc() != cswAddrIncOff

	// Bits 24-30 vary by MCU, only compare the low 24
	if readback&0xFFFFFF != uint32(newCsw)&0xFFFFFF {
		log.Warnf("[SWD] CSW configuration mismatch after write : expected %v, got %v",
			newCsw, Csw(readback))
	}

	idr, err := i.readApReg(apIdrAddr)
	if err != nil {
		return err
	}
	i.idr = idr
	i.hasIdr = true
	known := false
	for _, check := range knownMemApIdr {
		if idr == check {
			known = true
			break
		}
	}
	if !known {
		log.Warnf("[SWD] unknown MEM-AP IDR 0x%08X", idr)
	}
	return nil
}
