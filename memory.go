package swd

import (
	log "github.com/sirupsen/logrus"
)

// SWD wraps auto-incremented accesses at a 1 KiB boundary. This is
// implementation defined but universal on the supported targets.
const memoryWrapBoundary uint32 = 0x400

// ReadMem reads a 32-bit word from the target's memory. The address can
// be RAM, flash or any memory-mapped location such as peripheral
// registers. The address must be word aligned.
func (i *Interface) ReadMem(addr uint32) (uint32, error) {
	if addr&0x3 != 0 {
		log.Debugf("[SWD] attempt to read on non word boundary 0x%08X", addr)
		return 0, ErrApi
	}
	if err := i.setTarVerified(addr); err != nil {
		return 0, err
	}
	return i.readApReg(apDrwAddr)
}

// WriteMem writes a 32-bit word to the target's memory. Note that flash
// usually requires its controller be unlocked first, see UnlockFlash.
func (i *Interface) WriteMem(addr uint32, data uint32) error {
	if addr&0x3 != 0 {
		log.Debugf("[SWD] attempt to write on non word boundary 0x%08X", addr)
		return ErrApi
	}
	if err := i.setTarVerified(addr); err != nil {
		return err
	}
	return i.writeApReg(apDrwAddr, data)
}

// setTarVerified writes TAR then reads it back. A mismatch means the
// write did not take.
func (i *Interface) setTarVerified(addr uint32) error {
	if err := i.writeApReg(apTarAddr, addr); err != nil {
		return err
	}
	readback, err := i.readApReg(apTarAddr)
	if err != nil {
		return err
	}
	if readback != addr {
		log.Warnf("[SWD] TAR readback mismatch : expected 0x%08X, got 0x%08X", addr, readback)
		return OpFailed("unexpected tar 0x%08X", readback)
	}
	return nil
}

// ReadMemBulk reads len(buf) words starting at addr, splitting the range
// at the 1 KiB wrap boundary : within a chunk TAR is written once and
// DRW read repeatedly with auto-increment, between chunks TAR is
// rewritten because the hardware wraps at the boundary. Returns the
// number of valid words read. With fast set, DP errors are only checked
// at the end of each chunk and the data must be discarded on failure.
func (i *Interface) ReadMemBulk(addr uint32, buf []uint32, fast bool) (int, error) {
	if addr&0x3 != 0 {
		log.Debugf("[SWD] attempt to read on non word boundary 0x%08X", addr)
		return 0, ErrApi
	}
	if err := i.SetAddrInc(true); err != nil {
		return 0, err
	}
	defer func() {
		if err := i.SetAddrInc(false); err != nil {
			log.Warnf("[SWD] failed to restore addr inc mode : %v", err)
		}
	}()

	remaining := buf
	current := addr
	total := 0
	for len(remaining) > 0 {
		chunk := wrapChunk(current, len(remaining))
		if err := i.writeApReg(apTarAddr, current); err != nil {
			return total, err
		}
		n, err := i.readBulk(0, apDrwAddr, remaining[:chunk], fast)
		total += n
		if err != nil {
			return total, err
		}
		remaining = remaining[chunk:]
		current += uint32(chunk) * 4
	}
	return total, nil
}

// WriteMemBulk writes the given words starting at addr, with the same
// wrap-boundary handling as ReadMemBulk. Returns the number of
// transactions issued.
func (i *Interface) WriteMemBulk(addr uint32, words []uint32, fast bool) (int, error) {
	if addr&0x3 != 0 {
		log.Debugf("[SWD] attempt to write on non word boundary 0x%08X", addr)
		return 0, ErrApi
	}
	if err := i.SetAddrInc(true); err != nil {
		return 0, err
	}
	defer func() {
		if err := i.SetAddrInc(false); err != nil {
			log.Warnf("[SWD] failed to restore addr inc mode : %v", err)
		}
	}()

	remaining := words
	current := addr
	total := 0
	for len(remaining) > 0 {
		chunk := wrapChunk(current, len(remaining))
		if err := i.writeApReg(apTarAddr, current); err != nil {
			return total, err
		}
		n, err := i.writeBulk(0, apDrwAddr, remaining[:chunk], fast)
		total += n
		if err != nil {
			return total, err
		}
		remaining = remaining[chunk:]
		current += uint32(chunk) * 4
	}
	return total, nil
}

// wrapChunk returns how many words fit before the next wrap boundary.
func wrapChunk(addr uint32, words int) int {
	boundaryOffset := memoryWrapBoundary - (addr & (memoryWrapBoundary - 1))
	maxWords := int(boundaryOffset / 4)
	if words < maxWords {
		return words
	}
	return maxWords
}
