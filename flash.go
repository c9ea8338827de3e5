package swd

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// STM32F4 flash controller registers
const (
	stmF4FlashRegBase uint32 = 0x40023C00
	stmF4FlashKeyr    uint32 = stmF4FlashRegBase + 0x04
	stmF4FlashSr      uint32 = stmF4FlashRegBase + 0x0C
	stmF4FlashCr      uint32 = stmF4FlashRegBase + 0x10

	stmF4FlashKey1 uint32 = 0x45670123
	stmF4FlashKey2 uint32 = 0xCDEF89AB

	flashCrPg       uint32 = 1 << 0
	flashCrSer      uint32 = 1 << 1
	flashCrMer      uint32 = 1 << 2
	flashCrSnbShift        = 3
	flashCrSnbMask  uint32 = 0x1F
	flashCrPsizeX32 uint32 = 0b10 << 8
	flashCrStrt     uint32 = 1 << 16
	flashCrLock     uint32 = 1 << 31

	flashSrBsy uint32 = 1 << 16
)

// Flash operations poll SR.BSY at this interval, up to the timeout.
const (
	flashPollInterval = time.Millisecond
	flashPollTimeout  = 30 * time.Second
)

// requireStm32F4 gates the family specific flash dance.
func (i *Interface) requireStm32F4() error {
	if i.mcu == nil {
		return ErrNotReady
	}
	if i.mcu.Family != FamilyStm32F4 {
		log.Warnf("[SWD] flash operations not supported on %s", i.mcu.Family)
		return ErrUnsupported
	}
	return nil
}

// UnlockFlash writes the two key values to FLASH_KEYR, enabling writes
// to the flash control register. Re-lock with LockFlash.
func (i *Interface) UnlockFlash() error {
	if err := i.requireStm32F4(); err != nil {
		return err
	}
	log.Debug("[SWD] unlocking STM32F4 flash")
	if err := i.WriteMem(stmF4FlashKeyr, stmF4FlashKey1); err != nil {
		return err
	}
	return i.WriteMem(stmF4FlashKeyr, stmF4FlashKey2)
}

// LockFlash sets the LOCK bit in FLASH_CR.
func (i *Interface) LockFlash() error {
	if err := i.requireStm32F4(); err != nil {
		return err
	}
	log.Debug("[SWD] locking STM32F4 flash")
	cr, err := i.ReadMem(stmF4FlashCr)
	if err != nil {
		return err
	}
	return i.WriteMem(stmF4FlashCr, cr|flashCrLock)
}

// waitFlashIdle polls FLASH_SR until BSY clears.
func (i *Interface) waitFlashIdle() error {
	deadline := time.Now().Add(flashPollTimeout)
	for {
		sr, err := i.ReadMem(stmF4FlashSr)
		if err != nil {
			return err
		}
		if sr&flashSrBsy == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(flashPollInterval)
	}
}

// startFlashOperation sets STRT on the given control value and waits for
// completion.
func (i *Interface) startFlashOperation(cr uint32) error {
	if err := i.WriteMem(stmF4FlashCr, cr|flashCrStrt); err != nil {
		return err
	}
	return i.waitFlashIdle()
}

// EraseSector erases one flash sector. The flash must be unlocked.
func (i *Interface) EraseSector(sector uint32) error {
	if err := i.requireStm32F4(); err != nil {
		return err
	}
	log.Debugf("[SWD] erasing STM32F4 flash sector %d", sector)
	cr, err := i.ReadMem(stmF4FlashCr)
	if err != nil {
		return err
	}
	cr |= flashCrSer
	cr |= (sector & flashCrSnbMask) << flashCrSnbShift
	cr |= flashCrPsizeX32
	if err := i.WriteMem(stmF4FlashCr, cr); err != nil {
		return err
	}
	return i.startFlashOperation(cr)
}

// EraseAll performs a mass erase. The flash must be unlocked.
func (i *Interface) EraseAll() error {
	if err := i.requireStm32F4(); err != nil {
		return err
	}
	log.Debug("[SWD] mass erasing STM32F4 flash")
	cr, err := i.ReadMem(stmF4FlashCr)
	if err != nil {
		return err
	}
	cr |= flashCrMer | flashCrPsizeX32
	if err := i.WriteMem(stmF4FlashCr, cr); err != nil {
		return err
	}
	return i.startFlashOperation(cr)
}

// WriteFlashWord programs a single word. The flash must be unlocked and
// the destination erased.
func (i *Interface) WriteFlashWord(addr uint32, data uint32) error {
	if err := i.requireStm32F4(); err != nil {
		return err
	}
	cr, err := i.ReadMem(stmF4FlashCr)
	if err != nil {
		return err
	}
	cr = cr&^(flashCrSer|flashCrMer) | flashCrPg | flashCrPsizeX32
	if err := i.WriteMem(stmF4FlashCr, cr); err != nil {
		return err
	}
	if err := i.WriteMem(addr, data); err != nil {
		return err
	}
	return i.waitFlashIdle()
}

// WriteFlashBulk programs a run of words, waiting for the controller
// between words. The flash must be unlocked and the range erased.
func (i *Interface) WriteFlashBulk(addr uint32, words []uint32) error {
	if err := i.requireStm32F4(); err != nil {
		return err
	}
	log.Debugf("[SWD] programming %d words at 0x%08X", len(words), addr)
	cr, err := i.ReadMem(stmF4FlashCr)
	if err != nil {
		return err
	}
	cr = cr&^(flashCrSer|flashCrMer) | flashCrPg | flashCrPsizeX32
	if err := i.WriteMem(stmF4FlashCr, cr); err != nil {
		return err
	}
	for n, word := range words {
		if err := i.WriteMem(addr+uint32(n)*4, word); err != nil {
			return err
		}
		if err := i.waitFlashIdle(); err != nil {
			return err
		}
	}
	return nil
}
