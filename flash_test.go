package swd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlashUnlockLock(t *testing.T) {
	swd, sim := newConnectedStm32F4(t)

	assert.Nil(t, swd.UnlockFlash())
	assert.Equal(t, stmF4FlashKey2, sim.Memory()[stmF4FlashKeyr])

	assert.Nil(t, swd.LockFlash())
	assert.Equal(t, flashCrLock, sim.Memory()[stmF4FlashCr]&flashCrLock)
}

func TestFlashEraseSector(t *testing.T) {
	swd, sim := newConnectedStm32F4(t)

	assert.Nil(t, swd.UnlockFlash())
	sim.Memory()[stmF4FlashCr] = 0

	assert.Nil(t, swd.EraseSector(5))
	cr := sim.Memory()[stmF4FlashCr]
	assert.Equal(t, flashCrSer, cr&flashCrSer)
	assert.Equal(t, uint32(5), cr>>flashCrSnbShift&flashCrSnbMask)
	assert.Equal(t, flashCrStrt, cr&flashCrStrt)
}

func TestFlashEraseAll(t *testing.T) {
	swd, sim := newConnectedStm32F4(t)

	sim.Memory()[stmF4FlashCr] = 0
	assert.Nil(t, swd.EraseAll())
	cr := sim.Memory()[stmF4FlashCr]
	assert.Equal(t, flashCrMer, cr&flashCrMer)
	assert.Equal(t, flashCrStrt, cr&flashCrStrt)
}

func TestFlashWrite(t *testing.T) {
	swd, sim := newConnectedStm32F4(t)

	sim.Memory()[stmF4FlashCr] = 0
	assert.Nil(t, swd.WriteFlashWord(0x08000100, 0xDEADBEEF))
	assert.Equal(t, uint32(0xDEADBEEF), sim.Memory()[0x08000100])
	assert.Equal(t, flashCrPg, sim.Memory()[stmF4FlashCr]&flashCrPg)

	assert.Nil(t, swd.WriteFlashBulk(0x08000200, []uint32{1, 2, 3}))
	assert.Equal(t, uint32(1), sim.Memory()[0x08000200])
	assert.Equal(t, uint32(3), sim.Memory()[0x08000208])
}

func TestFlashUnsupportedFamily(t *testing.T) {
	sim := newRp2040Sim()
	swd := newSimInterface(sim)
	targets, err := swd.DetectMultidrop(DefaultMultidropTargets)
	assert.Nil(t, err)
	assert.Nil(t, swd.ConnectMultidrop(targets[0]))

	err = swd.UnlockFlash()
	assert.True(t, errors.Is(err, ErrUnsupported))
	err = swd.EraseSector(0)
	assert.True(t, errors.Is(err, ErrUnsupported))
}

func TestFlashNotConnected(t *testing.T) {
	sim := newStm32F4Sim()
	swd := newSimInterface(sim)

	err := swd.UnlockFlash()
	assert.True(t, errors.Is(err, ErrNotReady))
}
