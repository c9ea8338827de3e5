package swd

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newConnectedStm32F4(t *testing.T) (*Interface, *Sim) {
	sim := newStm32F4Sim()
	swd := newSimInterface(sim)
	if err := swd.ResetConnect(V1); err != nil {
		t.Fatalf("connect failed : %v", err)
	}
	return swd, sim
}

func TestReadWriteMem(t *testing.T) {
	swd, sim := newConnectedStm32F4(t)

	assert.Nil(t, swd.WriteMem(0x20000100, 0xCAFEBABE))
	assert.Equal(t, uint32(0xCAFEBABE), sim.Memory()[0x20000100])

	word, err := swd.ReadMem(0x20000100)
	assert.Nil(t, err)
	assert.Equal(t, uint32(0xCAFEBABE), word)
}

func TestMisalignedAccess(t *testing.T) {
	swd, _ := newConnectedStm32F4(t)

	_, err := swd.ReadMem(0x00000003)
	assert.True(t, errors.Is(err, ErrApi))
	err = swd.WriteMem(0x00000003, 0)
	assert.True(t, errors.Is(err, ErrApi))
	_, err = swd.ReadMemBulk(0x00000003, make([]uint32, 2), false)
	assert.True(t, errors.Is(err, ErrApi))
	_, err = swd.WriteMemBulk(0x00000003, make([]uint32, 2), false)
	assert.True(t, errors.Is(err, ErrApi))
}

// Bulk reads crossing the 1 KiB wrap boundary must rewrite TAR at the
// crossing, and the result must match independent single reads.
func TestBulkReadAcrossWrapBoundary(t *testing.T) {
	swd, sim := newConnectedStm32F4(t)

	base := uint32(0x200003F8)
	for n := uint32(0); n < 10; n++ {
		sim.Memory()[base+n*4] = 0xA0000000 + n
	}

	singles := make([]uint32, 10)
	for n := range singles {
		word, err := swd.ReadMem(base + uint32(n)*4)
		assert.Nil(t, err)
		singles[n] = word
	}

	sim.TarWrites = nil
	buf := make([]uint32, 10)
	n, err := swd.ReadMemBulk(base, buf, false)
	assert.Nil(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, singles, buf)

	// Exactly one mid-burst TAR rewrite, to the boundary address
	assert.Equal(t, []uint32{0x200003F8, 0x20000400}, sim.TarWrites)
}

func TestBulkWriteThenReadBack(t *testing.T) {
	swd, _ := newConnectedStm32F4(t)

	words := make([]uint32, 300) // crosses a boundary from 0x20000000
	for n := range words {
		words[n] = uint32(n) * 7
	}
	n, err := swd.WriteMemBulk(0x20000000, words, false)
	assert.Nil(t, err)
	assert.Equal(t, 300, n)

	buf := make([]uint32, 300)
	n, err = swd.ReadMemBulk(0x20000000, buf, false)
	assert.Nil(t, err)
	assert.Equal(t, 300, n)
	assert.Equal(t, words, buf)
}

func TestBulkBoundaryChunking(t *testing.T) {
	swd, sim := newConnectedStm32F4(t)

	// Address 0x3FC with count 2 : first word ends the chunk at the
	// boundary, the second chunk begins at 0x400 with a TAR rewrite
	sim.Memory()[0x000003FC] = 1
	sim.Memory()[0x00000400] = 2

	sim.TarWrites = nil
	buf := make([]uint32, 2)
	n, err := swd.ReadMemBulk(0x000003FC, buf, false)
	assert.Nil(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []uint32{1, 2}, buf)
	assert.Equal(t, []uint32{0x000003FC, 0x00000400}, sim.TarWrites)
}

func TestBulkCountZero(t *testing.T) {
	swd, _ := newConnectedStm32F4(t)

	n, err := swd.ReadMemBulk(0x20000000, nil, false)
	assert.Nil(t, err)
	assert.Equal(t, 0, n)
	n, err = swd.WriteMemBulk(0x20000000, nil, false)
	assert.Nil(t, err)
	assert.Equal(t, 0, n)
}

func TestBulkFastMode(t *testing.T) {
	swd, sim := newConnectedStm32F4(t)

	for n := uint32(0); n < 8; n++ {
		sim.Memory()[0x20000200+n*4] = n
	}
	buf := make([]uint32, 8)
	n, err := swd.ReadMemBulk(0x20000200, buf, true)
	assert.Nil(t, err)
	assert.Equal(t, 8, n)
	for w := range buf {
		assert.Equal(t, uint32(w), buf[w])
	}
}

func TestWrapChunk(t *testing.T) {
	tests := []struct {
		addr  uint32
		words int
		want  int
	}{
		{0x20000000, 10, 10},
		{0x20000000, 300, 256},
		{0x200003F8, 10, 2},
		{0x200003FC, 2, 1},
		{0x20000400, 256, 256},
		{0x20000404, 256, 255},
	}
	for _, tt := range tests {
		if got := wrapChunk(tt.addr, tt.words); got != tt.want {
			t.Errorf("wrapChunk(0x%08X, %d) = %d, want %d", tt.addr, tt.words, got, tt.want)
		}
	}
}
