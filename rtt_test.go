package swd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	testRttCb   = uint32(0x20000800)
	testRttData = uint32(0x20000900)
)

func loadRttControlBlock(sim *Sim) {
	memory := sim.Memory()
	// "SEGGER RTT" magic padded to 16 bytes
	memory[testRttCb+0x00] = 0x47474553
	memory[testRttCb+0x04] = 0x52205245
	memory[testRttCb+0x08] = 0x00005454
	memory[testRttCb+0x0C] = 0x00000000
	memory[testRttCb+0x10] = 2 // up buffers
	memory[testRttCb+0x14] = 2 // down buffers
	// Up buffer 0 descriptor
	memory[testRttCb+0x18] = 0           // name
	memory[testRttCb+0x1C] = testRttData // data pointer
	memory[testRttCb+0x20] = 64          // size
	memory[testRttCb+0x24] = 5           // write position
	memory[testRttCb+0x28] = 0           // read position
	memory[testRttCb+0x2C] = 0           // flags
	// "hello"
	memory[testRttData] = 0x6C6C6568
	memory[testRttData+4] = 0x0000006F
}

func TestRttAttachAndPoll(t *testing.T) {
	sim := newStm32F4Sim()
	loadRttControlBlock(sim)
	swd := newSimInterface(sim)
	assert.Nil(t, swd.ResetConnect(V1))

	rtt := NewRtt(swd)
	assert.Nil(t, rtt.Start(testRttCb))
	assert.True(t, rtt.Active())

	n, err := rtt.Poll()
	assert.Nil(t, err)
	assert.Equal(t, 5, n)

	buffer := make([]byte, 16)
	read := rtt.Read(buffer)
	assert.Equal(t, 5, read)
	assert.Equal(t, "hello", string(buffer[:read]))

	// The read position was written back for the target
	assert.Equal(t, uint32(5), sim.Memory()[testRttCb+0x28])

	// Nothing new to drain
	n, err = rtt.Poll()
	assert.Nil(t, err)
	assert.Equal(t, 0, n)

	// More output arrives : bytes 5..7 of the buffer
	sim.Memory()[testRttData+4] = 0x0A6B6F6F
	sim.Memory()[testRttCb+0x24] = 8
	n, err = rtt.Poll()
	assert.Nil(t, err)
	assert.Equal(t, 3, n)
	read = rtt.Read(buffer)
	assert.Equal(t, "ok\n", string(buffer[:read]))
}

func TestRttNoControlBlock(t *testing.T) {
	sim := newStm32F4Sim()
	swd := newSimInterface(sim)
	assert.Nil(t, swd.ResetConnect(V1))

	rtt := NewRtt(swd)
	err := rtt.Start(testRttCb)
	assert.NotNil(t, err)
	assert.False(t, rtt.Active())

	_, err = rtt.Poll()
	assert.NotNil(t, err)
}
