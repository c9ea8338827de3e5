package swd

import (
	"bytes"
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// SEGGER RTT control block layout : 16 bytes of magic, then the up and
// down buffer counts, then the buffer descriptors.
var rttMagic = []byte("SEGGER RTT\x00\x00\x00\x00\x00\x00")

const (
	rttHeaderSize = 24
	rttBufSize    = 24

	rttBufWritePosOffset = 12
	rttBufReadPosOffset  = 16

	// Local buffering for drained console output
	rttLocalBufferSize = 4096

	// Upper bound on a single drain
	rttMaxBytesPerRead = 256
)

type rttControlBlock struct {
	location uint32
	maxUp    uint32
	maxDown  uint32
}

type rttBuffer struct {
	location uint32
	dataPtr  uint32
	size     uint32
	writePos uint32
	readPos  uint32
}

// Rtt drains a target's first RTT up buffer (the console) into a local
// ring buffer using bulk memory reads.
type Rtt struct {
	swd    *Interface
	cb     rttControlBlock
	up     rttBuffer
	buf    *Fifo
	active bool
}

func NewRtt(swd *Interface) *Rtt {
	return &Rtt{swd: swd, buf: NewFifo(rttLocalBufferSize)}
}

func (r *Rtt) Active() bool {
	return r.active
}

// readBytes fetches an arbitrary byte range using word-aligned bulk
// reads.
func (r *Rtt) readBytes(location uint32, count int) ([]byte, error) {
	if count == 0 {
		return nil, nil
	}
	alignedStart := location &^ 0x3
	alignedEnd := (location + uint32(count) + 3) &^ 0x3
	words := make([]uint32, (alignedEnd-alignedStart)/4)
	if _, err := r.swd.ReadMemBulk(alignedStart, words, false); err != nil {
		return nil, err
	}
	raw := make([]byte, len(words)*4)
	for n, word := range words {
		binary.LittleEndian.PutUint32(raw[n*4:], word)
	}
	offset := location - alignedStart
	return raw[offset : offset+uint32(count)], nil
}

func (r *Rtt) readWord(location uint32) (uint32, error) {
	aligned := location &^ 0x3
	if aligned != location {
		return 0, ErrApi
	}
	return r.swd.ReadMem(location)
}

// Start validates the control block at the given location and latches
// the first up buffer descriptor.
func (r *Rtt) Start(location uint32) error {
	header, err := r.readBytes(location, rttHeaderSize)
	if err != nil {
		return err
	}
	if !bytes.Equal(header[:16], rttMagic) {
		log.Debug("[RTT] no SEGGER RTT header found")
		return OpFailed("no rtt control block at 0x%08X", location)
	}
	r.cb = rttControlBlock{
		location: location,
		maxUp:    binary.LittleEndian.Uint32(header[16:20]),
		maxDown:  binary.LittleEndian.Uint32(header[20:24]),
	}
	if r.cb.maxUp == 0 {
		return OpFailed("rtt control block has no up buffers")
	}

	upLocation := location + rttHeaderSize
	desc, err := r.readBytes(upLocation, rttBufSize)
	if err != nil {
		return err
	}
	r.up = rttBuffer{
		location: upLocation,
		dataPtr:  binary.LittleEndian.Uint32(desc[4:8]),
		size:     binary.LittleEndian.Uint32(desc[8:12]),
		writePos: binary.LittleEndian.Uint32(desc[12:16]),
		readPos:  binary.LittleEndian.Uint32(desc[16:20]),
	}
	if r.up.size == 0 || r.up.dataPtr == 0 {
		return OpFailed("rtt up buffer not initialised")
	}
	r.buf.Reset()
	r.active = true
	log.Infof("[RTT] attached, up buffer %d bytes at 0x%08X", r.up.size, r.up.dataPtr)
	return nil
}

// Poll drains available console bytes from the target into the local
// buffer, writing the read position back so the target can reuse the
// space. Returns the number of bytes drained.
func (r *Rtt) Poll() (int, error) {
	if !r.active {
		return 0, ErrNotReady
	}
	writePos, err := r.readWord(r.up.location + rttBufWritePosOffset)
	if err != nil {
		return 0, err
	}
	r.up.writePos = writePos
	if writePos == r.up.readPos {
		return 0, nil
	}
	if writePos >= r.up.size {
		return 0, OpFailed("rtt write position 0x%X out of range", writePos)
	}

	available := int(writePos) - int(r.up.readPos)
	if available < 0 {
		// Wrapped : drain up to the end of the buffer this time
		available = int(r.up.size - r.up.readPos)
	}
	if available > rttMaxBytesPerRead {
		available = rttMaxBytesPerRead
	}
	if available > r.buf.Space() {
		available = r.buf.Space()
	}
	if available == 0 {
		return 0, nil
	}

	data, err := r.readBytes(r.up.dataPtr+r.up.readPos, available)
	if err != nil {
		return 0, err
	}
	r.buf.Write(data)

	r.up.readPos += uint32(available)
	if r.up.readPos >= r.up.size {
		r.up.readPos = 0
	}
	if err := r.swd.WriteMem(r.up.location+rttBufReadPosOffset, r.up.readPos); err != nil {
		return 0, err
	}
	return available, nil
}

// Read drains locally buffered console output.
func (r *Rtt) Read(p []byte) int {
	return r.buf.Read(p)
}

func (r *Rtt) Stop() {
	r.active = false
}
