package swd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Opcode byte round trip : every defined opcode survives, every
// undefined byte is rejected.
func TestOpcodeRoundTrip(t *testing.T) {
	defined := map[uint8]bool{
		0x00: true, 0x01: true, 0x02: true, 0x03: true,
		0x12: true, 0x13: true, 0x14: true,
		0xF0: true, 0xF1: true, 0xF2: true, 0xF3: true, 0xFF: true,
	}
	for b := 0; b < 256; b++ {
		opcode, err := OpcodeFromByte(uint8(b))
		if defined[uint8(b)] {
			if err != nil {
				t.Fatalf("OpcodeFromByte(0x%02X) error : %v", b, err)
			}
			if opcode.ToByte() != uint8(b) {
				t.Errorf("opcode 0x%02X round trip gave 0x%02X", b, opcode.ToByte())
			}
		} else {
			var unknown *UnknownOpcodeError
			if !errors.As(err, &unknown) {
				t.Errorf("OpcodeFromByte(0x%02X) should fail with UnknownOpcodeError", b)
			}
		}
	}
}

func TestOpcodeImmediateBytes(t *testing.T) {
	tests := []struct {
		opcode Opcode
		imm    int
		hasVar bool
	}{
		{OpDpRead, 1, false},
		{OpDpWrite, 5, false},
		{OpApRead, 1, false},
		{OpApWrite, 5, false},
		{OpApBulkRead, 3, true},
		{OpApBulkWrite, 3, true},
		{OpMultiRegWrite, 2, true},
		{OpPing, 0, false},
		{OpResetTarget, 0, false},
		{OpClock, 3, false},
		{OpSetSpeed, 1, false},
		{OpDisconnect, 0, false},
	}
	for _, tt := range tests {
		imm, hasVar := tt.opcode.immediateBytes()
		if imm != tt.imm || hasVar != tt.hasVar {
			t.Errorf("%v immediateBytes = (%d,%v), want (%d,%v)",
				tt.opcode, imm, hasVar, tt.imm, tt.hasVar)
		}
	}
}

func TestVarBytesBounds(t *testing.T) {
	// count = 256 is permitted : 1024 bytes of payload
	size, err := OpApBulkWrite.varBytes(256)
	assert.Nil(t, err)
	assert.Equal(t, 1024, size)

	// count = 257 is an API error
	_, err = OpApBulkWrite.varBytes(257)
	assert.True(t, errors.Is(err, ErrApi))
	_, err = OpApBulkRead.varBytes(257)
	assert.True(t, errors.Is(err, ErrApi))

	size, err = OpMultiRegWrite.varBytes(2)
	assert.Nil(t, err)
	assert.Equal(t, 12, size)
}

func TestReadOpDpWrite(t *testing.T) {
	// reg 0x08, word 0x01020304 little endian
	op, err := readOp(bytes.NewReader([]byte{0x08, 0x04, 0x03, 0x02, 0x01}), OpDpWrite)
	assert.Nil(t, err)
	assert.Equal(t, uint8(0x08), op.Reg)
	assert.Equal(t, uint32(0x01020304), op.Data)
}

func TestReadOpBulkWrite(t *testing.T) {
	payload := []byte{
		0x0C, 0x02, 0x00, // reg, count = 2
		0x78, 0x56, 0x34, 0x12,
		0xF0, 0xDE, 0xBC, 0x9A,
	}
	op, err := readOp(bytes.NewReader(payload), OpApBulkWrite)
	assert.Nil(t, err)
	assert.Equal(t, uint8(0x0C), op.Reg)
	assert.Equal(t, []uint32{0x12345678, 0x9ABCDEF0}, op.Words)
}

func TestReadOpBulkWriteOversize(t *testing.T) {
	// count = 257 : rejected without consuming the payload
	reader := bytes.NewReader([]byte{0x0C, 0x01, 0x01, 0xAA, 0xBB})
	_, err := readOp(reader, OpApBulkWrite)
	assert.True(t, errors.Is(err, ErrApi))
	assert.Equal(t, 2, reader.Len())
}

func TestReadOpMultiRegWrite(t *testing.T) {
	payload := []byte{
		0x02, 0x00, // count = 2
		0x00, 0x08, 0x04, 0x03, 0x02, 0x01, // DP SELECT <- 0x01020304
		0x01, 0x04, 0x44, 0x33, 0x22, 0x11, // AP TAR <- 0x11223344
	}
	op, err := readOp(bytes.NewReader(payload), OpMultiRegWrite)
	assert.Nil(t, err)
	assert.Len(t, op.Regs, 2)
	assert.Equal(t, RegTypeDp, op.Regs[0].Type)
	assert.Equal(t, uint8(0x08), op.Regs[0].Reg)
	assert.Equal(t, uint32(0x01020304), op.Regs[0].Data)
	assert.Equal(t, RegTypeAp, op.Regs[1].Type)
	assert.Equal(t, uint32(0x11223344), op.Regs[1].Data)
}

func TestReadOpMultiRegWriteBadType(t *testing.T) {
	payload := []byte{
		0x01, 0x00,
		0x02, 0x08, 0x00, 0x00, 0x00, 0x00, // reg type 0x02 is invalid
	}
	_, err := readOp(bytes.NewReader(payload), OpMultiRegWrite)
	assert.True(t, errors.Is(err, ErrApi))
}

func TestReadOpClock(t *testing.T) {
	op, err := readOp(bytes.NewReader([]byte{0x21, 0x10, 0x00}), OpClock)
	assert.Nil(t, err)
	assert.Equal(t, LineHigh, op.Level)
	assert.Equal(t, LineHighZ, op.PostLevel)
	assert.Equal(t, uint16(16), op.Cycles)

	// Invalid nibble
	_, err = readOp(bytes.NewReader([]byte{0x03, 0x00, 0x00}), OpClock)
	assert.True(t, errors.Is(err, ErrApi))
}

func TestReadOpSetSpeed(t *testing.T) {
	op, err := readOp(bytes.NewReader([]byte{0x02}), OpSetSpeed)
	assert.Nil(t, err)
	assert.Equal(t, SpeedMedium, op.Speed)

	_, err = readOp(bytes.NewReader([]byte{0x07}), OpSetSpeed)
	assert.True(t, errors.Is(err, ErrApi))
}
