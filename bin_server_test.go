package swd

import (
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

// serveSim starts a binary server on a loopback socket backed by a
// connected STM32F4 sim, and returns a raw client connection that has
// not yet done the handshake.
func serveSim(t *testing.T) (net.Conn, *Sim, chan struct{}) {
	sim := newStm32F4Sim()
	swd := newSimInterface(sim)
	if err := swd.ResetConnect(V1); err != nil {
		t.Fatalf("connect failed : %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed : %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer listener.Close()
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		server := &BinaryServer{}
		server.Serve(swd, conn)
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial failed : %v", err)
	}
	return conn, sim, done
}

func handshakeRaw(t *testing.T, conn net.Conn) {
	var version [1]byte
	if _, err := io.ReadFull(conn, version[:]); err != nil {
		t.Fatalf("handshake read failed : %v", err)
	}
	if version[0] != BinaryVersion {
		t.Fatalf("unexpected version 0x%02X", version[0])
	}
	if _, err := conn.Write(version[:]); err != nil {
		t.Fatalf("handshake write failed : %v", err)
	}
}

func TestBinaryHandshakeMismatch(t *testing.T) {
	conn, _, done := serveSim(t)
	defer conn.Close()

	var version [1]byte
	_, err := io.ReadFull(conn, version[:])
	assert.Nil(t, err)
	_, err = conn.Write([]byte{0x02})
	assert.Nil(t, err)

	// Server closes without emitting further bytes
	<-done
	var buf [1]byte
	_, err = io.ReadFull(conn, buf[:])
	assert.Equal(t, io.EOF, err)
}

// Client sends 0x12 0x0C 0x04 0x00 : reg 0x0C, count 4. The reply is Ok,
// a two byte count, then 16 little endian bytes. 19 bytes total.
func TestBinaryApBulkReadFraming(t *testing.T) {
	conn, sim, done := serveSim(t)
	defer conn.Close()
	handshakeRaw(t, conn)

	for n := uint32(0); n < 4; n++ {
		sim.Memory()[0x20000300+n*4] = 0x11110000 + n
	}

	// Point TAR at the data first
	request := append([]byte{uint8(OpApWrite), apTarAddr}, leWord(0x20000300)...)
	_, err := conn.Write(request)
	assert.Nil(t, err)
	var code [1]byte
	_, err = io.ReadFull(conn, code[:])
	assert.Nil(t, err)
	assert.Equal(t, RspOk, code[0])

	_, err = conn.Write([]byte{0x12, 0x0C, 0x04, 0x00})
	assert.Nil(t, err)

	reply := make([]byte, 19)
	_, err = io.ReadFull(conn, reply)
	assert.Nil(t, err)
	assert.Equal(t, RspOk, reply[0])
	assert.Equal(t, uint16(4), binary.LittleEndian.Uint16(reply[1:3]))
	for n := 0; n < 4; n++ {
		word := binary.LittleEndian.Uint32(reply[3+n*4:])
		assert.Equal(t, uint32(0x11110000+n), word)
	}

	_, err = conn.Write([]byte{uint8(OpDisconnect)})
	assert.Nil(t, err)
	_, err = io.ReadFull(conn, code[:])
	assert.Nil(t, err)
	assert.Equal(t, RspOk, code[0])
	<-done
}

// count = 257 : ErrApi without reading the payload, connection closed.
func TestBinaryBulkReadOversizeCount(t *testing.T) {
	conn, _, done := serveSim(t)
	defer conn.Close()
	handshakeRaw(t, conn)

	_, err := conn.Write([]byte{0x12, 0x0C, 0x01, 0x01})
	assert.Nil(t, err)
	var code [1]byte
	_, err = io.ReadFull(conn, code[:])
	assert.Nil(t, err)
	assert.Equal(t, RspErrApi, code[0])

	<-done
	_, err = io.ReadFull(conn, code[:])
	assert.Equal(t, io.EOF, err)
}

func TestBinaryUnknownOpcode(t *testing.T) {
	conn, _, done := serveSim(t)
	defer conn.Close()
	handshakeRaw(t, conn)

	_, err := conn.Write([]byte{0x42})
	assert.Nil(t, err)
	var code [1]byte
	_, err = io.ReadFull(conn, code[:])
	assert.Nil(t, err)
	assert.Equal(t, RspErrCmd, code[0])
	<-done
}

// Full client round trip through the Client implementation.
func TestBinaryClient(t *testing.T) {
	conn, sim, done := serveSim(t)
	defer conn.Close()

	client, err := NewClient(conn)
	assert.Nil(t, err)

	assert.Nil(t, client.Ping())

	idcode, err := client.DpRead(dpIDCodeAddr)
	assert.Nil(t, err)
	assert.Equal(t, IdCodeCortexM4, idcode)

	// Point TAR at RAM, bulk write then bulk read back
	assert.Nil(t, client.ApWrite(apTarAddr, 0x20000400))
	words := []uint32{1, 2, 3, 4, 5}
	assert.Nil(t, client.ApBulkWrite(apDrwAddr, words))

	assert.Nil(t, client.ApWrite(apTarAddr, 0x20000400))
	readback, err := client.ApBulkRead(apDrwAddr, 5)
	assert.Nil(t, err)
	assert.Equal(t, words, readback)

	// Multi register write : set TAR via AP then SELECT via DP
	assert.Nil(t, client.MultiRegWrite([]MultiReg{
		{Type: RegTypeAp, Reg: apTarAddr, Data: 0x20000500},
		{Type: RegTypeDp, Reg: dpSelectAddr, Data: 0x00000000},
	}))
	assert.Equal(t, uint32(0x20000500), sim.tar)

	assert.Nil(t, client.SetSpeed(SpeedFast))
	assert.Nil(t, client.Clock(LineHigh, LineLow, 8))

	assert.Nil(t, client.Disconnect())
	<-done
}

func TestBinaryBulkCountZero(t *testing.T) {
	conn, _, done := serveSim(t)
	defer conn.Close()
	handshakeRaw(t, conn)

	// count = 0 : permitted, the response carries a count field of 0
	_, err := conn.Write([]byte{0x12, 0x0C, 0x00, 0x00})
	assert.Nil(t, err)
	reply := make([]byte, 3)
	_, err = io.ReadFull(conn, reply)
	assert.Nil(t, err)
	assert.Equal(t, RspOk, reply[0])
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(reply[1:3]))

	_, err = conn.Write([]byte{uint8(OpDisconnect)})
	assert.Nil(t, err)
	var code [1]byte
	_, err = io.ReadFull(conn, code[:])
	assert.Nil(t, err)
	assert.Equal(t, RspOk, code[0])
	<-done
}
