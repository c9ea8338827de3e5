package swd

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// The binary API socket is closed after this much inactivity. Every
// socket read and write is bounded by it.
const binaryIdleTimeout = 120 * time.Second

// Log every X binary API calls
const binaryCallLogInterval = 1000

// BinaryServer handles one binary API connection at a time. While Serve
// runs it holds exclusive access to the DP/AP interface, the supervisor
// hands the interface over for the life of the TCP connection.
type BinaryServer struct {
	calls int
}

// Serve runs the binary API on the given connection until the client
// disconnects, errors, or goes idle. The socket is always closed on
// return.
func (s *BinaryServer) Serve(swd *Interface, conn net.Conn) {
	defer conn.Close()
	log.Infof("[BINARY] connection from %v", conn.RemoteAddr())
	s.calls = 0

	rsp, sendRsp := s.mainLoop(swd, conn)
	if sendRsp {
		_ = conn.SetWriteDeadline(time.Now().Add(binaryIdleTimeout))
		// Not much we can do if this fails
		_, _ = conn.Write([]byte{rsp})
	}

	log.Infof("[BINARY] shutdown, handled %d calls this connection", s.calls)
}

// handshake : the server writes the protocol version byte and the client
// echoes it back. A mismatch closes the connection.
func (s *BinaryServer) handshake(conn net.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(binaryIdleTimeout))
	if _, err := conn.Write([]byte{BinaryVersion}); err != nil {
		log.Warnf("[BINARY] failed to send version : %v", err)
		return ErrNetwork
	}
	var ack [1]byte
	_ = conn.SetReadDeadline(time.Now().Add(binaryIdleTimeout))
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		log.Warnf("[BINARY] failed to read version ack : %v", err)
		return ErrNetwork
	}
	if ack[0] != BinaryVersion {
		log.Warnf("[BINARY] version mismatch : got 0x%02X, expected 0x%02X",
			ack[0], BinaryVersion)
		return ErrApi
	}
	log.Debug("[BINARY] handshake complete")
	return nil
}

// mainLoop serves requests until an error or disconnect. It returns the
// final response byte to send, if any : transport failures return with
// no response because the socket is gone.
func (s *BinaryServer) mainLoop(swd *Interface, conn net.Conn) (uint8, bool) {
	if err := s.handshake(conn); err != nil {
		return 0, false
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(binaryIdleTimeout))
		opcode, err := readOpcode(conn)
		if err != nil {
			var unknown *UnknownOpcodeError
			if errors.As(err, &unknown) {
				log.Warnf("[BINARY] %v", unknown)
				return RspErrCmd, true
			}
			log.Debugf("[BINARY] socket read failure : %v", err)
			return 0, false
		}

		_ = conn.SetReadDeadline(time.Now().Add(binaryIdleTimeout))
		op, err := readOp(conn, opcode)
		if err != nil {
			if errors.Is(err, ErrApi) {
				log.Warnf("[BINARY] invalid argument on %v", opcode)
				return RspErrApi, true
			}
			log.Debugf("[BINARY] failed to read %v request : %v", opcode, err)
			return 0, false
		}

		if opcode == OpDisconnect {
			log.Info("[BINARY] received disconnect command")
			return RspOk, true
		}

		data, err := s.handleOp(swd, op)
		rsp := RspOk
		if err != nil {
			log.Warnf("[BINARY] %v failed : %v", opcode, err)
			rsp = responseFromError(err)
			data = nil
		}

		_ = conn.SetWriteDeadline(time.Now().Add(binaryIdleTimeout))
		if _, werr := conn.Write([]byte{rsp}); werr != nil {
			return 0, false
		}
		if len(data) > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(binaryIdleTimeout))
			if _, werr := conn.Write(data); werr != nil {
				return 0, false
			}
		}

		// Bulk and multi register writes are all-or-nothing from the
		// client's point of view : on partial failure one error code
		// was emitted and the connection closes.
		if err != nil && (opcode == OpApBulkWrite || opcode == OpMultiRegWrite) {
			return 0, false
		}

		s.calls++
		if s.calls%binaryCallLogInterval == 0 {
			log.Infof("[BINARY] handled %d calls so far this connection", s.calls)
		}
	}
}

// responseFromError maps the error taxonomy to response codes.
func responseFromError(err error) uint8 {
	var unknown *UnknownOpcodeError
	switch {
	case errors.As(err, &unknown):
		return RspErrCmd
	case errors.Is(err, ErrApi), errors.Is(err, ErrUnsupported):
		return RspErrApi
	case errors.Is(err, ErrNetwork):
		return RspErrNet
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrWait):
		return RspErrTimeout
	default:
		return RspErrSwd
	}
}

// handleOp performs a single binary API operation, returning the Ok
// reply payload, if any.
func (s *BinaryServer) handleOp(swd *Interface, op *Op) ([]byte, error) {
	switch op.Opcode {
	case OpDpRead:
		data, err := swd.ReadDP(op.Reg)
		if err != nil {
			return nil, err
		}
		return leWord(data), nil

	case OpDpWrite:
		return nil, swd.WriteDP(op.Reg, op.Data)

	case OpApRead:
		data, err := swd.ReadAP(0, op.Reg)
		if err != nil {
			return nil, err
		}
		return leWord(data), nil

	case OpApWrite:
		return nil, swd.WriteAP(0, op.Reg, op.Data)

	case OpApBulkRead:
		if err := swd.SetAddrInc(true); err != nil {
			return nil, err
		}
		buf := make([]uint32, op.Count)
		// If a partial read succeeds, throw away the data for
		// simplicity
		if _, err := swd.BulkReadAP(0, op.Reg, buf, false); err != nil {
			return nil, err
		}
		rsp := make([]byte, 2, 2+len(buf)*4)
		binary.LittleEndian.PutUint16(rsp, op.Count)
		for _, word := range buf {
			rsp = append(rsp, leWord(word)...)
		}
		return rsp, nil

	case OpApBulkWrite:
		if err := swd.SetAddrInc(true); err != nil {
			return nil, err
		}
		_, err := swd.BulkWriteAP(0, op.Reg, op.Words, false)
		return nil, err

	case OpMultiRegWrite:
		// A sequence of single writes with no intermediate reads,
		// stopping on the first error
		for _, entry := range op.Regs {
			var err error
			switch entry.Type {
			case RegTypeDp:
				err = swd.WriteDP(entry.Reg, entry.Data)
			case RegTypeAp:
				err = swd.WriteAP(0, entry.Reg, entry.Data)
			}
			if err != nil {
				return nil, err
			}
		}
		return nil, nil

	case OpPing:
		return nil, nil

	case OpResetTarget:
		// Try v1 first, then v2. Multi-drop is not attempted here.
		if err := swd.ResetConnect(V1); err == nil {
			return nil, nil
		}
		return nil, swd.ResetConnect(V2)

	case OpClock:
		swd.ClockRaw(op.Level, op.PostLevel, uint32(op.Cycles))
		return nil, nil

	case OpSetSpeed:
		swd.SetSpeed(op.Speed)
		return nil, nil

	default:
		return nil, &UnknownOpcodeError{Byte: uint8(op.Opcode)}
	}
}

func leWord(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b[:]
}
