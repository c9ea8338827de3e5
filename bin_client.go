package swd

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client speaks the binary API to a remote probe. It is used by the
// swd-client command and the end to end tests. A Client is not safe for
// concurrent use.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial connects to a binary API server and performs the version
// handshake.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, timeout: binaryIdleTimeout}
	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient wraps an existing connection, performing the handshake.
func NewClient(conn net.Conn) (*Client, error) {
	c := &Client{conn: conn, timeout: binaryIdleTimeout}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) handshake() error {
	var version [1]byte
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if _, err := io.ReadFull(c.conn, version[:]); err != nil {
		return err
	}
	if version[0] != BinaryVersion {
		return fmt.Errorf("unsupported protocol version 0x%02X", version[0])
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(version[:]); err != nil {
		return err
	}
	log.Debugf("[BINARY] client handshake complete with %v", c.conn.RemoteAddr())
	return nil
}

// Close closes the connection without sending Disconnect.
func (c *Client) Close() error {
	return c.conn.Close()
}

// roundTrip sends a request and reads the response code plus replyLen
// payload bytes.
func (c *Client) roundTrip(request []byte, replyLen int) ([]byte, error) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(request); err != nil {
		return nil, err
	}
	var code [1]byte
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if _, err := io.ReadFull(c.conn, code[:]); err != nil {
		return nil, err
	}
	if err := errorFromResponse(code[0]); err != nil {
		return nil, err
	}
	if replyLen == 0 {
		return nil, nil
	}
	reply := make([]byte, replyLen)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// errorFromResponse maps response codes back onto the error taxonomy.
func errorFromResponse(code uint8) error {
	switch code {
	case RspOk:
		return nil
	case RspErrCmd:
		return &UnknownOpcodeError{}
	case RspErrSwd:
		return ErrDpError
	case RspErrTimeout:
		return ErrTimeout
	case RspErrNet:
		return ErrNetwork
	case RspErrApi:
		return ErrApi
	default:
		return fmt.Errorf("unknown response code 0x%02X", code)
	}
}

// DpRead reads a DP register.
func (c *Client) DpRead(reg uint8) (uint32, error) {
	reply, err := c.roundTrip([]byte{uint8(OpDpRead), reg}, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(reply), nil
}

// DpWrite writes a DP register.
func (c *Client) DpWrite(reg uint8, data uint32) error {
	request := append([]byte{uint8(OpDpWrite), reg}, leWord(data)...)
	_, err := c.roundTrip(request, 0)
	return err
}

// ApRead reads an AP register on AP 0.
func (c *Client) ApRead(reg uint8) (uint32, error) {
	reply, err := c.roundTrip([]byte{uint8(OpApRead), reg}, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(reply), nil
}

// ApWrite writes an AP register on AP 0.
func (c *Client) ApWrite(reg uint8, data uint32) error {
	request := append([]byte{uint8(OpApWrite), reg}, leWord(data)...)
	_, err := c.roundTrip(request, 0)
	return err
}

// ApBulkRead reads the same AP register count times. The reply echoes
// the count then carries the words, little endian.
func (c *Client) ApBulkRead(reg uint8, count uint16) ([]uint32, error) {
	request := []byte{uint8(OpApBulkRead), reg, 0, 0}
	binary.LittleEndian.PutUint16(request[2:], count)
	reply, err := c.roundTrip(request, 2+int(count)*4)
	if err != nil {
		return nil, err
	}
	replyCount := binary.LittleEndian.Uint16(reply)
	if replyCount != count {
		return nil, fmt.Errorf("bulk read count mismatch : sent %d, got %d", count, replyCount)
	}
	words := make([]uint32, count)
	for n := range words {
		words[n] = binary.LittleEndian.Uint32(reply[2+n*4:])
	}
	return words, nil
}

// ApBulkWrite writes the given words to the same AP register.
func (c *Client) ApBulkWrite(reg uint8, words []uint32) error {
	request := make([]byte, 4, 4+len(words)*4)
	request[0] = uint8(OpApBulkWrite)
	request[1] = reg
	binary.LittleEndian.PutUint16(request[2:], uint16(len(words)))
	for _, word := range words {
		request = append(request, leWord(word)...)
	}
	_, err := c.roundTrip(request, 0)
	return err
}

// MultiRegWrite issues a sequence of register writes without
// intermediate reads. All or nothing from the caller's point of view.
func (c *Client) MultiRegWrite(regs []MultiReg) error {
	request := make([]byte, 3, 3+len(regs)*6)
	request[0] = uint8(OpMultiRegWrite)
	binary.LittleEndian.PutUint16(request[1:], uint16(len(regs)))
	for _, entry := range regs {
		request = append(request, uint8(entry.Type), entry.Reg)
		request = append(request, leWord(entry.Data)...)
	}
	_, err := c.roundTrip(request, 0)
	return err
}

// Ping checks the server is responsive.
func (c *Client) Ping() error {
	_, err := c.roundTrip([]byte{uint8(OpPing)}, 0)
	return err
}

// ResetTarget asks the server to reset and reconnect to its target.
func (c *Client) ResetTarget() error {
	_, err := c.roundTrip([]byte{uint8(OpResetTarget)}, 0)
	return err
}

// Clock runs raw clock cycles with the line held at level, leaving it at
// post.
func (c *Client) Clock(level, post LineState, cycles uint16) error {
	request := []byte{uint8(OpClock), clockLevelsToByte(level, post), 0, 0}
	binary.LittleEndian.PutUint16(request[2:], cycles)
	_, err := c.roundTrip(request, 0)
	return err
}

// SetSpeed changes the probe's SWD clock speed.
func (c *Client) SetSpeed(speed Speed) error {
	_, err := c.roundTrip([]byte{uint8(OpSetSpeed), uint8(speed)}, 0)
	return err
}

// Disconnect sends the disconnect command and closes the connection.
func (c *Client) Disconnect() error {
	_, err := c.roundTrip([]byte{uint8(OpDisconnect)}, 0)
	c.conn.Close()
	return err
}
