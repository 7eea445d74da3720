package fastboot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// The network transport frames every message with a big-endian 64-bit
// length, after a one-time "FB01" version handshake.
const handshake = "FB01"

// maxCommand bounds a single host command frame.
const maxCommand = 4096

var (
	ErrHandshake     = errors.New("fastboot: bad protocol handshake")
	ErrFrameTooLarge = errors.New("fastboot: oversized command frame")
	ErrDataOverrun   = errors.New("fastboot: host sent more data than negotiated")
)

type transport struct {
	c net.Conn
}

// newTransport performs the version handshake.
func newTransport(c net.Conn) (*transport, error) {
	if _, err := c.Write([]byte(handshake)); err != nil {
		return nil, err
	}

	var buf [4]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return nil, err
	}
	if string(buf[:]) != handshake {
		return nil, fmt.Errorf("%w: %q", ErrHandshake, buf[:])
	}

	return &transport{c: c}, nil
}

func (t *transport) readFrame() ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(t.c, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint64(hdr[:])
	if n > maxCommand {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(t.c, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *transport) writeFrame(p []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(p)))
	if _, err := t.c.Write(hdr[:]); err != nil {
		return err
	}
	_, err := t.c.Write(p)
	return err
}

// ReadCommand reads one host command.
func (t *transport) ReadCommand() (string, error) {
	buf, err := t.readFrame()
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// ReadData reads exactly size bytes of download payload, which the host
// may split across any number of frames.
func (t *transport) ReadData(size uint32) ([]byte, error) {
	buf := make([]byte, 0, size)
	for uint32(len(buf)) < size {
		var hdr [8]byte
		if _, err := io.ReadFull(t.c, hdr[:]); err != nil {
			return nil, err
		}

		n := binary.BigEndian.Uint64(hdr[:])
		if uint64(len(buf))+n > uint64(size) {
			return nil, ErrDataOverrun
		}

		chunk := make([]byte, n)
		if _, err := io.ReadFull(t.c, chunk); err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

func (t *transport) OKAY(msg string) error { return t.writeFrame([]byte("OKAY" + msg)) }
func (t *transport) FAIL(msg string) error { return t.writeFrame([]byte("FAIL" + msg)) }
func (t *transport) INFO(msg string) error { return t.writeFrame([]byte("INFO" + msg)) }

func (t *transport) DATA(size uint32) error {
	return t.writeFrame([]byte(fmt.Sprintf("DATA%08x", size)))
}
