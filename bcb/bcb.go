// Package bcb reads and writes the Bootloader Control Block, the on-disk
// record the OS and recovery use to hand boot commands to the loader.
package bcb

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// MessageSize is the size of the control block on disk.
const MessageSize = 2048

// Message is the fixed-layout control block. The loader owns the status
// field exclusively and clears it on every read; the command field is
// written by the OS and erased by the loader only for one-shot commands.
type Message struct {
	Command  [32]byte
	Status   [32]byte
	Recovery [768]byte
	Stage    [32]byte
	Reserved [1184]byte
}

var ErrShortRead = errors.New("bcb: short control block")

// BlockDevice is the partition holding the control block, at offset 0.
type BlockDevice interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Store reads and writes the control block on a misc partition.
type Store struct {
	Device BlockDevice
}

// Read loads the control block. Command and status are forcibly
// NUL-terminated so stale partition content cannot overrun.
func (s *Store) Read() (*Message, error) {
	buf := make([]byte, MessageSize)
	if _, err := s.Device.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("bcb: read: %w", err)
	}

	var m Message
	copy(m.Command[:], buf[:32])
	copy(m.Status[:], buf[32:64])
	copy(m.Recovery[:], buf[64:832])
	copy(m.Stage[:], buf[832:864])
	copy(m.Reserved[:], buf[864:])

	m.Command[31] = 0
	m.Status[31] = 0
	return &m, nil
}

// Write persists the control block.
func (s *Store) Write(m *Message) error {
	buf := make([]byte, 0, MessageSize)
	buf = append(buf, m.Command[:]...)
	buf = append(buf, m.Status[:]...)
	buf = append(buf, m.Recovery[:]...)
	buf = append(buf, m.Stage[:]...)
	buf = append(buf, m.Reserved[:]...)

	if _, err := s.Device.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("bcb: write: %w", err)
	}
	return nil
}

// Command describes a consumed control block command.
type Command struct {
	// Target is the requested boot target name, or an ESP-absolute
	// path when it begins with '\'. Empty when the block held no
	// recognized command.
	Target string

	// OneShot is set for bootonce- commands, which are erased as part
	// of consumption and must never re-fire.
	OneShot bool
}

// Consume reads the control block, clears the loader-owned status field,
// erases any one-shot command, and writes the normalized block back when
// anything changed. The write-back happens even when the target is not
// recognized downstream: stale content is always normalized.
func (s *Store) Consume() (Command, error) {
	m, err := s.Read()
	if err != nil {
		return Command{}, err
	}

	// we own the status field; clear any stale data
	dirty := m.Status[0] != 0
	m.Status[0] = 0

	var cmd Command
	raw := cstr(m.Command[:])

	switch {
	case strings.HasPrefix(raw, "boot-"):
		cmd.Target = raw[len("boot-"):]

	case strings.HasPrefix(raw, "bootonce-"):
		cmd.Target = raw[len("bootonce-"):]
		cmd.OneShot = true
		m.Command[0] = 0
		dirty = true
	}

	if dirty {
		if err := s.Write(m); err != nil {
			return Command{}, fmt.Errorf("bcb: normalize: %w", err)
		}
	}

	return cmd, nil
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
