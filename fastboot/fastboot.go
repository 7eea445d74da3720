// Package fastboot implements the fastboot service loop over its
// network transports: TCP for hardware and AF_VSOCK for virtual
// platforms. The loop runs until the operator issues a command that
// names where to go next; that verdict feeds back into the boot-target
// machinery.
package fastboot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/mdlayher/vsock"
	"golang.org/x/sync/errgroup"

	"github.com/osboot/flinger/boot"
)

// Port is the conventional fastboot TCP/vsock port.
const Port = 5554

// maxDownloadDefault bounds "download" payloads (sideloaded boot
// images).
const maxDownloadDefault = 256 << 20

// Device is the platform surface the command handlers mutate. The
// service loop itself holds no state beyond the current download.
type Device interface {
	// Var resolves a getvar name.
	Var(name string) (string, bool)

	// VarAll lists every variable for "getvar:all".
	VarAll() [][2]string

	Unlocked() bool
	SetUnlocked(unlocked bool) error
	SetActiveSlot(suffix string) error
}

// Server serves fastboot sessions. One session runs at a time; the host
// tool owns the conversation.
type Server struct {
	Device Device
	Log    *slog.Logger

	// MaxDownload overrides the download cap. Zero means the default.
	MaxDownload uint32
}

// ListenTCP listens for fastboot over TCP.
func ListenTCP(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// ListenVsock listens for fastboot on the VM socket port, for guests
// whose host tooling speaks fastboot over AF_VSOCK.
func ListenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}

func (s *Server) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *Server) maxDownload() uint32 {
	if s.MaxDownload != 0 {
		return s.MaxDownload
	}
	return maxDownloadDefault
}

// Serve accepts sessions on the given listeners until one of them ends
// in a verdict, then shuts the listeners down and returns it.
func (s *Server) Serve(ctx context.Context, listeners ...net.Listener) (boot.Decision, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conns := make(chan net.Conn)
	g, ctx := errgroup.WithContext(ctx)

	for _, ln := range listeners {
		ln := ln
		g.Go(func() error {
			<-ctx.Done()
			return ln.Close()
		})
		g.Go(func() error {
			for {
				c, err := ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				select {
				case conns <- c:
				case <-ctx.Done():
					c.Close()
					return nil
				}
			}
		})
	}

	var verdict boot.Decision
	var serveErr error

loop:
	for {
		select {
		case <-ctx.Done():
			serveErr = ctx.Err()
			break loop

		case c := <-conns:
			d, done, err := s.session(c)
			c.Close()
			if err != nil {
				s.log().Debug("fastboot session ended", "err", err)
			}
			if done {
				verdict = d
				break loop
			}
		}
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log().Debug("fastboot listener shutdown", "err", err)
	}
	return verdict, serveErr
}

// session runs one host conversation. done reports that the host issued
// a terminal command and the verdict is valid.
func (s *Server) session(c net.Conn) (verdict boot.Decision, done bool, err error) {
	t, err := newTransport(c)
	if err != nil {
		return boot.Decision{}, false, err
	}

	var download []byte

	for {
		cmd, err := t.ReadCommand()
		if err != nil {
			return boot.Decision{}, false, err
		}

		s.log().Debug("fastboot command", "cmd", cmd)

		switch {
		case strings.HasPrefix(cmd, "getvar:"):
			err = s.handleGetVar(t, strings.TrimPrefix(cmd, "getvar:"))

		case strings.HasPrefix(cmd, "download:"):
			download, err = s.handleDownload(t, strings.TrimPrefix(cmd, "download:"))

		case cmd == "continue":
			if err := t.OKAY(""); err != nil {
				return boot.Decision{}, false, err
			}
			return boot.Decision{Target: boot.Normal}, true, nil

		case cmd == "reboot":
			return s.finish(t, boot.Decision{Target: boot.Normal})

		case cmd == "reboot-bootloader":
			return s.finish(t, boot.Decision{Target: boot.Fastboot})

		case cmd == "reboot-recovery", cmd == "reboot-fastboot":
			// fastbootd rides in the recovery image
			return s.finish(t, boot.Decision{Target: boot.Recovery})

		case cmd == "boot":
			if len(download) == 0 {
				err = t.FAIL("no image downloaded")
				break
			}
			if !s.Device.Unlocked() {
				err = t.FAIL("device is locked")
				break
			}
			d, done, err := s.finish(t, boot.Decision{Target: boot.ESPBootimage, Image: download})
			return d, done, err

		case strings.HasPrefix(cmd, "set_active:"):
			err = s.handleSetActive(t, strings.TrimPrefix(cmd, "set_active:"))

		case cmd == "flashing unlock":
			err = s.handleLockState(t, true)

		case cmd == "flashing lock":
			err = s.handleLockState(t, false)

		default:
			err = t.FAIL("unknown command")
		}

		if err != nil {
			return boot.Decision{}, false, err
		}
	}
}

func (s *Server) finish(t *transport, d boot.Decision) (boot.Decision, bool, error) {
	if err := t.OKAY(""); err != nil {
		return boot.Decision{}, false, err
	}
	return d, true, nil
}

func (s *Server) handleGetVar(t *transport, name string) error {
	if name == "all" {
		for _, kv := range s.Device.VarAll() {
			if err := t.INFO(kv[0] + ":" + kv[1]); err != nil {
				return err
			}
		}
		return t.OKAY("")
	}

	val, ok := s.Device.Var(name)
	if !ok {
		return t.FAIL("unknown variable")
	}
	return t.OKAY(val)
}

func (s *Server) handleDownload(t *transport, arg string) ([]byte, error) {
	var size uint32
	if _, err := fmt.Sscanf(arg, "%08x", &size); err != nil {
		return nil, t.FAIL("bad download size")
	}
	if size == 0 || size > s.maxDownload() {
		return nil, t.FAIL("download size out of range")
	}

	if err := t.DATA(size); err != nil {
		return nil, err
	}

	buf, err := t.ReadData(size)
	if err != nil {
		return nil, err
	}
	return buf, t.OKAY("")
}

func (s *Server) handleSetActive(t *transport, arg string) error {
	suffix := arg
	if !strings.HasPrefix(suffix, "_") {
		suffix = "_" + suffix
	}

	if !s.Device.Unlocked() {
		return t.FAIL("device is locked")
	}
	if err := s.Device.SetActiveSlot(suffix); err != nil {
		return t.FAIL(err.Error())
	}
	return t.OKAY("")
}

func (s *Server) handleLockState(t *transport, unlock bool) error {
	if err := s.Device.SetUnlocked(unlock); err != nil {
		return t.FAIL(err.Error())
	}
	return t.OKAY("")
}
