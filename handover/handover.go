// Package handover takes a validated kernel, a composed command line and
// an assembled ramdisk and transfers control. The platform side (memory
// map, boot-services teardown, the jump itself) is abstracted behind
// Firmware so the decision flow can be exercised without rebooting the
// test machine.
package handover

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// MapKey identifies a snapshot of the platform memory map. Exiting boot
// services with a stale key fails; the caller must fetch a fresh map and
// retry.
type MapKey uintptr

// MemoryRegion is one platform memory map entry, already in E820 terms.
type MemoryRegion struct {
	Addr uint64
	Size uint64
	Type uint32
}

// Framebuffer describes the platform linear framebuffer.
type Framebuffer struct {
	Base   uint64
	Size   uint64
	Width  uint32
	Height uint32
	Stride uint32 // bytes per scanline
}

// Firmware is the platform surface the handover needs. Jump does not
// return on success.
type Firmware interface {
	// MemoryMap returns the current memory map and its key.
	MemoryMap() ([]MemoryRegion, MapKey, error)

	// ExitBootServices tears down boot services. It fails when key is
	// stale, in which case the map must be re-read.
	ExitBootServices(key MapKey) error

	// Framebuffer returns the platform framebuffer, or nil.
	Framebuffer() *Framebuffer

	// Stall blocks for at least d without relying on OS timers.
	Stall(d time.Duration)

	// Jump transfers control to the prepared kernel.
	Jump(params *BootParams, req *Request) error
}

// Request is everything the kernel gets handed.
type Request struct {
	// Kernel is the raw bzImage.
	Kernel []byte

	// Cmdline is the composed command line, NUL-terminated ASCII.
	Cmdline []byte

	// Initrd is the assembled ramdisk. May be empty.
	Initrd []byte
}

const (
	// exitRetries bounds the map-changed-underneath-us retry loop.
	exitRetries = 10

	typeOfLoaderUnknown = 0xff
	loadedHigh          = 1 << 0 // protected-mode code is loaded at 0x100000
)

var (
	ErrCmdlineTooLong  = errors.New("handover: command line exceeds kernel limit")
	ErrExitBootFailed  = errors.New("handover: could not exit boot services")
	ErrTooManyRegions  = errors.New("handover: memory map exceeds e820 table")
	ErrKernelTruncated = errors.New("handover: kernel image shorter than header claims")
)

// Handover drives the final stage of a boot.
type Handover struct {
	Firmware Firmware
	Log      *slog.Logger
}

func (h *Handover) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

// InitrdLimit returns the byte ceiling for the assembled ramdisk declared
// by the kernel image, for bound-checking before assembly.
func InitrdLimit(zeropage *BootParams) uint64 {
	return uint64(zeropage.Hdr.InitrdAddrMax)
}

// Prepare validates the kernel and builds the clean zeropage for it:
// setup header copied over with loader identity and load flags applied,
// E820 table filled from the platform map, framebuffer geometry captured.
func (h *Handover) Prepare(req *Request) (*BootParams, error) {
	in, err := ParseKernel(bytes.NewReader(req.Kernel))
	if err != nil {
		return nil, err
	}

	// the protected-mode payload must actually be present
	koff := (1 + int(in.Hdr.SetupSects)) * 512
	klen := int(in.Hdr.Syssize) * 16
	if len(req.Kernel) < koff+klen {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrKernelTruncated, len(req.Kernel), koff+klen)
	}

	if in.Hdr.CmdlineSize != 0 && uint32(len(req.Cmdline)) > in.Hdr.CmdlineSize+1 {
		return nil, fmt.Errorf("%w: %d > %d", ErrCmdlineTooLong, len(req.Cmdline), in.Hdr.CmdlineSize)
	}

	// build a clean zeropage
	params := &BootParams{
		Hdr: in.Hdr,
	}

	params.Hdr.VidMode = 0xffff
	params.Hdr.TypeOfLoader = typeOfLoaderUnknown
	params.Hdr.Loadflags = loadedHigh
	params.Hdr.CmdlineSize = uint32(len(req.Cmdline))

	regions, _, err := h.Firmware.MemoryMap()
	if err != nil {
		return nil, fmt.Errorf("handover: memory map: %w", err)
	}
	if len(regions) > len(params.E820Table) {
		return nil, ErrTooManyRegions
	}

	for i, r := range regions {
		params.E820Table[i] = BootE820Entry{Addr: r.Addr, Size: r.Size, Type: r.Type}
		params.E820Entries++
	}

	if fb := h.Firmware.Framebuffer(); fb != nil {
		params.Screen = ScreenInfo{
			OrigVideoIsVGA: VideoTypeEFI,
			LfbWidth:       uint16(fb.Width),
			LfbHeight:      uint16(fb.Height),
			LfbDepth:       32,
			LfbBase:        uint32(fb.Base),
			ExtLfbBase:     uint32(fb.Base >> 32),
			LfbSize:        uint32(fb.Size),
			LfbLinelength:  uint16(fb.Stride),
		}
	}

	return params, nil
}

// Boot prepares the zeropage, exits boot services and jumps. On success
// it does not return.
func (h *Handover) Boot(req *Request) error {
	params, err := h.Prepare(req)
	if err != nil {
		return err
	}

	h.log().Info("handing over",
		"kernel", len(req.Kernel),
		"initrd", len(req.Initrd),
		"cmdline", string(bytes.TrimRight(req.Cmdline, "\x00")))

	if err := h.exitBootServices(); err != nil {
		return err
	}

	return h.Firmware.Jump(params, req)
}

// exitBootServices retries with a freshly read map key each time: callbacks
// fired by the first attempt routinely allocate and invalidate the key.
func (h *Handover) exitBootServices() error {
	var last error
	for i := 0; i < exitRetries; i++ {
		_, key, err := h.Firmware.MemoryMap()
		if err != nil {
			return fmt.Errorf("handover: memory map: %w", err)
		}

		if last = h.Firmware.ExitBootServices(key); last == nil {
			return nil
		}

		h.Firmware.Stall(time.Millisecond)
	}

	return fmt.Errorf("%w: %v", ErrExitBootFailed, last)
}
