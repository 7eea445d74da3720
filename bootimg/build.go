package bootimg

import (
	"encoding/binary"
	"errors"
)

// Params describes a boot image to build. Build exists for tooling and
// tests; the loader itself only reads images.
type Params struct {
	Version    uint32
	PageSize   uint32 // ignored for v3+
	Kernel     []byte
	Ramdisk    []byte
	Second     []byte // v0-v2 only
	Cmdline    string
	Signature  []byte // v4 only
	OSVersion  uint32
	Name       string
	DTB        []byte // v2 only
	DTBAddr    uint64
	KernelAddr uint32
}

// Build assembles a boot image from p.
func Build(p Params) ([]byte, error) {
	if p.Version > 4 {
		return nil, ErrBadVersion
	}

	if p.Version >= 3 {
		return buildV3(p)
	}

	if p.PageSize == 0 {
		p.PageSize = 0x1000
	}

	align := func(n int) int {
		mask := int(p.PageSize) - 1
		return (n + mask) &^ mask
	}

	size := int(p.PageSize) + align(len(p.Kernel)) + align(len(p.Ramdisk)) + align(len(p.Second))
	if p.Version == 2 {
		size += align(len(p.DTB))
	}

	buf := make([]byte, size)
	copy(buf, Magic)
	le.PutUint32(buf[8:], uint32(len(p.Kernel)))
	le.PutUint32(buf[12:], p.KernelAddr)
	le.PutUint32(buf[16:], uint32(len(p.Ramdisk)))
	le.PutUint32(buf[24:], uint32(len(p.Second)))
	le.PutUint32(buf[36:], p.PageSize)
	le.PutUint32(buf[40:], p.Version)
	le.PutUint32(buf[44:], p.OSVersion)
	copy(buf[48:64], p.Name)

	if len(p.Cmdline) >= ArgsSize+ExtraArgsSize {
		return nil, errors.New("bootimg: cmdline too long")
	}

	cmdOff := 64
	extraOff := cmdOff + ArgsSize + 8*4
	if len(p.Cmdline) < ArgsSize {
		copy(buf[cmdOff:], p.Cmdline)
	} else {
		copy(buf[cmdOff:cmdOff+ArgsSize], p.Cmdline[:ArgsSize])
		copy(buf[extraOff:], p.Cmdline[ArgsSize:])
	}

	if p.Version == 2 {
		dtbOff := extraOff + ExtraArgsSize + 4 + 8 + 4
		le.PutUint32(buf[dtbOff:], uint32(len(p.DTB)))
		binary.LittleEndian.PutUint64(buf[dtbOff+4:], p.DTBAddr)
	}

	off := int(p.PageSize)
	copy(buf[off:], p.Kernel)
	off += align(len(p.Kernel))
	copy(buf[off:], p.Ramdisk)
	off += align(len(p.Ramdisk))
	copy(buf[off:], p.Second)
	off += align(len(p.Second))
	if p.Version == 2 {
		copy(buf[off:], p.DTB)
	}

	return buf, nil
}

func buildV3(p Params) ([]byte, error) {
	align := func(n int) int {
		return (n + HeaderSizeV3 - 1) &^ (HeaderSizeV3 - 1)
	}

	size := HeaderSizeV3 + align(len(p.Kernel)) + align(len(p.Ramdisk))
	if p.Version == 4 {
		size += align(len(p.Signature))
	}

	buf := make([]byte, size)
	copy(buf, Magic)
	le.PutUint32(buf[8:], uint32(len(p.Kernel)))
	le.PutUint32(buf[12:], uint32(len(p.Ramdisk)))
	le.PutUint32(buf[16:], p.OSVersion)

	hdrSize := uint32(8 + 4*4 + 4*4 + 4 + ArgsSize + ExtraArgsSize)
	if p.Version == 4 {
		hdrSize += 4
	}
	le.PutUint32(buf[20:], hdrSize)
	le.PutUint32(buf[40:], p.Version)

	if len(p.Cmdline) >= ArgsSize+ExtraArgsSize {
		return nil, errors.New("bootimg: cmdline too long")
	}
	copy(buf[44:], p.Cmdline)

	if p.Version == 4 {
		le.PutUint32(buf[44+ArgsSize+ExtraArgsSize:], uint32(len(p.Signature)))
	}

	off := HeaderSizeV3
	copy(buf[off:], p.Kernel)
	off += align(len(p.Kernel))
	copy(buf[off:], p.Ramdisk)
	off += align(len(p.Ramdisk))
	if p.Version == 4 {
		copy(buf[off:], p.Signature)
	}

	return buf, nil
}

// VendorParams describes a vendor_boot image to build.
type VendorParams struct {
	Version    uint32 // 3 or 4
	PageSize   uint32
	Ramdisk    []byte
	DTB        []byte
	Bootconfig []byte // v4 only
	Cmdline    string
	Name       string
}

// BuildVendor assembles a vendor_boot image from p.
func BuildVendor(p VendorParams) ([]byte, error) {
	if p.Version < 3 || p.Version > 4 {
		return nil, ErrBadVersion
	}

	if p.PageSize == 0 {
		p.PageSize = 0x1000
	}

	align := func(n int) int {
		mask := int(p.PageSize) - 1
		return (n + mask) &^ mask
	}

	rawSize := 8 + 5*4 + 2048 + 4 + 16 + 4 + 4 + 8
	if p.Version == 4 {
		rawSize += 4 * 4
	}

	size := align(rawSize) + align(len(p.Ramdisk)) + align(len(p.DTB))
	if p.Version == 4 {
		size += align(len(p.Bootconfig))
	}

	buf := make([]byte, size)
	copy(buf, VendorMagic)
	le.PutUint32(buf[8:], p.Version)
	le.PutUint32(buf[12:], p.PageSize)
	le.PutUint32(buf[24:], uint32(len(p.Ramdisk)))

	if len(p.Cmdline) >= 2048 {
		return nil, errors.New("bootimg: vendor cmdline too long")
	}
	copy(buf[28:], p.Cmdline)
	copy(buf[28+2048+4:], p.Name)

	hdrSizeOff := 28 + 2048 + 4 + 16
	le.PutUint32(buf[hdrSizeOff:], uint32(rawSize))
	le.PutUint32(buf[hdrSizeOff+4:], uint32(len(p.DTB)))

	if p.Version == 4 {
		le.PutUint32(buf[hdrSizeOff+4+4+8+3*4:], uint32(len(p.Bootconfig)))
	}

	off := align(rawSize)
	copy(buf[off:], p.Ramdisk)
	off += align(len(p.Ramdisk))
	copy(buf[off:], p.DTB)
	off += align(len(p.DTB))
	if p.Version == 4 {
		copy(buf[off:], p.Bootconfig)
	}

	return buf, nil
}
