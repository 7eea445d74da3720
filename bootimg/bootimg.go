// Package bootimg reads Android boot images (header versions 0 through 4)
// and their vendor_boot companions. A parsed image is a read-only view over
// the loaded buffer: accessors return subslices, never copies.
package bootimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Magic begins every boot image.
	Magic = "ANDROID!"

	// VendorMagic begins every vendor_boot image.
	VendorMagic = "VNDRBOOT"

	// ArgsSize is the size of the legacy header's cmdline field.
	ArgsSize = 512

	// ExtraArgsSize is the size of the legacy header's extra_cmdline field.
	ExtraArgsSize = 1024

	// HeaderSizeV3 is the fixed header (and alignment) size for headers v3+.
	// v3 dropped the page_size field; everything is aligned to 4096.
	HeaderSizeV3 = 4096
)

var (
	ErrBadMagic   = errors.New("bootimg: bad magic")
	ErrBadVersion = errors.New("bootimg: unsupported header version")
	ErrBadSize    = errors.New("bootimg: segment size overflows alignment")
	ErrTruncated  = errors.New("bootimg: buffer smaller than header describes")
)

var le = binary.LittleEndian

// RawHeader is the legacy (v0-v2) header layout. Fields after HeaderVersion
// exist only for the versions that declare them; Parse zeroes the rest.
type RawHeader struct {
	Magic         [8]byte
	KernelSize    uint32
	KernelAddr    uint32
	RamdiskSize   uint32
	RamdiskAddr   uint32
	SecondSize    uint32
	SecondAddr    uint32
	TagsAddr      uint32
	PageSize      uint32
	HeaderVersion uint32
	OSVersion     uint32
	Name          [16]byte
	Cmdline       [ArgsSize]byte
	ID            [8]uint32
	ExtraCmdline  [ExtraArgsSize]byte

	// v1
	RecoveryDTBOSize   uint32
	RecoveryDTBOOffset uint64
	HeaderSize         uint32

	// v2
	DTBSize uint32
	DTBAddr uint64
}

// RawHeaderV3 is the v3/v4 header layout. SignatureSize is v4-only.
type RawHeaderV3 struct {
	Magic         [8]byte
	KernelSize    uint32
	RamdiskSize   uint32
	OSVersion     uint32
	HeaderSize    uint32
	Reserved      [4]uint32
	HeaderVersion uint32
	Cmdline       [ArgsSize + ExtraArgsSize]byte

	// v4
	SignatureSize uint32
}

// Image is a parsed boot image.
type Image struct {
	buf []byte

	// exactly one of hdr/hdr3 is valid, by Version
	hdr  RawHeader
	hdr3 RawHeaderV3
}

// Parse validates the magic and header version and wraps buf.
// It does not copy the buffer.
func Parse(buf []byte) (*Image, error) {
	if len(buf) < 8+4*8+4 || !bytes.Equal(buf[:8], []byte(Magic)) {
		return nil, ErrBadMagic
	}

	// header_version sits at the same offset for every version
	ver := le.Uint32(buf[8+4*8:])

	img := Image{buf: buf}
	r := bytes.NewReader(buf)

	switch {
	case ver <= 2:
		// the legacy struct is a prefix per version; read only
		// the declared fields
		if err := binary.Read(r, le, &img.hdr.Magic); err != nil {
			return nil, err
		}

		var fixed [8 + 1 + 1]uint32 // sizes/addrs, page_size follows tags_addr
		if err := binary.Read(r, le, &fixed); err != nil {
			return nil, err
		}

		img.hdr.KernelSize = fixed[0]
		img.hdr.KernelAddr = fixed[1]
		img.hdr.RamdiskSize = fixed[2]
		img.hdr.RamdiskAddr = fixed[3]
		img.hdr.SecondSize = fixed[4]
		img.hdr.SecondAddr = fixed[5]
		img.hdr.TagsAddr = fixed[6]
		img.hdr.PageSize = fixed[7]
		img.hdr.HeaderVersion = fixed[8]
		img.hdr.OSVersion = fixed[9]

		if err := binary.Read(r, le, &img.hdr.Name); err != nil {
			return nil, err
		}

		if err := binary.Read(r, le, &img.hdr.Cmdline); err != nil {
			return nil, err
		}

		if err := binary.Read(r, le, &img.hdr.ID); err != nil {
			return nil, err
		}

		if err := binary.Read(r, le, &img.hdr.ExtraCmdline); err != nil {
			return nil, err
		}

		if ver >= 1 {
			if err := binary.Read(r, le, &img.hdr.RecoveryDTBOSize); err != nil {
				return nil, err
			}
			if err := binary.Read(r, le, &img.hdr.RecoveryDTBOOffset); err != nil {
				return nil, err
			}
			if err := binary.Read(r, le, &img.hdr.HeaderSize); err != nil {
				return nil, err
			}
		}

		if ver == 2 {
			if err := binary.Read(r, le, &img.hdr.DTBSize); err != nil {
				return nil, err
			}
			if err := binary.Read(r, le, &img.hdr.DTBAddr); err != nil {
				return nil, err
			}
		}

		if img.hdr.PageSize == 0 || img.hdr.PageSize&(img.hdr.PageSize-1) != 0 {
			return nil, fmt.Errorf("%w: page size %#x", ErrBadVersion, img.hdr.PageSize)
		}

	case ver <= 4:
		if err := binary.Read(r, le, &img.hdr3.Magic); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &img.hdr3.KernelSize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &img.hdr3.RamdiskSize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &img.hdr3.OSVersion); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &img.hdr3.HeaderSize); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &img.hdr3.Reserved); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &img.hdr3.HeaderVersion); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &img.hdr3.Cmdline); err != nil {
			return nil, err
		}
		if ver == 4 {
			if err := binary.Read(r, le, &img.hdr3.SignatureSize); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, ver)
	}

	if err := img.checkSizes(); err != nil {
		return nil, err
	}

	if uint64(len(buf)) < img.Size() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTruncated, len(buf), img.Size())
	}

	return &img, nil
}

// checkSizes rejects declared segment sizes whose page alignment would
// wrap uint32: a wrapped size makes Size underreport and the segment
// accessors slice past the buffer.
func (img *Image) checkSizes() error {
	sizes := []uint32{img.KernelSize(), img.RamdiskSize()}

	if img.Version() >= 3 {
		sizes = append(sizes, img.hdr3.SignatureSize)
	} else {
		sizes = append(sizes, img.hdr.SecondSize)
		if img.hdr.HeaderVersion >= 1 {
			sizes = append(sizes, img.hdr.RecoveryDTBOSize)
		}
		if img.hdr.HeaderVersion == 2 {
			sizes = append(sizes, img.hdr.DTBSize)
		}
	}

	for _, n := range sizes {
		if img.Align(n) < n {
			return fmt.Errorf("%w: %#x", ErrBadSize, n)
		}
	}
	return nil
}

// Version returns the header version, 0 through 4.
func (img *Image) Version() uint32 {
	if img.hdr3.HeaderVersion != 0 {
		return img.hdr3.HeaderVersion
	}
	return img.hdr.HeaderVersion
}

// PageSize returns the segment alignment unit. For v3+ it is fixed at 4096.
func (img *Image) PageSize() uint32 {
	if img.Version() >= 3 {
		return HeaderSizeV3
	}
	return img.hdr.PageSize
}

// Align rounds n up to the image's page size.
func (img *Image) Align(n uint32) uint32 {
	mask := img.PageSize() - 1
	return (n + mask) &^ mask
}

// KernelSize returns the declared size of the kernel segment.
func (img *Image) KernelSize() uint32 {
	if img.Version() >= 3 {
		return img.hdr3.KernelSize
	}
	return img.hdr.KernelSize
}

// RamdiskSize returns the declared size of the boot ramdisk segment.
func (img *Image) RamdiskSize() uint32 {
	if img.Version() >= 3 {
		return img.hdr3.RamdiskSize
	}
	return img.hdr.RamdiskSize
}

// OSVersion returns the packed os_version field: the OS release in the
// top 21 bits (7 per component) and the security patch level in the low
// 11 (4 bits year since 2000, 4 bits month).
func (img *Image) OSVersion() uint32 {
	if img.Version() >= 3 {
		return img.hdr3.OSVersion
	}
	return img.hdr.OSVersion
}

// PatchLevel unpacks the security patch level as YYYYMM, or 0.
func (img *Image) PatchLevel() uint32 {
	v := img.OSVersion() & 0x7ff
	year := 2000 + (v >> 4)
	month := v & 0xf
	if month == 0 {
		return 0
	}
	return year*100 + month
}

// Size returns the total image size as fully determined by the header:
// the header page plus the page-aligned sum of the declared segments.
func (img *Image) Size() uint64 {
	if img.Version() >= 3 {
		size := uint64(HeaderSizeV3) +
			uint64(img.Align(img.hdr3.KernelSize)) +
			uint64(img.Align(img.hdr3.RamdiskSize))
		if img.Version() == 4 {
			size += uint64(img.Align(img.hdr3.SignatureSize))
		}
		return size
	}

	size := uint64(img.hdr.PageSize) +
		uint64(img.Align(img.hdr.KernelSize)) +
		uint64(img.Align(img.hdr.RamdiskSize)) +
		uint64(img.Align(img.hdr.SecondSize))

	if img.hdr.HeaderVersion >= 1 {
		size += uint64(img.Align(img.hdr.RecoveryDTBOSize))
	}

	if img.hdr.HeaderVersion == 2 {
		size += uint64(img.Align(img.hdr.DTBSize))
	}

	return size
}

// kernelOffset is the start of the kernel segment: one header page in.
// Offsets are 64-bit so segment bounds never wrap the index type.
func (img *Image) kernelOffset() uint64 {
	if img.Version() >= 3 {
		return HeaderSizeV3
	}
	return uint64(img.hdr.PageSize)
}

// Kernel returns the kernel segment.
func (img *Image) Kernel() []byte {
	off := img.kernelOffset()
	return img.buf[off : off+uint64(img.KernelSize())]
}

// Ramdisk returns the boot ramdisk segment.
func (img *Image) Ramdisk() []byte {
	off := img.kernelOffset() + uint64(img.Align(img.KernelSize()))
	return img.buf[off : off+uint64(img.RamdiskSize())]
}

// Second returns the second-stage segment, or nil if the image has none.
// Headers v3+ dropped the second stage.
func (img *Image) Second() []byte {
	if img.Version() >= 3 || img.hdr.SecondSize == 0 {
		return nil
	}

	off := uint64(img.hdr.PageSize) +
		uint64(img.Align(img.hdr.KernelSize)) +
		uint64(img.Align(img.hdr.RamdiskSize))
	return img.buf[off : off+uint64(img.hdr.SecondSize)]
}

// Cmdline returns the command line embedded in the header. For legacy
// headers the cmdline and extra_cmdline fields are merged: extra_cmdline
// continues the string when cmdline fills its field exactly.
func (img *Image) Cmdline() string {
	if img.Version() >= 3 {
		return cstr(img.hdr3.Cmdline[:])
	}

	full := make([]byte, 0, ArgsSize+ExtraArgsSize)
	full = append(full, img.hdr.Cmdline[:]...)

	if img.hdr.ExtraCmdline[0] != 0 {
		// the legacy cmdline is NUL terminated unless it fills the field
		if img.hdr.Cmdline[ArgsSize-1] == 0 {
			full = full[:ArgsSize-1]
		}
		full = append(full, img.hdr.ExtraCmdline[:]...)
	}

	return cstr(full)
}

// Bytes returns the underlying buffer.
func (img *Image) Bytes() []byte {
	return img.buf
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
