package bootimg

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RawVendorHeader is the vendor_boot header layout (v3, with the v4 tail).
type RawVendorHeader struct {
	Magic             [8]byte
	HeaderVersion     uint32
	PageSize          uint32
	KernelAddr        uint32
	RamdiskAddr       uint32
	VendorRamdiskSize uint32
	Cmdline           [2048]byte
	TagsAddr          uint32
	Name              [16]byte
	HeaderSize        uint32
	DTBSize           uint32
	DTBAddr           uint64

	// v4
	RamdiskTableSize      uint32
	RamdiskTableEntryNum  uint32
	RamdiskTableEntrySize uint32
	BootconfigSize        uint32
}

// VendorImage is a parsed vendor_boot image.
type VendorImage struct {
	buf []byte
	hdr RawVendorHeader
}

// ParseVendor validates the magic and header version and wraps buf.
func ParseVendor(buf []byte) (*VendorImage, error) {
	if len(buf) < 16 || !bytes.Equal(buf[:8], []byte(VendorMagic)) {
		return nil, ErrBadMagic
	}

	img := VendorImage{buf: buf}
	r := bytes.NewReader(buf)

	if err := binary.Read(r, le, &img.hdr.Magic); err != nil {
		return nil, err
	}

	var fixed [5]uint32
	if err := binary.Read(r, le, &fixed); err != nil {
		return nil, err
	}

	img.hdr.HeaderVersion = fixed[0]
	img.hdr.PageSize = fixed[1]
	img.hdr.KernelAddr = fixed[2]
	img.hdr.RamdiskAddr = fixed[3]
	img.hdr.VendorRamdiskSize = fixed[4]

	if img.hdr.HeaderVersion < 3 || img.hdr.HeaderVersion > 4 {
		return nil, fmt.Errorf("%w: vendor_boot %d", ErrBadVersion, img.hdr.HeaderVersion)
	}

	if img.hdr.PageSize == 0 || img.hdr.PageSize&(img.hdr.PageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %#x", ErrBadVersion, img.hdr.PageSize)
	}

	if err := binary.Read(r, le, &img.hdr.Cmdline); err != nil {
		return nil, err
	}
	if err := binary.Read(r, le, &img.hdr.TagsAddr); err != nil {
		return nil, err
	}
	if err := binary.Read(r, le, &img.hdr.Name); err != nil {
		return nil, err
	}
	if err := binary.Read(r, le, &img.hdr.HeaderSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, le, &img.hdr.DTBSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, le, &img.hdr.DTBAddr); err != nil {
		return nil, err
	}

	if img.hdr.HeaderVersion == 4 {
		var tail [4]uint32
		if err := binary.Read(r, le, &tail); err != nil {
			return nil, err
		}

		img.hdr.RamdiskTableSize = tail[0]
		img.hdr.RamdiskTableEntryNum = tail[1]
		img.hdr.RamdiskTableEntrySize = tail[2]
		img.hdr.BootconfigSize = tail[3]
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
// wrap uint32, mirroring the boot image check.
func (img *VendorImage) checkSizes() error {
	sizes := []uint32{img.hdr.VendorRamdiskSize, img.hdr.DTBSize}
	if img.hdr.HeaderVersion == 4 {
		sizes = append(sizes, img.hdr.RamdiskTableSize, img.hdr.BootconfigSize)
	}

	for _, n := range sizes {
		if img.Align(n) < n {
			return fmt.Errorf("%w: %#x", ErrBadSize, n)
		}
	}
	return nil
}

// Version returns the vendor_boot header version, 3 or 4.
func (img *VendorImage) Version() uint32 {
	return img.hdr.HeaderVersion
}

// PageSize returns the segment alignment unit.
func (img *VendorImage) PageSize() uint32 {
	return img.hdr.PageSize
}

// Align rounds n up to the image's page size.
func (img *VendorImage) Align(n uint32) uint32 {
	mask := img.hdr.PageSize - 1
	return (n + mask) &^ mask
}

// RamdiskSize returns the declared size of the vendor ramdisk.
func (img *VendorImage) RamdiskSize() uint32 {
	return img.hdr.VendorRamdiskSize
}

// BootconfigSize returns the declared size of the bootconfig segment (v4).
func (img *VendorImage) BootconfigSize() uint32 {
	return img.hdr.BootconfigSize
}

// headerPages returns the size of the header rounded up to a page.
// The vendor_boot header is not a fixed page like boot v3: segments
// start at ALIGN(sizeof(header), page_size).
func (img *VendorImage) headerPages() uint32 {
	const rawSizeV3 = 8 + 5*4 + 2048 + 4 + 16 + 4 + 4 + 8
	const rawSizeV4 = rawSizeV3 + 4*4

	if img.hdr.HeaderVersion == 4 {
		return img.Align(rawSizeV4)
	}
	return img.Align(rawSizeV3)
}

// Size returns the total image size determined by the header.
func (img *VendorImage) Size() uint64 {
	size := uint64(img.headerPages()) +
		uint64(img.Align(img.hdr.VendorRamdiskSize)) +
		uint64(img.Align(img.hdr.DTBSize))

	if img.hdr.HeaderVersion == 4 {
		size += uint64(img.Align(img.hdr.RamdiskTableSize)) +
			uint64(img.Align(img.hdr.BootconfigSize))
	}

	return size
}

// Ramdisk returns the vendor ramdisk segment.
func (img *VendorImage) Ramdisk() []byte {
	off := uint64(img.headerPages())
	return img.buf[off : off+uint64(img.hdr.VendorRamdiskSize)]
}

// DTB returns the device tree segment, or nil if the image has none.
func (img *VendorImage) DTB() []byte {
	if img.hdr.DTBSize == 0 {
		return nil
	}

	off := uint64(img.headerPages()) + uint64(img.Align(img.hdr.VendorRamdiskSize))
	return img.buf[off : off+uint64(img.hdr.DTBSize)]
}

// Bootconfig returns the vendor bootconfig segment (v4), or nil.
func (img *VendorImage) Bootconfig() []byte {
	if img.hdr.HeaderVersion != 4 || img.hdr.BootconfigSize == 0 {
		return nil
	}

	off := uint64(img.headerPages()) +
		uint64(img.Align(img.hdr.VendorRamdiskSize)) +
		uint64(img.Align(img.hdr.DTBSize)) +
		uint64(img.Align(img.hdr.RamdiskTableSize))

	return img.buf[off : off+uint64(img.hdr.BootconfigSize)]
}

// Cmdline returns the vendor command line embedded in the header.
func (img *VendorImage) Cmdline() string {
	return cstr(img.hdr.Cmdline[:])
}
