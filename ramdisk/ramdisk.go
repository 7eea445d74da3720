// Package ramdisk assembles the initramfs blob handed to the kernel.
// What goes in depends on the boot image version: legacy images carry a
// single ramdisk, v3 concatenates the vendor and generic ramdisks, and
// v4 additionally appends the vendor bootconfig plus loader-supplied
// parameters sealed with the bootconfig trailer.
package ramdisk

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/osboot/flinger/bootimg"
)

// TrailerMagic terminates a bootconfig section. The kernel locates the
// section by reading this magic and the two preceding words from the end
// of the initramfs.
const TrailerMagic = "#BOOTCONFIG\n"

// TrailerSize is size word + checksum word + magic.
const TrailerSize = 4 + 4 + len(TrailerMagic)

var (
	// ErrOutOfResources reports that the assembled ramdisk does not fit
	// below the kernel-declared initrd ceiling. Truncating instead would
	// boot a silently broken userspace.
	ErrOutOfResources = errors.New("ramdisk: image exceeds initrd ceiling")

	// ErrVendorRequired reports a v3+ boot image without its vendor_boot
	// counterpart.
	ErrVendorRequired = errors.New("ramdisk: vendor_boot required for header v3+")
)

// Assemble builds the initramfs for the given images. params are extra
// bootconfig parameters (one "key=value" per entry, v4 only; ignored for
// earlier versions). limit, when non-zero, is the maximum byte size the
// platform can place below the initrd ceiling.
func Assemble(boot *bootimg.Image, vendor *bootimg.VendorImage, params []string, limit uint64) ([]byte, error) {
	version := boot.Version()
	if version >= 3 && vendor == nil {
		return nil, ErrVendorRequired
	}

	var out []byte
	switch {
	case version < 3:
		rd := boot.Ramdisk()
		out = append(make([]byte, 0, len(rd)), rd...)

	case version == 3:
		out = concat(vendor.Ramdisk(), boot.Ramdisk())

	default: // v4
		out = concat(vendor.Ramdisk(), boot.Ramdisk())
		out = appendBootconfig(out, vendor.Bootconfig(), params)
	}

	if limit != 0 && uint64(len(out)) > limit {
		return nil, fmt.Errorf("%w: %d > %d", ErrOutOfResources, len(out), limit)
	}
	return out, nil
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// appendBootconfig appends the vendor bootconfig section, any extra
// parameters, and the trailer covering both. The trailer is written even
// when the section is empty so the kernel always finds a valid terminator.
func appendBootconfig(out, vendorConfig []byte, params []string) []byte {
	start := len(out)
	out = append(out, vendorConfig...)
	if n := len(vendorConfig); n > 0 && vendorConfig[n-1] != '\n' {
		out = append(out, '\n')
	}
	for _, p := range params {
		out = append(out, p...)
		out = append(out, '\n')
	}

	config := out[start:]

	var trailer [TrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[0:], uint32(len(config)))
	binary.LittleEndian.PutUint32(trailer[4:], checksum(config))
	copy(trailer[8:], TrailerMagic)
	return append(out, trailer[:]...)
}

// checksum is the kernel's bootconfig checksum: a plain byte sum.
func checksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return sum
}
