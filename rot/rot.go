// Package rot builds the root-of-trust report: the record of what was
// booted, how it verified, and the device lock state. The report is
// measured into a TPM PCR before the OS runs so later stages can attest
// to it but never rewrite it.
package rot

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/canonical/go-tpm2"
	"github.com/canonical/go-tpm2/linux"

	"github.com/osboot/flinger/avb"
)

// DefaultPCR is where the report is measured. 12 is conventionally the
// loader-owned register for kernel/cmdline material, outside the
// firmware-owned 0-7 range.
const DefaultPCR = 12

// reportVersion is bumped on any layout change.
const reportVersion = 1

// Report is the root-of-trust record for one boot.
type Report struct {
	State         avb.BootState
	DeviceLocked  bool
	OSVersion     uint32
	PatchLevel    uint32 // YYYYMM
	RollbackIndex uint64

	// KeyDigest is the SHA-256 of the public key the image verified
	// against. Zero when the device booted unverified.
	KeyDigest [sha256.Size]byte

	// VBMetaDigest is the SHA-256 over the verified vbmeta structures.
	VBMetaDigest [sha256.Size]byte
}

// reportSize is the fixed marshaled length: version, state, locked,
// padding, the three integers, and the two digests.
const reportSize = 4 + 4 + 4 + 8 + sha256.Size + sha256.Size

// Marshal encodes the report in its fixed little-endian layout. The
// layout is part of the attestation contract: any change invalidates
// sealed data, hence the version byte up front.
func (r *Report) Marshal() []byte {
	out := make([]byte, reportSize)

	out[0] = reportVersion
	out[1] = uint8(r.State)
	if r.DeviceLocked {
		out[2] = 1
	}

	binary.LittleEndian.PutUint32(out[4:], r.OSVersion)
	binary.LittleEndian.PutUint32(out[8:], r.PatchLevel)
	binary.LittleEndian.PutUint64(out[12:], r.RollbackIndex)
	copy(out[20:], r.KeyDigest[:])
	copy(out[20+sha256.Size:], r.VBMetaDigest[:])
	return out
}

// TPM is an open connection to the platform TPM.
type TPM struct {
	ctx *tpm2.TPMContext
}

// Open connects to the default TPM2 device.
func Open() (*TPM, error) {
	dev, err := linux.DefaultTPM2Device()
	if err != nil {
		return nil, fmt.Errorf("rot: no tpm2 device: %w", err)
	}

	ctx, err := tpm2.OpenTPMDevice(dev)
	if err != nil {
		return nil, fmt.Errorf("rot: open tpm: %w", err)
	}

	return &TPM{ctx: ctx}, nil
}

// Measure extends the report into the given PCR.
func (t *TPM) Measure(pcr int, r *Report) error {
	_, err := t.ctx.PCREvent(t.ctx.PCRHandleContext(pcr), tpm2.Event(r.Marshal()), nil)
	if err != nil {
		return fmt.Errorf("rot: pcr %d extend: %w", pcr, err)
	}
	return nil
}

func (t *TPM) Close() error {
	return t.ctx.Close()
}
