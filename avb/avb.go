// Package avb defines the loader's surface to the external verified-boot
// library: the trust-state classification, per-slot verification results,
// and the verifier contract. The cryptographic engine itself is an
// external collaborator.
package avb

import "errors"

// BootState is the verified-boot trust classification. It is monotonic
// within one boot attempt: callers may raise it toward Red but never
// lower it.
type BootState uint8

const (
	Green  BootState = iota // verified against the embedded key
	Yellow                  // verified against a user-supplied key
	Orange                  // device unlocked, verification waived
	Red                     // verification failed
)

// String returns the state in the form the kernel command line expects.
func (s BootState) String() string {
	switch s {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Orange:
		return "orange"
	case Red:
		return "red"
	}
	return "red"
}

// Merge returns the worse of s and other. Verification results only ever
// escalate.
func (s BootState) Merge(other BootState) BootState {
	if other > s {
		return other
	}
	return s
}

// SlotData is the verifier's description of the slot it selected.
type SlotData struct {
	// Suffix is the A/B suffix of the verified slot, e.g. "_a".
	// Empty when the partition is not slotted.
	Suffix string

	// Cmdline is the verifier-supplied kernel command line fragment
	// (dm-verity table, vbmeta digest and friends).
	Cmdline string

	// RollbackIndexes are the image's anti-rollback values by location.
	RollbackIndexes []uint64
}

// ErrVerificationFailed reports a signature failure. The returned image
// is still structurally usable but must be treated as untrusted; callers
// map this to a Red boot state rather than refusing the image outright.
var ErrVerificationFailed = errors.New("avb: verification failed")

// Verifier loads and verifies boot partitions.
//
// Both methods return the raw image bytes, the resulting trust state and,
// for slotted loads, the selected slot. On ErrVerificationFailed the
// image and slot data are still returned.
type Verifier interface {
	// LoadVerifyAB loads the named partition from the best available
	// slot, walking the slot priority order.
	LoadVerifyAB(partition string) ([]byte, BootState, *SlotData, error)

	// LoadVerify loads the named partition without slot selection.
	LoadVerify(partition string) ([]byte, BootState, *SlotData, error)
}
