package boot

import (
	"errors"
	"fmt"

	"github.com/osboot/flinger/avb"
	"github.com/osboot/flinger/bootimg"
	"github.com/osboot/flinger/efivar"
	"github.com/osboot/flinger/slot"
)

var (
	// ErrInvalidTarget means the target has no image to load; this is
	// not a generic loader.
	ErrInvalidTarget = errors.New("boot: target carries no boot image")

	// ErrSlotMismatch means this verification pass selected a different
	// slot than a prior loader stage committed to. Continuing with
	// inconsistent state is not tolerated; the flow cold-reboots to the
	// same target instead.
	ErrSlotMismatch = errors.New("boot: slot selection changed between loader stages")
)

// LoadResult is a loaded, parsed and verified boot image.
type LoadResult struct {
	Image *bootimg.Image
	State avb.BootState
	Slot  *avb.SlotData
}

// LoadBootImage loads and verifies the image for the decided target.
// A verification failure is not fatal here: the image comes back with a
// Red state and the orchestrator routes it to the warning path.
func LoadBootImage(ctx *Context, d Decision) (*LoadResult, error) {
	switch d.Target {
	case Normal, Charger:
		res, err := loadVerifiedAB(ctx, "boot")
		if err != nil {
			return nil, err
		}
		if err := checkSlotConsistency(ctx, res.Slot); err != nil {
			return nil, err
		}
		return res, nil

	case Recovery:
		if ctx.RecoveryInBoot {
			// single-partition recovery: the boot partition carries the
			// recovery ramdisk, so load it the normal way and apply the
			// slot check under the recovery identity
			res, err := loadVerifiedAB(ctx, "boot")
			if err != nil {
				return nil, err
			}
			if err := checkSlotConsistency(ctx, res.Slot); err != nil {
				return nil, err
			}
			return res, nil
		}

		raw, state, slotData, err := ctx.Verifier.LoadVerify("recovery")
		return finishLoad(ctx, raw, state, slotData, err)

	case ESPBootimage:
		raw := d.Image
		if raw == nil {
			var err error
			if raw, err = ctx.Disk.ReadFile(d.Path); err != nil {
				return nil, fmt.Errorf("boot: read %s: %w", d.Path, err)
			}
		}

		if d.OneShot && d.Path != "" {
			if err := ctx.Disk.Remove(d.Path); err != nil {
				ctx.log().Debug("one-shot image removal failed", "path", d.Path, "err", err)
			}
		}

		img, err := bootimg.Parse(raw)
		if err != nil {
			return nil, err
		}

		// a sideloaded image is unverified by definition
		return &LoadResult{Image: img, State: avb.Orange}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTarget, d.Target)
	}
}

func loadVerifiedAB(ctx *Context, partition string) (*LoadResult, error) {
	raw, state, slotData, err := ctx.Verifier.LoadVerifyAB(partition)
	return finishLoad(ctx, raw, state, slotData, err)
}

func finishLoad(ctx *Context, raw []byte, state avb.BootState, slotData *avb.SlotData, err error) (*LoadResult, error) {
	if errors.Is(err, avb.ErrVerificationFailed) {
		// distrusted but structurally usable; Red gates the flow
		ctx.log().Warn("image verification failed", "err", err)
		state = state.Merge(avb.Red)
	} else if err != nil {
		return nil, err
	}

	img, err := bootimg.Parse(raw)
	if err != nil {
		return nil, err
	}

	return &LoadResult{Image: img, State: state, Slot: slotData}, nil
}

// checkSlotConsistency cross-checks the slot this pass selected against
// the slot a prior loader stage recorded. First boot records it.
func checkSlotConsistency(ctx *Context, slotData *avb.SlotData) error {
	if slotData == nil || slotData.Suffix == "" {
		return nil
	}

	idx := slot.Index(slotData.Suffix)
	if idx < 0 {
		return fmt.Errorf("boot: verifier returned unknown slot %q", slotData.Suffix)
	}

	prev, err := ctx.Vars.LoadedSlot()
	if errors.Is(err, efivar.ErrNotFound) {
		return ctx.Vars.SetLoadedSlot(uint8(idx))
	}
	if err != nil {
		ctx.log().Debug("loaded-slot read failed", "err", err)
		return nil
	}

	if int(prev) != idx {
		return fmt.Errorf("%w: stage committed %s, verifier chose %s",
			ErrSlotMismatch, slot.Suffix(int(prev)), slotData.Suffix)
	}
	return nil
}

// LoadVendorBootImage loads the vendor_boot companion for targets that
// boot a slotted OS. A missing vendor_boot is not an error here; ramdisk
// assembly enforces it for header versions that require one.
func LoadVendorBootImage(ctx *Context, target Target) (*bootimg.VendorImage, error) {
	switch target {
	case Normal, Charger, Recovery:
	default:
		return nil, nil
	}

	raw, state, _, err := ctx.Verifier.LoadVerifyAB("vendor_boot")
	if errors.Is(err, avb.ErrVerificationFailed) {
		ctx.log().Warn("vendor_boot verification failed", "state", state.String())
	} else if err != nil {
		ctx.log().Debug("vendor_boot not loaded", "err", err)
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, nil
	}

	return bootimg.ParseVendor(raw)
}

// DisableSlotIfStageFailed reacts to a prior loader stage recording a
// failed attempt on a slot: the slot is disabled so this pass and the
// OS stop retrying it.
func DisableSlotIfStageFailed(ctx *Context) error {
	for idx := 0; idx < slot.NumSlots; idx++ {
		failed, err := ctx.Vars.LoadedSlotFailed(uint8(idx))
		if errors.Is(err, efivar.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !failed {
			continue
		}

		ctx.log().Warn("prior stage failed on slot, disabling", "slot", slot.Suffix(idx))
		if err := ctx.Slots.Disable(idx); err != nil {
			return err
		}
		if err := ctx.Vars.SetLoadedSlotFailed(uint8(idx), false); err != nil {
			return err
		}
	}
	return nil
}
