package boot

import (
	"github.com/osboot/flinger/avb"
	"github.com/osboot/flinger/bootimg"
	"github.com/osboot/flinger/cmdline"
)

// Composed is the finished kernel command line, split for the handover:
// for image versions before 4 everything rides on the kernel line; v4
// moves androidboot.* properties into the bootconfig carrier.
type Composed struct {
	Kernel []byte // NUL-terminated ASCII

	// Bootconfig is the androidboot.* parameter list for the ramdisk
	// bootconfig section, nil below v4.
	Bootconfig []string
}

// ComposeCmdline builds the command line for a loaded image. Fragments
// are prepended in a fixed order onto the image-supplied base so that
// image arguments keep the last word and the composition is
// byte-deterministic for fixed inputs.
func ComposeCmdline(ctx *Context, res *LoadResult, vendor *bootimg.VendorImage, target Target) (*Composed, error) {
	base := res.Image.Cmdline()

	var appendArgs, prependArgs string
	if !ctx.UserBuild {
		var replace string
		replace, appendArgs, prependArgs = ctx.Vars.CmdlineOverrides()
		if replace != "" {
			base = replace
		}
	}
	if appendArgs != "" {
		base = base + " " + appendArgs
	}

	b := cmdline.New(base)

	// the vendor_boot line sits ahead of the generic image line
	if vendor != nil {
		b.Prepend(vendor.Cmdline())
	}

	info := &ctx.Info
	if info.SerialNumber != "" {
		b.Prependf("androidboot.serialno=%s", info.SerialNumber)
	}

	if target == Charger {
		b.Prepend("androidboot.mode=charger")
	}

	if reason := bootReason(ctx); reason != "" {
		b.Prependf("androidboot.bootreason=%s", reason)
	}

	b.Prependf("androidboot.verifiedbootstate=%s", res.State.String())

	if info.SerialPort != "" {
		b.Prependf("console=%s", info.SerialPort)
	}

	if ctx.Vars.DisableWatchdog() {
		b.Prepend("nmi_watchdog=0")
	}

	if info.DiskBus != "" {
		b.Prependf("androidboot.boot_devices=%s", info.DiskBus)
	}

	if info.BootloaderVersion != "" {
		b.Prependf("androidboot.bootloader=%s", info.BootloaderVersion)
	}

	if info.ACPIIdx != "" {
		b.Prependf("androidboot.acpi_idx=%s", info.ACPIIdx)
	}
	if info.ACPIOIdx != "" {
		b.Prependf("androidboot.acpio_idx=%s", info.ACPIOIdx)
	}

	if info.Brand != "" {
		b.Prependf("androidboot.brand=%s", info.Brand)
	}
	if info.Name != "" {
		b.Prependf("androidboot.name=%s", info.Name)
	}
	if info.Device != "" {
		b.Prependf("androidboot.device=%s", info.Device)
	}
	if info.Model != "" {
		b.Prependf("androidboot.model=%s", info.Model)
	}

	// normal boots of a recovery-in-boot layout must tell init so
	if target == Normal && ctx.RecoveryInBoot {
		b.Prepend("androidboot.force_normal_boot=1")
	}

	if suffix := slotSuffixFor(ctx, res.Slot); suffix != "" {
		b.Prependf("androidboot.slot_suffix=%s", suffix)
	}

	if trail := ctx.Stamps.Trail(); trail != "" {
		b.Prependf("androidboot.boottime=%s", trail)
	}

	if prependArgs != "" {
		b.Prepend(prependArgs)
	}

	// verifier-supplied arguments (dm-verity table and friends) go
	// last so nothing earlier can shadow them
	if res.Slot != nil && res.Slot.Cmdline != "" {
		b.Prepend(res.Slot.Cmdline)
	}

	if res.Image.Version() < 4 {
		line, err := b.Bytes()
		if err != nil {
			return nil, err
		}
		return &Composed{Kernel: line}, nil
	}

	kernel, bootconfig := cmdline.Classify(b.String())
	line, err := cmdline.New(kernel).Bytes()
	if err != nil {
		return nil, err
	}
	return &Composed{Kernel: line, Bootconfig: bootconfig}, nil
}

func slotSuffixFor(ctx *Context, slotData *avb.SlotData) string {
	if slotData != nil && slotData.Suffix != "" {
		return slotData.Suffix
	}
	return activeSlotSuffix(ctx)
}

// bootReason normalizes the recorded reboot reason for the OS. The
// variable is left in place; the OS clears it after logging.
func bootReason(ctx *Context) string {
	if watchdogReset(ctx.Platform.ResetSource()) {
		return "watchdog"
	}

	switch reason := ctx.Vars.RebootReason(); reason {
	case "":
		return "reboot"
	default:
		return reason
	}
}
