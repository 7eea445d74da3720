package boot

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/osboot/flinger/avb"
	"github.com/osboot/flinger/handover"
	"github.com/osboot/flinger/ramdisk"
	"github.com/osboot/flinger/rot"
)

// RootOfTrust receives the boot measurement before the OS runs.
type RootOfTrust interface {
	Measure(pcr int, report *rot.Report) error
}

// FastbootFunc runs the fastboot service loop and returns the decision
// the operator made there. It is a hook so the transport packages stay
// out of the decision core.
type FastbootFunc func(ctx *Context) (Decision, error)

// MemoryWiper zeroes conventional memory. Used on user builds before
// proceeding past an unverified (orange) state.
type MemoryWiper func() error

// Hooks are the optional collaborators the flow dispatches to.
type Hooks struct {
	RoT      RootOfTrust
	Fastboot FastbootFunc
	WipeRAM  MemoryWiper
}

// Run resolves the boot target and executes it. It returns only for the
// shell-exit target or on an unrecoverable failure; every other path
// ends in a handover, a reboot or a shutdown.
func Run(ctx *Context, hooks Hooks) error {
	start := ctx.now()
	d, err := Choose(ctx)
	if err != nil {
		return err
	}
	ctx.Stamps.Record("target", ctx.now().Sub(start))

	return Execute(ctx, hooks, d)
}

// Execute carries out a decision. UI returns feed back in as new
// decisions, so this recurses on policy redirections.
func Execute(ctx *Context, hooks Hooks, d Decision) error {
	ctx.log().Info("executing boot target", "target", d.Target.String(), "path", d.Path)

	switch d.Target {
	case ExitShell:
		return nil

	case PowerOff:
		return ctx.Power.Shutdown()

	case DNX, Crashmode, Memory:
		// platform-owned modes; re-enter through the firmware
		return ctx.Power.Reboot(d.Target)

	case Fastboot:
		if hooks.Fastboot == nil {
			return ctx.Power.Reboot(Fastboot)
		}
		next, err := hooks.Fastboot(ctx)
		if err != nil {
			return err
		}
		return Execute(ctx, hooks, next)

	case ESPEFIBinary:
		if d.OneShot {
			if err := ctx.Disk.Remove(d.Path); err != nil {
				ctx.log().Debug("one-shot binary removal failed", "path", d.Path, "err", err)
			}
		}
		return ctx.Chain.Start(d.Path)

	case Normal, Charger, Recovery, ESPBootimage:
		return bootImage(ctx, hooks, d)
	}

	return fmt.Errorf("%w: %s", ErrInvalidTarget, d.Target)
}

func bootImage(ctx *Context, hooks Hooks, d Decision) error {
	if err := DisableSlotIfStageFailed(ctx); err != nil {
		ctx.log().Debug("stage-failure bookkeeping failed", "err", err)
	}

	loadStart := ctx.now()
	res, err := LoadBootImage(ctx, d)
	switch {
	case errors.Is(err, ErrSlotMismatch):
		// no way forward with inconsistent slot state
		ctx.log().Error("slot mismatch, forcing cold reboot", "err", err)
		return ctx.Power.ColdReboot(d.Target)

	case err != nil:
		ctx.log().Error("boot image load failed", "target", d.Target.String(), "err", err)
		if err := ctx.Slots.MarkBootFailed(); err != nil {
			ctx.log().Debug("boot-failure bookkeeping failed", "err", err)
		}
		if d.Target == Recovery {
			// nothing left to fall back to
			return err
		}
		return ctx.Power.Reboot(Recovery)
	}
	ctx.Stamps.Record("load", ctx.now().Sub(loadStart))

	if ctx.Vars.DeviceUnlocked() {
		res.State = res.State.Merge(avb.Orange)
	}

	if res.State == avb.Red {
		if ctx.UI == nil {
			return ctx.Power.Shutdown()
		}
		// a broken recovery image gets its own warning, never the
		// generic red-state dialog
		var next Target
		if d.Target == Recovery {
			next = ctx.UI.WarnBadRecovery()
		} else {
			next = ctx.UI.WarnRedState(d.Target)
		}
		return Execute(ctx, hooks, Decision{Target: next})
	}

	if ctx.UserBuild && res.State == avb.Orange && hooks.WipeRAM != nil {
		// leave no verified-boot-bypass artifacts in RAM
		if err := hooks.WipeRAM(); err != nil {
			return fmt.Errorf("boot: memory wipe: %w", err)
		}
	}

	vendor, err := LoadVendorBootImage(ctx, d.Target)
	if err != nil {
		return err
	}

	if err := ApplyOEMVars(ctx, res, d.Target); err != nil {
		ctx.log().Warn("oem vars not applied", "err", err)
	}

	if err := ctx.Vars.SetBootState(uint8(res.State)); err != nil {
		ctx.log().Debug("boot state record failed", "err", err)
	}

	if hooks.RoT != nil {
		report := &rot.Report{
			State:        res.State,
			DeviceLocked: !ctx.Vars.DeviceUnlocked(),
			OSVersion:    res.Image.OSVersion() >> 11,
			PatchLevel:   res.Image.PatchLevel(),
		}
		if res.Slot != nil && len(res.Slot.RollbackIndexes) > 0 {
			report.RollbackIndex = res.Slot.RollbackIndexes[0]
		}
		if err := hooks.RoT.Measure(rot.DefaultPCR, report); err != nil {
			return err
		}
	}

	composed, err := ComposeCmdline(ctx, res, vendor, d.Target)
	if err != nil {
		return err
	}

	kernel := res.Image.Kernel()
	zeropage, err := handover.ParseKernel(bytes.NewReader(kernel))
	if err != nil {
		return err
	}

	initrd, err := ramdisk.Assemble(res.Image, vendor, composed.Bootconfig, handover.InitrdLimit(zeropage))
	if err != nil {
		return err
	}

	err = ctx.Handover.Boot(&handover.Request{
		Kernel:  kernel,
		Cmdline: composed.Kernel,
		Initrd:  initrd,
	})

	// reaching this point means the handover failed
	if markErr := ctx.Slots.MarkBootFailed(); markErr != nil {
		ctx.log().Debug("boot-failure bookkeeping failed", "err", markErr)
	}
	if err == nil {
		err = errors.New("boot: handover returned without error")
	}
	return err
}
